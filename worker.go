package learnsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
	"golang.org/x/sync/errgroup"
)

const (
	// HeaderCache marks responses served by the worker from its cache.
	HeaderCache = "X-Learnsync-Cache"

	DefaultAuthCheckPath = "/api/auth/session"
)

// DefaultStaticAssets are precached alongside the offline pages.
var DefaultStaticAssets = []string{"/manifest.json", "/icons/icon-192x192.png", "/icons/icon-512x512.png"}

// Broadcaster fans a message out to every connected client.
type Broadcaster interface {
	Broadcast(ctx context.Context, m Message) error
}

// WorkerConfig configures a CachePolicyWorker.
type WorkerConfig struct {
	// Origin is the upstream web app, e.g. "http://localhost:3000".
	Origin        string
	Locales       []string
	AuthCheckPath string
	// StaticAssets are precached and never purged, in addition to the
	// offline page of every locale.
	StaticAssets []string
	// Concurrency bounds parallel fetches when caching a URL set.
	Concurrency int
	Transport   http.RoundTripper
}

type workerRequest struct {
	ctx   context.Context
	msg   Message
	reply chan workerReply
}

type workerReply struct {
	msg Message
	err error
}

// CachePolicyWorker sits between the app and the network. It serves
// requests network-first while online and cache-first while offline, and
// takes cache-control instructions as messages.
type CachePolicyWorker struct {
	origin   string
	routes   Routes
	authPath string
	core     map[string]bool
	coreList []string
	limit    int
	cache    CacheStore
	upstream http.RoundTripper
	hub      Broadcaster
	log      *logger.Logger
	online   atomic.Bool
	inbox    chan workerRequest

	// runCtx is the Run context. Download caching runs on it rather than on
	// the poster's context.
	runCtx context.Context
	jobs   sync.WaitGroup
	// epoch increments on every purge; download jobs started in an older
	// epoch drop their results.
	epoch atomic.Uint64
}

// NewCachePolicyWorker creates a worker over cache. hub may be nil.
func NewCachePolicyWorker(cfg WorkerConfig, cache CacheStore, hub Broadcaster, log *logger.Logger) *CachePolicyWorker {
	routes := NewRoutes(cfg.Locales...)
	if cfg.AuthCheckPath == "" {
		cfg.AuthCheckPath = DefaultAuthCheckPath
	}
	if cfg.StaticAssets == nil {
		cfg.StaticAssets = DefaultStaticAssets
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	w := &CachePolicyWorker{
		origin:   strings.TrimRight(cfg.Origin, "/"),
		routes:   routes,
		authPath: cfg.AuthCheckPath,
		core:     make(map[string]bool),
		limit:    cfg.Concurrency,
		cache:    cache,
		upstream: cfg.Transport,
		hub:      hub,
		log:      logger.OrNop(log).With("component", "worker"),
		inbox:    make(chan workerRequest),
	}
	for _, l := range routes.Locales {
		w.addCore(routes.OfflinePath(l))
	}
	for _, a := range cfg.StaticAssets {
		w.addCore(a)
	}
	w.online.Store(true)
	return w
}

func (w *CachePolicyWorker) addCore(key string) {
	if !w.core[key] {
		w.core[key] = true
		w.coreList = append(w.coreList, key)
	}
}

// IsOnline reports the worker's view of connectivity.
func (w *CachePolicyWorker) IsOnline() bool { return w.online.Load() }

// CoreAssets lists the keys that are never purged.
func (w *CachePolicyWorker) CoreAssets() []string {
	return append([]string(nil), w.coreList...)
}

// ============================================================================
// Lifecycle & messages
// ============================================================================

// Install precaches the core assets.
func (w *CachePolicyWorker) Install(ctx context.Context) error {
	n, failed := w.cacheURLs(ctx, w.coreList, "", w.epoch.Load())
	w.log.Info("precache complete", "cached", n-failed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("precache: %d of %d core assets failed", failed, n)
	}
	return nil
}

// Run processes posted messages one at a time until ctx is done. It waits
// for background download caching to stop before returning.
func (w *CachePolicyWorker) Run(ctx context.Context) error {
	w.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			w.jobs.Wait()
			return ctx.Err()
		case req := <-w.inbox:
			reply, err := w.handle(req.ctx, req.msg)
			req.reply <- workerReply{msg: reply, err: err}
		}
	}
}

// Post delivers m to the running worker and waits for its reply, which is
// nil for messages that have none.
func (w *CachePolicyWorker) Post(ctx context.Context, m Message) (Message, error) {
	req := workerRequest{ctx: ctx, msg: m, reply: make(chan workerReply, 1)}
	select {
	case w.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *CachePolicyWorker) handle(ctx context.Context, m Message) (Message, error) {
	switch msg := m.(type) {
	case CacheDownloadContent:
		w.cacheInBackground(msg)
		return nil, nil
	case DownloadsCleared:
		removed, err := w.Purge(ctx)
		w.log.Info("downloads purged", "removed", removed)
		return nil, err
	case OnlineStatusChanged:
		was := w.online.Swap(msg.IsOnline)
		if msg.IsOnline && !was && w.hub != nil {
			if err := w.hub.Broadcast(ctx, BackOnline{Lang: msg.Lang}); err != nil {
				w.log.Warn("back-online broadcast failed", "error", err)
			}
		}
		return nil, nil
	case CheckDownloads:
		has, err := w.hasDownloads(ctx)
		return HasDownloads{HasDownloads: has}, err
	default:
		return nil, fmt.Errorf("worker: unsupported message %s", m.Kind())
	}
}

// cacheInBackground acknowledges msg at once and fetches its URL set on
// the worker's context. The poster's deadline only bounds delivery.
func (w *CachePolicyWorker) cacheInBackground(msg CacheDownloadContent) {
	ctx := w.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	epoch := w.epoch.Load()
	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		n, failed := w.cacheURLs(ctx, msg.URLs, msg.Key, epoch)
		if failed > 0 {
			w.log.Warn("download partially cached", "key", msg.Key, "urls", n, "failed", failed)
			return
		}
		w.log.Info("download cached", "key", msg.Key, "urls", n)
	}()
}

// Wait blocks until every download accepted so far has finished caching.
func (w *CachePolicyWorker) Wait() {
	w.jobs.Wait()
}

// Purge deletes every cache entry except the core assets. Downloads still
// being cached when it runs are discarded.
func (w *CachePolicyWorker) Purge(ctx context.Context) (int, error) {
	w.epoch.Add(1)
	keys, err := w.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, k := range keys {
		if w.core[k] {
			continue
		}
		if err := w.cache.Delete(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (w *CachePolicyWorker) hasDownloads(ctx context.Context) (bool, error) {
	keys, err := w.cache.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if r, ok := w.cache.Match(ctx, k); ok && r.Tag != "" {
			return true, nil
		}
	}
	return false, nil
}

// cacheURLs fetches urls from the network and stores the 200s under tag.
func (w *CachePolicyWorker) cacheURLs(ctx context.Context, urls []string, tag string, epoch uint64) (total, failed int) {
	var (
		g     errgroup.Group
		failN atomic.Int32
	)
	g.SetLimit(w.limit)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if err := w.fetchAndStore(ctx, u, tag, epoch); err != nil {
				failN.Add(1)
				w.log.Warn("precache failed", "url", u, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(urls), int(failN.Load())
}

func (w *CachePolicyWorker) fetchAndStore(ctx context.Context, path, tag string, epoch uint64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.origin+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := w.upstream.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if tag != "" && w.epoch.Load() != epoch {
		return nil
	}
	return w.cache.Put(ctx, req.URL.RequestURI(), &CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
		Tag:      tag,
	})
}

// ============================================================================
// Request policy
// ============================================================================

// RoundTrip applies the cache policy to req. Offline misses on content come
// back as *UnavailableOfflineError.
func (w *CachePolicyWorker) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := req.URL.RequestURI()

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		if !w.IsOnline() {
			return nil, ErrOffline
		}
		return w.upstream.RoundTrip(req)
	}

	if w.IsOnline() {
		return w.networkFirst(req, key)
	}

	if req.URL.Path == w.authPath {
		return synthetic(req, http.StatusOK, "application/json", []byte("{}"), "synthetic"), nil
	}
	if r, ok := w.cache.Match(ctx, key); ok {
		return fromCache(req, r, "hit"), nil
	}
	lang := w.routes.LangOf(req.URL.Path)
	if view, ok := ParseDetailPath(req.URL.Path); ok {
		if r, ok := w.localeFallback(ctx, view); ok {
			return fromCache(req, r, "locale-fallback"), nil
		}
		return nil, &UnavailableOfflineError{Path: req.URL.Path, Lang: view.Lang}
	}
	if isPageRequest(req) {
		for _, l := range []string{lang, w.routes.DefaultLocale} {
			if r, ok := w.cache.Match(ctx, w.routes.OfflinePath(l)); ok {
				return fromCache(req, r, "offline-page"), nil
			}
		}
	}
	return nil, &UnavailableOfflineError{Path: req.URL.Path, Lang: lang}
}

func (w *CachePolicyWorker) networkFirst(req *http.Request, key string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Cache-Control", "no-cache")
	out.Header.Set("Pragma", "no-cache")
	out.Header.Del("If-None-Match")
	out.Header.Del("If-Modified-Since")

	resp, err := w.upstream.RoundTrip(out)
	if err != nil {
		if r, ok := w.cache.Match(req.Context(), key); ok {
			w.log.Warn("network failed, serving cached copy", "url", key, "error", err)
			return fromCache(req, r, "stale"), nil
		}
		return nil, err
	}
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	cached := &CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if prev, ok := w.cache.Match(req.Context(), key); ok {
		cached.Tag = prev.Tag
	}
	if err := w.cache.Put(req.Context(), key, cached); err != nil {
		w.log.Warn("cache store failed", "url", key, "error", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// localeFallback looks for the same content id cached under any locale,
// trying the requested locale first.
func (w *CachePolicyWorker) localeFallback(ctx context.Context, view DetailView) (*CachedResponse, bool) {
	keys, err := w.cache.Keys(ctx)
	if err != nil {
		return nil, false
	}
	byLang := make(map[string][]string)
	for _, k := range keys {
		path := k
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		v, ok := ParseDetailPath(path)
		if !ok || v.ID != view.ID {
			continue
		}
		if v.Kind == view.Kind {
			byLang[v.Lang] = append([]string{k}, byLang[v.Lang]...)
		} else {
			byLang[v.Lang] = append(byLang[v.Lang], k)
		}
	}
	for _, l := range w.routes.localeOrder(view.Lang) {
		for _, k := range byLang[l] {
			if r, ok := w.cache.Match(ctx, k); ok {
				return r, true
			}
		}
	}
	return nil, false
}

func isPageRequest(req *http.Request) bool {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		return false
	}
	accept := req.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/html")
}

func fromCache(req *http.Request, r *CachedResponse, how string) *http.Response {
	ct := r.Header.Get("Content-Type")
	resp := synthetic(req, r.Status, ct, r.Body, how)
	for k, vs := range r.Header {
		if k == "Content-Length" {
			continue
		}
		resp.Header[k] = append([]string(nil), vs...)
	}
	resp.Header.Set(HeaderCache, how)
	return resp
}

func synthetic(req *http.Request, status int, contentType string, body []byte, how string) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set(HeaderCache, how)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// ============================================================================
// HTTP front
// ============================================================================

// ServeHTTP proxies r to the origin through the cache policy. Content that is
// unavailable offline redirects to the downloads page.
func (w *CachePolicyWorker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	out, err := http.NewRequestWithContext(r.Context(), r.Method, w.origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()

	resp, err := w.RoundTrip(out)
	if err != nil {
		var unavailable *UnavailableOfflineError
		switch {
		case errors.As(err, &unavailable):
			http.Redirect(rw, r, w.routes.DownloadsPath(unavailable.Lang), http.StatusFound)
		case errors.Is(err, ErrOffline):
			http.Error(rw, "offline", http.StatusServiceUnavailable)
		default:
			w.log.Warn("upstream failed", "url", r.URL.RequestURI(), "error", err)
			http.Error(rw, "bad gateway", http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}
