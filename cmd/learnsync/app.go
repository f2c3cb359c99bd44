package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/learnhub/learnsync"
	"github.com/learnhub/learnsync/internal/logger"
)

// messagesPath is where `serve` accepts worker messages over plain HTTP.
const messagesPath = "/__learnsync/messages"

// app holds the wired library components for one CLI invocation.
type app struct {
	cfg       *Config
	log       *logger.Logger
	store     learnsync.Store
	client    *learnsync.Client
	monitor   *learnsync.NetworkMonitor
	engine    *learnsync.SyncEngine
	downloads *learnsync.DownloadManager
	progress  *learnsync.ProgressTracker
}

// newApp wires the store, API client, monitor and sync engine. worker
// receives cache instructions; nil means the one running under `serve`.
func newApp(ctx context.Context, worker learnsync.MessagePoster) (*app, error) {
	cfg, dir, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	store := learnsync.OpenStore(ctx, learnsync.StoreConfig{Driver: cfg.Store.Driver, Path: cfg.Store.Path}, log)
	if store.Degraded() {
		log.Warn("local store unavailable, changes will not persist")
	}

	opts := []learnsync.ClientOption{learnsync.WithBaseURL(cfg.Default.BaseURL)}
	if cfg.Default.Token != "" {
		opts = append(opts, learnsync.WithToken(cfg.Default.Token))
	}
	if cfg.Default.SigningSecret != "" {
		opts = append(opts, learnsync.WithSigningSecret(cfg.Default.SigningSecret))
	}
	client := learnsync.NewClient(opts...)

	if worker == nil {
		worker = &httpPoster{
			url:    "http://" + cfg.Worker.Listen + messagesPath,
			client: &http.Client{Timeout: 5 * time.Second},
		}
	}

	healthURL := strings.TrimRight(cfg.Default.BaseURL, "/") + learnsync.DefaultAuthCheckPath
	monitor := learnsync.NewNetworkMonitor(&learnsync.MonitorOptions{
		PollInterval: durationOr(cfg.Sync.PollInterval, learnsync.DefaultPollInterval),
		Debounce:     durationOr(cfg.Sync.Debounce, learnsync.DefaultDebounce),
		Lang:         cfg.Default.Lang,
		Worker:       worker,
		HealthURL:    healthURL,
	}, log)

	state := learnsync.NewFileState(filepath.Join(dir, "state.toml"))
	engine := learnsync.NewSyncEngine(store, client, monitor, state, log)
	monitor.Attach(engine)
	if n := engine.Recover(ctx); n > 0 {
		log.Info("recovered interrupted actions", "count", n)
	}

	routes := learnsync.NewRoutes(cfg.Worker.Locales...)
	downloads := learnsync.NewDownloadManager(store, client, engine, monitor, worker, log).
		WithRoutes(routes, cfg.Default.Lang)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		client:    client,
		monitor:   monitor,
		engine:    engine,
		downloads: downloads,
		progress:  learnsync.NewProgressTracker(store, engine, log),
	}, nil
}

// checkOnline sets the monitor's online flag from a single health check.
func (a *app) checkOnline(ctx context.Context) bool {
	online := a.monitor.CheckHealth(ctx)
	if !online {
		a.monitor.SetOnline(false)
	}
	return online
}

func (a *app) userID() (string, error) {
	if a.cfg.Default.UserID == "" {
		return "", fmt.Errorf("no user configured. Run 'learnsync init <user-id>' or pass --user")
	}
	return a.cfg.Default.UserID, nil
}

func (a *app) close() {
	a.monitor.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", "error", err)
	}
	a.log.Sync()
}

// withApp runs fn against a freshly wired app with connectivity checked once.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.close()
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	a.checkOnline(pctx)
	cancel()
	return fn(ctx, a)
}

// ============================================================================
// HTTP message poster
// ============================================================================

// httpPoster delivers worker messages to a running `serve` process.
type httpPoster struct {
	url    string
	client *http.Client
}

func (p *httpPoster) Post(ctx context.Context, m learnsync.Message) (learnsync.Message, error) {
	data, err := learnsync.EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return learnsync.DecodeMessage(body)
}
