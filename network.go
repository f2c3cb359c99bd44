package learnsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultDebounce       = 2 * time.Second
	DefaultHealthInterval = 10 * time.Second
	workerNotifyTimeout   = 5 * time.Second
)

// ErrSyncInProgress is returned by Retry while another pass runs.
var ErrSyncInProgress = errors.New("learnsync: sync already in progress")

// Syncer is the part of the sync engine the monitor drives.
type Syncer interface {
	DrainQueue(ctx context.Context) SyncResult
	RetryFailedActions(ctx context.Context) SyncResult
	PendingCount(ctx context.Context) int
}

// MessagePoster delivers a message to the cache policy worker.
type MessagePoster interface {
	Post(ctx context.Context, m Message) (Message, error)
}

// MonitorOptions configures a NetworkMonitor. Zero values take defaults.
type MonitorOptions struct {
	PollInterval time.Duration
	Debounce     time.Duration
	StartOffline bool
	// Lang is sent with connectivity messages to the worker.
	Lang   string
	Worker MessagePoster
	// HealthURL, when set, is polled with HEAD to derive the online signal.
	HealthURL      string
	HealthInterval time.Duration
	HealthClient   *http.Client
}

// NetworkStatus is a snapshot handed to OnChange listeners.
type NetworkStatus struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Syncing bool `json:"syncing"`
}

// NetworkMonitor is the single owner of the online flag. It tracks pending
// work and syncs automatically shortly after reconnecting.
type NetworkMonitor struct {
	pollInterval   time.Duration
	debounce       time.Duration
	lang           string
	worker         MessagePoster
	healthURL      string
	healthInterval time.Duration
	healthClient   *http.Client
	log            *logger.Logger

	mu        sync.Mutex
	online    bool
	pending   int
	syncing   bool
	engine    Syncer
	timer     *time.Timer
	listeners []func(NetworkStatus)
	stopCh    chan struct{}
	running   bool
}

func NewNetworkMonitor(opts *MonitorOptions, log *logger.Logger) *NetworkMonitor {
	if opts == nil {
		opts = &MonitorOptions{}
	}
	m := &NetworkMonitor{
		pollInterval:   opts.PollInterval,
		debounce:       opts.Debounce,
		lang:           opts.Lang,
		worker:         opts.Worker,
		healthURL:      opts.HealthURL,
		healthInterval: opts.HealthInterval,
		healthClient:   opts.HealthClient,
		log:            logger.OrNop(log).With("component", "network"),
		online:         !opts.StartOffline,
	}
	if m.pollInterval <= 0 {
		m.pollInterval = DefaultPollInterval
	}
	if m.debounce <= 0 {
		m.debounce = DefaultDebounce
	}
	if m.healthInterval <= 0 {
		m.healthInterval = DefaultHealthInterval
	}
	if m.healthClient == nil {
		m.healthClient = &http.Client{Timeout: 5 * time.Second}
	}
	return m
}

// Attach connects the sync engine. It is separate from construction because
// the engine itself reads the monitor's online flag.
func (m *NetworkMonitor) Attach(engine Syncer) {
	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()
}

// SetWorker connects the cache policy worker.
func (m *NetworkMonitor) SetWorker(w MessagePoster) {
	m.mu.Lock()
	m.worker = w
	m.mu.Unlock()
}

// OnChange registers a listener called after every state change.
func (m *NetworkMonitor) OnChange(fn func(NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *NetworkMonitor) PendingActionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *NetworkMonitor) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing
}

func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *NetworkMonitor) statusLocked() NetworkStatus {
	return NetworkStatus{Online: m.online, Pending: m.pending, Syncing: m.syncing}
}

func (m *NetworkMonitor) notify() {
	m.mu.Lock()
	st := m.statusLocked()
	ls := append([]func(NetworkStatus){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range ls {
		func() {
			defer func() { recover() }()
			fn(st)
		}()
	}
}

// SetOnline feeds the host connectivity signal. Going offline is immediate;
// coming online schedules an automatic sync after the debounce delay.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if online {
		m.timer = time.AfterFunc(m.debounce, m.afterReconnect)
	}
	worker, lang := m.worker, m.lang
	m.mu.Unlock()

	m.log.Info("connectivity changed", "online", online)
	if worker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), workerNotifyTimeout)
		if _, err := worker.Post(ctx, OnlineStatusChanged{IsOnline: online, Lang: lang}); err != nil {
			m.log.Warn("worker notify failed", "error", err)
		}
		cancel()
	}
	m.notify()
}

func (m *NetworkMonitor) afterReconnect() {
	if !m.IsOnline() {
		return
	}
	ctx := context.Background()
	if m.RefreshPending(ctx) > 0 {
		m.Sync(ctx)
	}
}

// RefreshPending re-reads the pending count from the queue.
func (m *NetworkMonitor) RefreshPending(ctx context.Context) int {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return 0
	}
	n := engine.PendingCount(ctx)
	m.mu.Lock()
	changed := m.pending != n
	m.pending = n
	m.mu.Unlock()
	if changed {
		m.notify()
	}
	return n
}

func (m *NetworkMonitor) begin() (Syncer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncing || m.engine == nil {
		return nil, false
	}
	m.syncing = true
	return m.engine, true
}

func (m *NetworkMonitor) end(ctx context.Context) {
	m.mu.Lock()
	m.syncing = false
	m.mu.Unlock()
	m.RefreshPending(ctx)
	m.notify()
}

// Sync drains the queue. It reports false without doing anything when a
// pass is already running.
func (m *NetworkMonitor) Sync(ctx context.Context) (SyncResult, bool) {
	engine, ok := m.begin()
	if !ok {
		return SyncResult{}, false
	}
	m.notify()
	defer m.end(ctx)
	res := engine.DrainQueue(ctx)
	return res, true
}

// Retry re-attempts failed actions. It fails with ErrOffline when
// disconnected.
func (m *NetworkMonitor) Retry(ctx context.Context) (SyncResult, error) {
	if !m.IsOnline() {
		return SyncResult{}, ErrOffline
	}
	engine, ok := m.begin()
	if !ok {
		return SyncResult{}, ErrSyncInProgress
	}
	m.notify()
	defer m.end(ctx)
	return engine.RetryFailedActions(ctx), nil
}

// ============================================================================
// Background loops
// ============================================================================

// Start begins polling the pending count and, when configured, probing
// connectivity. It returns immediately.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	m.RefreshPending(ctx)
	go m.pollLoop(ctx, stop)
	if m.healthURL != "" {
		go m.healthLoop(ctx, stop)
	}
}

// Stop ends the background loops and cancels a pending auto-sync.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.running {
		m.running = false
		close(m.stopCh)
	}
}

func (m *NetworkMonitor) pollLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.RefreshPending(ctx)
		}
	}
}

func (m *NetworkMonitor) healthLoop(ctx context.Context, stop <-chan struct{}) {
	m.SetOnline(m.CheckHealth(ctx))
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.SetOnline(m.CheckHealth(ctx))
		}
	}
}

// CheckHealth reports whether the health URL answers without a server error.
func (m *NetworkMonitor) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.healthClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
