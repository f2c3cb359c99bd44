package learnsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
	"nhooyr.io/websocket"
)

const hubWriteTimeout = 5 * time.Second

// ============================================================================
// Hub (worker side)
// ============================================================================

// Hub is the worker's side of the message channel. Clients connect over a
// websocket, post messages to the worker and receive broadcasts such as
// BACK_ONLINE.
type Hub struct {
	worker MessagePoster
	log    *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a hub. Messages received from clients are posted to worker
// and its reply, if any, is written back to the sender. worker may be set
// later with SetWorker.
func NewHub(worker MessagePoster, log *logger.Logger) *Hub {
	return &Hub{
		worker:  worker,
		log:     logger.OrNop(log).With("component", "hub"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) SetWorker(w MessagePoster) {
	h.mu.Lock()
	h.worker = w
	h.mu.Unlock()
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			h.log.Debug("dropping bad client message", "error", err)
			continue
		}
		h.mu.Lock()
		worker := h.worker
		h.mu.Unlock()
		if worker == nil {
			continue
		}
		reply, err := worker.Post(ctx, msg)
		if err != nil {
			h.log.Warn("worker rejected client message", "type", msg.Kind(), "error", err)
			continue
		}
		if reply != nil {
			if err := writeMessage(ctx, conn, reply); err != nil {
				return
			}
		}
	}
}

// Broadcast sends m to every connected client. Clients that cannot be
// written to are dropped.
func (h *Hub) Broadcast(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		err := c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			errs = append(errs, err)
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.Close(websocket.StatusGoingAway, "write failed")
		}
	}
	h.log.Debug("broadcast", "type", m.Kind(), "clients", len(conns), "failed", len(errs))
	return errors.Join(errs...)
}

func writeMessage(ctx context.Context, conn *websocket.Conn, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// ============================================================================
// Reconnection
// ============================================================================

// reconnector paces redials of one WorkerListener. It is shared between the
// caller's goroutine (Connect, Close) and the read loop, hence the mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// reset forgets the connection history; the next drop backs off from
// baseDelay again.
func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// next returns the delay before the next redial, or false once maxAttempts
// redials failed in a row. The delay is exponential with up to 50% jitter,
// capped at maxDelay. A connection that stayed up for stableAfter starts the
// sequence over.
func (r *reconnector) next() (time.Duration, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, r.attempt, false
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt, true
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// ============================================================================
// WorkerListener (client side)
// ============================================================================

// ListenerConfig configures a WorkerListener.
type ListenerConfig struct {
	// URL is the hub endpoint, http(s) or ws(s).
	URL                  string
	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	// StableAfter is how long a connection must stay up before its drop
	// counts as a fresh failure rather than another attempt.
	StableAfter time.Duration
}

func (c *ListenerConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = time.Minute
	}
}

// WorkerListener is a client tab's connection to the hub. It delivers
// worker messages to a handler and reconnects with backoff when dropped.
type WorkerListener struct {
	cfg     ListenerConfig
	recon   *reconnector
	log     *logger.Logger
	handler func(Message)

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	intentional bool
}

func NewWorkerListener(cfg ListenerConfig, handler func(Message), log *logger.Logger) *WorkerListener {
	cfg.defaults()
	return &WorkerListener{
		cfg: cfg,
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.MaxReconnectDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
			stableAfter: cfg.StableAfter,
		},
		log:     logger.OrNop(log).With("component", "listener"),
		handler: handler,
	}
}

func wsURL(u string) string {
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// Connect dials the hub and starts reading.
func (l *WorkerListener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	l.intentional = false
	l.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, wsURL(l.cfg.URL), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.mu.Unlock()
	l.recon.markConnected()

	go l.readLoop(connCtx, conn)
	return nil
}

// Send posts m to the worker through the hub.
func (l *WorkerListener) Send(ctx context.Context, m Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("listener not connected")
	}
	return writeMessage(ctx, conn, m)
}

// Close disconnects and stops reconnecting. A later Connect starts with a
// fresh backoff.
func (l *WorkerListener) Close() error {
	l.recon.reset()
	l.mu.Lock()
	l.intentional = true
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (l *WorkerListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.mu.Lock()
			intentional := l.intentional
			if l.conn == conn {
				l.conn = nil
			}
			l.mu.Unlock()
			if intentional {
				return
			}
			l.log.Warn("hub connection lost", "error", err)
			if l.cfg.AutoReconnect {
				l.reconnect(context.WithoutCancel(ctx))
			}
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}
		if l.handler != nil {
			func() {
				defer func() { recover() }()
				l.handler(msg)
			}()
		}
	}
}

func (l *WorkerListener) reconnect(ctx context.Context) {
	for {
		delay, attempt, ok := l.recon.next()
		if !ok {
			l.log.Error("giving up on hub", "attempts", attempt)
			return
		}
		l.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		l.mu.Lock()
		stop := l.intentional
		l.mu.Unlock()
		if stop {
			return
		}
		if err := l.Connect(ctx); err == nil {
			return
		}
	}
}
