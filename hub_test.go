package learnsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type answeringWorker struct {
	mu   sync.Mutex
	seen []Message
}

func (w *answeringWorker) Post(_ context.Context, m Message) (Message, error) {
	w.mu.Lock()
	w.seen = append(w.seen, m)
	w.mu.Unlock()
	if _, ok := m.(CheckDownloads); ok {
		return HasDownloads{HasDownloads: true}, nil
	}
	return nil, nil
}

func (w *answeringWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

type inbox struct {
	ch chan Message
}

func newInbox() *inbox { return &inbox{ch: make(chan Message, 8)} }

func (i *inbox) handle(m Message) { i.ch <- m }

func (i *inbox) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-i.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHubRequestReply(t *testing.T) {
	worker := &answeringWorker{}
	hub := NewHub(worker, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	in := newInbox()
	l := NewWorkerListener(ListenerConfig{URL: srv.URL}, in.handle, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	if err := l.Send(ctx, CheckDownloads{Lang: "fr"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, ok := in.next(t).(HasDownloads)
	if !ok || !reply.HasDownloads {
		t.Errorf("reply = %#v", reply)
	}

	// No reply for fire-and-forget messages.
	l.Send(ctx, DownloadsCleared{})
	waitFor(t, "worker to see both messages", func() bool { return worker.count() == 2 })
	select {
	case m := <-in.ch:
		t.Errorf("unexpected reply %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inboxes := []*inbox{newInbox(), newInbox()}
	for _, in := range inboxes {
		l := NewWorkerListener(ListenerConfig{URL: srv.URL}, in.handle, nil)
		if err := l.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer l.Close()
	}
	waitFor(t, "clients to register", func() bool { return hub.ClientCount() == 2 })

	if err := hub.Broadcast(ctx, BackOnline{Lang: "ar"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, in := range inboxes {
		if m, ok := in.next(t).(BackOnline); !ok || m.Lang != "ar" {
			t.Errorf("broadcast = %#v", m)
		}
	}
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	l := NewWorkerListener(ListenerConfig{URL: srv.URL}, nil, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "client to register", func() bool { return hub.ClientCount() == 1 })
	l.Close()
	waitFor(t, "client to leave", func() bool { return hub.ClientCount() == 0 })

	if err := l.Send(context.Background(), CheckDownloads{}); err == nil {
		t.Error("send after close should fail")
	}
}

func TestListenerReconnects(t *testing.T) {
	hub := NewHub(&answeringWorker{}, nil)
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) == 1 {
			conn, err := websocket.Accept(w, r, nil)
			if err == nil {
				conn.Close(websocket.StatusGoingAway, "restarting")
			}
			return
		}
		hub.ServeHTTP(w, r)
	}))
	defer srv.Close()

	in := newInbox()
	l := NewWorkerListener(ListenerConfig{
		URL:                srv.URL,
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		MaxReconnectDelay:  20 * time.Millisecond,
	}, in.handle, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	waitFor(t, "listener to redial", func() bool { return hub.ClientCount() == 1 })
	waitFor(t, "send on the new connection", func() bool {
		return l.Send(ctx, CheckDownloads{}) == nil
	})
	if m, ok := in.next(t).(HasDownloads); !ok || !m.HasDownloads {
		t.Errorf("reply after reconnect = %#v", m)
	}
	if dials.Load() != 2 {
		t.Errorf("dials = %d", dials.Load())
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second, maxAttempts: 3, stableAfter: time.Minute}
	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		d, attempt, ok := r.next()
		if !ok {
			t.Fatalf("attempt %d refused", i)
		}
		if attempt != i+1 {
			t.Errorf("attempt = %d, want %d", attempt, i+1)
		}
		if d < prev || d > time.Second {
			t.Errorf("delay %d = %v", i, d)
		}
		prev = d
	}
	if _, _, ok := r.next(); ok {
		t.Error("should stop after max attempts")
	}
}

func TestReconnectorStableConnection(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second, stableAfter: time.Minute}
	r.next()
	r.next()

	t.Run("short-lived connection keeps counting", func(t *testing.T) {
		r.markConnected()
		if _, attempt, _ := r.next(); attempt != 3 {
			t.Errorf("attempt = %d, want 3", attempt)
		}
	})

	t.Run("long-lived connection starts over", func(t *testing.T) {
		r.mu.Lock()
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		r.mu.Unlock()
		d, attempt, _ := r.next()
		if attempt != 1 || d > 150*time.Millisecond {
			t.Errorf("after stable connection: attempt %d delay %v", attempt, d)
		}
	})

	t.Run("reset clears history", func(t *testing.T) {
		r.markConnected()
		r.reset()
		if r.attempts() != 0 || !r.connectedAt.IsZero() {
			t.Errorf("after reset: attempt %d connectedAt %v", r.attempts(), r.connectedAt)
		}
	})
}

// A listener that exhausted its redials against a dead hub must back off from
// scratch once the caller closes it and connects again.
func TestListenerCloseResetsBackoff(t *testing.T) {
	hub := NewHub(&answeringWorker{}, nil)
	var up atomic.Bool
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) == 1 {
			conn, err := websocket.Accept(w, r, nil)
			if err == nil {
				conn.Close(websocket.StatusGoingAway, "shutting down")
			}
			return
		}
		if !up.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		hub.ServeHTTP(w, r)
	}))
	defer srv.Close()

	l := NewWorkerListener(ListenerConfig{
		URL:                  srv.URL,
		AutoReconnect:        true,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "redials to run out", func() bool { return dials.Load() == 3 })
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 3 {
		t.Fatalf("dials after giving up = %d", n)
	}
	if l.recon.attempts() != 2 {
		t.Errorf("attempts = %d", l.recon.attempts())
	}

	l.Close()
	if l.recon.attempts() != 0 {
		t.Errorf("attempts after Close = %d", l.recon.attempts())
	}

	up.Store(true)
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("Connect after Close: %v", err)
	}
	waitFor(t, "client to register again", func() bool { return hub.ClientCount() == 1 })

	connectedAt := func() time.Time {
		l.recon.mu.Lock()
		defer l.recon.mu.Unlock()
		return l.recon.connectedAt
	}
	if connectedAt().IsZero() {
		t.Error("connect not recorded")
	}
	l.Close()
	if !connectedAt().IsZero() {
		t.Error("connectedAt survives Close")
	}
}
