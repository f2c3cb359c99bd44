package learnsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/learnhub/learnsync/internal/logger"
)

// ============================================================================
// Event Emitter
// ============================================================================

const (
	EventActionQueued = "action.queued"
	EventActionSent   = "action.sent"
	EventActionFailed = "action.failed"
	EventSyncComplete = "sync.complete"
)

// EventHandler observes sync events. Payload types: QueuedAction for action
// events, SyncResult for sync.complete.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(event, payload)
		}()
	}
}

// ============================================================================
// Sync Engine
// ============================================================================

// Sender performs a mutation against the remote API.
type Sender interface {
	Do(ctx context.Context, a QueuedAction) error
}

// Connectivity reports the live online signal.
type Connectivity interface {
	IsOnline() bool
}

// SyncEngine owns the action queue: it records mutations that could not be
// delivered and replays them when asked.
type SyncEngine struct {
	emitter
	store Store
	api   Sender
	net   Connectivity
	state StateStore
	log   *logger.Logger
	now   func() time.Time

	// claimTimeout is how long an action may sit in processing before
	// Recover treats its pass as dead.
	claimTimeout time.Duration
}

// DefaultClaimTimeout exceeds the client's request timeout, so a live pass
// never has its in-flight action recovered from under it.
const DefaultClaimTimeout = 2 * time.Minute

// NewSyncEngine wires the engine. net may be nil, meaning always online.
func NewSyncEngine(store Store, api Sender, net Connectivity, state StateStore, log *logger.Logger) *SyncEngine {
	if state == nil {
		state = NewMemoryState()
	}
	return &SyncEngine{
		emitter: emitter{listeners: make(map[string][]EventHandler)},
		store:   store,
		api:     api,
		net:     net,
		state:   state,
		log:     logger.OrNop(log).With("component", "sync"),
		now:     time.Now,

		claimTimeout: DefaultClaimTimeout,
	}
}

func (e *SyncEngine) online() bool {
	return e.net == nil || e.net.IsOnline()
}

// Enqueue appends a pending action and returns it with its assigned id.
func (e *SyncEngine) Enqueue(ctx context.Context, a QueuedAction) QueuedAction {
	a.ID = ""
	a.Seq = 0
	a.Status = StatusPending
	a.Timestamp = e.now().UTC()
	a.RetryCount = 0
	a.LastError = ""
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = uuid.NewString()
	}
	rec := e.putAction(ctx, a)
	a.ID, a.Seq = rec.ID, rec.Seq
	e.log.Debug("action queued", "id", a.ID, "method", a.Method, "url", a.URL)
	e.emit(EventActionQueued, a)
	return a
}

// Dispatch sends a immediately when online and queues it otherwise or when
// the send fails. It reports whether the action reached the network.
func (e *SyncEngine) Dispatch(ctx context.Context, a QueuedAction) bool {
	if a.IdempotencyKey == "" {
		a.IdempotencyKey = uuid.NewString()
	}
	if e.online() {
		err := e.api.Do(ctx, a)
		if err == nil {
			e.emit(EventActionSent, a)
			return true
		}
		e.log.Warn("direct send failed, queueing", "method", a.Method, "url", a.URL, "error", err)
	}
	e.Enqueue(ctx, a)
	return false
}

// DrainQueue attempts every pending action once in enqueue order.
func (e *SyncEngine) DrainQueue(ctx context.Context) SyncResult {
	return e.process(ctx, StatusPending)
}

// RetryFailedActions attempts every failed action once in enqueue order.
func (e *SyncEngine) RetryFailedActions(ctx context.Context) SyncResult {
	return e.process(ctx, StatusFailed)
}

// claim takes a for the calling pass by moving it from `from` to processing
// in the store. It fails when another pass, in this process or another one
// sharing the store, got there first.
func (e *SyncEngine) claim(ctx context.Context, a *QueuedAction, from ActionStatus) bool {
	if !e.store.Transition(ctx, PartitionActionQueue, a.ID, string(from), string(StatusProcessing)) {
		return false
	}
	a.Status = StatusProcessing
	return true
}

// process walks a snapshot of the actions in status from. Each one is
// claimed right before it is sent, so processing only ever marks an action
// that is on the wire.
func (e *SyncEngine) process(ctx context.Context, from ActionStatus) SyncResult {
	var (
		res       SyncResult
		attempted int
	)
	for _, a := range e.byStatus(ctx, from) {
		if !e.claim(ctx, &a, from) {
			continue
		}
		attempted++
		err := e.api.Do(ctx, a)
		if err == nil {
			e.store.Delete(ctx, PartitionActionQueue, a.ID)
			res.Success++
			e.emit(EventActionSent, a)
			continue
		}
		a.Status = StatusFailed
		a.RetryCount++
		a.LastError = err.Error()
		e.putAction(ctx, a)
		res.Failed++
		e.log.Warn("action failed", "id", a.ID, "retry_count", a.RetryCount, "error", err)
		e.emit(EventActionFailed, a)
	}
	if res.Success > 0 {
		if err := e.state.SetState(LastSyncKey, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
			e.log.Error("record last sync", "error", err)
		}
	}
	if attempted > 0 {
		e.log.Info("sync pass complete", "success", res.Success, "failed", res.Failed)
	}
	e.emit(EventSyncComplete, res)
	return res
}

// Recover returns actions stranded in processing by a pass that died to
// pending. An action counts as stranded once it has been processing for
// longer than the claim timeout, so passes still running elsewhere keep
// theirs.
func (e *SyncEngine) Recover(ctx context.Context) int {
	cutoff := e.now().Add(-e.claimTimeout)
	n := 0
	for _, rec := range e.store.GetByIndex(ctx, PartitionActionQueue, IndexStatus, string(StatusProcessing)) {
		if rec.Updated.After(cutoff) {
			continue
		}
		if e.store.Transition(ctx, PartitionActionQueue, rec.ID, string(StatusProcessing), string(StatusPending)) {
			n++
		}
	}
	if n > 0 {
		e.log.Info("recovered stranded actions", "count", n)
	}
	return n
}

// ============================================================================
// Inspection
// ============================================================================

// QueueStats counts queued actions by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

func (e *SyncEngine) List(ctx context.Context) []QueuedAction {
	return actionsFromRecords(e.store.GetAll(ctx, PartitionActionQueue))
}

func (e *SyncEngine) Pending(ctx context.Context) []QueuedAction {
	return e.byStatus(ctx, StatusPending)
}

func (e *SyncEngine) PendingCount(ctx context.Context) int {
	return len(e.store.GetByIndex(ctx, PartitionActionQueue, IndexStatus, string(StatusPending)))
}

func (e *SyncEngine) Stats(ctx context.Context) QueueStats {
	var s QueueStats
	for _, a := range e.List(ctx) {
		switch a.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (e *SyncEngine) Count(ctx context.Context) int {
	return e.store.Count(ctx, PartitionActionQueue)
}

// LastSync returns the time of the last pass that delivered anything.
func (e *SyncEngine) LastSync() (time.Time, bool) {
	return LastSync(e.state)
}

// ============================================================================
// Persistence
// ============================================================================

func (e *SyncEngine) byStatus(ctx context.Context, status ActionStatus) []QueuedAction {
	return actionsFromRecords(e.store.GetByIndex(ctx, PartitionActionQueue, IndexStatus, string(status)))
}

func (e *SyncEngine) putAction(ctx context.Context, a QueuedAction) Record {
	data, err := json.Marshal(a)
	if err != nil {
		e.log.Error("encode action", "id", a.ID, "error", err)
		return Record{ID: a.ID, Seq: a.Seq}
	}
	return e.store.Put(ctx, PartitionActionQueue, Record{
		ID:      a.ID,
		Seq:     a.Seq,
		Indexes: map[string]string{IndexStatus: string(a.Status)},
		Data:    data,
	})
}

func actionsFromRecords(recs []Record) []QueuedAction {
	out := make([]QueuedAction, 0, len(recs))
	for _, r := range recs {
		var a QueuedAction
		if err := json.Unmarshal(r.Data, &a); err != nil {
			continue
		}
		a.ID, a.Seq = r.ID, r.Seq
		if st := r.Indexes[IndexStatus]; st != "" {
			a.Status = ActionStatus(st)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
