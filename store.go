package learnsync

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
)

// ============================================================================
// Partitions & Records
// ============================================================================

// Partition names a logical table of the local store.
type Partition string

const (
	PartitionContent     Partition = "content"
	PartitionDownloads   Partition = "downloads"
	PartitionProgress    Partition = "progress"
	PartitionActionQueue Partition = "action_queue"
)

// Partitions lists every partition in schema order.
var Partitions = []Partition{PartitionContent, PartitionDownloads, PartitionProgress, PartitionActionQueue}

const (
	IndexContentID = "content_id"
	IndexUserID    = "user_id"
	IndexStatus    = "status"
)

type indexSpec struct {
	name   string
	unique bool
}

// schemaVersion is bumped whenever partitions or indexes change.
const schemaVersion = 2

var schema = map[Partition][]indexSpec{
	PartitionDownloads:   {{IndexContentID, true}, {IndexUserID, false}},
	PartitionProgress:    {{IndexUserID, false}, {IndexContentID, false}},
	PartitionActionQueue: {{IndexStatus, false}},
}

func autoIncrement(p Partition) bool { return p == PartitionActionQueue }

// Record is one stored item. Data holds the JSON payload; Indexes carries the
// secondary-index values extracted by the caller. Updated is set by the store
// on every write.
type Record struct {
	ID      string
	Seq     int64
	Indexes map[string]string
	Data    []byte
	Updated time.Time
}

// Store is the local durable database. Implementations never return errors:
// failures are logged and reads come back empty.
type Store interface {
	// Put inserts or replaces by primary key and returns the stored record.
	// On failure it returns rec unchanged.
	Put(ctx context.Context, p Partition, rec Record) Record
	Get(ctx context.Context, p Partition, id string) (Record, bool)
	GetAll(ctx context.Context, p Partition) []Record
	GetByIndex(ctx context.Context, p Partition, index, value string) []Record
	Delete(ctx context.Context, p Partition, id string)
	Clear(ctx context.Context, p Partition)
	Count(ctx context.Context, p Partition) int
	// Transition moves record id from status from to status to and reports
	// whether it did. It is atomic across every process sharing the store,
	// so at most one caller wins a given transition.
	Transition(ctx context.Context, p Partition, id, from, to string) bool
	// Degraded reports whether writes are silently dropped.
	Degraded() bool
	Close() error
}

// ============================================================================
// Opening
// ============================================================================

// StoreConfig selects and configures a store backend.
type StoreConfig struct {
	Driver string // "sqlite" or "memory"
	Path   string
}

const (
	storeOpenAttempts = 3
	storeOpenBackoff  = 100 * time.Millisecond
)

// OpenStore opens the configured backend, retrying up to three times with
// exponential backoff. When every attempt fails it returns a NoopStore.
func OpenStore(ctx context.Context, cfg StoreConfig, log *logger.Logger) Store {
	log = logger.OrNop(log)
	open := func() (Store, error) {
		switch cfg.Driver {
		case "memory":
			return NewMemoryStore(log), nil
		default:
			return OpenSQLiteStore(cfg.Path, log)
		}
	}
	return openWithRetry(ctx, open, storeOpenAttempts, storeOpenBackoff, log)
}

func openWithRetry(ctx context.Context, open func() (Store, error), attempts int, backoff time.Duration, log *logger.Logger) Store {
	log = logger.OrNop(log)
	delay := backoff
	for i := 1; i <= attempts; i++ {
		s, err := open()
		if err == nil {
			return s
		}
		log.Warn("store open failed", "attempt", i, "error", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			log.Error("store open cancelled, running degraded", "error", ctx.Err())
			return NoopStore{}
		case <-time.After(delay):
		}
		delay *= 2
	}
	log.Error("store unavailable, running degraded", "attempts", attempts)
	return NoopStore{}
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory store.
type MemoryStore struct {
	mu    sync.RWMutex
	parts map[Partition]map[string]Record
	seq   map[Partition]int64
	log   *logger.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	s := &MemoryStore{
		parts: make(map[Partition]map[string]Record),
		seq:   make(map[Partition]int64),
		log:   logger.OrNop(log),
	}
	for _, p := range Partitions {
		s.parts[p] = make(map[string]Record)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, p Partition, rec Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[p]
	if !ok {
		s.log.Error("put: unknown partition", "partition", p)
		return rec
	}
	if rec.ID == "" {
		if !autoIncrement(p) {
			s.log.Error("put: missing key", "partition", p)
			return rec
		}
		s.seq[p]++
		rec.Seq = s.seq[p]
		rec.ID = strconv.FormatInt(rec.Seq, 10)
	} else if autoIncrement(p) && rec.Seq > s.seq[p] {
		s.seq[p] = rec.Seq
	}
	for _, ix := range schema[p] {
		v := rec.Indexes[ix.name]
		if !ix.unique || v == "" {
			continue
		}
		for id, other := range part {
			if id != rec.ID && other.Indexes[ix.name] == v {
				s.log.Error("put: unique index violation", "partition", p, "index", ix.name, "value", v)
				return rec
			}
		}
	}
	rec.Updated = time.Now().UTC()
	part[rec.ID] = cloneRecord(rec)
	return rec
}

func (s *MemoryStore) Transition(_ context.Context, p Partition, id, from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.parts[p][id]
	if !ok || rec.Indexes[IndexStatus] != from {
		return false
	}
	rec = cloneRecord(rec)
	if rec.Indexes == nil {
		rec.Indexes = make(map[string]string, 1)
	}
	rec.Indexes[IndexStatus] = to
	rec.Updated = time.Now().UTC()
	s.parts[p][id] = rec
	return true
}

func (s *MemoryStore) Get(_ context.Context, p Partition, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.parts[p][id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

func (s *MemoryStore) GetAll(_ context.Context, p Partition) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.parts[p]))
	for _, rec := range s.parts[p] {
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out
}

func (s *MemoryStore) GetByIndex(ctx context.Context, p Partition, index, value string) []Record {
	return filterByIndex(s.GetAll(ctx, p), index, value)
}

func (s *MemoryStore) Delete(_ context.Context, p Partition, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parts[p], id)
}

func (s *MemoryStore) Clear(_ context.Context, p Partition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[p]; ok {
		s.parts[p] = make(map[string]Record)
	}
}

func (s *MemoryStore) Count(_ context.Context, p Partition) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.parts[p])
}

func (s *MemoryStore) Degraded() bool { return false }
func (s *MemoryStore) Close() error   { return nil }

// ============================================================================
// NoopStore
// ============================================================================

// NoopStore silently drops every write. It stands in when no storage engine
// can be opened.
type NoopStore struct{}

func (NoopStore) Put(_ context.Context, _ Partition, rec Record) Record { return rec }
func (NoopStore) Get(context.Context, Partition, string) (Record, bool) {
	return Record{}, false
}
func (NoopStore) GetAll(context.Context, Partition) []Record { return nil }
func (NoopStore) GetByIndex(context.Context, Partition, string, string) []Record {
	return nil
}
func (NoopStore) Delete(context.Context, Partition, string) {}
func (NoopStore) Clear(context.Context, Partition)          {}
func (NoopStore) Count(context.Context, Partition) int      { return 0 }
func (NoopStore) Transition(context.Context, Partition, string, string, string) bool {
	return false
}
func (NoopStore) Degraded() bool { return true }
func (NoopStore) Close() error   { return nil }

// ============================================================================
// Helpers
// ============================================================================

func cloneRecord(r Record) Record {
	out := Record{ID: r.ID, Seq: r.Seq, Updated: r.Updated}
	if r.Data != nil {
		out.Data = append([]byte(nil), r.Data...)
	}
	if r.Indexes != nil {
		out.Indexes = make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Seq != recs[j].Seq {
			return recs[i].Seq < recs[j].Seq
		}
		return recs[i].ID < recs[j].ID
	})
}

func filterByIndex(recs []Record, index, value string) []Record {
	var out []Record
	for _, r := range recs {
		if r.Indexes[index] == value {
			out = append(out, r)
		}
	}
	return out
}

// putJSON marshals v and stores it. Marshal failures are logged.
func putJSON(ctx context.Context, s Store, log *logger.Logger, p Partition, id string, indexes map[string]string, v any) Record {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode record", "partition", p, "id", id, "error", err)
		return Record{ID: id, Indexes: indexes}
	}
	return s.Put(ctx, p, Record{ID: id, Indexes: indexes, Data: data})
}

func getJSON[T any](ctx context.Context, s Store, p Partition, id string) (*T, bool) {
	rec, ok := s.Get(ctx, p, id)
	if !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func decodeRecords[T any](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Data, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
