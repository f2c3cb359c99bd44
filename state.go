package learnsync

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LastSyncKey is the state key holding the last successful sync time.
const LastSyncKey = "lastSyncTime"

// StateStore is small client-side key/value storage kept outside the local
// store.
type StateStore interface {
	GetState(key string) (string, bool)
	SetState(key, value string) error
}

// LastSync reads the last successful sync time from st.
func LastSync(st StateStore) (time.Time, bool) {
	v, ok := st.GetState(LastSyncKey)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MemoryState keeps state in process memory.
type MemoryState struct {
	mu   sync.RWMutex
	vals map[string]string
}

func NewMemoryState() *MemoryState {
	return &MemoryState{vals: make(map[string]string)}
}

func (m *MemoryState) GetState(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok
}

func (m *MemoryState) SetState(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

// FileState persists state as a flat TOML table.
type FileState struct {
	mu   sync.Mutex
	path string
}

func NewFileState(path string) *FileState {
	return &FileState{path: path}
}

func (f *FileState) load() (map[string]string, error) {
	vals := map[string]string{}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return vals, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", f.path, err)
	}
	return vals, nil
}

func (f *FileState) GetState(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals, err := f.load()
	if err != nil {
		return "", false
	}
	v, ok := vals[key]
	return v, ok
}

func (f *FileState) SetState(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals, err := f.load()
	if err != nil {
		return err
	}
	vals[key] = value
	data, err := toml.Marshal(vals)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
