package homesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// DefaultScope is the storage scope for the device owner's own data.
const DefaultScope = "local"

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("entity store is closed")

// EntityStore is the persistence contract for synced collections. A missing
// collection reads as (nil, nil), never as an error. Reads and writes are
// all-or-nothing per (entity type, scope).
type EntityStore interface {
	ReadCollection(t EntityType, scope string) ([]Record, error)
	WriteCollection(t EntityType, scope string, recs []Record) error
	Close() error
}

// FileStore persists each collection as a JSON file under
// <root>/<scope>/<file>. Writes go through a temp file and rename so a crash
// never leaves a half-written collection behind.
type FileStore struct {
	root   string
	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a file-backed entity store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) path(t EntityType, scope string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return filepath.Join(s.root, scope, entityInfos[t].storeFile)
}

// ReadCollection loads one collection. A file that does not exist yet is a
// valid empty collection.
func (s *FileStore) ReadCollection(t EntityType, scope string) ([]Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.path(t, scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s collection: %w", t, err)
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", t, err)
	}
	return recs, nil
}

// WriteCollection replaces one collection atomically.
func (s *FileStore) WriteCollection(t EntityType, scope string, recs []Record) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	path := s.path(t, scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scope directory: %w", err)
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode %s collection: %w", t, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s collection: %w", t, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s collection: %w", t, err)
	}
	return nil
}

// Close marks the store closed. Further operations fail with ErrStoreClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ChangeCallback is invoked when a local collection changes outside the sync
// path.
type ChangeCallback func(t EntityType)

// CallbackRegistry holds per-type change callbacks behind a process-wide
// suppression flag. Merge writes run suppressed so a sync effect is never
// mistaken for a sync cause.
type CallbackRegistry struct {
	mu         sync.RWMutex
	callbacks  map[EntityType][]ChangeCallback
	suppressed atomic.Bool
}

// NewCallbackRegistry creates an empty callback registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		callbacks: make(map[EntityType][]ChangeCallback),
	}
}

// Register adds a callback for one entity type.
func (r *CallbackRegistry) Register(t EntityType, cb ChangeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[t] = append(r.callbacks[t], cb)
}

// Notify invokes the callbacks registered for t unless suppression is active.
func (r *CallbackRegistry) Notify(t EntityType) {
	if r.suppressed.Load() {
		return
	}
	r.mu.RLock()
	cbs := make([]ChangeCallback, len(r.callbacks[t]))
	copy(cbs, r.callbacks[t])
	r.mu.RUnlock()

	for _, cb := range cbs {
		cb(t)
	}
}

// Suppress runs fn with change notification disabled.
func (r *CallbackRegistry) Suppress(fn func()) {
	r.suppressed.Store(true)
	defer r.suppressed.Store(false)
	fn()
}

// Suppressed reports whether notification is currently disabled.
func (r *CallbackRegistry) Suppressed() bool {
	return r.suppressed.Load()
}
