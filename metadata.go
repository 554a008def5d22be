package homesync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SyncStatus is the outcome recorded for the most recent sync attempt of an
// entity type.
type SyncStatus string

const (
	// StatusSuccess means the last sync completed fully.
	StatusSuccess SyncStatus = "success"

	// StatusPartial means some records were rejected by the server.
	StatusPartial SyncStatus = "partial"

	// StatusError means the last sync failed outright.
	StatusError SyncStatus = "error"
)

// Secure store keys owned by the engine.
const (
	secureKeyDeviceID = "homesync_device_id"
	secureKeyEnabled  = "homesync_sync_enabled"
	secureKeyMetadata = "homesync_sync_metadata"
)

// FileSyncState is the durable per-entity-type sync checkpoint.
type FileSyncState struct {
	// LastSyncTime is when the last non-error sync finished. It feeds the
	// pull request's since window, so like the checkpoint it must not move
	// on a failed attempt.
	LastSyncTime         time.Time  `json:"lastSyncTime"`
	LastServerCheckpoint string     `json:"lastServerCheckpoint"`
	SyncCount            int64      `json:"syncCount"`
	LastStatus           SyncStatus `json:"lastStatus"`
}

// SyncMetadata aggregates one FileSyncState per known entity type plus the
// device identity. Every known type always has an entry.
type SyncMetadata struct {
	DeviceID   string                        `json:"deviceId"`
	DeviceName string                        `json:"deviceName,omitempty"`
	States     map[EntityType]*FileSyncState `json:"states"`
}

// MetadataStore keeps SyncMetadata in memory and persists it through the
// secure store after every mutation.
type MetadataStore struct {
	secure *SecureStore
	mu     sync.Mutex
	meta   SyncMetadata
}

// LoadMetadata loads sync metadata from the secure store, creating zero-state
// metadata (with a freshly generated device id) on first run. Entries for
// entity types added since the metadata was written are filled in so the
// per-type invariant always holds.
func LoadMetadata(secure *SecureStore, deviceName string) (*MetadataStore, error) {
	m := &MetadataStore{secure: secure}

	raw, err := secure.GetItem(secureKeyMetadata)
	if err != nil {
		return nil, fmt.Errorf("load sync metadata: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.meta); err != nil {
			return nil, fmt.Errorf("decode sync metadata: %w", err)
		}
	}

	if m.meta.States == nil {
		m.meta.States = make(map[EntityType]*FileSyncState)
	}
	for _, t := range AllEntityTypes() {
		if m.meta.States[t] == nil {
			m.meta.States[t] = &FileSyncState{}
		}
	}
	if deviceName != "" {
		m.meta.DeviceName = deviceName
	}

	if m.meta.DeviceID == "" {
		id, err := secure.GetItem(secureKeyDeviceID)
		if err != nil {
			return nil, err
		}
		if id == "" {
			id = newDeviceID()
			if err := secure.SetItem(secureKeyDeviceID, id); err != nil {
				return nil, fmt.Errorf("persist device id: %w", err)
			}
		}
		m.meta.DeviceID = id
	}

	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

func newDeviceID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "device-" + hex.EncodeToString(buf)
}

// DeviceID returns the stable device identity.
func (m *MetadataStore) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.DeviceID
}

// Get returns a copy of the sync state for one entity type.
func (m *MetadataStore) Get(t EntityType) FileSyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.meta.States[t]; st != nil {
		return *st
	}
	return FileSyncState{}
}

// Snapshot returns a deep copy of the full metadata.
func (m *MetadataStore) Snapshot() SyncMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := SyncMetadata{
		DeviceID:   m.meta.DeviceID,
		DeviceName: m.meta.DeviceName,
		States:     make(map[EntityType]*FileSyncState, len(m.meta.States)),
	}
	for t, st := range m.meta.States {
		cp := *st
		out.States[t] = &cp
	}
	return out
}

// RecordSync updates the state for one entity type after a sync attempt and
// persists synchronously. The checkpoint and sync time only advance on
// success or partial success; a failed attempt keeps both so the next pull
// re-covers the gap.
func (m *MetadataStore) RecordSync(t EntityType, checkpoint string, status SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.meta.States[t]
	if st == nil {
		st = &FileSyncState{}
		m.meta.States[t] = st
	}
	st.SyncCount++
	st.LastStatus = status
	if status != StatusError {
		st.LastSyncTime = time.Now()
		if checkpoint != "" {
			st.LastServerCheckpoint = checkpoint
		}
	}
	return m.persistLocked()
}

func (m *MetadataStore) persistLocked() error {
	data, err := json.Marshal(m.meta)
	if err != nil {
		return fmt.Errorf("encode sync metadata: %w", err)
	}
	if err := m.secure.SetItem(secureKeyMetadata, string(data)); err != nil {
		return fmt.Errorf("persist sync metadata: %w", err)
	}
	return nil
}
