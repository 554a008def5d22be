package homesync

import (
	"strings"
	"testing"
)

func TestLoadMetadataFirstRun(t *testing.T) {
	secure := newTestSecureStore(t)

	m, err := LoadMetadata(secure, "kitchen-tablet")
	if err != nil {
		t.Fatalf("Failed to load metadata: %v", err)
	}

	if !strings.HasPrefix(m.DeviceID(), "device-") {
		t.Errorf("Expected generated device id, got %q", m.DeviceID())
	}

	snap := m.Snapshot()
	if snap.DeviceName != "kitchen-tablet" {
		t.Errorf("Expected device name, got %q", snap.DeviceName)
	}
	for _, et := range AllEntityTypes() {
		if snap.States[et] == nil {
			t.Errorf("Missing state entry for %s", et)
		}
	}
}

func TestLoadMetadataStableDeviceID(t *testing.T) {
	secure := newTestSecureStore(t)

	first, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to load metadata: %v", err)
	}
	second, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to reload metadata: %v", err)
	}
	if first.DeviceID() != second.DeviceID() {
		t.Errorf("Device id changed across loads: %q vs %q", first.DeviceID(), second.DeviceID())
	}
}

func TestRecordSyncAdvancesCheckpoint(t *testing.T) {
	secure := newTestSecureStore(t)
	m, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to load metadata: %v", err)
	}

	if err := m.RecordSync(EntityCategories, "42", StatusSuccess); err != nil {
		t.Fatalf("Failed to record sync: %v", err)
	}
	state := m.Get(EntityCategories)
	if state.LastServerCheckpoint != "42" {
		t.Errorf("Expected checkpoint 42, got %q", state.LastServerCheckpoint)
	}
	if state.SyncCount != 1 || state.LastStatus != StatusSuccess {
		t.Errorf("Unexpected state: %+v", state)
	}
	if state.LastSyncTime.IsZero() {
		t.Error("LastSyncTime should be stamped")
	}
}

func TestRecordSyncErrorKeepsCheckpoint(t *testing.T) {
	secure := newTestSecureStore(t)
	m, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to load metadata: %v", err)
	}

	if err := m.RecordSync(EntityCategories, "42", StatusSuccess); err != nil {
		t.Fatalf("Failed to record sync: %v", err)
	}
	lastSync := m.Get(EntityCategories).LastSyncTime
	if err := m.RecordSync(EntityCategories, "99", StatusError); err != nil {
		t.Fatalf("Failed to record sync: %v", err)
	}

	state := m.Get(EntityCategories)
	if state.LastServerCheckpoint != "42" {
		t.Errorf("Failed sync must not advance the checkpoint, got %q", state.LastServerCheckpoint)
	}
	if !state.LastSyncTime.Equal(lastSync) {
		t.Errorf("Failed sync must not advance the sync time, got %v", state.LastSyncTime)
	}
	if state.LastStatus != StatusError {
		t.Errorf("Expected error status, got %s", state.LastStatus)
	}
	if state.SyncCount != 2 {
		t.Errorf("Expected 2 sync attempts, got %d", state.SyncCount)
	}
}

func TestMetadataPersistsAcrossLoads(t *testing.T) {
	secure := newTestSecureStore(t)
	m, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to load metadata: %v", err)
	}
	if err := m.RecordSync(EntityTodoItems, "cp-7", StatusPartial); err != nil {
		t.Fatalf("Failed to record sync: %v", err)
	}

	reloaded, err := LoadMetadata(secure, "")
	if err != nil {
		t.Fatalf("Failed to reload metadata: %v", err)
	}
	state := reloaded.Get(EntityTodoItems)
	if state.LastServerCheckpoint != "cp-7" || state.LastStatus != StatusPartial {
		t.Errorf("State lost across reload: %+v", state)
	}
}
