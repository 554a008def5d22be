package homesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreMissingCollectionIsEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	recs, err := store.ReadCollection(EntityCategories, DefaultScope)
	if err != nil {
		t.Fatalf("Missing collection should not error: %v", err)
	}
	if recs != nil {
		t.Errorf("Missing collection should read as nil, got %v", recs)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	in := []Record{
		localRecord("item-1", now),
		tombstone("item-2", now),
	}
	if err := store.WriteCollection(EntityInventoryItems, DefaultScope, in); err != nil {
		t.Fatalf("Failed to write collection: %v", err)
	}

	out, err := store.ReadCollection(EntityInventoryItems, DefaultScope)
	if err != nil {
		t.Fatalf("Failed to read collection: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(out))
	}
	if out[0].ID != "item-1" || !out[1].Deleted() {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}

func TestFileStoreScopesAreIsolated(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.WriteCollection(EntityTodoItems, DefaultScope, []Record{localRecord("mine", now)}); err != nil {
		t.Fatalf("Failed to write own scope: %v", err)
	}
	if err := store.WriteCollection(EntityTodoItems, "user-2", []Record{localRecord("theirs", now)}); err != nil {
		t.Fatalf("Failed to write shared scope: %v", err)
	}

	mine, _ := store.ReadCollection(EntityTodoItems, DefaultScope)
	theirs, _ := store.ReadCollection(EntityTodoItems, "user-2")
	if len(mine) != 1 || mine[0].ID != "mine" {
		t.Errorf("Own scope polluted: %+v", mine)
	}
	if len(theirs) != 1 || theirs[0].ID != "theirs" {
		t.Errorf("Shared scope polluted: %+v", theirs)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if err := store.WriteCollection(EntityCategories, DefaultScope, []Record{localRecord("c1", time.Now())}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, DefaultScope))
	if err != nil {
		t.Fatalf("Failed to list scope dir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			t.Errorf("Unexpected file left behind: %s", entry.Name())
		}
	}
}

func TestFileStoreClosed(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	store.Close()

	if _, err := store.ReadCollection(EntityCategories, DefaultScope); err == nil {
		t.Error("Read after close should fail")
	}
	if err := store.WriteCollection(EntityCategories, DefaultScope, nil); err == nil {
		t.Error("Write after close should fail")
	}
}

func TestCallbackRegistrySuppression(t *testing.T) {
	reg := NewCallbackRegistry()

	var calls int
	reg.Register(EntityCategories, func(EntityType) { calls++ })

	reg.Notify(EntityCategories)
	if calls != 1 {
		t.Fatalf("Expected 1 call, got %d", calls)
	}

	reg.Suppress(func() {
		reg.Notify(EntityCategories)
		if !reg.Suppressed() {
			t.Error("Suppression flag should be set inside Suppress")
		}
	})
	if calls != 1 {
		t.Errorf("Suppressed notify must not fire callbacks, got %d calls", calls)
	}
	if reg.Suppressed() {
		t.Error("Suppression flag should clear after Suppress returns")
	}

	// Other types never fire.
	reg.Notify(EntityTodoItems)
	if calls != 1 {
		t.Errorf("Notify for another type must not fire, got %d calls", calls)
	}
}
