package homesync

import (
	"testing"
	"time"
)

func TestCleanPurgesExpiredTombstones(t *testing.T) {
	cleaner := NewRetentionCleaner(DefaultCleanupConfig())
	now := time.Now()

	recs := []Record{
		localRecord("live", now),
		tombstone("old", now.Add(-8*24*time.Hour)),
		tombstone("recent", now.Add(-6*24*time.Hour)),
	}

	kept, purged, ran := cleaner.Clean(EntityInventoryItems, recs)
	if !ran {
		t.Fatal("First pass should run")
	}
	if purged != 1 {
		t.Errorf("Expected 1 purge, got %d", purged)
	}
	if findRecord(kept, "old") >= 0 {
		t.Error("Expired tombstone should be purged")
	}
	if findRecord(kept, "recent") < 0 {
		t.Error("Tombstone inside the retention window must be kept")
	}
	if findRecord(kept, "live") < 0 {
		t.Error("Live record must be kept")
	}
}

func TestCleanKeepsUnackedDeletes(t *testing.T) {
	cleaner := NewRetentionCleaner(DefaultCleanupConfig())

	old := tombstone("old-pending", time.Now().Add(-30*24*time.Hour))
	old.PendingDelete = true

	kept, purged, _ := cleaner.Clean(EntityCategories, []Record{old})
	if purged != 0 || len(kept) != 1 {
		t.Error("Tombstone the server has not acked must survive any age")
	}
}

func TestCleanRateLimited(t *testing.T) {
	cleaner := NewRetentionCleaner(DefaultCleanupConfig())
	recs := []Record{tombstone("old", time.Now().Add(-8*24*time.Hour))}

	if _, _, ran := cleaner.Clean(EntityTodoItems, recs); !ran {
		t.Fatal("First pass should run")
	}
	if _, _, ran := cleaner.Clean(EntityTodoItems, recs); ran {
		t.Error("Second pass within the rate limit must not run")
	}
	// Another type has its own limiter.
	if _, _, ran := cleaner.Clean(EntityLocations, recs); !ran {
		t.Error("Rate limit is per entity type")
	}
}

func TestCleanCustomWindow(t *testing.T) {
	cleaner := NewRetentionCleaner(CleanupConfig{
		RetentionWindow: time.Hour,
		MinInterval:     time.Millisecond,
	})
	now := time.Now()
	recs := []Record{
		tombstone("expired", now.Add(-2*time.Hour)),
		tombstone("fresh", now.Add(-30*time.Minute)),
	}

	kept, purged, _ := cleaner.Clean(EntityCategories, recs)
	if purged != 1 || len(kept) != 1 || kept[0].ID != "fresh" {
		t.Errorf("Expected only fresh to survive, kept %+v purged %d", kept, purged)
	}

	if lr, ok := cleaner.LastRun(EntityCategories); !ok || lr.IsZero() {
		t.Error("LastRun should report the pass")
	}
}
