package homesync

import (
	"testing"
	"time"
)

func localRecord(id string, updatedAt time.Time) Record {
	return Record{
		ID:              id,
		CreatedAt:       updatedAt.Add(-time.Hour),
		UpdatedAt:       updatedAt,
		ClientUpdatedAt: updatedAt,
		Version:         1,
		Payload:         []byte(`{"name":"local"}`),
	}
}

func tombstone(id string, deletedAt time.Time) Record {
	rec := localRecord(id, deletedAt)
	rec.DeletedAt = &deletedAt
	return rec
}

func serverChange(id string, updatedAt time.Time) EntityChange {
	return EntityChange{
		EntityID:        id,
		ChangeType:      ChangeUpdated,
		Data:            []byte(`{"name":"server"}`),
		Version:         2,
		ClientUpdatedAt: updatedAt,
	}
}

func serverDelete(id string, deletedAt time.Time) EntityChange {
	return EntityChange{
		EntityID:        id,
		ChangeType:      ChangeDeleted,
		DeletedAt:       &deletedAt,
		Version:         2,
		ClientUpdatedAt: deletedAt,
	}
}

func TestMergeServerOnlyRecordAdded(t *testing.T) {
	serverTime := time.Now()
	merged, result := mergeCollection(nil, []EntityChange{
		serverChange("item-1", serverTime.Add(-time.Minute)),
	}, serverTime)

	if len(merged) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(merged))
	}
	if len(result.Added) != 1 || result.Added[0] != "item-1" {
		t.Errorf("Expected item-1 in added, got %v", result.Added)
	}
	if merged[0].Pending() {
		t.Error("Adopted server record must not be pending")
	}
	if merged[0].ServerUpdatedAt == nil || merged[0].LastSyncedAt == nil {
		t.Error("Adopted server record should carry sync provenance")
	}
}

func TestMergeServerOnlyTombstoneStoredNotReported(t *testing.T) {
	serverTime := time.Now()
	merged, result := mergeCollection(nil, []EntityChange{
		serverDelete("item-1", serverTime.Add(-time.Minute)),
	}, serverTime)

	if len(merged) != 1 || !merged[0].Deleted() {
		t.Fatal("Expected tombstone to be stored locally")
	}
	if !result.Empty() {
		t.Errorf("Tombstone for unknown record should not be reported, got %+v", result)
	}
}

func TestMergeNewerServerWins(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	local := []Record{localRecord("item-1", base)}

	merged, result := mergeCollection(local, []EntityChange{
		serverChange("item-1", base.Add(time.Minute)),
	}, time.Now())

	if len(result.Updated) != 1 {
		t.Fatalf("Expected an update, got %+v", result)
	}
	if string(merged[0].Payload) != `{"name":"server"}` {
		t.Errorf("Expected server payload, got %s", merged[0].Payload)
	}
	if merged[0].CreatedAt != local[0].CreatedAt {
		t.Error("Local creation time should be preserved on adoption")
	}
}

func TestMergeOlderServerLoses(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	local := []Record{localRecord("item-1", base)}

	merged, result := mergeCollection(local, []EntityChange{
		serverChange("item-1", base.Add(-time.Minute)),
	}, time.Now())

	if !result.Empty() {
		t.Errorf("Older server change should change nothing, got %+v", result)
	}
	if string(merged[0].Payload) != `{"name":"local"}` {
		t.Error("Local payload should survive an older server change")
	}
}

func TestMergeEqualTimestampKeepsLocal(t *testing.T) {
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	local := []Record{localRecord("item-1", base)}

	merged, result := mergeCollection(local, []EntityChange{
		serverChange("item-1", base),
	}, time.Now())

	if !result.Empty() {
		t.Errorf("Tie must keep local, got %+v", result)
	}
	if string(merged[0].Payload) != `{"name":"local"}` {
		t.Error("Tie must keep the local payload")
	}
}

func TestMergeServerDeleteBeatsOlderLocalEdit(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	local := []Record{localRecord("item-1", base)}

	merged, result := mergeCollection(local, []EntityChange{
		serverDelete("item-1", base.Add(time.Minute)),
	}, time.Now())

	if !merged[0].Deleted() {
		t.Fatal("Record should be tombstoned")
	}
	if len(result.Removed) != 1 || result.Removed[0] != "item-1" {
		t.Errorf("Deletion should be reported in removed, got %+v", result)
	}
}

func TestMergeNewerLocalEditSurvivesServerDelete(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	local := []Record{localRecord("item-1", base.Add(time.Minute))}

	merged, result := mergeCollection(local, []EntityChange{
		serverDelete("item-1", base),
	}, time.Now())

	if merged[0].Deleted() {
		t.Error("Local edit newer than the deletion must survive")
	}
	if !result.Empty() {
		t.Errorf("Nothing should be reported, got %+v", result)
	}
}

func TestMergeResurrectionNeedsStrictlyNewerEdit(t *testing.T) {
	deletedAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	local := []Record{tombstone("item-1", deletedAt)}

	// Server edit at exactly the deletion time does not resurrect.
	merged, result := mergeCollection(local, []EntityChange{
		serverChange("item-1", deletedAt),
	}, time.Now())
	if !merged[0].Deleted() || !result.Empty() {
		t.Error("Edit at the deletion instant must not resurrect")
	}

	// A strictly newer edit does.
	merged, result = mergeCollection(local, []EntityChange{
		serverChange("item-1", deletedAt.Add(time.Second)),
	}, time.Now())
	if merged[0].Deleted() {
		t.Error("Strictly newer server edit should resurrect the record")
	}
	if len(result.Added) != 1 {
		t.Errorf("Resurrection should be reported as added, got %+v", result)
	}
}

func TestMergeBothDeletedKeepsLaterTombstone(t *testing.T) {
	earlier := time.Now().Add(-2 * time.Hour)
	later := earlier.Add(time.Hour)
	local := []Record{tombstone("item-1", earlier)}

	merged, result := mergeCollection(local, []EntityChange{
		serverDelete("item-1", later),
	}, time.Now())

	if !merged[0].DeletedAt.Equal(later) {
		t.Errorf("Expected later tombstone %v, got %v", later, merged[0].DeletedAt)
	}
	if !result.Empty() {
		t.Errorf("Tombstone alignment should not be reported, got %+v", result)
	}
}

func TestMergeLocalOnlyRecordsUntouched(t *testing.T) {
	pending := localRecord("item-local", time.Now())
	pending.PendingCreate = true

	merged, result := mergeCollection([]Record{pending}, []EntityChange{
		serverChange("item-other", time.Now()),
	}, time.Now())

	if len(merged) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(merged))
	}
	if idx := findRecord(merged, "item-local"); !merged[idx].PendingCreate {
		t.Error("Pending local creation must survive a merge")
	}
	if len(result.Added) != 1 {
		t.Errorf("Only the server record should be added, got %+v", result)
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	serverTime := time.Now()
	changes := []EntityChange{
		serverChange("item-1", base.Add(time.Minute)),
		serverDelete("item-2", base.Add(2*time.Minute)),
	}
	local := []Record{localRecord("item-1", base), localRecord("item-2", base)}

	once, _ := mergeCollection(local, changes, serverTime)
	twice, result := mergeCollection(once, changes, serverTime)

	if len(twice) != len(once) {
		t.Fatalf("Record count changed on re-merge: %d vs %d", len(twice), len(once))
	}
	if !result.Empty() {
		t.Errorf("Re-applying the same change set should be a no-op, got %+v", result)
	}
	for i := range once {
		if once[i].ID != twice[i].ID || once[i].Version != twice[i].Version ||
			once[i].Deleted() != twice[i].Deleted() {
			t.Errorf("Record %s diverged on re-merge", once[i].ID)
		}
	}
}

func TestMergeSettingsSingleton(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	serverTime := time.Now()

	// No local settings: adopt.
	merged, result := mergeForType(EntitySettings, nil, []EntityChange{
		serverChange("settings", base),
	}, serverTime)
	if len(merged) != 1 || len(result.Added) != 1 {
		t.Fatalf("Expected settings adoption, got %d records %+v", len(merged), result)
	}

	// Older server object loses.
	merged[0].ClientUpdatedAt = base.Add(time.Hour)
	merged[0].Payload = []byte(`{"theme":"dark"}`)
	kept, result := mergeForType(EntitySettings, merged, []EntityChange{
		serverChange("settings", base),
	}, serverTime)
	if !result.Empty() || string(kept[0].Payload) != `{"theme":"dark"}` {
		t.Error("Older server settings must not replace newer local settings")
	}

	// Only the last change in the set matters.
	kept, result = mergeForType(EntitySettings, kept, []EntityChange{
		serverChange("settings", base.Add(3*time.Hour)),
		serverChange("settings", base),
	}, serverTime)
	if !result.Empty() {
		t.Errorf("Last change in set is older than local; expected no-op, got %+v", result)
	}
}
