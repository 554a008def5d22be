package homesync

import (
	"time"
)

// MergeResult summarizes the net effect of applying a server change set to a
// local collection.
type MergeResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether the merge changed nothing observable.
func (r *MergeResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// Total returns the number of observable changes.
func (r *MergeResult) Total() int {
	return len(r.Added) + len(r.Updated) + len(r.Removed)
}

// recordFromChange builds the local representation of a server change.
// Adopted server records carry no pending flags; provenance timestamps point
// at this sync.
func recordFromChange(ch EntityChange, serverTimestamp, now time.Time) Record {
	rec := Record{
		ID:              ch.EntityID,
		Version:         ch.Version,
		ClientUpdatedAt: ch.ClientUpdatedAt,
		CreatedAt:       ch.ClientUpdatedAt,
		UpdatedAt:       ch.ClientUpdatedAt,
		Payload:         ch.Data,
	}
	if ch.ChangeType == ChangeDeleted || ch.DeletedAt != nil {
		rec.DeletedAt = ch.DeletedAt
		if rec.DeletedAt == nil {
			deletedAt := ch.ClientUpdatedAt
			rec.DeletedAt = &deletedAt
		}
	}
	st := serverTimestamp
	rec.ServerUpdatedAt = &st
	syncedAt := now
	rec.LastSyncedAt = &syncedAt
	return rec
}

// adoptServer replaces a local record with the server's version, preserving
// the local creation time when known.
func adoptServer(local *Record, server Record) {
	createdAt := local.CreatedAt
	*local = server
	if !createdAt.IsZero() {
		local.CreatedAt = createdAt
	}
}

// mergeCollection reconciles a server change set into a local collection.
// The policy is last-writer-wins with deletion-priority-by-recency:
// ClientUpdatedAt is the sole conflict authority, the loser's whole record is
// discarded, and ties keep local. Records present only locally are left
// untouched (not-yet-pushed creations or already-synced state).
func mergeCollection(local []Record, changes []EntityChange, serverTimestamp time.Time) ([]Record, MergeResult) {
	now := time.Now()
	var result MergeResult
	merged := make([]Record, len(local))
	copy(merged, local)

	for _, ch := range changes {
		server := recordFromChange(ch, serverTimestamp, now)
		idx := findRecord(merged, ch.EntityID)

		if idx < 0 {
			// Server-only record: adopt it. A tombstone is stored too
			// (for cross-device retention alignment) but not reported.
			merged = append(merged, server)
			if !server.Deleted() {
				result.Added = append(result.Added, server.ID)
			}
			continue
		}

		rec := &merged[idx]
		switch {
		case rec.Deleted() && server.Deleted():
			// Keep whichever deletion is later so tombstone purges
			// converge across devices.
			if server.DeletedAt.After(*rec.DeletedAt) {
				adoptServer(rec, server)
			}

		case server.Deleted():
			// Apply the deletion only if it is more recent than the
			// local record's last update; otherwise the local edit
			// post-dates the deletion and survives.
			if server.DeletedAt.After(rec.ClientUpdatedAt) {
				adoptServer(rec, server)
				result.Removed = append(result.Removed, rec.ID)
			}

		case rec.Deleted():
			// Resurrect only if the server wrote after the local
			// deletion.
			if server.ClientUpdatedAt.After(*rec.DeletedAt) {
				adoptServer(rec, server)
				result.Added = append(result.Added, rec.ID)
			}

		default:
			// Strictly-later timestamp wins; tie keeps local.
			if server.ClientUpdatedAt.After(rec.ClientUpdatedAt) {
				adoptServer(rec, server)
				result.Updated = append(result.Updated, rec.ID)
			}
		}
	}

	return merged, result
}

// mergeSettings reconciles the settings singleton: the whole object with the
// later update timestamp wins outright, ties keep local.
func mergeSettings(local []Record, changes []EntityChange, serverTimestamp time.Time) ([]Record, MergeResult) {
	now := time.Now()
	var result MergeResult

	// The last change in the set is the server's current object.
	if len(changes) == 0 {
		return local, result
	}
	server := recordFromChange(changes[len(changes)-1], serverTimestamp, now)
	if server.Deleted() {
		return local, result
	}

	if len(local) == 0 {
		result.Added = append(result.Added, server.ID)
		return []Record{server}, result
	}

	current := local[0]
	if server.ClientUpdatedAt.After(current.ClientUpdatedAt) {
		adoptServer(&current, server)
		result.Updated = append(result.Updated, current.ID)
		return []Record{current}, result
	}
	return local, result
}

// mergeForType dispatches to the singleton or collection merge.
func mergeForType(t EntityType, local []Record, changes []EntityChange, serverTimestamp time.Time) ([]Record, MergeResult) {
	if t.Singleton() {
		return mergeSettings(local, changes, serverTimestamp)
	}
	return mergeCollection(local, changes, serverTimestamp)
}
