package homesync

import (
	"time"
)

// pendingRecords returns the records of a collection that carry unsynced
// local mutations.
func pendingRecords(recs []Record) []Record {
	var out []Record
	for _, r := range recs {
		if r.Pending() {
			out = append(out, r)
		}
	}
	return out
}

// preparePush serializes pending records into wire form and snapshots their
// versions. The snapshot backs the version-unchanged guard when results come
// back: a record edited while the push was in flight must not have its newer
// state clobbered by the acknowledgment.
func preparePush(pending []Record) ([]PushEntity, map[string]int) {
	entities := make([]PushEntity, 0, len(pending))
	versions := make(map[string]int, len(pending))

	for _, r := range pending {
		versions[r.ID] = r.Version
		entities = append(entities, PushEntity{
			EntityID:        r.ID,
			Data:            r.Payload,
			Version:         r.Version,
			ClientUpdatedAt: r.ClientUpdatedAt,
			Deleted:         r.PendingDelete || r.Deleted(),
			DeletedAt:       r.DeletedAt,
		})
	}
	return entities, versions
}

// pushOutcome tallies the dispositions applied to a collection. Conflicted
// records are tracked by id so the change event can name the adopted copies.
type pushOutcome struct {
	acked       int
	conflictIDs []string
	errors      int
	skipped     int // version changed while in flight; left pending
}

// status maps the outcome onto the sync status recorded in metadata.
func (o pushOutcome) status() SyncStatus {
	if o.errors > 0 {
		return StatusPartial
	}
	return StatusSuccess
}

// applyPushResults applies the server's per-record dispositions to the
// current collection. "Current" is re-read after the network call, so the
// version guard compares against whatever the logic layer did meanwhile.
func applyPushResults(current []Record, versions map[string]int, results []PushResult, serverTimestamp time.Time) ([]Record, pushOutcome) {
	now := time.Now()
	var outcome pushOutcome

	for _, res := range results {
		idx := findRecord(current, res.EntityID)
		if idx < 0 {
			// Hard-removed while in flight (pendingCreate delete path).
			continue
		}
		rec := &current[idx]

		switch res.Status {
		case PushSuccess:
			prepared, ok := versions[res.EntityID]
			if !ok || rec.Version != prepared {
				// A newer local edit landed during the round-trip;
				// it stays pending for the next push.
				outcome.skipped++
				continue
			}
			rec.clearPending()
			if res.ServerVersion > 0 {
				rec.Version = res.ServerVersion
			}
			st := serverTimestamp
			rec.ServerUpdatedAt = &st
			syncedAt := now
			rec.LastSyncedAt = &syncedAt
			outcome.acked++

		case PushConflict:
			// The server holds a newer version; local edit is
			// discarded and the server copy adopted verbatim.
			if res.Conflict != nil {
				adoptServer(rec, recordFromChange(*res.Conflict, serverTimestamp, now))
			} else {
				rec.clearPending()
			}
			outcome.conflictIDs = append(outcome.conflictIDs, res.EntityID)

		case PushError:
			// Left pending; the next sync retries it.
			outcome.errors++
		}
	}

	return current, outcome
}
