package homesync

import (
	"sync"
	"time"
)

// CleanupConfig configures tombstone retention.
type CleanupConfig struct {
	// RetentionWindow is how long tombstones are kept before permanent
	// removal, so deletions can propagate to every device first.
	RetentionWindow time.Duration `yaml:"retention_window"`

	// MinInterval is the minimum time between cleanup passes for one
	// entity type.
	MinInterval time.Duration `yaml:"min_interval"`
}

// DefaultCleanupConfig returns the default retention policy.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		RetentionWindow: 7 * 24 * time.Hour,
		MinInterval:     24 * time.Hour,
	}
}

// RetentionCleaner purges tombstones older than the retention window, at most
// once per entity type per MinInterval. The last-run map is in-memory only:
// missing a window after a restart merely defers storage reclamation.
type RetentionCleaner struct {
	config  CleanupConfig
	mu      sync.Mutex
	lastRun map[EntityType]time.Time
}

// NewRetentionCleaner creates a cleaner with the given policy.
func NewRetentionCleaner(config CleanupConfig) *RetentionCleaner {
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = 7 * 24 * time.Hour
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 24 * time.Hour
	}
	return &RetentionCleaner{
		config:  config,
		lastRun: make(map[EntityType]time.Time),
	}
}

// Clean removes expired tombstones from recs. It returns the surviving
// records, the number purged, and whether a pass actually ran (false while
// inside the per-type rate limit; callers skip the store write in that case).
// Tombstones with a still-pending delete are kept regardless of age: the
// server has not acknowledged them yet.
func (c *RetentionCleaner) Clean(t EntityType, recs []Record) ([]Record, int, bool) {
	now := time.Now()

	c.mu.Lock()
	if last, ok := c.lastRun[t]; ok && now.Sub(last) < c.config.MinInterval {
		c.mu.Unlock()
		return recs, 0, false
	}
	c.lastRun[t] = now
	c.mu.Unlock()

	cutoff := now.Add(-c.config.RetentionWindow)
	kept := recs[:0:0]
	purged := 0
	for _, r := range recs {
		if r.Deleted() && !r.PendingDelete && r.DeletedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	return kept, purged, true
}

// LastRun returns when the cleaner last ran for t, if ever.
func (c *RetentionCleaner) LastRun(t EntityType) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastRun[t]
	return last, ok
}
