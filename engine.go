package homesync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// AccountFetcher retrieves the accounts the local user may sync against.
// The logic layer implements this against its own account service; the
// engine refreshes the permission gate from it on enable and on every
// periodic sweep.
type AccountFetcher interface {
	FetchAccounts(ctx context.Context) ([]AccessibleAccount, error)
}

// EngineStats is a point-in-time snapshot of the whole engine.
type EngineStats struct {
	Enabled     bool           `json:"enabled"`
	DeviceID    string         `json:"device_id"`
	Scheduler   SchedulerStats `json:"scheduler"`
	Subscribers int            `json:"subscribers"`
	Backup      *BackupStats   `json:"backup,omitempty"`
}

// Engine is the sync engine: it owns the queue, the merge path, the durable
// checkpoints, the permission gate and the optional realtime and backup
// subsystems. All remote traffic flows through its APIClient; all local state
// flows through its EntityStore.
type Engine struct {
	config    EngineConfig
	store     EntityStore
	secure    *SecureStore
	client    APIClient
	metadata  *MetadataStore
	gate      *PermissionGate
	hub       *EventHub
	callbacks *CallbackRegistry
	cleaner   *RetentionCleaner
	sched     *Scheduler
	logger    *slog.Logger

	realtime *RealtimeListener
	backups  *BackupManager

	mu       sync.Mutex
	accounts AccountFetcher
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a sync engine. The secure store holds the enabled flag
// and the sync metadata; the entity store holds the collections themselves.
func NewEngine(config EngineConfig, store EntityStore, secure *SecureStore, client APIClient, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil || secure == nil || client == nil {
		return nil, fmt.Errorf("store, secure store and client are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	metadata, err := LoadMetadata(secure, config.DeviceName)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    config,
		store:     store,
		secure:    secure,
		client:    client,
		metadata:  metadata,
		gate:      NewPermissionGate(),
		hub:       NewEventHub(config.EventBuffer),
		callbacks: NewCallbackRegistry(),
		cleaner:   NewRetentionCleaner(config.Cleanup),
		logger:    logger,
	}
	e.sched = NewScheduler(config.Scheduler, e, e.gate, e.hub, e.syncEnabled, logger)

	if config.Realtime.URL != "" {
		e.realtime = NewRealtimeListener(config.Realtime, func(t EntityType, userID string) {
			e.sched.QueueSync(t, OpPull, PriorityHigh, userID)
		}, logger)
	}
	if config.Backup.Enabled {
		e.backups, err = NewBackupManager(config.Backup, store, metadata.DeviceID(), logger)
		if err != nil {
			return nil, err
		}
	}

	// Local mutations push; the suppression flag keeps merge writes from
	// feeding back into the queue.
	for _, t := range AllEntityTypes() {
		e.callbacks.Register(t, func(t EntityType) {
			e.sched.QueueSync(t, OpPush, PriorityNormal, "")
		})
	}

	return e, nil
}

// SetAccountFetcher installs the accessible-account source. Without one the
// gate only ever allows own-data and settings syncs.
func (e *Engine) SetAccountFetcher(f AccountFetcher) {
	e.mu.Lock()
	e.accounts = f
	e.mu.Unlock()
}

// syncEnabled re-reads the durable flag on every call so a change made by
// another component (or a failed secure read) takes effect immediately.
func (e *Engine) syncEnabled() bool {
	v, err := e.secure.GetItem(secureKeyEnabled)
	if err != nil {
		e.logger.Warn("read sync enabled flag failed", "err", err)
		return false
	}
	return v == "true"
}

// Enabled reports whether sync is currently on.
func (e *Engine) Enabled() bool {
	return e.syncEnabled()
}

// Enable persists the enabled flag, starts the background subsystems and
// runs an initial full sync for everything the local user can access. It
// blocks until that initial sync drains (or ctx expires); the periodic sweep
// only starts ticking afterwards.
func (e *Engine) Enable(ctx context.Context) error {
	if err := e.secure.SetItem(secureKeyEnabled, "true"); err != nil {
		return fmt.Errorf("persist sync enabled flag: %w", err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	e.sched.ResetDebounce()
	e.refreshAccounts(ctx)
	if e.realtime != nil {
		e.realtime.Start()
	}
	if e.backups != nil {
		e.backups.Start()
	}

	e.queueAll(OpFull, PriorityHigh)
	waitErr := e.sched.WaitIdle(ctx)

	e.wg.Add(1)
	go e.sweepLoop(stopCh)

	e.logger.Info("sync enabled", "device", e.metadata.DeviceID())
	return waitErr
}

// Disable persists the disabled flag, stops the background subsystems and
// drains the queue, waiting a bounded time for any in-flight task.
func (e *Engine) Disable(ctx context.Context) error {
	if err := e.secure.SetItem(secureKeyEnabled, "false"); err != nil {
		return fmt.Errorf("persist sync enabled flag: %w", err)
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()

	if e.realtime != nil {
		e.realtime.Stop()
	}
	if e.backups != nil {
		e.backups.Stop()
	}
	e.sched.Halt(e.config.Scheduler.DisableTimeout)

	e.logger.Info("sync disabled")
	return nil
}

// QueueSync requests a sync. It is safe to call from any goroutine and fails
// silently under the queue's dedup, debounce and permission rules.
func (e *Engine) QueueSync(t EntityType, op SyncOperation, priority SyncPriority, targetUserID string) {
	e.sched.QueueSync(t, op, priority, targetUserID)
}

// SyncNow queues a high-priority full sync for every accessible collection
// and waits for the queue to drain or ctx to expire.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.queueAll(OpFull, PriorityHigh)
	return e.sched.WaitIdle(ctx)
}

// Subscribe returns a feed of sync events.
func (e *Engine) Subscribe() *EventSubscription {
	return e.hub.Subscribe()
}

// Unsubscribe removes an event feed.
func (e *Engine) Unsubscribe(id string) {
	e.hub.Unsubscribe(id)
}

// Metadata returns a copy of the durable sync metadata.
func (e *Engine) Metadata() SyncMetadata {
	return e.metadata.Snapshot()
}

// Backups returns the backup manager, or nil when backups are disabled.
func (e *Engine) Backups() *BackupManager {
	return e.backups
}

// Stats returns a snapshot of engine health.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Enabled:     e.syncEnabled(),
		DeviceID:    e.metadata.DeviceID(),
		Scheduler:   e.sched.Stats(),
		Subscribers: e.hub.Count(),
	}
	if e.backups != nil {
		bs := e.backups.Stats()
		stats.Backup = &bs
	}
	return stats
}

// sweepLoop queues a periodic low-priority full sync so changes missed by
// the realtime listener are eventually picked up.
func (e *Engine) sweepLoop(stopCh chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Scheduler.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.refreshAccounts(ctx)
			cancel()
			e.queueAll(OpFull, PriorityLow)
		}
	}
}

// refreshAccounts re-caches the accessible-account list into the gate. A
// fetch failure keeps the previous list: stale permissions beat no sync.
func (e *Engine) refreshAccounts(ctx context.Context) {
	e.mu.Lock()
	fetcher := e.accounts
	e.mu.Unlock()
	if fetcher == nil {
		return
	}
	accounts, err := fetcher.FetchAccounts(ctx)
	if err != nil {
		e.logger.Warn("refresh accessible accounts failed", "err", err)
		return
	}
	e.gate.SetAccounts(accounts)
}

// queueAll queues op for the local user's own collections and for every
// cached account whose permissions allow it.
func (e *Engine) queueAll(op SyncOperation, priority SyncPriority) {
	for _, t := range AllEntityTypes() {
		e.sched.QueueSync(t, op, priority, "")
	}
	for _, account := range e.gate.Accounts() {
		for _, t := range AllEntityTypes() {
			if t == EntitySettings {
				// Settings are device-scoped; never pulled for others.
				continue
			}
			e.sched.QueueSync(t, op, priority, account.UserID)
		}
	}
}

// ExecuteTask runs one queued sync task. The scheduler owns retries; this
// only reports the outcome.
func (e *Engine) ExecuteTask(ctx context.Context, task *SyncTask) error {
	if !e.syncEnabled() {
		return ErrSyncDisabled
	}
	if err := e.gate.Check(task.EntityType, task.TargetUserID); err != nil {
		return err
	}

	switch task.Operation {
	case OpPull:
		return e.pullEntity(ctx, task.EntityType, task.TargetUserID)
	case OpPush:
		return e.pushEntity(ctx, task.EntityType, task.TargetUserID)
	case OpFull:
		if err := e.pullEntity(ctx, task.EntityType, task.TargetUserID); err != nil {
			return err
		}
		return e.pushEntity(ctx, task.EntityType, task.TargetUserID)
	default:
		return fmt.Errorf("unknown sync operation %q", task.Operation)
	}
}

func scopeFor(targetUserID string) string {
	if targetUserID == "" {
		return DefaultScope
	}
	return targetUserID
}

// pullEntity fetches server changes since the last checkpoint, merges them
// into the local collection and runs retention cleanup on the result. Any
// failure, network or local, marks the entity type's metadata with error
// status before propagating; the checkpoint is never advanced on failure.
func (e *Engine) pullEntity(ctx context.Context, t EntityType, targetUserID string) (err error) {
	defer func() {
		if err != nil {
			if merr := e.metadata.RecordSync(t, "", StatusError); merr != nil {
				e.logger.Error("record sync state failed", "entity", t, "err", merr)
			}
		}
	}()

	state := e.metadata.Get(t)

	req := PullRequest{
		EntityType:     t,
		IncludeDeleted: true,
		Checkpoint:     state.LastServerCheckpoint,
		UserID:         targetUserID,
	}
	if !state.LastSyncTime.IsZero() {
		since := state.LastSyncTime
		req.Since = &since
	}

	resp, err := e.client.PullEntities(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("server rejected pull for %s", t)
	}

	scope := scopeFor(targetUserID)
	local, err := e.store.ReadCollection(t, scope)
	if err != nil {
		return fmt.Errorf("read %s: %w", t, err)
	}

	merged, result := mergeForType(t, local, resp.Changes, resp.ServerTimestamp)
	cleaned, purged, ran := e.cleaner.Clean(t, merged)
	if ran && purged > 0 {
		e.logger.Info("purged expired tombstones", "entity", t, "count", purged)
	}

	var werr error
	e.callbacks.Suppress(func() {
		werr = e.store.WriteCollection(t, scope, cleaned)
	})
	if werr != nil {
		return fmt.Errorf("write %s: %w", t, werr)
	}

	checkpoint := resp.ServerTimestamp.UTC().Format(time.RFC3339Nano)
	if resp.LatestVersion > 0 {
		checkpoint = strconv.FormatInt(resp.LatestVersion, 10)
	}
	if err := e.metadata.RecordSync(t, checkpoint, StatusSuccess); err != nil {
		return err
	}

	if !result.Empty() {
		e.hub.Publish(Event{
			Type:       EventEntitiesChanged,
			EntityType: t,
			Operation:  string(OpPull),
			UserID:     targetUserID,
			Changes:    result,
		})
	}
	e.logger.Debug("pull complete", "entity", t, "user", targetUserID,
		"added", result.Added, "updated", result.Updated, "removed", result.Removed)
	return nil
}

// pushEntity submits every pending record and applies the server's
// per-record dispositions. The collection is re-read after the round-trip so
// edits made meanwhile are never clobbered by stale acknowledgments. As with
// pulls, any failure marks the metadata with error status before propagating.
func (e *Engine) pushEntity(ctx context.Context, t EntityType, targetUserID string) (err error) {
	defer func() {
		if err != nil {
			if merr := e.metadata.RecordSync(t, "", StatusError); merr != nil {
				e.logger.Error("record sync state failed", "entity", t, "err", merr)
			}
		}
	}()

	scope := scopeFor(targetUserID)

	recs, err := e.store.ReadCollection(t, scope)
	if err != nil {
		return fmt.Errorf("read %s: %w", t, err)
	}
	pending := pendingRecords(recs)
	if len(pending) == 0 {
		return nil
	}

	entities, versions := preparePush(pending)
	resp, err := e.client.PushEntities(ctx, PushRequest{
		EntityType: t,
		Entities:   entities,
		UserID:     targetUserID,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("server rejected push for %s", t)
	}

	current, err := e.store.ReadCollection(t, scope)
	if err != nil {
		return fmt.Errorf("read %s: %w", t, err)
	}
	updated, outcome := applyPushResults(current, versions, resp.Results, resp.ServerTimestamp)

	var werr error
	e.callbacks.Suppress(func() {
		werr = e.store.WriteCollection(t, scope, updated)
	})
	if werr != nil {
		return fmt.Errorf("write %s: %w", t, werr)
	}

	if err := e.metadata.RecordSync(t, "", outcome.status()); err != nil {
		return err
	}
	if outcome.errors > 0 {
		e.logger.Warn("push partially rejected",
			"entity", t, "rejected", outcome.errors, "acked", outcome.acked)
	}
	if len(outcome.conflictIDs) > 0 {
		e.hub.Publish(Event{
			Type:       EventEntitiesChanged,
			EntityType: t,
			Operation:  string(OpPush),
			UserID:     targetUserID,
			Changes:    MergeResult{Updated: outcome.conflictIDs},
		})
	}
	e.logger.Debug("push complete", "entity", t, "user", targetUserID,
		"acked", outcome.acked, "conflicts", len(outcome.conflictIDs),
		"errors", outcome.errors, "skipped", outcome.skipped)
	return nil
}

// CreateRecord creates a local record and queues a push. The payload is any
// JSON-serializable domain value (Category, InventoryItem, ...).
func (e *Engine) CreateRecord(t EntityType, id string, payload any) (Record, error) {
	if !t.Valid() {
		return Record{}, fmt.Errorf("unknown entity type %q", t)
	}
	if id == "" {
		return Record{}, fmt.Errorf("record id is required")
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return Record{}, err
	}

	recs, err := e.store.ReadCollection(t, DefaultScope)
	if err != nil {
		return Record{}, err
	}
	if findRecord(recs, id) >= 0 {
		return Record{}, fmt.Errorf("record %s already exists", id)
	}

	recs = applyLocalCreate(recs, Record{ID: id, Payload: data}, time.Now())
	if err := e.store.WriteCollection(t, DefaultScope, recs); err != nil {
		return Record{}, err
	}
	e.callbacks.Notify(t)
	return recs[len(recs)-1], nil
}

// UpdateRecord replaces a record's payload and queues a push.
func (e *Engine) UpdateRecord(t EntityType, id string, payload any) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	data, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	recs, err := e.store.ReadCollection(t, DefaultScope)
	if err != nil {
		return err
	}
	recs, ok := applyLocalUpdate(recs, id, data, time.Now())
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	if err := e.store.WriteCollection(t, DefaultScope, recs); err != nil {
		return err
	}
	e.callbacks.Notify(t)
	return nil
}

// DeleteRecord tombstones a record (or hard-removes one the server has never
// seen) and queues a push.
func (e *Engine) DeleteRecord(t EntityType, id string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	recs, err := e.store.ReadCollection(t, DefaultScope)
	if err != nil {
		return err
	}
	recs, ok := applyLocalDelete(recs, id, time.Now())
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	if err := e.store.WriteCollection(t, DefaultScope, recs); err != nil {
		return err
	}
	e.callbacks.Notify(t)
	return nil
}

// Records returns the live (non-tombstoned) records of a collection.
func (e *Engine) Records(t EntityType, targetUserID string) ([]Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err := e.gate.Check(t, targetUserID); err != nil {
		return nil, err
	}
	recs, err := e.store.ReadCollection(t, scopeFor(targetUserID))
	if err != nil {
		return nil, err
	}
	live := make([]Record, 0, len(recs))
	for _, r := range recs {
		if !r.Deleted() {
			live = append(live, r)
		}
	}
	return live, nil
}
