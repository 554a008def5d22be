package homesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncOperation is the kind of work a task performs.
type SyncOperation string

const (
	// OpPull fetches and merges server changes.
	OpPull SyncOperation = "pull"

	// OpPush submits locally pending records.
	OpPush SyncOperation = "push"

	// OpFull is a pull followed by a push: the unit of "make this entity
	// type consistent".
	OpFull SyncOperation = "full"
)

// SyncPriority orders tasks within the queue.
type SyncPriority int

const (
	// PriorityLow tasks queue behind everything else.
	PriorityLow SyncPriority = iota

	// PriorityNormal is the default.
	PriorityNormal

	// PriorityHigh tasks jump to the front of the queue and replace
	// lower-priority duplicates.
	PriorityHigh
)

// SyncTask is one unit of queued sync work. Tasks are ephemeral and
// in-memory only; they are destroyed on completion or final-retry failure.
type SyncTask struct {
	ID           string
	EntityType   EntityType
	Operation    SyncOperation
	Priority     SyncPriority
	TargetUserID string
	EnqueuedAt   time.Time
	RetryCount   int
	MaxRetries   int

	// notBefore delays a retried task for its backoff window.
	notBefore time.Time
}

// taskKey identifies equivalent tasks for dedup and in-flight tracking.
type taskKey struct {
	entityType EntityType
	op         SyncOperation
	userID     string
}

func (t *SyncTask) key() taskKey {
	return taskKey{entityType: t.EntityType, op: t.Operation, userID: t.TargetUserID}
}

// ErrSyncDisabled is returned by an executor that finds sync switched off
// mid-task. The drain loop drops such tasks silently: no retry, no completion
// or error event, and the debounce window is not armed.
var ErrSyncDisabled = errors.New("sync is disabled")

// TaskExecutor runs one sync task. The engine implements this; the scheduler
// owns ordering, dedup, retries and lifetime.
type TaskExecutor interface {
	ExecuteTask(ctx context.Context, task *SyncTask) error
}

// SchedulerConfig configures the sync queue.
type SchedulerConfig struct {
	// Debounce is the minimum elapsed time since the last successful sync
	// of an entity type before another task for it is accepted.
	Debounce time.Duration `yaml:"debounce"`

	// MaxRetries is how many times a failed task is retried.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base backoff; a task's n-th retry waits
	// n × RetryBackoff before executing.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// SweepInterval is how often the periodic full sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DisableTimeout bounds how long Disable waits for the in-flight task.
	DisableTimeout time.Duration `yaml:"disable_timeout"`

	// DrainPoll is the cooperative polling interval while waiting for the
	// queue to drain.
	DrainPoll time.Duration `yaml:"drain_poll"`
}

// DefaultSchedulerConfig returns the default queue policy.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:       time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		TaskTimeout:    2 * time.Minute,
		SweepInterval:  5 * time.Minute,
		DisableTimeout: 5 * time.Second,
		DrainPoll:      25 * time.Millisecond,
	}
}

// SchedulerStats is a point-in-time snapshot of queue health.
type SchedulerStats struct {
	QueueDepth     int   `json:"queue_depth"`
	InFlight       int   `json:"in_flight"`
	TasksExecuted  int64 `json:"tasks_executed"`
	TasksSucceeded int64 `json:"tasks_succeeded"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksDropped   int64 `json:"tasks_dropped"`
	TasksSkipped   int64 `json:"tasks_skipped"`
}

// Scheduler serializes and de-duplicates sync work. Tasks across entity
// types share one queue and one drain loop: operations interleave but never
// run in parallel, which keeps every local collection single-writer from the
// sync path's point of view.
type Scheduler struct {
	config  SchedulerConfig
	exec    TaskExecutor
	gate    *PermissionGate
	hub     *EventHub
	logger  *slog.Logger
	enabled func() bool

	mu          sync.Mutex
	queue       []*SyncTask
	inflight    map[taskKey]*SyncTask
	lastSuccess map[EntityType]time.Time
	draining    bool
	halted      bool
	nextID      uint64

	stats SchedulerStats
}

// NewScheduler creates a sync queue. enabled is consulted on every enqueue
// and must re-read the durable flag rather than cache it.
func NewScheduler(config SchedulerConfig, exec TaskExecutor, gate *PermissionGate, hub *EventHub, enabled func() bool, logger *slog.Logger) *Scheduler {
	if config.Debounce <= 0 {
		config.Debounce = time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 2 * time.Minute
	}
	if config.DisableTimeout <= 0 {
		config.DisableTimeout = 5 * time.Second
	}
	if config.DrainPoll <= 0 {
		config.DrainPoll = 25 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:      config,
		exec:        exec,
		gate:        gate,
		hub:         hub,
		logger:      logger,
		enabled:     enabled,
		inflight:    make(map[taskKey]*SyncTask),
		lastSuccess: make(map[EntityType]time.Time),
	}
}

// QueueSync enqueues a sync task. It fails silently (a log line, never an
// error) when sync is disabled, permission is denied, an equivalent or
// subsuming task is already in flight, the debounce window is still open, or
// an equivalent task already waits in the queue. A high-priority request
// replaces a queued lower-priority duplicate and is inserted at the front; a
// queued lower-priority full that subsumes the request is promoted to the
// front instead of swallowing the urgency.
func (s *Scheduler) QueueSync(t EntityType, op SyncOperation, priority SyncPriority, targetUserID string) {
	if !t.Valid() {
		s.logger.Warn("queue sync rejected: unknown entity type", "entity", t)
		return
	}
	if !s.enabled() {
		s.logger.Debug("queue sync skipped: sync disabled", "entity", t, "op", op)
		return
	}
	if !s.gate.Allowed(t, targetUserID) {
		s.logger.Warn("queue sync skipped: permission denied",
			"entity", t, "op", op, "user", targetUserID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return
	}
	if s.inFlightConflictLocked(t, op, targetUserID) {
		s.stats.TasksSkipped++
		s.logger.Debug("queue sync skipped: equivalent task in flight",
			"entity", t, "op", op)
		return
	}
	if last, ok := s.lastSuccess[t]; ok && time.Since(last) < s.config.Debounce {
		s.stats.TasksSkipped++
		s.logger.Debug("queue sync skipped: within debounce window",
			"entity", t, "op", op)
		return
	}

	key := taskKey{entityType: t, op: op, userID: targetUserID}
	for i, queued := range s.queue {
		subsumes := queued.EntityType == t && queued.TargetUserID == targetUserID &&
			(queued.Operation == op || (queued.Operation == OpFull && op != OpFull))
		if !subsumes {
			continue
		}
		if priority == PriorityHigh && queued.Priority != PriorityHigh {
			if queued.key() == key {
				// Promote: drop the queued duplicate, insert fresh
				// at the front.
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
			// A queued full absorbs this half. The urgency carries
			// over: the full moves to the front at high priority.
			queued.Priority = PriorityHigh
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.queue = append([]*SyncTask{queued}, s.queue...)
			s.stats.TasksSkipped++
			s.logger.Debug("queue sync skipped: queued full promoted",
				"entity", t, "op", op)
			return
		}
		s.stats.TasksSkipped++
		s.logger.Debug("queue sync skipped: duplicate queued task",
			"entity", t, "op", op)
		return
	}

	s.nextID++
	task := &SyncTask{
		ID:           fmt.Sprintf("task-%d", s.nextID),
		EntityType:   t,
		Operation:    op,
		Priority:     priority,
		TargetUserID: targetUserID,
		EnqueuedAt:   time.Now(),
		MaxRetries:   s.config.MaxRetries,
	}
	if priority == PriorityHigh {
		s.queue = append([]*SyncTask{task}, s.queue...)
	} else {
		s.queue = append(s.queue, task)
	}

	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

// inFlightConflictLocked reports whether an in-flight task makes the new one
// redundant: an exact duplicate, a full subsuming a pull/push, or either half
// already running when a full is requested.
func (s *Scheduler) inFlightConflictLocked(t EntityType, op SyncOperation, userID string) bool {
	if _, ok := s.inflight[taskKey{entityType: t, op: op, userID: userID}]; ok {
		return true
	}
	if op != OpFull {
		_, ok := s.inflight[taskKey{entityType: t, op: OpFull, userID: userID}]
		return ok
	}
	if _, ok := s.inflight[taskKey{entityType: t, op: OpPull, userID: userID}]; ok {
		return true
	}
	_, ok := s.inflight[taskKey{entityType: t, op: OpPush, userID: userID}]
	return ok
}

// drain is the single active queue loop: pop from the front, execute, and on
// failure re-queue at the front with a linear backoff until retries run out.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.halted || len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		key := task.key()
		s.inflight[key] = task
		s.mu.Unlock()

		if wait := time.Until(task.notBefore); wait > 0 {
			time.Sleep(wait)
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
		err := s.exec.ExecuteTask(ctx, task)
		cancel()

		s.mu.Lock()
		delete(s.inflight, key)
		s.stats.TasksExecuted++

		if err == nil {
			s.stats.TasksSucceeded++
			s.lastSuccess[task.EntityType] = time.Now()
			s.mu.Unlock()
			s.hub.Publish(Event{
				Type:       EventSyncCompleted,
				EntityType: task.EntityType,
				Operation:  string(task.Operation),
				UserID:     task.TargetUserID,
			})
			continue
		}

		if errors.Is(err, ErrSyncDisabled) {
			// Switched off between enqueue and execution; not a sync.
			s.stats.TasksSkipped++
			s.mu.Unlock()
			s.logger.Debug("sync task dropped: sync disabled",
				"task", task.ID, "entity", task.EntityType)
			continue
		}

		s.stats.TasksFailed++
		if errors.Is(err, ErrPermissionDenied) {
			// Retrying cannot change a permission outcome.
			s.stats.TasksDropped++
			s.mu.Unlock()
			s.logger.Error("sync task dropped: permission denied",
				"task", task.ID, "entity", task.EntityType, "err", err)
			s.publishError(task, err)
			continue
		}

		if task.RetryCount < task.MaxRetries {
			task.RetryCount++
			task.notBefore = time.Now().Add(s.config.RetryBackoff * time.Duration(task.RetryCount))
			s.queue = append([]*SyncTask{task}, s.queue...)
			s.mu.Unlock()
			s.logger.Warn("sync task failed, retrying",
				"task", task.ID, "entity", task.EntityType, "op", task.Operation,
				"attempt", task.RetryCount, "err", err)
			continue
		}

		s.stats.TasksDropped++
		s.mu.Unlock()
		s.logger.Error("sync task dropped after retries",
			"task", task.ID, "entity", task.EntityType, "op", task.Operation,
			"attempts", task.RetryCount+1, "err", err)
		s.publishError(task, err)
	}
}

func (s *Scheduler) publishError(task *SyncTask, err error) {
	s.hub.Publish(Event{
		Type:       EventSyncError,
		EntityType: task.EntityType,
		Operation:  string(task.Operation),
		UserID:     task.TargetUserID,
		Err:        err,
	})
}

// WaitIdle blocks until the queue is empty and nothing is in flight, polling
// cooperatively, or until ctx expires.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && len(s.inflight) == 0 && !s.draining
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.DrainPoll):
		}
	}
}

// Halt stops dequeuing, clears the queue, and waits up to timeout for the
// in-flight task. A stuck task cannot block shutdown indefinitely: after the
// timeout Halt proceeds regardless.
func (s *Scheduler) Halt(timeout time.Duration) {
	s.mu.Lock()
	s.halted = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Info("sync queue cleared", "dropped", dropped)
	}

	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		busy := len(s.inflight) > 0
		s.mu.Unlock()
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			s.logger.Warn("halt timed out waiting for in-flight sync task")
			break
		}
		time.Sleep(s.config.DrainPoll)
	}

	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()
}

// ResetDebounce clears the per-type debounce state (used when sync is
// re-enabled so the initial sync is never debounced away).
func (s *Scheduler) ResetDebounce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSuccess = make(map[EntityType]time.Time)
}

// Stats returns a snapshot of queue health.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueDepth = len(s.queue)
	stats.InFlight = len(s.inflight)
	return stats
}
