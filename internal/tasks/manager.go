package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"conversion-backend/internal/classifier"
	"conversion-backend/internal/database"
	"conversion-backend/internal/engine"
	"conversion-backend/internal/messaging"
	"conversion-backend/internal/metrics"
	"conversion-backend/internal/notifier"
	"conversion-backend/internal/storage"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task is already in a terminal state")
	ErrQueueFull       = errors.New("task queue is full")
)

type Config struct {
	// Workers is the fixed number of concurrent conversions.
	Workers int

	// QueueDepth bounds the number of tasks waiting for a worker. Submissions
	// beyond it fail with ErrQueueFull.
	QueueDepth int

	NotifyTimeout time.Duration
}

// Manager owns the task registry, the pending queue and the worker pool. It
// is the sole writer of task state. The registry map is guarded by a coarse
// lock used only for structural operations (insert, lookup, list); each
// task's mutable fields have their own mutex so progress updates on one task
// never serialize against another.
type Manager struct {
	db       *gorm.DB
	store    storage.ObjectStore
	engine   engine.Engine
	notifier *notifier.Notifier
	events   messaging.EventPublisher

	// Cleanup runs after a task's terminal transition, off the worker's
	// critical path. By default it removes the task's uploaded inputs.
	Cleanup func(ctx context.Context, taskId uuid.UUID, state string)

	mu       sync.RWMutex
	registry map[uuid.UUID]*task

	queue chan uuid.UUID

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	workers       int
	notifyTimeout time.Duration
}

func NewManager(db *gorm.DB, store storage.ObjectStore, eng engine.Engine, notif *notifier.Notifier, events messaging.EventPublisher, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		db:            db,
		store:         store,
		engine:        eng,
		notifier:      notif,
		events:        events,
		registry:      make(map[uuid.UUID]*task),
		queue:         make(chan uuid.UUID, cfg.QueueDepth),
		baseCtx:       ctx,
		baseCancel:    cancel,
		workers:       cfg.Workers,
		notifyTimeout: cfg.NotifyTimeout,
	}

	m.Cleanup = func(ctx context.Context, taskId uuid.UUID, state string) {
		t := m.lookup(taskId)
		if t == nil {
			return
		}
		prefix := path.Dir(t.bundle.Primary().Ref) + "/"
		if prefix == "./" {
			return
		}
		if err := store.DeleteObjects(ctx, prefix); err != nil {
			slog.Warn("failed to clean up task inputs", "task_id", taskId, "error", err)
		}
	}

	return m
}

// Start launches the worker pool.
func (m *Manager) Start() {
	slog.Info("starting conversion workers", "workers", m.workers)
	m.wg.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go m.runWorker(i)
	}
}

// Stop interrupts running conversions and waits for the workers to exit.
func (m *Manager) Stop() {
	m.baseCancel()
	m.wg.Wait()
}

// Submit validates options, creates a PENDING task and enqueues it. It
// returns without waiting for execution.
func (m *Manager) Submit(bundle models.ModelBundle, options models.ConversionOptions, callbackURL string) (uuid.UUID, error) {
	if err := options.Validate(); err != nil {
		metrics.TasksRejectedTotal.WithLabelValues("validation").Inc()
		return uuid.Nil, fmt.Errorf("invalid conversion options: %w", err)
	}

	t := newTask(bundle, options, callbackURL)
	t.logRef = storage.LogKey(t.id.String())
	t.appendLog("task created for %s", classifier.DescribeBundle(bundle))

	m.mu.Lock()
	m.registry[t.id] = t
	m.mu.Unlock()

	select {
	case m.queue <- t.id:
	default:
		m.mu.Lock()
		delete(m.registry, t.id)
		m.mu.Unlock()
		metrics.TasksRejectedTotal.WithLabelValues("queue_full").Inc()
		return uuid.Nil, ErrQueueFull
	}

	metrics.TasksSubmittedTotal.Inc()
	metrics.QueueDepth.Inc()
	slog.Info("task submitted", "task_id", t.id, "format", bundle.Format)
	return t.id, nil
}

func (m *Manager) lookup(taskId uuid.UUID) *task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry[taskId]
}

// Get returns a point-in-time snapshot of a task.
func (m *Manager) Get(taskId uuid.UUID) (api.Task, error) {
	t := m.lookup(taskId)
	if t == nil {
		return api.Task{}, ErrNotFound
	}
	return t.snapshot(), nil
}

// Logs returns a copy of the task's log lines.
func (m *Manager) Logs(taskId uuid.UUID) ([]string, error) {
	t := m.lookup(taskId)
	if t == nil {
		return nil, ErrNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	logs := make([]string, len(t.logs))
	copy(logs, t.logs)
	return logs, nil
}

// List returns snapshots of registered tasks, newest first, optionally
// filtered by state.
func (m *Manager) List(state string) []api.Task {
	m.mu.RLock()
	all := make([]*task, 0, len(m.registry))
	for _, t := range m.registry {
		all = append(all, t)
	}
	m.mu.RUnlock()

	snaps := make([]api.Task, 0, len(all))
	for _, t := range all {
		snap := t.snapshot()
		if state != "" && snap.State != state {
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreationTime.After(snaps[j].CreationTime)
	})
	return snaps
}

// Cancel requests cancellation. A PENDING task is moved straight to CANCELLED
// and will never reach the engine; a RUNNING task has its token set and is
// interrupted at the engine's next cooperative checkpoint.
func (m *Manager) Cancel(taskId uuid.UUID) error {
	t := m.lookup(taskId)
	if t == nil {
		return ErrNotFound
	}

	t.mu.Lock()
	switch {
	case models.IsTerminal(t.state):
		t.mu.Unlock()
		return ErrAlreadyTerminal

	case t.state == models.TaskPending:
		// The queue entry becomes a tombstone; workers skip anything no
		// longer pending, so the engine is never invoked for this task.
		t.cancelRequested = true
		t.state = models.TaskCancelled
		now := time.Now()
		t.completionTime = &now
		t.appendLogLocked("task cancelled before execution started")
		snap := t.snapshotLocked()
		t.mu.Unlock()

		m.recordTerminal(t, snap)
		return nil

	default: // RUNNING
		t.cancelRequested = true
		if t.cancel != nil {
			t.cancel()
		}
		t.appendLogLocked("cancellation requested, waiting for engine checkpoint")
		t.mu.Unlock()
		return nil
	}
}

// History returns the persisted records of tasks that reached a terminal
// state, newest first.
func (m *Manager) History(ctx context.Context, state string) ([]database.ConversionRecord, error) {
	return database.ListRecords(ctx, m.db, state)
}

// QueueDepth reports how many tasks are waiting for a worker.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}
