package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/google/uuid"
)

// task is the live, mutable record for one conversion. All mutable fields are
// guarded by mu; the manager is the only writer. bundle and options are
// immutable after creation.
type task struct {
	id          uuid.UUID
	bundle      models.ModelBundle
	options     models.ConversionOptions
	callbackURL string
	logRef      string

	mu sync.Mutex

	state    string
	progress int

	creationTime   time.Time
	startTime      *time.Time
	completionTime *time.Time

	resultRef string
	errDetail string

	// cancelRequested is the cooperative cancellation token. cancel is set
	// once the task is running and interrupts the engine call.
	cancelRequested bool
	cancel          context.CancelFunc

	logs []string
}

func newTask(bundle models.ModelBundle, options models.ConversionOptions, callbackURL string) *task {
	return &task{
		id:           uuid.New(),
		bundle:       bundle,
		options:      options,
		callbackURL:  callbackURL,
		state:        models.TaskPending,
		creationTime: time.Now(),
	}
}

// snapshotLocked copies the task's visible fields. Callers must hold t.mu.
func (t *task) snapshotLocked() api.Task {
	snap := api.Task{
		Id:           t.id,
		State:        t.state,
		Progress:     t.progress,
		Format:       t.bundle.Format,
		PrimaryFile:  t.bundle.Primary().Name,
		CreationTime: t.creationTime,
		ResultRef:    t.resultRef,
		Error:        t.errDetail,
	}
	if t.startTime != nil {
		started := *t.startTime
		snap.StartTime = &started
	}
	if t.completionTime != nil {
		finished := *t.completionTime
		snap.CompletionTime = &finished
	}
	return snap
}

func (t *task) snapshot() api.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *task) appendLogLocked(format string, args ...any) {
	line := time.Now().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	t.logs = append(t.logs, line)
}

func (t *task) appendLog(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLogLocked(format, args...)
}
