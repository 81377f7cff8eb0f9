package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conversion-backend/internal/database"
	"conversion-backend/internal/engine"
	"conversion-backend/internal/messaging"
	"conversion-backend/internal/metrics"
	"conversion-backend/internal/storage"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/google/uuid"
)

func (m *Manager) runWorker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case taskId, ok := <-m.queue:
			if !ok {
				return
			}
			metrics.QueueDepth.Dec()
			m.execute(taskId)
		}
	}
}

// execute drives one task from PENDING to a terminal state. Engine failures
// of any kind are captured into the task record; the worker always survives
// to pick up the next queued task.
func (m *Manager) execute(taskId uuid.UUID) {
	t := m.lookup(taskId)
	if t == nil {
		slog.Error("dequeued unknown task id", "task_id", taskId)
		return
	}

	t.mu.Lock()
	if t.state != models.TaskPending {
		// Tombstone left behind by a cancellation while pending.
		t.mu.Unlock()
		return
	}
	t.state = models.TaskRunning
	now := time.Now()
	t.startTime = &now

	ctx, cancel := context.WithCancel(m.baseCtx)
	t.cancel = cancel
	t.appendLogLocked("conversion started")
	t.mu.Unlock()
	defer cancel()

	err := m.runConversion(ctx, t)
	m.finalize(t, err)
}

func (m *Manager) runConversion(ctx context.Context, t *task) error {
	tempDir, err := os.MkdirTemp("", "convert-"+t.id.String()+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	roles := make(map[string]string, len(t.bundle.Roles))
	for role, ref := range t.bundle.Roles {
		local := filepath.Join(tempDir, "in", filepath.FromSlash(ref.Name))
		if err := m.store.DownloadObject(ctx, ref.Ref, local); err != nil {
			return fmt.Errorf("failed to fetch %s file: %w", role, err)
		}
		roles[role] = local
	}

	shards := make([]string, 0, len(t.bundle.DataShards))
	for _, ref := range t.bundle.DataShards {
		local := filepath.Join(tempDir, "in", filepath.FromSlash(ref.Name))
		if err := m.store.DownloadObject(ctx, ref.Ref, local); err != nil {
			return fmt.Errorf("failed to fetch shard file: %w", err)
		}
		shards = append(shards, local)
	}

	t.appendLog("fetched %d input files", len(roles)+len(shards))

	outputName := artifactName(t)
	outputPath := filepath.Join(tempDir, "out", outputName)
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	req := engine.ConvertRequest{
		Bundle: engine.LocalBundle{
			Format: t.bundle.Format,
			Roles:  roles,
			Shards: shards,
		},
		Options:    t.options,
		OutputPath: outputPath,
	}

	if err := m.invokeEngine(ctx, req, func(pct int) { m.updateProgress(t, pct) }); err != nil {
		return err
	}

	artifact, err := os.Open(outputPath)
	if err != nil {
		return fmt.Errorf("engine reported success but artifact is unreadable: %w", err)
	}
	defer artifact.Close()

	key := storage.ArtifactKey(t.id.String(), outputName)
	if err := m.store.PutObject(ctx, key, artifact); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	t.mu.Lock()
	t.resultRef = key
	t.mu.Unlock()
	return nil
}

// invokeEngine isolates the opaque engine call: a panic inside it is turned
// into an ordinary failure instead of taking the worker down.
func (m *Manager) invokeEngine(ctx context.Context, req engine.ConvertRequest, onProgress func(int)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return m.engine.Convert(ctx, req, onProgress)
}

// updateProgress applies a progress checkpoint. Values are clamped to [0,100]
// and never move backwards; updates after the terminal transition are
// discarded.
func (m *Manager) updateProgress(t *task, pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.TaskRunning {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= t.progress {
		return
	}
	t.progress = pct
	t.appendLogLocked("conversion progress: %d%%", pct)
}

func (m *Manager) finalize(t *task, convErr error) {
	t.mu.Lock()
	if models.IsTerminal(t.state) {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	t.completionTime = &now

	switch {
	case convErr == nil:
		t.state = models.TaskCompleted
		t.progress = 100
		t.appendLogLocked("conversion completed, artifact at %s", t.resultRef)
	case errors.Is(convErr, context.Canceled) || t.cancelRequested:
		t.state = models.TaskCancelled
		t.appendLogLocked("task cancelled")
	default:
		t.state = models.TaskFailed
		t.errDetail = convErr.Error()
		t.appendLogLocked("conversion failed: %s", t.errDetail)
	}

	snap := t.snapshotLocked()
	t.mu.Unlock()

	m.recordTerminal(t, snap)
}

// recordTerminal persists the history row, flushes the task log and fires
// the best-effort side effects (callback, event, cleanup) off the worker's
// critical path.
func (m *Manager) recordTerminal(t *task, snap api.Task) {
	metrics.TasksFinishedTotal.WithLabelValues(snap.State).Inc()
	slog.Info("task finished", "task_id", snap.Id, "state", snap.State)

	ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
	defer cancel()

	if err := database.SaveRecord(ctx, m.db, terminalRecord(t, snap)); err != nil {
		slog.Error("failed to persist task history", "task_id", snap.Id, "error", err)
	}

	m.flushLog(ctx, t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
		defer cancel()

		m.notifier.Notify(ctx, t.callbackURL, snap)

		if m.events != nil {
			event := messaging.TaskEvent{
				TaskId:         snap.Id,
				State:          snap.State,
				Format:         string(snap.Format),
				ResultRef:      snap.ResultRef,
				Error:          snap.Error,
				CreationTime:   snap.CreationTime,
				StartTime:      snap.StartTime,
				CompletionTime: snap.CompletionTime,
			}
			if err := m.events.PublishTaskEvent(ctx, event); err != nil {
				slog.Warn("failed to publish task event", "task_id", snap.Id, "error", err)
			}
		}

		if m.Cleanup != nil {
			m.Cleanup(ctx, snap.Id, snap.State)
		}
	}()
}

func terminalRecord(t *task, snap api.Task) *database.ConversionRecord {
	optionsJSON, err := json.Marshal(t.options)
	if err != nil {
		slog.Error("failed to marshal task options for history", "task_id", snap.Id, "error", err)
	}

	rec := &database.ConversionRecord{
		Id:           snap.Id,
		Format:       string(snap.Format),
		PrimaryFile:  snap.PrimaryFile,
		State:        snap.State,
		Options:      optionsJSON,
		CreationTime: snap.CreationTime,
		LogRef:       nullString(t.logRef),
		ResultRef:    nullString(snap.ResultRef),
		Error:        nullString(snap.Error),
		CallbackURL:  nullString(t.callbackURL),
	}
	if snap.StartTime != nil {
		rec.StartTime = sql.NullTime{Time: *snap.StartTime, Valid: true}
	}
	if snap.CompletionTime != nil {
		rec.CompletionTime = sql.NullTime{Time: *snap.CompletionTime, Valid: true}
	}
	return rec
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (m *Manager) flushLog(ctx context.Context, t *task) {
	t.mu.Lock()
	contents := strings.Join(t.logs, "\n")
	logRef := t.logRef
	t.mu.Unlock()

	if err := m.store.PutObject(ctx, logRef, strings.NewReader(contents+"\n")); err != nil {
		slog.Warn("failed to flush task log", "task_id", t.id, "error", err)
	}
}

func artifactName(t *task) string {
	base := filepath.Base(filepath.FromSlash(t.bundle.Primary().Name))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "_" + t.id.String() + ".rknn"
}
