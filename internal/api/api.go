package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"time"

	"conversion-backend/internal/classifier"
	"conversion-backend/internal/storage"
	"conversion-backend/internal/tasks"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxUploadSize caps a single submission. Checkpoint bundles with large
// variable shards are the biggest legitimate uploads we see.
const maxUploadSize = 2 << 30

type BackendService struct {
	manager *tasks.Manager
	store   storage.ObjectStore
	version string
}

func NewBackendService(manager *tasks.Manager, store storage.ObjectStore, version string) *BackendService {
	return &BackendService{manager: manager, store: store, version: version}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitTask))
		r.Get("/", RestHandler(s.ListTasks))
		r.Get("/history", RestHandler(s.ListHistory))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Delete("/{task_id}", RestHandler(s.CancelTask))
		r.Get("/{task_id}/logs", RestHandler(s.GetTaskLogs))
		r.Get("/{task_id}/download", s.DownloadArtifact)
	})
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	return api.HealthResponse{Status: "ok", Version: s.version, Timestamp: time.Now()}, nil
}

// SubmitTask accepts a multipart upload, stores the files, classifies them
// into a model bundle and enqueues a conversion. The submitted files must
// form exactly one bundle; anything ambiguous or incomplete is rejected
// before a task is created.
func (s *BackendService) SubmitTask(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("error parsing multipart form", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart upload")
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "no files provided, upload model files under the 'files' field")
	}

	options := models.DefaultConversionOptions()
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid conversion options: %v", err)
		}
	}
	callbackURL := r.FormValue("callback_url")

	uploadId := uuid.New()
	files, err := s.storeUpload(r, uploadId, headers)
	if err != nil {
		return nil, err
	}

	bundle, err := classifier.Classify(files)
	if err != nil {
		s.discardUpload(r, uploadId)
		return nil, classificationError(err)
	}

	taskId, err := s.manager.Submit(bundle, options, callbackURL)
	if err != nil {
		s.discardUpload(r, uploadId)
		if errors.Is(err, tasks.ErrQueueFull) {
			return nil, CodedErrorf(http.StatusTooManyRequests, "task queue is full, retry later")
		}
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "%v", err)
	}

	return api.SubmitTaskResponse{
		TaskId:      taskId,
		Message:     "conversion task submitted",
		Format:      bundle.Format,
		PrimaryFile: bundle.Primary().Name,
		TotalFiles:  len(headers),
	}, nil
}

func (s *BackendService) storeUpload(r *http.Request, uploadId uuid.UUID, headers []*multipart.FileHeader) ([]models.FileRef, error) {
	files := make([]models.FileRef, 0, len(headers))
	for _, header := range headers {
		name := path.Clean("/" + header.Filename)[1:]
		if name == "" || name == "." {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid file name %q", header.Filename)
		}

		file, err := header.Open()
		if err != nil {
			slog.Error("error opening uploaded file", "file", header.Filename, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to read uploaded file %q", header.Filename)
		}

		key := storage.UploadKey(uploadId.String(), name)
		err = s.store.PutObject(r.Context(), key, file)
		file.Close()
		if err != nil {
			slog.Error("error storing uploaded file", "file", name, "error", err)
			s.discardUpload(r, uploadId)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to store uploaded file %q", name)
		}

		files = append(files, models.FileRef{Name: name, Ref: key})
	}
	return files, nil
}

func (s *BackendService) discardUpload(r *http.Request, uploadId uuid.UUID) {
	if err := s.store.DeleteObjects(r.Context(), storage.UploadPrefix(uploadId.String())); err != nil {
		slog.Warn("failed to discard rejected upload", "upload_id", uploadId, "error", err)
	}
}

func classificationError(err error) error {
	var cerr *classifier.ClassificationError
	if errors.As(err, &cerr) && cerr.Kind == classifier.MissingRole {
		return CodedErrorf(http.StatusUnprocessableEntity, "%v", err)
	}
	return CodedErrorf(http.StatusBadRequest, "%v", err)
}

type listTasksParams struct {
	State string `schema:"state"`
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listTasksParams](r)
	if err != nil {
		return nil, err
	}
	if err := validateStateFilter(params.State); err != nil {
		return nil, err
	}

	snaps := s.manager.List(params.State)
	return api.ListTasksResponse{Tasks: snaps, Total: len(snaps)}, nil
}

func (s *BackendService) ListHistory(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listTasksParams](r)
	if err != nil {
		return nil, err
	}
	if err := validateStateFilter(params.State); err != nil {
		return nil, err
	}

	records, err := s.manager.History(r.Context(), params.State)
	if err != nil {
		slog.Error("error listing task history", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task history")
	}

	snaps := convertRecords(records)
	return api.ListTasksResponse{Tasks: snaps, Total: len(snaps)}, nil
}

func validateStateFilter(state string) error {
	switch state {
	case "", models.TaskPending, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
		return nil
	}
	return CodedErrorf(http.StatusBadRequest, "invalid state filter %q", state)
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	snap, err := s.manager.Get(taskId)
	if err != nil {
		return nil, CodedErrorf(http.StatusNotFound, "task not found")
	}
	return snap, nil
}

func (s *BackendService) CancelTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	err = s.manager.Cancel(taskId)
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return nil, CodedErrorf(http.StatusNotFound, "task not found")
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		return nil, CodedErrorf(http.StatusConflict, "task is already in a terminal state")
	case err != nil:
		slog.Error("error cancelling task", "task_id", taskId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error cancelling task")
	}

	return api.CancelTaskResponse{Message: "cancellation requested"}, nil
}

func (s *BackendService) GetTaskLogs(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	logs, err := s.manager.Logs(taskId)
	if err != nil {
		return nil, CodedErrorf(http.StatusNotFound, "task not found")
	}
	return api.TaskLogsResponse{TaskId: taskId, Logs: logs}, nil
}

// DownloadArtifact streams the converted model. It bypasses RestHandler since
// the response body is the artifact itself, not json.
func (s *BackendService) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.manager.Get(taskId)
	if err != nil {
		writeError(w, CodedErrorf(http.StatusNotFound, "task not found"))
		return
	}
	if snap.State != models.TaskCompleted {
		writeError(w, CodedErrorf(http.StatusConflict, "task is %s, artifact is only available for completed tasks", snap.State))
		return
	}

	object, err := s.store.GetObject(r.Context(), snap.ResultRef)
	if err != nil {
		slog.Error("error fetching artifact", "task_id", taskId, "error", err)
		writeError(w, CodedErrorf(http.StatusInternalServerError, "error retrieving artifact"))
		return
	}
	defer object.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(snap.ResultRef)))
	if _, err := io.Copy(w, object); err != nil {
		slog.Warn("error streaming artifact", "task_id", taskId, "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var cerr *codedError
	if errors.As(err, &cerr) {
		http.Error(w, err.Error(), cerr.code)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
