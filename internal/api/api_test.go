package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	backend "conversion-backend/internal/api"
	"conversion-backend/internal/database"
	"conversion-backend/internal/engine"
	"conversion-backend/internal/messaging"
	"conversion-backend/internal/notifier"
	"conversion-backend/internal/storage"
	"conversion-backend/internal/tasks"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	calls   atomic.Int32
	convert func(ctx context.Context, req engine.ConvertRequest, onProgress func(int)) error
}

func (e *stubEngine) Convert(ctx context.Context, req engine.ConvertRequest, onProgress func(int)) error {
	e.calls.Add(1)
	if e.convert != nil {
		return e.convert(ctx, req, onProgress)
	}
	onProgress(100)
	return os.WriteFile(req.OutputPath, []byte("rknn artifact"), 0o644)
}

type testServer struct {
	router  *chi.Mux
	manager *tasks.Manager
}

func newTestServer(t *testing.T, eng engine.Engine, cfg tasks.Config, start bool) *testServer {
	t.Helper()

	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	manager := tasks.NewManager(db, store, eng, notifier.New(time.Second), messaging.NewInMemoryEvents(), cfg)
	if start {
		manager.Start()
	}
	t.Cleanup(manager.Stop)

	service := backend.NewBackendService(manager, store, "test")
	router := chi.NewRouter()
	service.AddRoutes(router)

	return &testServer{router: router, manager: manager}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, fields map[string]string, files map[string]string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func decodeJson[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func (s *testServer) waitTerminal(t *testing.T, taskId uuid.UUID) api.Task {
	t.Helper()
	var snap api.Task
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/tasks/"+taskId.String(), nil, "")
		if w.Code != http.StatusOK {
			return false
		}
		snap = decodeJson[api.Task](t, w)
		return models.IsTerminal(snap.State)
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	w := server.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	health := decodeJson[api.HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestSubmitAndTrackTask(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{Workers: 1}, true)

	body, contentType := multipartUpload(t,
		map[string]string{"options": `{"target_platform": "rk3566"}`},
		map[string]string{"mobilenet.onnx": "onnx bytes"},
	)
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	submitted := decodeJson[api.SubmitTaskResponse](t, w)
	assert.Equal(t, models.FormatONNX, submitted.Format)
	assert.Equal(t, "mobilenet.onnx", submitted.PrimaryFile)
	assert.Equal(t, 1, submitted.TotalFiles)
	require.NotEqual(t, uuid.Nil, submitted.TaskId)

	snap := server.waitTerminal(t, submitted.TaskId)
	assert.Equal(t, models.TaskCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)

	w = server.do(t, http.MethodGet, "/tasks/"+submitted.TaskId.String()+"/logs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeJson[api.TaskLogsResponse](t, w)
	assert.NotEmpty(t, logs.Logs)

	w = server.do(t, http.MethodGet, "/tasks/"+submitted.TaskId.String()+"/download", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rknn artifact", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".rknn")

	w = server.do(t, http.MethodGet, "/tasks?state=COMPLETED", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJson[api.ListTasksResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, submitted.TaskId, list.Tasks[0].Id)

	require.Eventually(t, func() bool {
		w := server.do(t, http.MethodGet, "/tasks/history", nil, "")
		if w.Code != http.StatusOK {
			return false
		}
		return decodeJson[api.ListTasksResponse](t, w).Total == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitMultiFileBundle(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{Workers: 1}, true)

	body, contentType := multipartUpload(t, nil, map[string]string{
		"lenet.prototxt":   "graph",
		"lenet.caffemodel": "weights",
		"README.txt":       "docs",
	})
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	submitted := decodeJson[api.SubmitTaskResponse](t, w)
	assert.Equal(t, models.FormatCaffe, submitted.Format)
	assert.Equal(t, "lenet.prototxt", submitted.PrimaryFile)
	assert.Equal(t, 3, submitted.TotalFiles)

	snap := server.waitTerminal(t, submitted.TaskId)
	assert.Equal(t, models.TaskCompleted, snap.State)
}

func TestSubmitRejections(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	tests := []struct {
		name     string
		fields   map[string]string
		files    map[string]string
		wantCode int
	}{
		{
			name:     "no files",
			files:    nil,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "ambiguous upload",
			files:    map[string]string{"a.onnx": "x", "b.onnx": "y"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unsupported format",
			files:    map[string]string{"model.h5": "x"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "incomplete bundle",
			files:    map[string]string{"lenet.prototxt": "x"},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "malformed options json",
			fields:   map[string]string{"options": "{not json"},
			files:    map[string]string{"a.onnx": "x"},
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "invalid target platform",
			fields:   map[string]string{"options": `{"target_platform": "rk9999"}`},
			files:    map[string]string{"a.onnx": "x"},
			wantCode: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartUpload(t, tt.fields, tt.files)
			w := server.do(t, http.MethodPost, "/tasks", body, contentType)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestSubmitQueueFull(t *testing.T) {
	// Workers are never started so the single queue slot stays occupied.
	server := newTestServer(t, &stubEngine{}, tasks.Config{Workers: 1, QueueDepth: 1}, false)

	body, contentType := multipartUpload(t, nil, map[string]string{"a.onnx": "x"})
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)

	body, contentType = multipartUpload(t, nil, map[string]string{"b.onnx": "x"})
	w = server.do(t, http.MethodPost, "/tasks", body, contentType)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCancelTask(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	body, contentType := multipartUpload(t, nil, map[string]string{"a.onnx": "x"})
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)
	submitted := decodeJson[api.SubmitTaskResponse](t, w)

	w = server.do(t, http.MethodDelete, "/tasks/"+submitted.TaskId.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = server.do(t, http.MethodGet, "/tasks/"+submitted.TaskId.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decodeJson[api.Task](t, w)
	assert.Equal(t, models.TaskCancelled, snap.State)

	// Repeated cancellation of a terminal task conflicts.
	w = server.do(t, http.MethodDelete, "/tasks/"+submitted.TaskId.String(), nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTaskNotFound(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	missing := uuid.NewString()
	for _, path := range []string{
		"/tasks/" + missing,
		"/tasks/" + missing + "/logs",
		"/tasks/" + missing + "/download",
	} {
		w := server.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := server.do(t, http.MethodDelete, "/tasks/"+missing, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = server.do(t, http.MethodGet, "/tasks/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListStateFilterValidation(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	w := server.do(t, http.MethodGet, "/tasks?state=SLEEPING", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = server.do(t, http.MethodGet, "/tasks?state=PENDING", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDownloadBeforeCompletion(t *testing.T) {
	server := newTestServer(t, &stubEngine{}, tasks.Config{}, false)

	body, contentType := multipartUpload(t, nil, map[string]string{"a.onnx": "x"})
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)
	submitted := decodeJson[api.SubmitTaskResponse](t, w)

	w = server.do(t, http.MethodGet, "/tasks/"+submitted.TaskId.String()+"/download", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFailedTaskReportsEngineError(t *testing.T) {
	eng := &stubEngine{convert: func(ctx context.Context, req engine.ConvertRequest, onProgress func(int)) error {
		return errors.New("unsupported operator: GridSample")
	}}
	server := newTestServer(t, eng, tasks.Config{Workers: 1}, true)

	body, contentType := multipartUpload(t, nil, map[string]string{"a.onnx": "x"})
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)
	submitted := decodeJson[api.SubmitTaskResponse](t, w)

	snap := server.waitTerminal(t, submitted.TaskId)
	assert.Equal(t, models.TaskFailed, snap.State)
	assert.Equal(t, "unsupported operator: GridSample", snap.Error)
}

func TestCallbackDeliveredOnCompletion(t *testing.T) {
	received := make(chan notifier.Payload, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload notifier.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- payload
		fmt.Fprint(w, "ok")
	}))
	defer callback.Close()

	server := newTestServer(t, &stubEngine{}, tasks.Config{Workers: 1}, true)

	body, contentType := multipartUpload(t,
		map[string]string{"callback_url": callback.URL},
		map[string]string{"a.onnx": "x"},
	)
	w := server.do(t, http.MethodPost, "/tasks", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)
	submitted := decodeJson[api.SubmitTaskResponse](t, w)

	select {
	case payload := <-received:
		assert.Equal(t, submitted.TaskId.String(), payload.TaskId)
		assert.Equal(t, models.TaskCompleted, payload.State)
		assert.NotEmpty(t, payload.ResultRef)
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not delivered")
	}
}
