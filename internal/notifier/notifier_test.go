package notifier_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conversion-backend/internal/notifier"
	"conversion-backend/pkg/api"
	"conversion-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalTask(state string) api.Task {
	now := time.Now()
	return api.Task{
		Id:             uuid.New(),
		State:          state,
		Progress:       100,
		Format:         models.FormatONNX,
		PrimaryFile:    "model.onnx",
		CreationTime:   now,
		CompletionTime: &now,
		ResultRef:      "outputs/task/model.rknn",
	}
}

func TestNotifyDeliversPayload(t *testing.T) {
	received := make(chan notifier.Payload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload notifier.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
	}))
	defer server.Close()

	task := terminalTask(models.TaskCompleted)
	notifier.New(time.Second).Notify(context.Background(), server.URL, task)

	select {
	case payload := <-received:
		assert.Equal(t, task.Id.String(), payload.TaskId)
		assert.Equal(t, models.TaskCompleted, payload.State)
		assert.Equal(t, task.ResultRef, payload.ResultRef)
	case <-time.After(time.Second):
		t.Fatal("callback not received")
	}
}

func TestNotifyEmptyURLIsNoop(t *testing.T) {
	// Must not panic or block.
	notifier.New(time.Second).Notify(context.Background(), "", terminalTask(models.TaskFailed))
}

func TestNotifyFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	// A rejecting target must not surface an error to the caller.
	notifier.New(time.Second).Notify(context.Background(), server.URL, terminalTask(models.TaskCompleted))

	// Same for an unreachable target.
	notifier.New(100*time.Millisecond).Notify(context.Background(), "http://127.0.0.1:1", terminalTask(models.TaskCompleted))
}
