package notifier

import (
	"context"
	"log/slog"
	"time"

	"conversion-backend/internal/metrics"
	"conversion-backend/pkg/api"

	"github.com/go-resty/resty/v2"
)

// Notifier delivers a single completion callback per terminal task. Delivery
// is best-effort: one attempt, failures are logged and dropped. Callers run
// Notify on its own goroutine so a slow callback target cannot hold up a
// worker.
type Notifier struct {
	client *resty.Client
}

func New(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		client: resty.New().SetTimeout(timeout),
	}
}

// Payload is the callback body: final state, result reference and timestamps.
type Payload struct {
	TaskId string
	State  string

	ResultRef string `json:"ResultRef,omitempty"`
	Error     string `json:"Error,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

func (n *Notifier) Notify(ctx context.Context, callbackURL string, task api.Task) {
	if callbackURL == "" {
		return
	}

	payload := Payload{
		TaskId:         task.Id.String(),
		State:          task.State,
		ResultRef:      task.ResultRef,
		Error:          task.Error,
		CreationTime:   task.CreationTime,
		StartTime:      task.StartTime,
		CompletionTime: task.CompletionTime,
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(callbackURL)

	if err != nil {
		metrics.NotifierDeliveriesTotal.WithLabelValues("error").Inc()
		slog.Warn("callback delivery failed", "task_id", task.Id, "url", callbackURL, "error", err)
		return
	}
	if resp.IsError() {
		metrics.NotifierDeliveriesTotal.WithLabelValues("error").Inc()
		slog.Warn("callback target rejected delivery", "task_id", task.Id, "url", callbackURL, "status", resp.StatusCode())
		return
	}

	metrics.NotifierDeliveriesTotal.WithLabelValues("success").Inc()
	slog.Info("callback delivered", "task_id", task.Id, "state", task.State)
}
