package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TaskEventQueue  = "conversion_events"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

// TaskEvent is published when a task reaches a terminal state. Delivery is
// best-effort; a failed publish is logged and dropped, it never affects the
// task's own state.
type TaskEvent struct {
	TaskId uuid.UUID
	State  string
	Format string

	ResultRef string `json:"ResultRef,omitempty"`
	Error     string `json:"Error,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event TaskEvent) error

	Close()
}
