package messaging

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryEvents buffers task events on a channel. Used in tests and for
// single-process deployments without a broker.
type InMemoryEvents struct {
	events    chan TaskEvent
	closeOnce sync.Once
}

var _ EventPublisher = (*InMemoryEvents)(nil)

func NewInMemoryEvents() *InMemoryEvents {
	return &InMemoryEvents{
		events: make(chan TaskEvent, 100),
	}
}

func (q *InMemoryEvents) PublishTaskEvent(ctx context.Context, event TaskEvent) error {
	select {
	case q.events <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropping event for task %s", event.TaskId)
	}
}

func (q *InMemoryEvents) Events() <-chan TaskEvent {
	return q.events
}

// Close closes the event channel. The channel stays readable so receivers
// drain buffered events and then observe the close instead of blocking.
func (q *InMemoryEvents) Close() {
	q.closeOnce.Do(func() { close(q.events) })
}
