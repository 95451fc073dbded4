package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeExecuteStep runs one pending sequence log entry.
	TaskTypeExecuteStep TaskType = "execute-step"

	// TaskTypeDispatch fires a trigger for a subject outside the request path.
	TaskTypeDispatch TaskType = "dispatch"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// For execute-step tasks
	LogID string

	// For dispatch tasks
	SubjectID string
	Trigger   string

	// Payload is task-type specific:
	//   - execute-step: unused
	//   - dispatch: api.TriggerContext
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has passed,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}

// prepare fills in the ID and timestamps of a task about to be enqueued.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
}
