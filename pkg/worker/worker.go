package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/relay/internal/taskqueue"
	"github.com/petrijr/relay/pkg/api"
)

// Config tunes a Worker.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Worker pulls tasks from a Queue and executes them using an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Worker with the default config.
func New(engine api.Engine, queue taskqueue.Queue) *Worker {
	return NewWithConfig(engine, queue, Config{})
}

// NewWithConfig creates a new Worker.
func NewWithConfig(engine api.Engine, queue taskqueue.Queue, cfg Config) *Worker {
	w := &Worker{
		engine: engine,
		queue:  queue,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// EnqueueDispatch enqueues a trigger firing for a subject. It does NOT run
// the rules itself; that is done by ProcessOne.
func (w *Worker) EnqueueDispatch(ctx context.Context, subjectID string, trigger api.TriggerType, tc api.TriggerContext) error {
	return w.EnqueueDispatchAt(ctx, subjectID, trigger, tc, time.Time{})
}

// EnqueueDispatchAt enqueues a trigger firing that runs no earlier than at.
func (w *Worker) EnqueueDispatchAt(ctx context.Context, subjectID string, trigger api.TriggerType, tc api.TriggerContext, at time.Time) error {
	if !trigger.Valid() {
		return api.NewError(api.CodeValidation, "worker.enqueue_dispatch", fmt.Sprintf("unknown trigger %q", trigger), nil)
	}
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:      taskqueue.TaskTypeDispatch,
		SubjectID: subjectID,
		Trigger:   string(trigger),
		Payload:   tc,
		NotBefore: at,
	})
}

// EnqueueStep enqueues a pending log entry to run at its scheduled time.
func (w *Worker) EnqueueStep(ctx context.Context, entry api.SequenceLogEntry) error {
	return NewQueueScheduler(w.queue).ScheduleStep(ctx, entry)
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a task was processed; err reports whether it succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeExecuteStep:
		entry, err := w.engine.ExecuteStep(ctx, task.LogID)
		if err != nil {
			return true, err
		}
		if entry.Status == api.StepFailed {
			return true, fmt.Errorf("step %s failed: %s", entry.ID, entry.Error)
		}
		return true, nil

	case taskqueue.TaskTypeDispatch:
		tc, ok := task.Payload.(api.TriggerContext)
		if !ok && task.Payload != nil {
			return true, errors.New("invalid payload type for dispatch task")
		}
		s, err := w.engine.GetSubject(ctx, task.SubjectID)
		if err != nil {
			return true, err
		}
		results, err := w.engine.Dispatch(ctx, api.TriggerType(task.Trigger), s, tc)
		if err != nil {
			return true, err
		}
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		return true, errors.Join(errs...)

	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// Run calls ProcessOne until ctx is cancelled. Task failures are logged and
// do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if processed {
				w.logger.ErrorContext(ctx, "worker_task_failed", slog.Any("error", err))
				continue
			}
			w.logger.ErrorContext(ctx, "worker_dequeue_failed", slog.Any("error", err))
			// Back off briefly so a broken queue does not spin.
			t := time.NewTimer(100 * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// QueueScheduler implements api.StepScheduler by enqueuing an execute-step
// task whose NotBefore is the step's scheduled time.
type QueueScheduler struct {
	queue taskqueue.Queue
}

var _ api.StepScheduler = (*QueueScheduler)(nil)

func NewQueueScheduler(q taskqueue.Queue) *QueueScheduler {
	return &QueueScheduler{queue: q}
}

func (s *QueueScheduler) ScheduleStep(ctx context.Context, entry api.SequenceLogEntry) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		Type:      taskqueue.TaskTypeExecuteStep,
		LogID:     entry.ID,
		SubjectID: entry.SubjectID,
		NotBefore: entry.ScheduledAt,
	})
}
