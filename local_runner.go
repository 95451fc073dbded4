package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/relay/internal/engine"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/taskqueue"
	"github.com/petrijr/relay/pkg/worker"
)

// ErrRunnerStarted is returned by StartWorkers when workers are already running.
var ErrRunnerStarted = errors.New("relay: local runner already started")

// LocalRunner runs an engine, its task queue and a pool of workers in one
// process, all in memory. It suits development and tests; nothing survives a
// restart.
//
//	runner := relay.NewLocalRunner(messenger)
//	relay.NewSequence("welcome").TriggerPhase("intake").SMS(0, "Hi").MustRegister(ctx, runner.Engine)
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
type LocalRunner struct {
	Engine Engine
	Queue  taskqueue.Queue

	// Worker enqueues tasks for DispatchAsync. Each goroutine started by
	// StartWorkers runs its own Worker over the same queue.
	Worker *worker.Worker

	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalRunner(m Messenger) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	eng := engine.NewEngine(engine.Config{
		Persistence: persistence.NewInMemoryPersistence(),
		Messenger:   m,
		Scheduler:   worker.NewQueueScheduler(q),
		Options:     engine.DefaultOptions(),
	})
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
		logger: slog.Default(),
	}
}

// StartWorkers launches n workers (at least one) that drain the queue until
// Stop is called or ctx ends.
func (r *LocalRunner) StartWorkers(ctx context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrRunnerStarted
	}
	n = max(n, 1)

	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < n; i++ {
		w := worker.NewWithConfig(r.Engine, r.Queue, worker.Config{
			Logger: r.logger.With("worker", i),
		})
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return nil
}

// Stop halts the workers, then waits for automation the engine is still
// running in the background. It is a no-op if no workers were started.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.Engine.Wait()
}

// DispatchAsync queues trigger for the subject; a worker fires it.
func (r *LocalRunner) DispatchAsync(ctx context.Context, subjectID string, trigger TriggerType, tc TriggerContext) error {
	return r.Worker.EnqueueDispatch(ctx, subjectID, trigger, tc)
}
