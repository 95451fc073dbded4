// Package worker drives deferred automation forward from a task queue.
//
// Two task types exist:
//
//   - execute-step runs one pending sequence log entry once its scheduled
//     time has passed. The engine claims the entry with a compare-and-swap,
//     so a task delivered twice, or racing the due-step sweep, sends at most
//     once.
//   - dispatch fires a trigger for a subject outside the request that
//     caused it.
//
// QueueScheduler is the api.StepScheduler that feeds execute-step tasks into
// a queue. Pass it to the engine config, then run a Worker on the same queue:
//
//	q := taskqueue.NewInMemoryQueue()
//	eng := engine.NewEngine(engine.Config{Scheduler: worker.NewQueueScheduler(q), ...})
//	w := worker.New(eng, q)
//	go w.Run(ctx)
//
// Workers are decoupled from the storage backend: any taskqueue.Queue works,
// and several workers may consume the same queue.
package worker
