package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks ordered by NotBefore and hands out only those
// that are due. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []Task
	notify chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		notify: make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prepare(&t, time.Now())

	q.mu.Lock()
	// Insert after every task with NotBefore <= t.NotBefore to keep FIFO
	// order among equally due tasks.
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].NotBefore.After(t.NotBefore)
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		var wait time.Duration
		empty := len(q.tasks) == 0
		if !empty {
			head := q.tasks[0]
			wait = time.Until(head.NotBefore)
			if wait <= 0 {
				q.tasks = q.tasks[1:]
				q.mu.Unlock()
				return &head, nil
			}
		}
		q.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.notify:
			}
			continue
		}

		// The head is not due yet; wake up when it is or when something
		// earlier arrives.
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
