package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// runner starts automation in the background and lets the caller wait for
// it up to a bound. Work that outlives the bound keeps running detached
// from the caller's cancellation.
type runner struct {
	maxWait time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// Go runs fn and reports whether it finished within maxWait.
func (r *runner) Go(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	bg := context.WithoutCancel(ctx)
	done := make(chan struct{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				r.logger.ErrorContext(bg, "background_panic",
					slog.String("task", name),
					slog.String("panic", fmt.Sprint(p)),
				)
			}
		}()
		fn(bg)
	}()

	if r.maxWait <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(r.maxWait)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		r.logger.WarnContext(ctx, "background_continues", slog.String("task", name), slog.Duration("max_wait", r.maxWait))
		return false
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until every started task finished.
func (r *runner) Wait() {
	r.wg.Wait()
}
