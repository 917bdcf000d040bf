package chatsync

import (
	"context"
	"sync"
	"time"
)

// IntervalTask runs a function on a fixed interval until stopped.
type IntervalTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every starts fn on its own goroutine, calling it once per interval. With
// immediate set, the first call happens right away. fn receives a context
// that is cancelled by Stop or by the parent context.
func Every(parent context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) *IntervalTask {
	ctx, cancel := context.WithCancel(parent)
	t := &IntervalTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// The ticker and ctx can be ready together; cancellation wins.
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for any in-flight call to return. It is
// safe to call more than once.
func (t *IntervalTask) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task goroutine has exited.
func (t *IntervalTask) Done() <-chan struct{} {
	return t.done
}
