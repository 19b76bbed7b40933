// Package eventloop runs posted functions one at a time on a single
// goroutine. Socket callbacks, timer callbacks and decode buffer
// completions of one feed are all funneled through one Loop so the feed
// state needs no locking.
package eventloop

import (
	"context"
	"sync"
)

// Loop is an unbounded FIFO of functions executed by Run. Post never blocks,
// so code running on the loop may post to itself.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

// New returns an idle Loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post schedules fn. Functions posted after Run has returned are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted functions until ctx is done. Pending functions are
// discarded on return.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for {
			if ctx.Err() != nil {
				return
			}
			fn := l.pop()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

// Drain runs queued functions on the calling goroutine until the queue is
// empty. It is meant for tests that drive a loop without Run.
func (l *Loop) Drain() {
	for fn := l.pop(); fn != nil; fn = l.pop() {
		fn()
	}
}

// Len reports the number of queued functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}
