package engine

import (
	"context"
	"sync"
)

// Queue runs closures one at a time, in dispatch order, on a single
// goroutine. Everything that touches the peer table or calls into a radio
// role goes through it.
type Queue struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewQueue creates a queue buffering up to size pending tasks
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled or the queue is closed
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case task := <-q.tasks:
			task()
		}
	}
}

// Dispatch enqueues task. It blocks while the buffer is full and reports
// false once the queue is closed.
func (q *Queue) Dispatch(task func()) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- task:
		return true
	case <-q.done:
		return false
	}
}

// Call enqueues task and waits for it to finish. It must not be used from
// inside a task.
func (q *Queue) Call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	ok := q.Dispatch(func() {
		defer close(finished)
		task()
	})
	if !ok {
		return ErrQueueClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close stops accepting tasks; pending ones are dropped
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Closed reports whether Close was called
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
