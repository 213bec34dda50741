// Package dispatch provides the single execution context on which engine
// completions are delivered.
package dispatch

import (
	"log/slog"
	"sync"
)

// Dispatcher runs work asynchronously on a designated context.
type Dispatcher interface {
	Async(fn func())
}

// Queue is a serial executor: tasks run one at a time, in submission order,
// on a single goroutine. It plays the role of the host's UI-update context.
type Queue struct {
	log *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts the executor goroutine.
func NewQueue(log *slog.Logger) *Queue {
	q := &Queue{log: log, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Async enqueues fn. It never runs fn on the caller's goroutine and never
// blocks, so completions may safely schedule further completions.
// Tasks submitted after Close are dropped.
func (q *Queue) Async(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if q.log != nil {
			q.log.Warn("dispatch queue closed, task dropped")
		}
		return
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
}

// Close stops accepting work, runs what is already queued and waits for the
// executor to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(fn)
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil && q.log != nil {
			q.log.Error("completion panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
