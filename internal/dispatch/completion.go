package dispatch

import (
	"context"
	"sync"
)

// Completion delivers a single (value, error) result to a callback on a
// Dispatcher. Whatever path settles it, the callback runs exactly once.
type Completion[T any] struct {
	d    Dispatcher
	fn   func(T, error)
	once sync.Once
}

// NewCompletion binds fn to d. A nil fn is allowed and settles silently.
func NewCompletion[T any](d Dispatcher, fn func(T, error)) *Completion[T] {
	return &Completion[T]{d: d, fn: fn}
}

// Settle schedules the callback. Calls after the first are ignored and
// report false.
func (c *Completion[T]) Settle(v T, err error) bool {
	settled := false
	c.once.Do(func() {
		settled = true
		if c.fn == nil {
			return
		}
		fn := c.fn
		c.d.Async(func() { fn(v, err) })
	})
	return settled
}

// Resolve settles with a value.
func (c *Completion[T]) Resolve(v T) bool {
	return c.Settle(v, nil)
}

// Fail settles with the zero value and err.
func (c *Completion[T]) Fail(err error) bool {
	var zero T
	return c.Settle(zero, err)
}

// Await adapts a callback-style operation into a blocking call for callers
// that already run off the dispatch context (HTTP handlers, tests).
func Await[T any](ctx context.Context, start func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start(func(v T, err error) {
		ch <- result{v, err}
	})
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
