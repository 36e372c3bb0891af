package wsmux

import (
	"context"
	"sync"
)

// Result is the terminal value of a Promise.
type Result[T any] struct {
	Value    T
	Rejected bool
}

// Promise is a single-resolution result slot. The first Resolve or Reject
// wins; later calls are no-ops. It is safe for concurrent use.
type Promise[T any] struct {
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

// NewPromise returns a pending promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with v. It reports whether this call settled it.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(Result[T]{Value: v})
}

// Reject settles the promise with v as a failure. It reports whether this call settled it.
func (p *Promise[T]) Reject(v T) bool {
	return p.settle(Result[T]{Value: v, Rejected: true})
}

func (p *Promise[T]) settle(r Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.result = r
		won = true
		close(p.done)
	})
	return won
}

// Done is closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has left the pending state.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Await blocks until the promise settles or ctx is done. The returned error
// is only ever the context's error.
func (p *Promise[T]) Await(ctx context.Context) (Result[T], error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		// Prefer a settled value over a simultaneous cancellation.
		select {
		case <-p.done:
			return p.result, nil
		default:
		}
		return Result[T]{}, ctx.Err()
	}
}
