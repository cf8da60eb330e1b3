package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the result of an asynchronous computation. It allows
// consumers to wait for the result (Await) or register a callback to be
// executed when the result is available (OnComplete).
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]

	// OnComplete registers a function to be called when the result of
	// the future is ready. If the passed context is cancelled before the
	// future completes, the callback is invoked with the context's
	// error.
	OnComplete(ctx context.Context, fn func(fn.Result[T]))
}

// Promise allows for the completion of an associated Future. The producer of
// an asynchronous result uses the Promise to set the outcome, while
// consumers use the Future to retrieve it.
type Promise[T any] interface {
	// Future returns the Future associated with this Promise.
	Future() Future[T]

	// Complete attempts to set the result of the future. It returns
	// true if this call was the first to complete it.
	Complete(result fn.Result[T]) bool
}

// promiseImpl is the channel-backed Promise/Future implementation used by
// actor mailboxes and bus drivers.
type promiseImpl[T any] struct {
	done   chan struct{}
	once   sync.Once
	result fn.Result[T]
}

// NewPromise creates an unfulfilled promise.
func NewPromise[T any]() Promise[T] {
	return &promiseImpl[T]{
		done: make(chan struct{}),
	}
}

// Complete sets the result exactly once.
func (p *promiseImpl[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

// Future returns the read side of the promise.
func (p *promiseImpl[T]) Future() Future[T] {
	return p
}

// Await blocks for the result or the context.
func (p *promiseImpl[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// OnComplete spawns a watcher that invokes fn when the result (or the
// context's error) is available.
func (p *promiseImpl[T]) OnComplete(ctx context.Context,
	cb func(fn.Result[T])) {

	go func() {
		cb(p.Await(ctx))
	}()
}
