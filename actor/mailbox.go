package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// envelope wraps one topic invocation with its associated promise and caller
// context. A nil promise signifies a fire-and-forget send; otherwise the
// mailbox owner completes the promise with the handler result.
type envelope struct {
	topic     string
	args      []any
	promise   Promise[any]
	callerCtx context.Context
}

// mailbox is the per-actor message queue backed by a Go channel. Send and
// TrySend may be called concurrently; Receive is driven from the single
// executor goroutine of the owning actor.
type mailbox struct {
	ch chan envelope

	// closed indicates whether the mailbox has been closed. Uses atomic
	// operations for lock-free reads.
	closed atomic.Bool

	// mu protects send operations to prevent sending on a closed
	// channel.
	mu sync.RWMutex

	closeOnce sync.Once

	// actorCtx is the context governing the owning actor's lifecycle.
	actorCtx context.Context
}

// newMailbox creates a buffered mailbox bound to the actor's lifecycle
// context. A non-positive capacity defaults to 1.
func newMailbox(actorCtx context.Context, capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}

	return &mailbox{
		ch:       make(chan envelope, capacity),
		actorCtx: actorCtx,
	}
}

// Send blocks until the envelope is accepted, the caller's context is
// cancelled, or the actor's context is cancelled. It reports whether the
// envelope was accepted.
func (m *mailbox) Send(ctx context.Context, env envelope) bool {
	// Fast-path rejection when either context is already done or the
	// mailbox is closed.
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	case <-ctx.Done():
		return false

	case <-m.actorCtx.Done():
		return false
	}
}

// TrySend attempts a non-blocking enqueue.
func (m *mailbox) TrySend(env envelope) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() || m.actorCtx.Err() != nil {
		return false
	}

	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive returns an iterator over envelopes. The iterator blocks while the
// mailbox is empty and stops when the context is cancelled or the mailbox is
// closed and drained.
func (m *mailbox) Receive(ctx context.Context) iter.Seq[envelope] {
	return func(yield func(envelope) bool) {
		for {
			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close closes the mailbox, preventing further sends. Receive yields any
// remaining envelopes and then stops.
func (m *mailbox) Close() {
	m.closeOnce.Do(func() {
		// Take the write lock so no Send is mid-flight on the channel
		// when it closes.
		m.mu.Lock()
		defer m.mu.Unlock()

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed reports whether Close has been called.
func (m *mailbox) IsClosed() bool {
	return m.closed.Load()
}

// Drain returns an iterator over the envelopes remaining after Close.
func (m *mailbox) Drain() iter.Seq[envelope] {
	return func(yield func(envelope) bool) {
		for env := range m.ch {
			if !yield(env) {
				return
			}
		}
	}
}
