// Package transport provides the uniform send/receive surface that every
// non-in-memory actor endpoint speaks. A Bus moves wire frames between two
// peers; the four implementations (parent-child process pipe, TCP stream,
// in-process channel pair, and loopback) are interchangeable, and nothing
// above this package branches on which one is in use.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/troupe/wire"
)

// ErrBusClosed is returned by Send after the bus has exited or been closed.
var ErrBusClosed = errors.New("transport bus closed")

// Bus is a duplex framed channel to a single peer endpoint.
type Bus interface {
	// Send delivers one frame to the peer. It returns once the frame has
	// been handed to the OS or the peer, or fails with the transport
	// error that prevented delivery.
	Send(ctx context.Context, f *wire.Frame) error

	// NextID allocates the next per-bus monotonic message id.
	NextID() uint32

	// OnMessage registers a handler for inbound frames and returns an
	// unsubscribe function.
	OnMessage(fn func(*wire.Frame)) func()

	// OnExit registers a handler invoked exactly once when the peer or
	// channel closes. Handlers registered after exit fire immediately.
	OnExit(fn func(err error)) func()

	// Close tears the bus down. Pending OnExit handlers fire with a nil
	// error for a locally initiated close.
	Close() error
}

// emitter implements the message/exit subscription bookkeeping shared by all
// bus implementations.
type emitter struct {
	mu       sync.Mutex
	nextSub  int
	msgSubs  map[int]func(*wire.Frame)
	exitSubs map[int]func(error)
	exited   bool
	exitErr  error
}

func newEmitter() *emitter {
	return &emitter{
		msgSubs:  make(map[int]func(*wire.Frame)),
		exitSubs: make(map[int]func(error)),
	}
}

// OnMessage registers a frame handler and returns its unsubscribe.
func (e *emitter) OnMessage(fn func(*wire.Frame)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.msgSubs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.msgSubs, id)
	}
}

// OnExit registers an exit handler and returns its unsubscribe.
func (e *emitter) OnExit(fn func(error)) func() {
	e.mu.Lock()

	// A late subscriber still learns about the exit.
	if e.exited {
		err := e.exitErr
		e.mu.Unlock()
		fn(err)

		return func() {}
	}

	id := e.nextSub
	e.nextSub++
	e.exitSubs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.exitSubs, id)
	}
}

// dispatch fans one inbound frame out to all message subscribers.
func (e *emitter) dispatch(f *wire.Frame) {
	e.mu.Lock()
	subs := make([]func(*wire.Frame), 0, len(e.msgSubs))
	for _, fn := range e.msgSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
}

// exit marks the bus dead and fires exit subscribers exactly once.
func (e *emitter) exit(err error) {
	e.mu.Lock()
	if e.exited {
		e.mu.Unlock()
		return
	}
	e.exited = true
	e.exitErr = err

	subs := make([]func(error), 0, len(e.exitSubs))
	for _, fn := range e.exitSubs {
		subs = append(subs, fn)
	}
	e.exitSubs = make(map[int]func(error))
	e.mu.Unlock()

	for _, fn := range subs {
		fn(err)
	}
}

func (e *emitter) isExited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.exited
}

// idSource allocates per-bus monotonic message ids.
type idSource struct {
	next atomic.Uint32
}

func (s *idSource) NextID() uint32 {
	return s.next.Add(1)
}
