package transport

import (
	"context"
	"sync"

	"github.com/roasbeef/troupe/wire"
)

// Loopback is the degenerate in-process bus: frames handed to Send are
// dispatched synchronously to the peer's subscribers with no framing or
// copying. It exists so code written against the Bus interface can be
// exercised without a kernel boundary, and so in-process endpoints can share
// the frame-level plumbing when that is convenient.
type Loopback struct {
	idSource
	*emitter

	peer *Loopback

	closeOnce sync.Once
}

// LoopbackPair returns two directly connected loopback buses.
func LoopbackPair() (*Loopback, *Loopback) {
	a := &Loopback{emitter: newEmitter()}
	b := &Loopback{emitter: newEmitter()}
	a.peer, b.peer = b, a

	return a, b
}

// Send dispatches the frame synchronously on the peer side.
func (l *Loopback) Send(_ context.Context, f *wire.Frame) error {
	if l.isExited() || l.peer.isExited() {
		return ErrBusClosed
	}

	l.peer.dispatch(f)

	return nil
}

// Close tears down both halves of the pair.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		l.exit(nil)
		l.peer.exit(nil)
	})

	return nil
}
