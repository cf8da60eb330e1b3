package transport

import (
	"context"
	"sync"

	"github.com/roasbeef/troupe/wire"
)

// ChanBus is the in-process analogue of a worker thread's message port: a
// pair of connected endpoints exchanging frames over buffered channels. It
// backs the threaded endpoint mode, where the "worker" is a dedicated
// goroutine inside the same process. Frames cross without serialization.
type ChanBus struct {
	idSource
	*emitter

	// out carries frames toward the peer endpoint.
	out chan *wire.Frame

	// peer is the other half of the pair, used only to observe its
	// lifecycle.
	peer *ChanBus

	closeOnce sync.Once
	done      chan struct{}
}

// ChanPair returns two connected channel buses. Frames sent on one side are
// dispatched to message subscribers on the other, in send order.
func ChanPair() (*ChanBus, *ChanBus) {
	a := &ChanBus{
		emitter: newEmitter(),
		out:     make(chan *wire.Frame, 64),
		done:    make(chan struct{}),
	}
	b := &ChanBus{
		emitter: newEmitter(),
		out:     make(chan *wire.Frame, 64),
		done:    make(chan struct{}),
	}
	a.peer, b.peer = b, a

	go a.pump()
	go b.pump()

	return a, b
}

// pump moves frames arriving from the peer into this side's subscribers.
func (c *ChanBus) pump() {
	for {
		select {
		case f, ok := <-c.peer.out:
			if !ok {
				c.exit(nil)
				return
			}
			c.dispatch(f)

		case <-c.peer.done:
			c.exit(nil)
			return

		case <-c.done:
			return
		}
	}
}

// Send hands a frame to the peer endpoint.
func (c *ChanBus) Send(ctx context.Context, f *wire.Frame) error {
	if c.isExited() {
		return ErrBusClosed
	}

	select {
	case c.out <- f:
		return nil

	case <-c.done:
		return ErrBusClosed

	case <-c.peer.done:
		return ErrBusClosed

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down this side of the pair. The peer observes an exit.
func (c *ChanBus) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.exit(nil)
	})

	return nil
}
