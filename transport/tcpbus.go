package transport

import (
	"context"
	"net"
	"sync"

	"github.com/roasbeef/troupe/wire"
)

// StreamBus speaks the wire frame protocol over any byte stream, typically a
// TCP or unix domain socket connection. It also serves the inter-process
// reference target/source links, which reuse the same framing.
type StreamBus struct {
	idSource
	*emitter

	sock *wire.Socket

	startOnce sync.Once
	closeOnce sync.Once
}

// NewStreamBus wraps an established connection. The read loop starts on the
// first call to Start; subscribers registered before that never miss frames.
func NewStreamBus(conn net.Conn, opts ...wire.SocketOption) *StreamBus {
	return &StreamBus{
		emitter: newEmitter(),
		sock:    wire.NewSocket(conn, opts...),
	}
}

// Start launches the background read loop. Safe to call more than once.
func (b *StreamBus) Start() {
	b.startOnce.Do(func() {
		go func() {
			err := b.sock.ReadLoop(b.dispatch)
			if err != nil {
				log.DebugS(context.Background(),
					"Stream bus read loop ended", "err", err)
			}

			b.sock.Close()
			b.exit(err)
		}()
	})
}

// Send writes one frame to the connection.
func (b *StreamBus) Send(_ context.Context, f *wire.Frame) error {
	if b.isExited() {
		return ErrBusClosed
	}

	return b.sock.WriteFrame(f)
}

// Close shuts the connection down, ending the read loop.
func (b *StreamBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.sock.Close()
		b.exit(nil)
	})

	return err
}
