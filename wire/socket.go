package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// formatJSON is the only body format currently defined.
	formatJSON byte = 1

	// headerLen is the size of the frame header: one format byte plus a
	// big-endian uint32 body length.
	headerLen = 5

	// DefaultReadLimit caps the body length a socket will accept. A peer
	// advertising a larger frame is treated as malformed.
	DefaultReadLimit = 64 << 20
)

// ErrFrameTooLarge is returned when a peer advertises a body length above
// the socket's read limit.
var ErrFrameTooLarge = errors.New("frame exceeds read limit")

// ErrUnknownFormat is returned when a frame header carries a format byte the
// socket does not understand.
var ErrUnknownFormat = errors.New("unknown frame format")

// Socket is a duplex framed channel over a byte stream. Writes serialize one
// frame into a single underlying Write call so concurrent writers never
// interleave partial frames. The read side buffers partial frames: a frame
// may span several stream chunks and one chunk may contain several frames.
type Socket struct {
	rwc io.ReadWriteCloser

	// br buffers the read side so header and body reads do not translate
	// into tiny stream reads.
	br *bufio.Reader

	// wmu serializes frame writes.
	wmu sync.Mutex

	// readLimit caps accepted body lengths.
	readLimit uint32

	closeOnce sync.Once
	closeErr  error
}

// SocketOption configures a Socket.
type SocketOption func(*Socket)

// WithReadLimit overrides the maximum accepted body length.
func WithReadLimit(limit uint32) SocketOption {
	return func(s *Socket) {
		s.readLimit = limit
	}
}

// NewSocket wraps a byte stream in a frame socket.
func NewSocket(rwc io.ReadWriteCloser, opts ...SocketOption) *Socket {
	s := &Socket{
		rwc:       rwc,
		br:        bufio.NewReader(rwc),
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WriteFrame serializes f and writes it as one frame. The header and body
// are assembled into a single buffer first so the underlying stream sees one
// atomic write per frame.
func (s *Socket) WriteFrame(f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	buf := make([]byte, headerLen+len(body))
	buf[0] = formatJSON
	binary.BigEndian.PutUint32(buf[1:headerLen], uint32(len(body)))
	copy(buf[headerLen:], body)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.rwc.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame blocks until one full frame has been read and parsed. It returns
// io.EOF when the stream ends cleanly on a frame boundary. Unknown format
// bytes, oversized lengths, and malformed JSON are terminal: the error is
// returned and the socket is closed.
func (s *Socket) ReadFrame() (*Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(s.br, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read frame header: %w", err)
	}

	if header[0] != formatJSON {
		s.Close()
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFormat, header[0])
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > s.readLimit {
		s.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.br, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		s.Close()
		return nil, fmt.Errorf("parse frame body: %w", err)
	}

	return &frame, nil
}

// ReadLoop reads frames until the stream ends or turns malformed, invoking
// onFrame for each parsed frame. A clean peer close returns nil; any other
// failure is returned to the caller.
func (s *Socket) ReadLoop(onFrame func(*Frame)) error {
	for {
		frame, err := s.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		onFrame(frame)
	}
}

// Close closes the underlying stream. It is idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})

	return s.closeErr
}
