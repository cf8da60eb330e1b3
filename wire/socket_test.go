package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// bufferStream is an in-memory ReadWriteCloser for socket tests.
type bufferStream struct {
	bytes.Buffer
}

func (b *bufferStream) Close() error { return nil }

// TestSocketRoundTrip verifies a frame survives the stream encoding.
func TestSocketRoundTrip(t *testing.T) {
	t.Parallel()

	stream := &bufferStream{}
	sock := NewSocket(stream)

	in := &Frame{
		Type:    KindActorMessage,
		ID:      7,
		ActorID: "abc123",
		Body: ActorMessage{
			Topic:   "greet",
			Message: []any{"hello", float64(2)},
			Receive: true,
		},
	}
	require.NoError(t, sock.WriteFrame(in))

	out, err := sock.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, KindActorMessage, out.Type)
	require.Equal(t, uint32(7), out.ID)
	require.Equal(t, "abc123", out.ActorID)

	var msg ActorMessage
	require.NoError(t, DecodeBody(out.Body, &msg))
	require.Equal(t, "greet", msg.Topic)
	require.True(t, msg.Receive)
	require.Equal(t, []any{"hello", float64(2)}, msg.Message)
}

// TestSocketChunkedDelivery verifies frames are reassembled when the
// underlying stream delivers them in arbitrarily small pieces.
func TestSocketChunkedDelivery(t *testing.T) {
	t.Parallel()

	var encoded bytes.Buffer
	writeSide := NewSocket(&nopCloser{&encoded})

	frames := []*Frame{
		{Type: KindParentPing, ID: 1},
		{Type: KindActorResponse, ID: 2,
			Body: ActorResponse{Response: "ok"}},
		{Type: KindActorDestroyed, ID: 3},
	}
	for _, f := range frames {
		require.NoError(t, writeSide.WriteFrame(f))
	}

	// Deliver one byte at a time.
	readSide := NewSocket(&nopCloser{
		&trickleReader{data: encoded.Bytes()},
	})
	for _, want := range frames {
		got, err := readSide.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.ID, got.ID)
	}

	_, err := readSide.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }

type trickleReader struct {
	data []byte
	pos  int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++

	return 1, nil
}

func (r *trickleReader) Write(p []byte) (int, error) {
	return len(p), nil
}

// TestSocketReadLimit verifies oversized frames are rejected instead of
// buffered.
func TestSocketReadLimit(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.WriteByte(1)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1<<30)
	stream.Write(lenBuf[:])

	sock := NewSocket(&nopCloser{&stream}, WithReadLimit(1024))
	_, err := sock.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestSocketUnknownFormat verifies an unrecognized format byte fails the
// stream.
func TestSocketUnknownFormat(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.WriteByte(0xFF)
	stream.Write(make([]byte, 8))

	sock := NewSocket(&nopCloser{&stream})
	_, err := sock.ReadFrame()
	require.ErrorIs(t, err, ErrUnknownFormat)
}

// TestSocketConcurrentWriters verifies interleaved writers never corrupt the
// framing.
func TestSocketConcurrentWriters(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	out := NewSocket(client)
	in := NewSocket(server)

	const writers, perWriter = 8, 25

	errCh := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errCh <- out.WriteFrame(&Frame{
					Type: KindParentPing,
					ID:   uint32(w*perWriter + i + 1),
				})
			}
		}()
	}

	seen := make(map[uint32]bool)
	for i := 0; i < writers*perWriter; i++ {
		f, err := in.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, KindParentPing, f.Type)
		require.False(t, seen[f.ID], "duplicate frame id %d", f.ID)
		seen[f.ID] = true
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Len(t, seen, writers*perWriter)
}

// TestFrameEncodingProperty round-trips randomly generated frames through
// the stream encoding.
func TestFrameEncodingProperty(t *testing.T) {
	t.Parallel()

	kinds := []Kind{
		KindCreateActor, KindActorCreated, KindActorMessage,
		KindActorResponse, KindDestroyActor, KindActorDestroyed,
		KindActorTree, KindActorMetrics, KindParentPing,
		KindChildConfigChange, KindBusEvent,
	}

	rapid.Check(t, func(t *rapid.T) {
		in := &Frame{
			Type: kinds[rapid.IntRange(0, len(kinds)-1).
				Draw(t, "kind")],
			ID:      uint32(rapid.IntRange(0, 1<<30).Draw(t, "id")),
			ActorID: rapid.StringMatching(`[a-f0-9]{0,24}`).
				Draw(t, "actorId"),
			Error: rapid.StringMatching(`[ -~]{0,40}`).
				Draw(t, "error"),
		}
		if rapid.Bool().Draw(t, "withBody") {
			in.Body = map[string]any{
				"topic": rapid.StringMatching(`[a-z]{1,12}`).
					Draw(t, "topic"),
				"n": float64(rapid.IntRange(-1000, 1000).
					Draw(t, "n")),
			}
		}

		var stream bytes.Buffer
		sock := NewSocket(&nopCloser{&stream})
		if err := sock.WriteFrame(in); err != nil {
			t.Fatalf("write: %v", err)
		}

		out, err := sock.ReadFrame()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if out.Type != in.Type || out.ID != in.ID ||
			out.ActorID != in.ActorID || out.Error != in.Error {

			t.Fatalf("envelope mismatch: %+v != %+v", out, in)
		}
	})
}
