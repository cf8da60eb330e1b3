package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/troupe/wire"
)

// TestPendingResolve verifies a response frame completes its waiter.
func TestPendingResolve(t *testing.T) {
	t.Parallel()

	p := NewPending()
	ch := p.Register(1)

	handled := p.HandleResponse(&wire.Frame{
		Type: wire.KindActorResponse,
		ID:   1,
		Body: wire.ActorResponse{Response: "pong"},
	})
	require.True(t, handled)

	out := p.Await(context.Background(), 1, ch)
	require.NoError(t, out.Err)
	require.Equal(t, "pong", out.Body)
}

// TestPendingRemoteError verifies a peer error frame surfaces as a remote
// outcome, distinct from transport failures.
func TestPendingRemoteError(t *testing.T) {
	t.Parallel()

	p := NewPending()
	ch := p.Register(9)

	p.HandleResponse(&wire.Frame{
		Type:  wire.KindActorResponse,
		ID:    9,
		Error: "handler exploded",
	})

	out := p.Await(context.Background(), 9, ch)
	require.Error(t, out.Err)
	require.True(t, out.Remote)
	require.Contains(t, out.Err.Error(), "handler exploded")
}

// TestPendingFailAll verifies a bus exit rejects both outstanding and future
// requests with a transport error.
func TestPendingFailAll(t *testing.T) {
	t.Parallel()

	p := NewPending()
	before := p.Register(1)

	p.FailAll(errors.New("pipe broke"))

	out := p.Await(context.Background(), 1, before)
	require.ErrorIs(t, out.Err, ErrTransport)
	require.False(t, out.Remote)

	after := p.Register(2)
	out = p.Await(context.Background(), 2, after)
	require.ErrorIs(t, out.Err, ErrTransport)
}

// TestPendingAwaitCancel verifies a cancelled caller context abandons the
// wait and forgets the entry.
func TestPendingAwaitCancel(t *testing.T) {
	t.Parallel()

	p := NewPending()
	ch := p.Register(5)

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Millisecond)
	defer cancel()

	out := p.Await(ctx, 5, ch)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)

	// A late response must not find the abandoned entry.
	p.Resolve(5, Outcome{Body: "late"})
	select {
	case <-ch:
		t.Fatal("abandoned waiter received a late outcome")
	default:
	}
}

// TestPendingIgnoresNonResponses verifies unrelated frames pass through.
func TestPendingIgnoresNonResponses(t *testing.T) {
	t.Parallel()

	p := NewPending()
	require.False(t, p.HandleResponse(&wire.Frame{
		Type: wire.KindParentPing,
		ID:   1,
	}))
}
