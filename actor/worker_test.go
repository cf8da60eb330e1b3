package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// TestWorkerTearsDownOnSilentParent verifies a hosted actor does not outlive
// a parent that stops answering liveness pings: the worker loop must exit on
// its own once the ping exchange misses its deadline.
func TestWorkerTearsDownOnSilentParent(t *testing.T) {
	t.Parallel()

	parentBus, childBus := transport.ChanPair()
	defer parentBus.Close()

	servErr := make(chan error, 1)
	go func() {
		servErr <- ServeWorker(context.Background(), childBus,
			ModeThreaded)
	}()

	// The parent half acknowledges nothing: creation replies are
	// collected, pings are deliberately left unanswered.
	created := make(chan *wire.Frame, 1)
	parentBus.OnMessage(func(f *wire.Frame) {
		if f.Type == wire.KindActorCreated {
			select {
			case created <- f:
			default:
			}
		}
	})

	err := parentBus.Send(context.Background(), &wire.Frame{
		Type: wire.KindCreateActor,
		ID:   1,
		Body: &createActorBody{
			Name: "orphan",
			Definition: map[string]Handler{
				"noop": func(context.Context,
					...any) (any, error) {

					return nil, nil
				},
			},
			ParentID:      "parent-id",
			PingTimeoutMS: 300,
		},
	})
	require.NoError(t, err)

	select {
	case f := <-created:
		require.Empty(t, f.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never acknowledged creation")
	}

	select {
	case err := <-servErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept serving a silent parent")
	}
}
