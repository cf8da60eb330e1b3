package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChangeConfigurationNoOp verifies an equivalent configuration leaves the
// endpoint untouched.
func TestChangeConfigurationNoOp(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(), Config{Name: "stable"})
	require.NoError(t, err)
	before := child.ID()

	var fired atomic.Bool
	child.Events().On(EventAugmented, func(...any) {
		fired.Store(true)
	})

	// Only CustomParameters differ, which never forces a swap.
	require.NoError(t, child.ChangeConfiguration(ctx, Config{
		Name:             "stable",
		CustomParameters: map[string]any{"tweak": true},
	}))

	require.Equal(t, before, child.ID())
	require.False(t, fired.Load())
}

// TestChangeConfigurationSwap verifies a shape change replaces the endpoint
// behind the handle while the handle, its children, and its subscribers all
// survive.
func TestChangeConfigurationSwap(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	parent, err := root.CreateChild(ctx, echoDef(), Config{Name: "p"})
	require.NoError(t, err)
	_, err = parent.CreateChild(ctx, echoDef(), Config{Name: "kid"})
	require.NoError(t, err)

	before := parent.ID()

	augmented := make(chan struct{}, 1)
	parent.Events().Once(EventAugmented, func(...any) {
		augmented <- struct{}{}
	})

	require.NoError(t, parent.ChangeConfiguration(ctx, Config{
		PingTimeoutMS: 12000,
	}))

	select {
	case <-augmented:
	default:
		t.Fatal("swap did not report an augmented endpoint")
	}

	// New endpoint, same handle.
	require.NotEqual(t, before, parent.ID())
	require.Equal(t, StateReady, parent.State())

	resp, err := parent.SendAndReceive(ctx, "echo", "after")
	require.NoError(t, err)
	require.Equal(t, "after", resp)

	// The child created before the swap is still attached.
	node, err := parent.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, node.Children, 1)
	require.Equal(t, "kid", node.Children[0].Name)
}

// flakyInitDef fails every initialize after the first.
type flakyInitDef struct {
	starts atomic.Int64
}

func (d *flakyInitDef) Initialize(context.Context, *Ref) error {
	if d.starts.Add(1) > 1 {
		return errors.New("second start refused")
	}

	return nil
}

func (d *flakyInitDef) Ping(context.Context, ...any) (any, error) {
	return "pong", nil
}

// TestChangeConfigurationRollback verifies a failed swap leaves the original
// endpoint serving.
func TestChangeConfigurationRollback(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, &flakyInitDef{},
		Config{Name: "flaky"})
	require.NoError(t, err)
	before := child.ID()

	err = child.ChangeConfiguration(ctx, Config{PingTimeoutMS: 9000})
	require.ErrorIs(t, err, ErrInit)

	// The old endpoint is untouched and still serving.
	require.Equal(t, before, child.ID())
	require.Equal(t, StateReady, child.State())

	resp, err := child.SendAndReceive(ctx, "ping")
	require.NoError(t, err)
	require.Equal(t, "pong", resp)
}

// TestChangeConfigurationDisableEnable verifies an actor can be parked and
// later revived through reconfiguration alone.
func TestChangeConfigurationDisableEnable(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(), Config{Name: "parkme"})
	require.NoError(t, err)

	require.NoError(t, child.ChangeConfiguration(ctx, Config{
		Mode: ModeDisabled,
	}))
	require.ErrorIs(t, child.Send(ctx, "echo", "x"), ErrNotReady)

	require.NoError(t, child.ChangeConfiguration(ctx, Config{
		Mode: ModeInMemory,
	}))

	resp, err := child.SendAndReceive(ctx, "echo", "revived")
	require.NoError(t, err)
	require.Equal(t, "revived", resp)
}
