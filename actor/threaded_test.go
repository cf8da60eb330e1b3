package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestThreadedRoundTrip verifies a threaded actor serves asks through its
// channel bus and may carry a live (unregistered) definition.
func TestThreadedRoundTrip(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(),
		Config{Name: "spinner", Mode: ModeThreaded})
	require.NoError(t, err)
	require.Equal(t, ModeThreaded, child.Mode())
	require.Equal(t, StateReady, child.State())

	resp, err := child.SendAndReceive(ctx, "echo", "across the channel")
	require.NoError(t, err)
	require.Equal(t, "across the channel", resp)

	// Peer handler failures come back wrapped as remote errors.
	_, err = child.SendAndReceive(ctx, "fail")
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorContains(t, err, "told to fail")
}

// chattyDef calls upward through its parent from inside the worker.
type chattyDef struct {
	self *Ref
}

func (d *chattyDef) Initialize(_ context.Context, self *Ref) error {
	d.self = self
	return nil
}

func (d *chattyDef) AskParent(ctx context.Context, _ ...any) (any, error) {
	return d.self.Parent().SendAndReceive(ctx, "ping")
}

// TestThreadedParentCall verifies the hosted actor reaches its real parent
// across the worker boundary through the parent proxy.
func TestThreadedParentCall(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	parentDef := map[string]Handler{
		"ping": func(context.Context, ...any) (any, error) {
			return "pong", nil
		},
	}
	parent, err := root.CreateChild(ctx, parentDef, Config{Name: "base"})
	require.NoError(t, err)

	child, err := parent.CreateChild(ctx, &chattyDef{},
		Config{Name: "chatty", Mode: ModeThreaded})
	require.NoError(t, err)

	resp, err := child.SendAndReceive(ctx, "askParent")
	require.NoError(t, err)
	require.Equal(t, "pong", resp)
}

// TestThreadedTree verifies the rollup crosses the worker boundary.
func TestThreadedTree(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(),
		Config{Name: "spun", Mode: ModeThreaded})
	require.NoError(t, err)

	node, err := child.Tree(ctx)
	require.NoError(t, err)
	require.Equal(t, "spun", node.Name)
	require.Equal(t, "ready", node.State)

	// The root rollup includes the boundary-crossing subtree too.
	rootNode, err := root.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, rootNode.Children, 1)
	require.Equal(t, "spun", rootNode.Children[0].Name)
}

// TestThreadedDestroy verifies destruction crosses the boundary and the
// handle rejects traffic afterwards.
func TestThreadedDestroy(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(),
		Config{Name: "doomed", Mode: ModeThreaded})
	require.NoError(t, err)

	require.NoError(t, child.Destroy(ctx))
	require.Equal(t, StateDestroyed, child.State())
	require.ErrorIs(t, child.Send(ctx, "echo", "x"), ErrNotReady)

	node, err := root.Tree(ctx)
	require.NoError(t, err)
	require.Empty(t, node.Children)
}
