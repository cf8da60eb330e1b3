package actor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// temperature is a payload type that needs help crossing boundaries.
type temperature struct {
	Celsius float64
}

type temperatureMarshaller struct{}

func (temperatureMarshaller) TypeName() string {
	return "temperature"
}

func (temperatureMarshaller) Marshal(v any) (any, error) {
	tv, ok := v.(temperature)
	if !ok {
		return nil, fmt.Errorf("expected temperature, got %T", v)
	}

	return map[string]any{"celsius": tv.Celsius}, nil
}

func (temperatureMarshaller) Unmarshal(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	celsius, ok := m["celsius"].(float64)
	if !ok {
		return nil, fmt.Errorf("missing celsius field")
	}

	return temperature{Celsius: celsius}, nil
}

func init() {
	RegisterMarshaller(func() Marshaller {
		return temperatureMarshaller{}
	})
}

// TestMarshalledTypeAcrossWorker verifies a payload with a registered
// marshaller is re-materialized as its original type on the far side of a
// worker boundary.
func TestMarshalledTypeAcrossWorker(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	def := map[string]Handler{
		"convert": func(_ context.Context, args ...any) (any, error) {
			tv, ok := args[0].(temperature)
			if !ok {
				return nil, fmt.Errorf("got %T, want temperature",
					args[0])
			}

			return tv.Celsius*9/5 + 32, nil
		},
	}

	child, err := root.CreateChild(ctx, def,
		Config{Name: "converter", Mode: ModeThreaded})
	require.NoError(t, err)

	resp, err := child.SendAndReceive(ctx, "convert",
		temperature{Celsius: 100})
	require.NoError(t, err)
	require.Equal(t, float64(212), resp)
}

// TestRefRoundTrip verifies an actor handle marshalled by one system is
// usable from another through the reference link, and that dropping the link
// leaves the actor alive.
func TestRefRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	sysA := NewSystem()
	t.Cleanup(func() {
		_ = sysA.Destroy(context.Background())
	})
	rootA, err := sysA.Root(ctx)
	require.NoError(t, err)

	greeter := map[string]Handler{
		"greet": func(_ context.Context, args ...any) (any, error) {
			return fmt.Sprintf("hi %v", args[0]), nil
		},
	}
	x, err := rootA.CreateChild(ctx, greeter, Config{Name: "x"})
	require.NoError(t, err)

	desc, err := sysA.interProc.marshal(ctx, x)
	require.NoError(t, err)
	require.Equal(t, x.ID(), desc.ActorID)
	require.NotEmpty(t, desc.Path)

	// Marshalling the same handle again reuses the target.
	again, err := sysA.interProc.marshal(ctx, x)
	require.NoError(t, err)
	require.Equal(t, desc, again)

	sysB := NewSystem()
	link, err := sysB.interProc.unmarshal(ctx, desc)
	require.NoError(t, err)
	require.Equal(t, StateReady, link.State())

	resp, err := link.SendAndReceive(ctx, "greet", "bob")
	require.NoError(t, err)
	require.Equal(t, "hi bob", resp)

	// Remote handler errors surface as remote failures.
	_, err = link.SendAndReceive(ctx, "no-such-topic")
	require.ErrorIs(t, err, ErrRemote)

	// Unmarshalling the same descriptor reuses the link.
	cached, err := sysB.interProc.unmarshal(ctx, desc)
	require.NoError(t, err)
	require.Same(t, link, cached)

	// Tearing down the consuming system disconnects the link without
	// destroying the actor behind it.
	require.NoError(t, sysB.Destroy(ctx))
	require.Equal(t, StateReady, x.State())

	resp, err = x.SendAndReceive(ctx, "greet", "carol")
	require.NoError(t, err)
	require.Equal(t, "hi carol", resp)
}

// TestRefCallback verifies a handle embedded in a message crosses the link
// and calls back to an actor on the sending system.
func TestRefCallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	sysA := NewSystem()
	t.Cleanup(func() {
		_ = sysA.Destroy(context.Background())
	})
	rootA, err := sysA.Root(ctx)
	require.NoError(t, err)

	relay := map[string]Handler{
		"relay": func(ctx context.Context, args ...any) (any, error) {
			target, ok := args[0].(*Ref)
			if !ok {
				return nil, fmt.Errorf("got %T, want *Ref",
					args[0])
			}

			return target.SendAndReceive(ctx, "echo", "ping")
		},
	}
	x, err := rootA.CreateChild(ctx, relay, Config{Name: "relay"})
	require.NoError(t, err)

	desc, err := sysA.interProc.marshal(ctx, x)
	require.NoError(t, err)

	sysB := NewSystem()
	t.Cleanup(func() {
		_ = sysB.Destroy(context.Background())
	})
	rootB, err := sysB.Root(ctx)
	require.NoError(t, err)

	y, err := rootB.CreateChild(ctx, echoDef(), Config{Name: "y"})
	require.NoError(t, err)

	link, err := sysB.interProc.unmarshal(ctx, desc)
	require.NoError(t, err)

	// y travels inside the message; the relay actor on the other system
	// calls it back over a second reference link.
	resp, err := link.SendAndReceive(ctx, "relay", y)
	require.NoError(t, err)
	require.Equal(t, "ping", resp)
}
