package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/troupe/wire"
)

// TestBusLocalDelivery verifies local subscribers see emitted events.
func TestBusLocalDelivery(t *testing.T) {
	t.Parallel()

	bus := newSystemBus()

	var (
		mu  sync.Mutex
		got [][]any
	)
	unsub := bus.On("tick", func(args ...any) {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
	})

	bus.Emit("tick", 1, "a")
	bus.Emit("other")
	bus.Emit("tick", 2)

	mu.Lock()
	require.Len(t, got, 2)
	require.Equal(t, []any{1, "a"}, got[0])
	require.Equal(t, []any{2}, got[1])
	mu.Unlock()

	unsub()
	bus.Emit("tick", 3)
	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()
}

// TestBusRelayAndChain verifies emitted events reach registered transports
// with this bus's id in the sender chain.
func TestBusRelayAndChain(t *testing.T) {
	t.Parallel()

	bus := newSystemBus()

	relayed := make(chan *wire.BusEvent, 1)
	bus.register("link", func(_ context.Context,
		ev *wire.BusEvent) error {

		relayed <- ev
		return nil
	})

	bus.Emit("announce", "payload")

	select {
	case ev := <-relayed:
		require.Equal(t, "announce", ev.Name)
		require.Equal(t, []string{bus.id}, ev.SenderChain)
		require.NotEmpty(t, ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("event never relayed")
	}
}

// TestBusIngestLoopFree verifies ingest drops events this bus already
// relayed, and stamps its id before relaying fresh ones.
func TestBusIngestLoopFree(t *testing.T) {
	t.Parallel()

	bus := newSystemBus()

	delivered := 0
	bus.On("hop", func(...any) {
		delivered++
	})

	relayed := make(chan *wire.BusEvent, 1)
	bus.register("link", func(_ context.Context,
		ev *wire.BusEvent) error {

		relayed <- ev
		return nil
	})

	// A fresh foreign event is delivered and relayed with our id appended.
	bus.ingest(&wire.BusEvent{
		EventID:     "ev-1",
		Name:        "hop",
		SenderChain: []string{"origin"},
	})
	require.Equal(t, 1, delivered)

	select {
	case ev := <-relayed:
		require.Equal(t, []string{"origin", bus.id}, ev.SenderChain)
	case <-time.After(time.Second):
		t.Fatal("ingested event never relayed")
	}

	// An event whose chain already carries our id has looped; drop it.
	bus.ingest(&wire.BusEvent{
		EventID:     "ev-2",
		Name:        "hop",
		SenderChain: []string{"origin", bus.id, "elsewhere"},
	})
	require.Equal(t, 1, delivered)
}

// announcerDef emits a system bus event from inside its hosting system.
type announcerDef struct {
	self *Ref
}

func (d *announcerDef) Initialize(_ context.Context, self *Ref) error {
	d.self = self
	return nil
}

func (d *announcerDef) Announce(_ context.Context,
	args ...any) (any, error) {

	d.self.System().Bus().Emit("worker-news", args...)
	return "announced", nil
}

// TestBusCrossesWorkerBoundary verifies an event emitted inside a worker
// goroutine's hosted system reaches subscribers on the parent system.
func TestBusCrossesWorkerBoundary(t *testing.T) {
	t.Parallel()

	sys, root := newTestSystem(t)
	ctx := context.Background()

	heard := make(chan []any, 1)
	sys.Bus().On("worker-news", func(args ...any) {
		select {
		case heard <- args:
		default:
		}
	})

	child, err := root.CreateChild(ctx, &announcerDef{},
		Config{Name: "announcer", Mode: ModeThreaded})
	require.NoError(t, err)

	resp, err := child.SendAndReceive(ctx, "announce", "big news")
	require.NoError(t, err)
	require.Equal(t, "announced", resp)

	select {
	case args := <-heard:
		require.Equal(t, []any{"big news"}, args)
	case <-time.After(5 * time.Second):
		t.Fatal("worker event never crossed the boundary")
	}
}
