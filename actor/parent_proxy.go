package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// busHolder is a swappable reference to the worker's bus toward its parent.
// Remote workers replace the bootstrap connection with the dedicated actor
// connection after creation; the parent proxy keeps working across the swap.
type busHolder struct {
	mu      sync.Mutex
	bus     transport.Bus
	pending *transport.Pending
}

func newBusHolder(bus transport.Bus) *busHolder {
	return &busHolder{
		bus:     bus,
		pending: transport.NewPending(),
	}
}

// get returns the current bus and its correlation table.
func (h *busHolder) get() (transport.Bus, *transport.Pending) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.bus, h.pending
}

// swap replaces the bus. Outstanding asks on the old bus are failed.
func (h *busHolder) swap(bus transport.Bus) {
	h.mu.Lock()
	old := h.pending
	h.bus = bus
	h.pending = transport.NewPending()
	h.mu.Unlock()

	old.FailAll(transport.ErrBusClosed)
}

// parentProxyDriver backs the hosted actor's view of its parent inside a
// worker. Sends and asks become actor-message frames flowing up the worker's
// bus; the parent-side bus driver dispatches them to the real parent.
type parentProxyDriver struct {
	c        *core
	sys      *System
	hold     *busHolder
	refs     *refMarshaller
	parentID string
}

func (d *parentProxyDriver) start(_ context.Context) error {
	d.c.setState(StateReady)
	return nil
}

func (d *parentProxyDriver) send(ctx context.Context, topic string,
	args []any) error {

	bus, _ := d.hold.get()

	encoded, marshalledType, err := d.sys.encodeArgs(ctx, args, d.refs)
	if err != nil {
		return err
	}

	return bus.Send(ctx, &wire.Frame{
		Type:    wire.KindActorMessage,
		ID:      bus.NextID(),
		ActorID: d.parentID,
		Body: wire.ActorMessage{
			Topic:          topic,
			Message:        encoded,
			MarshalledType: marshalledType,
		},
	})
}

func (d *parentProxyDriver) ask(ctx context.Context, topic string,
	args []any) (any, error) {

	bus, pending := d.hold.get()

	encoded, marshalledType, err := d.sys.encodeArgs(ctx, args, d.refs)
	if err != nil {
		return nil, err
	}

	id := bus.NextID()
	ch := pending.Register(id)

	err = bus.Send(ctx, &wire.Frame{
		Type:    wire.KindActorMessage,
		ID:      id,
		ActorID: d.parentID,
		Body: wire.ActorMessage{
			Topic:          topic,
			Message:        encoded,
			Receive:        true,
			MarshalledType: marshalledType,
		},
	})
	if err != nil {
		pending.Forget(id)
		return nil, err
	}

	out := pending.Await(ctx, id, ch)
	if out.Err != nil {
		if out.Remote {
			return nil, fmt.Errorf("%w: %v", ErrRemote, out.Err)
		}
		return nil, out.Err
	}

	decoded, err := d.sys.decodeArgs(ctx, []any{out.Body}, "", d.refs)
	if err != nil {
		return nil, err
	}

	return decoded[0], nil
}

func (d *parentProxyDriver) stop(_ context.Context) error {
	return nil
}

func (d *parentProxyDriver) tree(_ context.Context) (*TreeNode, error) {
	return nil, fmt.Errorf("parent tree is not visible from a worker")
}

func (d *parentProxyDriver) metrics(_ context.Context) (*MetricsNode, error) {
	return nil, fmt.Errorf("parent metrics are not visible from a worker")
}

// newParentProxy builds the Ref a hosted actor sees as its parent.
func newParentProxy(sys *System, hold *busHolder, refs *refMarshaller,
	parentID string) *Ref {

	c := newCore(sys, nil, nil, Config{}, ModeInMemory)
	c.id = parentID

	drv := &parentProxyDriver{
		c:        c,
		sys:      sys,
		hold:     hold,
		refs:     refs,
		parentID: parentID,
	}
	c.drv = drv
	c.setState(StateReady)

	return newRef(c)
}
