package actor

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roasbeef/troupe/wire"
)

// SystemBus is the process-spanning broadcast channel of an actor system.
// Events published on any system's bus are delivered to local subscribers
// and relayed across every attached transport bus, reaching forked children,
// worker goroutines, and remote hosts. Each hop stamps its own bus id onto
// the event's sender chain; a bus whose id is already in the chain drops the
// event, which keeps arbitrary topologies loop-free.
type SystemBus struct {
	// id uniquely identifies this bus across processes and hosts.
	id string

	mu         sync.Mutex
	nextSub    int
	subs       map[string]map[int]func(args ...any)
	recipients map[string]func(ctx context.Context, ev *wire.BusEvent) error
}

func newSystemBus() *SystemBus {
	return &SystemBus{
		id:   uuid.NewString(),
		subs: make(map[string]map[int]func(args ...any)),
		recipients: make(map[string]func(ctx context.Context,
			ev *wire.BusEvent) error),
	}
}

// On subscribes to events with the given name and returns an unsubscribe
// function.
func (b *SystemBus) On(name string, fn func(args ...any)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++

	if b.subs[name] == nil {
		b.subs[name] = make(map[int]func(args ...any))
	}
	b.subs[name][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[name]; ok {
			delete(subs, id)
		}
	}
}

// register attaches a relay recipient, typically one per transport bus. The
// key only needs to be unique within this system.
func (b *SystemBus) register(key string,
	send func(ctx context.Context, ev *wire.BusEvent) error) func() {

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recipients[key] = send

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.recipients, key)
	}
}

// Emit publishes an event originating at this system.
func (b *SystemBus) Emit(name string, args ...any) {
	ev := &wire.BusEvent{
		EventID:     uuid.NewString(),
		Name:        name,
		SenderChain: []string{b.id},
		Args:        args,
	}

	b.deliverLocal(ev)
	b.relay(ev, "")
}

// ingest processes an event that arrived over a transport bus: deliver it
// locally and relay it onward, unless this bus has seen it before.
func (b *SystemBus) ingest(ev *wire.BusEvent) {
	if slices.Contains(ev.SenderChain, b.id) {
		log.TraceS(context.Background(), "Dropping looped bus event",
			"event_id", ev.EventID, "name", ev.Name)
		return
	}

	relayed := &wire.BusEvent{
		EventID:     ev.EventID,
		Name:        ev.Name,
		SenderChain: append(slices.Clone(ev.SenderChain), b.id),
		Args:        ev.Args,
	}

	b.deliverLocal(relayed)
	b.relay(relayed, "")
}

func (b *SystemBus) deliverLocal(ev *wire.BusEvent) {
	b.mu.Lock()
	subs := make([]func(args ...any), 0, len(b.subs[ev.Name]))
	for _, fn := range b.subs[ev.Name] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev.Args...)
	}
}

// relay forwards an event to every attached transport bus except skipKey.
// Delivery failures are logged; a dead bus is reported through its own exit
// path, not here.
func (b *SystemBus) relay(ev *wire.BusEvent, skipKey string) {
	b.mu.Lock()
	sends := make([]func(context.Context, *wire.BusEvent) error, 0,
		len(b.recipients))
	for key, send := range b.recipients {
		if key == skipKey {
			continue
		}
		sends = append(sends, send)
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, send := range sends {
		if err := send(ctx, ev); err != nil {
			log.TraceS(ctx, "Bus event relay failed",
				"event_id", ev.EventID, "err", err)
		}
	}
}
