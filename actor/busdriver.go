package actor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// livenessCheckInterval is how often the remote liveness monitor compares
// the last inbound frame time against the ping timeout.
const livenessCheckInterval = time.Second

// spawnFunc establishes a bus to a freshly created peer endpoint and returns
// the peer's actor id. Each mode (forked, threaded, remote) supplies its own
// spawn; everything after the handshake is mode-independent.
type spawnFunc func(ctx context.Context) (transport.Bus,
	*wire.ActorCreated, error)

// busDriver is the parent-side endpoint for an actor hosted across a frame
// boundary. It turns send/ask calls into actor-message frames, correlates
// responses, serves the hosted actor's upward parent traffic, relays system
// bus events, monitors liveness, and respawns dead peers.
type busDriver struct {
	c     *core
	spawn spawnFunc
	refs  *refMarshaller

	// pingTimeout > 0 enables the inbound-frame liveness monitor.
	pingTimeout time.Duration

	mu        sync.Mutex
	bus       transport.Bus
	pending   *transport.Pending
	remoteID  string
	unsubs    []func()
	lastFrame atomic.Int64
}

func newBusDriver(c *core, spawn spawnFunc, refs *refMarshaller,
	pingTimeout time.Duration) *busDriver {

	return &busDriver{
		c:           c,
		spawn:       spawn,
		refs:        refs,
		pingTimeout: pingTimeout,
	}
}

// start performs the create-actor handshake via spawn and attaches the
// returned bus.
func (d *busDriver) start(ctx context.Context) error {
	bus, created, err := d.spawn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}

	d.attach(bus, created.ID)

	d.c.setState(StateReady)
	actorsAlive.WithLabelValues(string(d.c.md)).Inc()

	if d.pingTimeout > 0 {
		go d.monitorLiveness()
	}

	log.DebugS(ctx, "Actor ready",
		"actor_id", d.c.id, "actor_name", d.c.name,
		"mode", string(d.c.md), "remote_id", created.ID)

	return nil
}

// attach wires the frame handlers, the correlation table, and the system bus
// relay to a live bus.
func (d *busDriver) attach(bus transport.Bus, remoteID string) {
	pending := transport.NewPending()

	d.mu.Lock()
	d.bus = bus
	d.pending = pending
	d.remoteID = remoteID
	d.lastFrame.Store(time.Now().UnixNano())

	unsubMsg := bus.OnMessage(func(f *wire.Frame) {
		d.handleFrame(bus, pending, f)
	})
	unsubExit := bus.OnExit(func(err error) {
		d.handleExit(bus, pending, err)
	})
	unsubEvents := d.c.sys.Bus().register(d.c.id,
		func(ctx context.Context, ev *wire.BusEvent) error {
			return bus.Send(ctx, &wire.Frame{
				Type: wire.KindBusEvent,
				Body: ev,
			})
		},
	)
	d.unsubs = []func(){unsubMsg, unsubExit, unsubEvents}
	d.mu.Unlock()
}

// detach removes the handlers installed by attach.
func (d *busDriver) detach() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (d *busDriver) currentBus() (transport.Bus, *transport.Pending, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bus, d.pending, d.remoteID
}

// handleFrame routes one inbound frame. Response frames resolve the
// correlation table; actor-message frames are the hosted actor calling
// upward through its parent proxy; bus-event frames feed the system bus.
func (d *busDriver) handleFrame(bus transport.Bus,
	pending *transport.Pending, f *wire.Frame) {

	d.lastFrame.Store(time.Now().UnixNano())

	if pending.HandleResponse(f) {
		return
	}

	switch f.Type {
	case wire.KindParentPing:
		// Liveness probe; the reply doubles as the child's own proof
		// of parent liveness.
		err := bus.Send(d.c.ctx, &wire.Frame{
			Type: wire.KindActorResponse,
			ID:   f.ID,
			Body: wire.ActorResponse{},
		})
		if err != nil {
			log.TraceS(d.c.ctx, "Ping reply failed",
				"actor_id", d.c.id, "err", err)
		}

	case wire.KindActorMessage:
		go d.serveParentCall(bus, f)

	case wire.KindBusEvent:
		var ev wire.BusEvent
		if err := wire.DecodeBody(f.Body, &ev); err != nil {
			log.WarnS(d.c.ctx, "Malformed bus event", err,
				"actor_id", d.c.id)
			return
		}
		d.c.sys.Bus().ingest(&ev)

	default:
		log.TraceS(d.c.ctx, "Ignoring frame",
			"actor_id", d.c.id, "kind", string(f.Type))
	}
}

// serveParentCall dispatches an inbound actor-message to this actor's own
// parent and, for ask-style calls, replies with the result.
func (d *busDriver) serveParentCall(bus transport.Bus, f *wire.Frame) {
	ctx := d.c.ctx

	reply := func(resp any, callErr error) {
		out := &wire.Frame{
			Type: wire.KindActorResponse,
			ID:   f.ID,
		}
		if callErr != nil {
			out.Error = callErr.Error()
		} else {
			out.Body = wire.ActorResponse{Response: resp}
		}
		if err := bus.Send(ctx, out); err != nil {
			log.WarnS(ctx, "Parent call reply failed", err,
				"actor_id", d.c.id)
		}
	}

	var msg wire.ActorMessage
	if err := wire.DecodeBody(f.Body, &msg); err != nil {
		reply(nil, fmt.Errorf("%w: %v", ErrSerialization, err))
		return
	}

	parent := d.c.parentRef
	if parent == nil {
		reply(nil, fmt.Errorf("%w: actor %s has no parent",
			ErrNoHandler, d.c.id))
		return
	}

	args, err := d.c.sys.decodeArgs(
		ctx, msg.Message, msg.MarshalledType, d.refs,
	)
	if err != nil {
		reply(nil, err)
		return
	}

	if !msg.Receive {
		if err := parent.Send(ctx, msg.Topic, args...); err != nil {
			log.WarnS(ctx, "Upward send failed", err,
				"actor_id", d.c.id, "topic", msg.Topic)
		}
		return
	}

	resp, err := parent.SendAndReceive(ctx, msg.Topic, args...)
	if err != nil {
		reply(nil, err)
		return
	}

	encoded, _, err := d.c.sys.encodeArgs(ctx, []any{resp}, d.refs)
	if err != nil {
		reply(nil, err)
		return
	}
	reply(encoded[0], nil)
}

// handleExit reacts to the peer dying: all outstanding asks fail, the actor
// turns crashed, and the supervision policy decides what happens next.
func (d *busDriver) handleExit(bus transport.Bus,
	pending *transport.Pending, cause error) {

	// Exits observed during teardown, or from a bus that has already been
	// replaced by a respawn, are not crashes.
	if cur, _, _ := d.currentBus(); cur != bus {
		return
	}
	if st := d.c.state(); st == StateDestroying || st == StateDestroyed {
		pending.FailAll(cause)
		return
	}

	pending.FailAll(cause)
	d.detach()
	d.c.setState(StateCrashed)
	actorsAlive.WithLabelValues(string(d.c.md)).Dec()

	log.WarnS(d.c.ctx, "Peer endpoint died", cause,
		"actor_id", d.c.id, "actor_name", d.c.name,
		"mode", string(d.c.md))

	if d.c.self != nil {
		d.c.self.events.Emit(EventCrashed, cause)
	}
	d.c.sys.Bus().Emit(EventCrashed, d.c.id, d.c.name)

	if d.c.cfg.OnCrash == OnCrashRespawn {
		go d.respawnLoop()
	}
}

// respawnLoop re-runs the spawn handshake until it succeeds or the actor is
// destroyed. The handle stays valid throughout; sends fail with a not-ready
// error while crashed.
func (d *busDriver) respawnLoop() {
	for {
		if st := d.c.state(); st != StateCrashed {
			return
		}

		bus, created, err := d.spawn(d.c.ctx)
		if err == nil {
			d.attach(bus, created.ID)
			d.c.setState(StateReady)
			actorsAlive.WithLabelValues(string(d.c.md)).Inc()
			respawnsTotal.WithLabelValues(d.c.metricName()).Inc()

			log.InfoS(d.c.ctx, "Actor respawned",
				"actor_id", d.c.id, "actor_name", d.c.name,
				"remote_id", created.ID)

			if d.c.self != nil {
				d.c.self.events.Emit(EventAugmented)
			}
			return
		}

		log.WarnS(d.c.ctx, "Respawn attempt failed", err,
			"actor_id", d.c.id)

		select {
		case <-time.After(respawnRetryInterval):
		case <-d.c.ctx.Done():
			return
		}
	}
}

// monitorLiveness declares the peer dead when no frame has arrived within
// the ping timeout. Workers ping on a fraction of the timeout, so a healthy
// peer always beats the deadline.
func (d *busDriver) monitorLiveness() {
	ticker := time.NewTicker(livenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if st := d.c.state(); st != StateReady {
				if st == StateDestroying ||
					st == StateDestroyed {

					return
				}
				continue
			}

			last := time.Unix(0, d.lastFrame.Load())
			if time.Since(last) <= d.pingTimeout {
				continue
			}

			bus, pending, _ := d.currentBus()
			if bus == nil {
				continue
			}
			d.handleExit(bus, pending, ErrLivenessTimeout)
			_ = bus.Close()

		case <-d.c.ctx.Done():
			return
		}
	}
}

// send encodes a fire-and-forget actor-message frame.
func (d *busDriver) send(ctx context.Context, topic string,
	args []any) error {

	bus, _, remoteID := d.currentBus()
	if bus == nil {
		return fmt.Errorf("%w: no live bus", ErrNotReady)
	}

	encoded, marshalledType, err := d.c.sys.encodeArgs(ctx, args, d.refs)
	if err != nil {
		return err
	}

	return bus.Send(ctx, &wire.Frame{
		Type:    wire.KindActorMessage,
		ID:      bus.NextID(),
		ActorID: remoteID,
		Body: wire.ActorMessage{
			Topic:          topic,
			Message:        encoded,
			MarshalledType: marshalledType,
		},
	})
}

// ask sends an ask-style actor-message and blocks for the correlated
// response. Peer handler failures come back wrapped in ErrRemote.
func (d *busDriver) ask(ctx context.Context, topic string,
	args []any) (any, error) {

	bus, pending, remoteID := d.currentBus()
	if bus == nil {
		return nil, fmt.Errorf("%w: no live bus", ErrNotReady)
	}

	encoded, marshalledType, err := d.c.sys.encodeArgs(ctx, args, d.refs)
	if err != nil {
		return nil, err
	}

	id := bus.NextID()
	ch := pending.Register(id)

	err = bus.Send(ctx, &wire.Frame{
		Type:    wire.KindActorMessage,
		ID:      id,
		ActorID: remoteID,
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

	decoded, err := d.c.sys.decodeArgs(ctx, []any{out.Body}, "", d.refs)
	if err != nil {
		return nil, err
	}

	return decoded[0], nil
}

// roundTrip performs one correlated non-message exchange (tree, metrics,
// config change) and returns the response body.
func (d *busDriver) roundTrip(ctx context.Context, kind wire.Kind,
	body any) (any, error) {

	bus, pending, remoteID := d.currentBus()
	if bus == nil {
		return nil, fmt.Errorf("%w: no live bus", ErrNotReady)
	}

	id := bus.NextID()
	ch := pending.Register(id)

	err := bus.Send(ctx, &wire.Frame{
		Type:    kind,
		ID:      id,
		ActorID: remoteID,
		Body:    body,
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

	return out.Body, nil
}

// closeLink drops the bus without destroying the peer, used for reference
// links where the remote actor outlives the connection.
func (d *busDriver) closeLink() error {
	bus, pending, _ := d.currentBus()
	if bus == nil {
		return nil
	}

	d.detach()
	pending.FailAll(transport.ErrBusClosed)

	return bus.Close()
}

// stop destroys the peer endpoint and closes the bus. A peer that is
// already dead has nothing to acknowledge.
func (d *busDriver) stop(ctx context.Context) error {
	bus, pending, remoteID := d.currentBus()
	if bus == nil {
		return nil
	}

	defer func() {
		d.detach()
		_ = bus.Close()
	}()

	if d.c.state() == StateCrashed {
		return nil
	}

	actorsAlive.WithLabelValues(string(d.c.md)).Dec()

	id := bus.NextID()
	ch := pending.Register(id)

	err := bus.Send(ctx, &wire.Frame{
		Type:    wire.KindDestroyActor,
		ID:      id,
		ActorID: remoteID,
	})
	if err != nil {
		return err
	}

	// The worker acknowledges with actor-destroyed, which the pending
	// table does not track; watch the raw frames for it.
	ackCh := make(chan struct{}, 1)
	unsub := bus.OnMessage(func(f *wire.Frame) {
		if f.Type == wire.KindActorDestroyed && f.ID == id {
			select {
			case ackCh <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	select {
	case <-ackCh:
		return nil

	case out := <-ch:
		// An error response or a bus exit also terminates the wait.
		if out.Err != nil && !out.Remote {
			return nil
		}
		return out.Err

	case <-ctx.Done():
		pending.Forget(id)
		return ctx.Err()
	}
}

// tree requests the subtree rollup from the peer.
func (d *busDriver) tree(ctx context.Context) (*TreeNode, error) {
	body, err := d.roundTrip(ctx, wire.KindActorTree, nil)
	if err != nil {
		return nil, err
	}

	var node TreeNode
	if err := decodeTo(body, &node); err != nil {
		return nil, err
	}

	return &node, nil
}

// metrics requests the subtree metrics rollup from the peer.
func (d *busDriver) metrics(ctx context.Context) (*MetricsNode, error) {
	body, err := d.roundTrip(ctx, wire.KindActorMetrics, nil)
	if err != nil {
		return nil, err
	}

	var node MetricsNode
	if err := decodeTo(body, &node); err != nil {
		return nil, err
	}

	return &node, nil
}

// forwardGlobalConfig carries a global configuration change across the frame
// boundary and waits for the peer to finish applying it.
func (d *busDriver) forwardGlobalConfig(ctx context.Context,
	cfgs map[string]Config) error {

	generic := make(map[string]any, len(cfgs))
	for name, cfg := range cfgs {
		generic[name] = cfg
	}

	_, err := d.roundTrip(ctx, wire.KindChildConfigChange,
		wire.ConfigChange{Config: generic})

	return err
}
