package actor

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// createActorBody is the payload of a create-actor frame. It carries
// everything a worker needs to reconstruct the actor: the definition (a
// registry name, or a live value when the frame never leaves the process),
// the actor and global configuration, and the custom parameter recovery
// metadata.
type createActorBody struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Definition   any               `json:"definition"`
	ActorConfig  Config            `json:"actorConfig"`
	GlobalConfig map[string]Config `json:"globalConfig,omitempty"`
	Mode         Mode              `json:"mode"`
	ParentID     string            `json:"parentId"`

	PingTimeoutMS int64 `json:"pingTimeout,omitempty"`

	// CustomParametersMarshalledTypes maps custom parameter keys to the
	// marshaller that encoded them.
	CustomParametersMarshalledTypes map[string]string `json:"customParametersMarshalledTypes,omitempty"`

	// HandleParameter names the custom parameter that arrives as a
	// listening socket on descriptor 3 instead of in the body.
	HandleParameter string `json:"handleParameter,omitempty"`
}

// handleFD is where a passed listening socket lands in a forked worker,
// right after stdin, stdout, and stderr.
const handleFD = 3

func decodeCreateBody(body any) (*createActorBody, error) {
	if b, ok := body.(*createActorBody); ok {
		return b, nil
	}

	var b createActorBody
	if err := wire.DecodeBody(body, &b); err != nil {
		return nil, fmt.Errorf("%w: create-actor body: %v",
			ErrSerialization, err)
	}

	return &b, nil
}

// ServeWorker runs the child side of an actor boundary: it waits for the
// create-actor frame on bus, hosts the requested actor in a fresh system,
// serves its traffic until the actor is destroyed or the parent vanishes,
// and then tears everything down. Forked worker processes and threaded
// worker goroutines both enter here.
func ServeWorker(ctx context.Context, bus transport.Bus, mode Mode) error {
	createCh := make(chan *wire.Frame, 1)
	unsub := bus.OnMessage(func(f *wire.Frame) {
		if f.Type == wire.KindCreateActor {
			select {
			case createCh <- f:
			default:
			}
		}
	})

	exitCh := make(chan error, 1)
	bus.OnExit(func(err error) {
		select {
		case exitCh <- err:
		default:
		}
	})

	var create *wire.Frame
	select {
	case create = <-createCh:
	case err := <-exitCh:
		unsub()
		return fmt.Errorf("parent vanished before create-actor: %w",
			err)
	case <-ctx.Done():
		unsub()
		return ctx.Err()
	}
	unsub()

	w, err := newWorkerHost(ctx, bus, mode, create)
	if err != nil {
		// The parent learns why creation failed through the reply.
		_ = bus.Send(ctx, &wire.Frame{
			Type:  wire.KindActorCreated,
			ID:    create.ID,
			Error: err.Error(),
		})

		return err
	}

	return w.run(ctx)
}

// workerHost is the serving state of one hosted actor.
type workerHost struct {
	sys    *System
	hold   *busHolder
	refs   *refMarshaller
	hosted *Ref
	mode   Mode

	pingEvery time.Duration
	done      chan struct{}
	exit      chan error
}

// newWorkerHost reconstructs the actor described by the create-actor frame
// and acknowledges it, leaving the host ready to serve.
func newWorkerHost(ctx context.Context, bus transport.Bus, mode Mode,
	create *wire.Frame) (*workerHost, error) {

	body, err := decodeCreateBody(create.Body)
	if err != nil {
		return nil, err
	}

	sys := NewSystem(withHosted(), WithConfig(body.GlobalConfig))

	refs := sys.interProc
	if mode == ModeRemote {
		refs = sys.interHost
	}

	def := body.Definition
	if name, ok := def.(string); ok {
		factory, found := LookupDefinition(name)
		if !found {
			return nil, fmt.Errorf("%w: unknown definition %q",
				ErrInit, name)
		}
		def = factory()
	}

	params, err := sys.restoreCustomParameters(
		body.ActorConfig.CustomParameters,
		body.CustomParametersMarshalledTypes,
	)
	if err != nil {
		return nil, err
	}

	if body.HandleParameter != "" {
		f := os.NewFile(handleFD, "handle")
		if f == nil {
			return nil, fmt.Errorf("%w: no inherited socket on "+
				"fd %d", ErrInit, handleFD)
		}
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reconstruct socket "+
				"handle: %v", ErrInit, err)
		}
		if params == nil {
			params = make(map[string]any)
		}
		params[body.HandleParameter] = ln
	}

	hold := newBusHolder(bus)
	parent := newParentProxy(sys, hold, refs, body.ParentID)

	// The hosted endpoint always runs in-memory here; the boundary was
	// the parent's concern.
	cfg := body.ActorConfig
	cfg.Mode = ModeInMemory
	cfg.ClusterSize = 0
	cfg.Host = nil
	cfg.CustomParameters = params

	c, err := sys.buildEndpointCore(ctx, parent, def, cfg)
	if err != nil {
		return nil, err
	}
	hosted := newRef(c)

	// A remote worker opens its dedicated listener before acknowledging,
	// so the reported port is already accepting.
	var (
		dedicated net.Listener
		port      int
	)
	if mode == ModeRemote {
		dedicated, err = net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("%w: worker listener: %v",
				ErrInit, err)
		}
		port = dedicated.Addr().(*net.TCPAddr).Port
	}

	if err := c.drv.start(ctx); err != nil {
		if dedicated != nil {
			_ = dedicated.Close()
		}

		return nil, err
	}

	w := &workerHost{
		sys:       sys,
		hold:      hold,
		refs:      refs,
		hosted:    hosted,
		mode:      mode,
		pingEvery: time.Duration(body.PingTimeoutMS) *
			time.Millisecond / 3,
		done: make(chan struct{}),
		exit: make(chan error, 1),
	}

	w.attach(bus)

	err = bus.Send(ctx, &wire.Frame{
		Type: wire.KindActorCreated,
		ID:   create.ID,
		Body: wire.ActorCreated{ID: hosted.ID(), Port: port},
	})
	if err != nil {
		if dedicated != nil {
			_ = dedicated.Close()
		}

		return nil, err
	}

	if dedicated != nil {
		go w.acceptDedicated(dedicated)
	}

	return w, nil
}

// acceptDedicated waits for the parent's long-lived connection and swaps it
// in as the bus toward the parent.
func (w *workerHost) acceptDedicated(ln net.Listener) {
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		w.fail(fmt.Errorf("dedicated connection: %w", err))
		return
	}

	bus := transport.NewStreamBus(conn)
	w.attach(bus)
	bus.Start()
	w.hold.swap(bus)
}

func (w *workerHost) fail(err error) {
	select {
	case w.exit <- err:
	default:
	}
}

// attach installs the frame dispatcher and the bus event relay on a bus
// toward the parent.
func (w *workerHost) attach(bus transport.Bus) {
	bus.OnMessage(func(f *wire.Frame) {
		w.dispatch(bus, f)
	})
	bus.OnExit(func(err error) {
		if err == nil {
			err = transport.ErrBusClosed
		}
		w.fail(fmt.Errorf("parent channel closed: %w", err))
	})
	w.sys.Bus().register("parent", func(ctx context.Context,
		ev *wire.BusEvent) error {

		cur, _ := w.hold.get()
		if cur == nil {
			cur = bus
		}

		return cur.Send(ctx, &wire.Frame{
			Type: wire.KindBusEvent,
			Body: ev,
		})
	})
}

// respond sends a correlated reply frame.
func (w *workerHost) respond(bus transport.Bus, id uint32, body any,
	err error) {

	out := &wire.Frame{Type: wire.KindActorResponse, ID: id}
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Body = wire.ActorResponse{Response: body}
	}

	if sendErr := bus.Send(context.Background(), out); sendErr != nil {
		log.TraceS(context.Background(), "Worker reply failed",
			"err", sendErr)
	}
}

// dispatch routes one inbound frame from the parent.
func (w *workerHost) dispatch(bus transport.Bus, f *wire.Frame) {
	ctx := context.Background()

	// Responses to the parent proxy's own asks (and ping replies)
	// resolve the holder's correlation table.
	_, pending := w.hold.get()
	if pending != nil && pending.HandleResponse(f) {
		return
	}

	switch f.Type {
	case wire.KindActorMessage:
		var msg wire.ActorMessage
		if err := wire.DecodeBody(f.Body, &msg); err != nil {
			if f.ID != 0 {
				w.respond(bus, f.ID, nil, fmt.Errorf(
					"%w: %v", ErrSerialization, err))
			}
			return
		}

		args, err := w.sys.decodeArgs(
			ctx, msg.Message, msg.MarshalledType, w.refs,
		)
		if err != nil {
			if msg.Receive {
				w.respond(bus, f.ID, nil, err)
			}
			return
		}

		if !msg.Receive {
			// Enqueue synchronously so sends from one parent
			// keep their order.
			err := w.hosted.Send(ctx, msg.Topic, args...)
			if err != nil {
				log.WarnS(ctx, "Hosted send failed", err,
					"topic", msg.Topic)
			}
			return
		}

		go func() {
			resp, err := w.hosted.SendAndReceive(
				ctx, msg.Topic, args...,
			)
			if err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}

			encoded, _, err := w.sys.encodeArgs(
				ctx, []any{resp}, w.refs,
			)
			if err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}
			w.respond(bus, f.ID, encoded[0], nil)
		}()

	case wire.KindDestroyActor:
		go func() {
			if err := w.hosted.Destroy(ctx); err != nil {
				log.WarnS(ctx, "Hosted destroy failed", err)
			}

			_ = bus.Send(ctx, &wire.Frame{
				Type: wire.KindActorDestroyed,
				ID:   f.ID,
			})
			close(w.done)
		}()

	case wire.KindActorTree:
		go func() {
			node, err := w.hosted.Tree(ctx)
			if err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}
			w.respond(bus, f.ID, node, nil)
		}()

	case wire.KindActorMetrics:
		go func() {
			node, err := w.hosted.Metrics(ctx)
			if err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}
			w.respond(bus, f.ID, node, nil)
		}()

	case wire.KindChildConfigChange:
		go func() {
			var change wire.ConfigChange
			if err := wire.DecodeBody(f.Body, &change); err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}

			cfgs := make(map[string]Config, len(change.Config))
			for name, raw := range change.Config {
				var cfg Config
				if err := decodeTo(raw, &cfg); err != nil {
					w.respond(bus, f.ID, nil, err)
					return
				}
				cfg.Name = name
				cfgs[name] = cfg
			}

			w.sys.setConfig(cfgs)

			// The hosted actor's own entry is the parent's to
			// apply: it owns this boundary and will rebuild the
			// whole worker if the endpoint shape changed. Only
			// the subtree below us is our concern.
			delete(cfgs, w.hosted.Name())

			err := w.hosted.ChangeGlobalConfiguration(ctx, cfgs)
			if err != nil {
				w.respond(bus, f.ID, nil, err)
				return
			}
			w.respond(bus, f.ID, nil, nil)
		}()

	case wire.KindBusEvent:
		var ev wire.BusEvent
		if err := wire.DecodeBody(f.Body, &ev); err != nil {
			return
		}
		w.sys.Bus().ingest(&ev)

	case wire.KindCreateActor:
		w.respond(bus, f.ID, nil, fmt.Errorf(
			"worker already hosts actor %s", w.hosted.ID()))
	}
}

// run serves until the hosted actor is destroyed or the parent channel dies,
// pinging the parent on a fraction of the liveness timeout throughout.
func (w *workerHost) run(ctx context.Context) error {
	var pingC <-chan time.Time
	if w.pingEvery > 0 {
		ticker := time.NewTicker(w.pingEvery)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-pingC:
			if err := w.pingParent(ctx); err != nil {
				return w.teardown(ctx, fmt.Errorf(
					"parent liveness: %w", err))
			}

		case <-w.done:
			return w.teardown(ctx, nil)

		case err := <-w.exit:
			return w.teardown(ctx, err)

		case <-ctx.Done():
			return w.teardown(context.Background(), ctx.Err())
		}
	}
}

// pingParent performs one correlated liveness exchange with the parent. The
// reply must arrive before the next ping is due; a missed exchange means the
// parent is gone or wedged, and the hosted actor must not outlive it.
func (w *workerHost) pingParent(ctx context.Context) error {
	bus, pending := w.hold.get()

	id := bus.NextID()
	ch := pending.Register(id)

	pctx, cancel := context.WithTimeout(ctx, w.pingEvery)
	defer cancel()

	err := bus.Send(pctx, &wire.Frame{
		Type: wire.KindParentPing,
		ID:   id,
	})
	if err != nil {
		pending.Forget(id)
		return err
	}

	out := pending.Await(pctx, id, ch)
	if out.Err != nil {
		// A bus swapped out mid-exchange fails its pending table; the
		// swap itself proves a live parent on the replacement bus.
		if cur, _ := w.hold.get(); cur != bus {
			return nil
		}
	}

	return out.Err
}

// teardown destroys the hosted tree and the worker's system.
func (w *workerHost) teardown(ctx context.Context, cause error) error {
	log.DebugS(ctx, "Worker shutting down",
		"actor_id", w.hosted.ID(), "cause", cause)

	if err := w.hosted.Destroy(ctx); err != nil {
		log.WarnS(ctx, "Hosted teardown failed", err,
			"actor_id", w.hosted.ID())
	}

	if err := w.sys.Destroy(ctx); err != nil && cause == nil {
		cause = err
	}

	bus, _ := w.hold.get()
	if bus != nil {
		_ = bus.Close()
	}

	return cause
}
