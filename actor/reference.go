package actor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// refMarshaller gives actor handles location transparency across one kind of
// boundary: "unix" for handles crossing to other processes on the same
// machine, "tcp" for handles crossing to other hosts. Marshalling a Ref
// opens a listening reference target speaking the frame protocol on behalf
// of the actor; unmarshalling a descriptor yields a Ref whose driver talks
// to that target. Targets and sources are cached, so a handle crossing the
// same boundary repeatedly reuses one link.
type refMarshaller struct {
	sys     *System
	network string

	mu      sync.Mutex
	targets map[*Ref]*refTarget
	sources map[string]*Ref
	closed  bool
}

func newRefMarshaller(sys *System, network string) *refMarshaller {
	return &refMarshaller{
		sys:     sys,
		network: network,
		targets: make(map[*Ref]*refTarget),
		sources: make(map[string]*Ref),
	}
}

// refTarget is the listening side of a marshalled reference: a tiny server
// that turns inbound frames into calls on the local Ref.
type refTarget struct {
	m   *refMarshaller
	ref *Ref

	listener net.Listener
	desc     RefDescriptor

	connMu sync.Mutex
	conns  []*transport.StreamBus

	closeOnce sync.Once
}

// marshal produces the portable descriptor for a local handle, opening the
// reference target on first use.
func (m *refMarshaller) marshal(ctx context.Context,
	ref *Ref) (RefDescriptor, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return RefDescriptor{}, fmt.Errorf("%w: system shut down",
			ErrDestroyed)
	}

	if t, ok := m.targets[ref]; ok {
		return t.desc, nil
	}

	t, err := m.openTarget(ctx, ref)
	if err != nil {
		return RefDescriptor{}, err
	}
	m.targets[ref] = t

	return t.desc, nil
}

func (m *refMarshaller) openTarget(ctx context.Context, ref *Ref) (*refTarget,
	error) {

	t := &refTarget{m: m, ref: ref}

	switch m.network {
	case "unix":
		path := filepath.Join(os.TempDir(),
			"actor-"+ref.ID()+".socket")
		// A stale socket from a dead process blocks the listen.
		_ = os.Remove(path)

		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("reference target listen: %w",
				err)
		}
		t.listener = ln
		t.desc = RefDescriptor{ActorID: ref.ID(), Path: path}

	case "tcp":
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("reference target listen: %w",
				err)
		}
		t.listener = ln
		port := ln.Addr().(*net.TCPAddr).Port
		t.desc = RefDescriptor{
			ActorID: ref.ID(),
			Host:    m.sys.advertiseHost,
			Port:    port,
		}

	default:
		return nil, fmt.Errorf("unsupported reference network %q",
			m.network)
	}

	go t.acceptLoop()

	log.DebugS(ctx, "Opened reference target",
		"actor_id", ref.ID(), "network", m.network)

	return t, nil
}

func (t *refTarget) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}

		bus := transport.NewStreamBus(conn)
		t.connMu.Lock()
		t.conns = append(t.conns, bus)
		t.connMu.Unlock()

		bus.OnMessage(func(f *wire.Frame) {
			t.serveFrame(bus, f)
		})
		bus.Start()
	}
}

// serveFrame handles one inbound frame on a reference link by calling
// through the local handle.
func (t *refTarget) serveFrame(bus transport.Bus, f *wire.Frame) {
	ctx := context.Background()

	reply := func(kind wire.Kind, body any, callErr error) {
		out := &wire.Frame{Type: kind, ID: f.ID}
		if callErr != nil {
			out.Error = callErr.Error()
			out.Type = wire.KindActorResponse
		} else {
			out.Body = body
		}
		if err := bus.Send(ctx, out); err != nil {
			log.TraceS(ctx, "Reference reply failed", "err", err)
		}
	}

	switch f.Type {
	case wire.KindActorMessage:
		go func() {
			var msg wire.ActorMessage
			if err := wire.DecodeBody(f.Body, &msg); err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}

			args, err := t.m.sys.decodeArgs(
				ctx, msg.Message, msg.MarshalledType, t.m,
			)
			if err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}

			if !msg.Receive {
				err := t.ref.Send(ctx, msg.Topic, args...)
				if err != nil {
					log.WarnS(ctx,
						"Reference send failed", err,
						"topic", msg.Topic)
				}
				return
			}

			resp, err := t.ref.SendAndReceive(
				ctx, msg.Topic, args...,
			)
			if err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}

			encoded, _, err := t.m.sys.encodeArgs(
				ctx, []any{resp}, t.m,
			)
			if err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}
			reply(wire.KindActorResponse,
				wire.ActorResponse{Response: encoded[0]}, nil)
		}()

	case wire.KindActorTree:
		go func() {
			node, err := t.ref.Tree(ctx)
			if err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}
			reply(wire.KindActorResponse,
				wire.ActorResponse{Response: node}, nil)
		}()

	case wire.KindActorMetrics:
		go func() {
			node, err := t.ref.Metrics(ctx)
			if err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}
			reply(wire.KindActorResponse,
				wire.ActorResponse{Response: node}, nil)
		}()

	case wire.KindDestroyActor:
		go func() {
			if err := t.ref.Destroy(ctx); err != nil {
				reply(wire.KindActorResponse, nil, err)
				return
			}
			reply(wire.KindActorDestroyed, nil, nil)
		}()

	case wire.KindBusEvent:
		var ev wire.BusEvent
		if err := wire.DecodeBody(f.Body, &ev); err != nil {
			return
		}
		t.m.sys.Bus().ingest(&ev)
	}
}

func (t *refTarget) close() {
	t.closeOnce.Do(func() {
		_ = t.listener.Close()

		t.connMu.Lock()
		conns := t.conns
		t.conns = nil
		t.connMu.Unlock()

		for _, bus := range conns {
			_ = bus.Close()
		}
	})
}

// sourceKey dedups source links per descriptor.
func sourceKey(desc RefDescriptor) string {
	if desc.Path != "" {
		return desc.Path + "#" + desc.ActorID
	}

	return net.JoinHostPort(desc.Host, strconv.Itoa(desc.Port)) + "#" +
		desc.ActorID
}

// unmarshal rebuilds a usable handle from a descriptor. The handle is backed
// by a frame driver dialing the reference target, so it behaves like any
// other boundary-crossing endpoint, crash detection included.
func (m *refMarshaller) unmarshal(ctx context.Context,
	desc RefDescriptor) (*Ref, error) {

	key := sourceKey(desc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: system shut down", ErrDestroyed)
	}
	if ref, ok := m.sources[key]; ok {
		m.mu.Unlock()
		return ref, nil
	}
	m.mu.Unlock()

	c := newCore(m.sys, nil, nil, Config{}, ModeRemote)

	spawn := func(ctx context.Context) (transport.Bus,
		*wire.ActorCreated, error) {

		var (
			conn net.Conn
			err  error
		)
		var dialer net.Dialer
		if desc.Path != "" {
			conn, err = dialer.DialContext(ctx, "unix", desc.Path)
		} else {
			addr := net.JoinHostPort(
				desc.Host, strconv.Itoa(desc.Port),
			)
			conn, err = dialer.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("dial reference "+
				"target: %w", err)
		}

		bus := transport.NewStreamBus(conn)
		bus.Start()

		return bus, &wire.ActorCreated{ID: desc.ActorID}, nil
	}

	drv := newBusDriver(c, spawn, m, 0)
	c.drv = drv
	ref := newRef(c)

	if err := drv.start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[key]; ok {
		// Lost the race; keep the first link.
		go func() {
			_ = drv.closeLink()
		}()

		return existing, nil
	}
	m.sources[key] = ref

	return ref, nil
}

// shutdown closes every target and source link. Source peers are not
// destroyed, only disconnected.
func (m *refMarshaller) shutdown() {
	m.mu.Lock()
	targets := m.targets
	sources := m.sources
	m.targets = make(map[*Ref]*refTarget)
	m.sources = make(map[string]*Ref)
	m.closed = true
	m.mu.Unlock()

	for _, t := range targets {
		t.close()
	}
	for _, ref := range sources {
		if drv, ok := ref.current().drv.(*busDriver); ok {
			_ = drv.closeLink()
		}
		ref.current().setState(StateDestroyed)
	}
}
