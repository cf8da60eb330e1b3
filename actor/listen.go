package actor

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/roasbeef/troupe/transport"
	"github.com/roasbeef/troupe/wire"
)

// Listener serves remote actor creation for this host. Peers dial it, send
// one create-actor frame, and receive back the id and dedicated port of a
// freshly forked worker hosting their actor.
type Listener struct {
	sys *System
	ln  net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	workers []*transport.ProcBus
}

// Listen starts the remote create-actor listener on addr. Other systems
// reach this host's definitions through remote-mode actors pointing here.
func (s *System) Listen(ctx context.Context, addr string) (*Listener, error) {
	if err := s.resolveWorkerCommand(); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("actor listener: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		sys:    s,
		ln:     ln,
		ctx:    lctx,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.acceptLoop()

	// System teardown closes every listener still open.
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	log.InfoS(ctx, "Actor listener up", "addr", ln.Addr().String())

	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and terminates every worker spawned through this
// listener. Safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.ln.Close()

		l.mu.Lock()
		workers := l.workers
		l.workers = nil
		l.mu.Unlock()

		for _, w := range workers {
			_ = w.Close()
		}
		l.wg.Wait()
	})

	return l.closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serve(conn)
		}()
	}
}

// serve handles one bootstrap connection: a single create-actor frame is
// expected, answered, and the connection is done.
func (l *Listener) serve(conn net.Conn) {
	bus := transport.NewStreamBus(conn)
	defer bus.Close()

	createCh := make(chan *wire.Frame, 1)
	bus.OnMessage(func(f *wire.Frame) {
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
	bus.Start()

	select {
	case f := <-createCh:
		l.createWorker(bus, f)

	case <-exitCh:

	case <-l.ctx.Done():
	}
}

// createWorker forks a worker for the requested actor and relays the
// created reply (with the worker's dedicated port) back to the origin.
func (l *Listener) createWorker(origin transport.Bus, create *wire.Frame) {
	proc, err := transport.SpawnProc(l.ctx, transport.ProcConfig{
		Command: l.sys.workerCommand,
		Env:     []string{WorkerEnvVar + "=" + string(ModeRemote)},
	})
	if err != nil {
		l.replyError(origin, create.ID, err)
		return
	}

	// The worker's stdio stays attached to this process for its whole
	// life; the origin talks to it directly over the dedicated port.
	l.mu.Lock()
	l.workers = append(l.workers, proc)
	l.mu.Unlock()

	created, err := awaitCreated(l.ctx, proc, create.ID, func() error {
		return proc.Send(l.ctx, create)
	})
	if err != nil {
		_ = proc.Close()
		l.replyError(origin, create.ID, err)
		return
	}

	err = origin.Send(l.ctx, &wire.Frame{
		Type: wire.KindActorCreated,
		ID:   create.ID,
		Body: created,
	})
	if err != nil {
		log.WarnS(l.ctx, "Create reply failed", err,
			"worker_pid", proc.Pid())
	}
}

func (l *Listener) replyError(origin transport.Bus, id uint32, cause error) {
	err := origin.Send(l.ctx, &wire.Frame{
		Type:  wire.KindActorCreated,
		ID:    id,
		Error: cause.Error(),
	})
	if err != nil {
		log.TraceS(l.ctx, "Create error reply failed", "err", err)
	}
}
