package actor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// rootName is the name of the top-level actor of a system.
	rootName = "Root"

	// rootInChildName names the implicit root of a worker-hosted system.
	rootInChildName = "RootInChild"

	// defaultPingTimeout is the liveness deadline for forked and remote
	// endpoints unless overridden per actor or per system.
	defaultPingTimeout = 15 * time.Second

	// defaultBusyLagLimit is the scheduler lag past which the system
	// reports itself overloaded.
	defaultBusyLagLimit = 3 * time.Second

	// defaultMailboxCapacity bounds in-memory actor mailboxes.
	defaultMailboxCapacity = 64

	// lagProbeInterval is the cadence of the overload monitor.
	lagProbeInterval = time.Second
)

// System owns an actor tree: the root handle, the named configuration, the
// reference marshallers for both boundary kinds, the system bus, and the
// overload monitor. A process typically runs one System; worker processes
// run a second, hosted one per created actor.
type System struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus       *SystemBus
	interProc *refMarshaller
	interHost *refMarshaller

	marshallers map[string]Marshaller

	pingTimeout     time.Duration
	busyLagLimit    time.Duration
	mailboxCapacity int
	advertiseHost   string
	clusters        map[string][]string
	configFile      string
	configOverlay   string
	hosted          bool

	workerCmdOnce sync.Once
	workerCommand []string
	workerCmdErr  error

	mu        sync.Mutex
	named     map[string]Config
	resources map[string]Resource
	listeners []*Listener

	rootOnce sync.Once
	root     *Ref
	rootErr  error

	overloaded atomic.Bool
	destroyed  atomic.Bool
}

// Option configures a System.
type Option func(*System)

// WithPingTimeout sets the default liveness deadline for forked and remote
// endpoints.
func WithPingTimeout(d time.Duration) Option {
	return func(s *System) { s.pingTimeout = d }
}

// WithBusyLagLimit sets the scheduler lag past which the system considers
// itself overloaded and starts dropping messages for actors that opted in.
// A zero or negative limit disables the overload check entirely.
func WithBusyLagLimit(d time.Duration) Option {
	return func(s *System) { s.busyLagLimit = d }
}

// WithMailboxCapacity bounds the in-memory actor mailboxes.
func WithMailboxCapacity(n int) Option {
	return func(s *System) { s.mailboxCapacity = n }
}

// WithWorkerCommand overrides the argv used to spawn forked workers. The
// default re-executes the current binary, relying on the worker environment
// marker to divert it into worker mode.
func WithWorkerCommand(command ...string) Option {
	return func(s *System) { s.workerCommand = command }
}

// WithConfig seeds the name-keyed actor configuration. File configuration,
// when present, is overlaid on top.
func WithConfig(cfgs map[string]Config) Option {
	return func(s *System) {
		for name, cfg := range cfgs {
			cfg.Name = name
			s.named[name] = cfg
		}
	}
}

// WithConfigFile loads name-keyed actor configuration from a JSON file and
// watches it: edits to the file are applied to the live tree as a global
// configuration change. An optional second file overlays the first entry by
// entry (non-zero fields win) and is watched the same way, so operators can
// keep host-local overrides out of the shared file.
func WithConfigFile(path string, overlay ...string) Option {
	return func(s *System) {
		s.configFile = path
		if len(overlay) > 0 {
			s.configOverlay = overlay[0]
		}
	}
}

// WithClusters registers operator-named endpoint lists referenced by the
// Cluster field of remote actor configurations.
func WithClusters(clusters map[string][]string) Option {
	return func(s *System) { s.clusters = clusters }
}

// WithAdvertiseHost sets the host written into inter-host reference
// descriptors. It must be an address remote peers can dial back.
func WithAdvertiseHost(host string) Option {
	return func(s *System) { s.advertiseHost = host }
}

// WithMarshallers adds message marshallers beyond the registered ones.
func WithMarshallers(ms ...Marshaller) Option {
	return func(s *System) {
		for _, m := range ms {
			s.marshallers[m.TypeName()] = m
		}
	}
}

// withHosted marks a worker-side system whose root represents the child end
// of the process channel.
func withHosted() Option {
	return func(s *System) { s.hosted = true }
}

// NewSystem creates an actor system. The root actor starts on the first call
// to Root.
func NewSystem(opts ...Option) *System {
	ctx, cancel := context.WithCancel(context.Background())

	s := &System{
		ctx:             ctx,
		cancel:          cancel,
		bus:             newSystemBus(),
		marshallers:     make(map[string]Marshaller),
		pingTimeout:     defaultPingTimeout,
		busyLagLimit:    defaultBusyLagLimit,
		mailboxCapacity: defaultMailboxCapacity,
		advertiseHost:   "127.0.0.1",
		named:           make(map[string]Config),
		resources:       make(map[string]Resource),
	}
	s.interProc = newRefMarshaller(s, "unix")
	s.interHost = newRefMarshaller(s, "tcp")

	for _, factory := range registeredMarshallerFactories() {
		m := factory()
		s.marshallers[m.TypeName()] = m
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.busyLagLimit > 0 {
		go s.monitorLag()
	}

	return s
}

// Bus returns the system bus.
func (s *System) Bus() *SystemBus {
	return s.bus
}

// IsOverloaded reports whether the overload monitor currently observes
// scheduler lag beyond the configured limit.
func (s *System) IsOverloaded() bool {
	return s.overloaded.Load()
}

// monitorLag measures how late timer wakeups fire. Sustained lag means the
// process cannot keep up with its load, which flips the admission gate for
// actors that enabled DropMessagesOnOverload.
func (s *System) monitorLag() {
	for {
		start := time.Now()
		select {
		case <-time.After(lagProbeInterval):
		case <-s.ctx.Done():
			return
		}

		lag := time.Since(start) - lagProbeInterval
		was := s.overloaded.Swap(lag > s.busyLagLimit)
		if !was && lag > s.busyLagLimit {
			log.WarnS(s.ctx, "System overloaded", nil,
				"lag", lag)
		}
	}
}

// Root returns the root actor handle, starting it on first use. The root
// hosts an empty in-memory behavior; applications build their tree under it.
func (s *System) Root(ctx context.Context) (*Ref, error) {
	s.rootOnce.Do(func() {
		if s.configFile != "" {
			cfgs, err := loadConfigFiles(s.configFile,
				s.configOverlay)
			if err != nil {
				s.rootErr = err
				return
			}
			s.mu.Lock()
			for name, cfg := range cfgs {
				cfg.Name = name
				s.named[name] = cfg
			}
			s.mu.Unlock()
		}

		name := rootName
		if s.hosted {
			name = rootInChildName
		}

		c := newCore(s, nil, map[string]Handler{}, Config{Name: name},
			ModeInMemory)
		c.drv = newInMemoryDriver(c)
		ref := newRef(c)

		if err := c.drv.start(ctx); err != nil {
			s.rootErr = err
			return
		}
		s.root = ref

		if s.configFile != "" {
			s.watchConfigFiles(s.configFile, s.configOverlay)
		}
	})

	return s.root, s.rootErr
}

// configFor returns the named configuration, or a zero config.
func (s *System) configFor(name string) Config {
	if name == "" {
		return Config{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.named[name]
}

// snapshotConfig copies the current named configuration, carried to workers
// so hosted subtrees resolve names the same way.
func (s *System) snapshotConfig() map[string]Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.named) == 0 {
		return nil
	}

	out := make(map[string]Config, len(s.named))
	for name, cfg := range s.named {
		out[name] = cfg
	}

	return out
}

// setConfig replaces the named configuration wholesale.
func (s *System) setConfig(cfgs map[string]Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.named = make(map[string]Config, len(cfgs))
	for name, cfg := range cfgs {
		cfg.Name = name
		s.named[name] = cfg
	}
}

// createActor builds and starts one actor. The named configuration overlays
// the programmatic one, so operators can re-home actors without a deploy.
func (s *System) createActor(ctx context.Context, parent *Ref,
	def Definition, cfg Config) (*Ref, error) {

	merged := cfg.overlay(s.configFor(cfg.Name))

	c, err := s.buildCore(ctx, parent, def, merged)
	if err != nil {
		return nil, err
	}

	ref := newRef(c)
	if err := c.drv.start(ctx); err != nil {
		return nil, err
	}

	return ref, nil
}

// buildCore assembles an unstarted endpoint for a configuration, inserting a
// balancer when the configuration demands a cluster.
func (s *System) buildCore(ctx context.Context, parent *Ref, def Definition,
	cfg Config) (*core, error) {

	mode := cfg.mode()
	clustered := cfg.ClusterSize > 1 || len(cfg.Host) > 1

	if mode != ModeDisabled && clustered {
		c := newCore(s, parent, def, cfg, mode)
		drv, err := newBalancerDriver(c)
		if err != nil {
			return nil, err
		}
		c.drv = drv

		return c, nil
	}

	return s.buildEndpointCore(ctx, parent, def, cfg)
}

// buildEndpointCore assembles a single (non-clustered) endpoint.
func (s *System) buildEndpointCore(_ context.Context, parent *Ref,
	def Definition, cfg Config) (*core, error) {

	mode := cfg.mode()
	c := newCore(s, parent, def, cfg, mode)

	switch mode {
	case ModeInMemory:
		c.drv = newInMemoryDriver(c)

	case ModeForked:
		if err := s.resolveWorkerCommand(); err != nil {
			return nil, err
		}
		c.drv = newBusDriver(c, s.spawnForked(c), s.interProc,
			cfg.pingTimeout(s.pingTimeout))

	case ModeThreaded:
		// Same process, same scheduler: liveness pings would only
		// measure our own health.
		c.drv = newBusDriver(c, s.spawnThreaded(c), s.interProc, 0)

	case ModeRemote:
		hosts, err := s.resolveHosts(cfg)
		if err != nil {
			return nil, err
		}
		c.drv = newBusDriver(c, s.spawnRemote(c, hosts[0]),
			s.interHost, cfg.pingTimeout(s.pingTimeout))

	case ModeDisabled:
		c.drv = disabledDriver{c: c}

	default:
		return nil, fmt.Errorf("unknown actor mode %q", mode)
	}

	return c, nil
}

// resolveWorkerCommand fills in the default worker argv on first use.
func (s *System) resolveWorkerCommand() error {
	s.workerCmdOnce.Do(func() {
		if len(s.workerCommand) > 0 {
			return
		}
		exe, err := os.Executable()
		if err != nil {
			s.workerCmdErr = fmt.Errorf("resolve worker "+
				"binary: %w", err)
			return
		}
		s.workerCommand = []string{exe}
	})

	return s.workerCmdErr
}

// endpointStopped is the core's notification hook back into the system.
func (s *System) endpointStopped(c *core) {
	log.TraceS(s.ctx, "Endpoint stopped",
		"actor_id", c.id, "actor_name", c.name)
}

// marshallerByName resolves a message marshaller. The map is frozen after
// NewSystem, so reads need no lock.
func (s *System) marshallerByName(name string) (Marshaller, bool) {
	if name == "" {
		return nil, false
	}
	m, ok := s.marshallers[name]

	return m, ok
}

// Resource returns the named shared resource, initializing it on first
// acquisition. Resources live until the system is destroyed.
func (s *System) Resource(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	if r, ok := s.resources[name]; ok {
		s.mu.Unlock()
		return r.Acquire(), nil
	}
	s.mu.Unlock()

	factory, ok := lookupResource(name)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", name)
	}

	r := factory()
	if err := r.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize resource %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.resources[name]; ok {
		// Lost an initialization race; discard ours.
		go func() {
			_ = r.Destroy(context.Background())
		}()

		return existing.Acquire(), nil
	}
	s.resources[name] = r

	return r.Acquire(), nil
}

// Destroy tears the whole system down: the actor tree, the shared resources,
// and every reference link. Safe to call more than once.
func (s *System) Destroy(ctx context.Context) error {
	if s.destroyed.Swap(true) {
		return nil
	}

	var firstErr error
	if s.root != nil {
		if err := s.root.Destroy(ctx); err != nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	resources := s.resources
	s.resources = make(map[string]Resource)
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for name, r := range resources {
		if err := r.Destroy(ctx); err != nil {
			log.WarnS(ctx, "Resource destroy failed", err,
				"resource", name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.interProc.shutdown()
	s.interHost.shutdown()
	s.cancel()

	return firstErr
}

// disabledDriver parks an actor: it never becomes ready, so the admission
// gate rejects all traffic, but the handle and its configuration survive and
// a later reconfiguration can bring the actor up.
type disabledDriver struct {
	c *core
}

func (d disabledDriver) start(context.Context) error { return nil }

func (d disabledDriver) send(context.Context, string, []any) error {
	return ErrNotReady
}

func (d disabledDriver) ask(context.Context, string, []any) (any, error) {
	return nil, ErrNotReady
}

func (d disabledDriver) stop(context.Context) error { return nil }

func (d disabledDriver) tree(context.Context) (*TreeNode, error) {
	return &TreeNode{
		ID:    d.c.id,
		Name:  d.c.name,
		State: d.c.state().String(),
		Mode:  string(ModeDisabled),
	}, nil
}

func (d disabledDriver) metrics(context.Context) (*MetricsNode, error) {
	return &MetricsNode{}, nil
}
