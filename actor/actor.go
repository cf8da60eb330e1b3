package actor

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// respawnRetryInterval is how often a failed respawn is retried until the
// actor is destroyed.
const respawnRetryInterval = 15 * time.Second

// driver is the mode-specific half of an actor endpoint: it knows how to
// physically deliver a call to wherever the behavior runs. The core supplies
// everything mode-independent (state machine, forwarding, children,
// admission); the rest of the system never branches on driver type.
type driver interface {
	// start brings the endpoint up: it runs the initialize hook for
	// local behaviors or performs the create-actor handshake for
	// boundary-crossing ones. On success the core is ready.
	start(ctx context.Context) error

	// send delivers a fire-and-forget invocation.
	send(ctx context.Context, topic string, args []any) error

	// ask delivers an invocation and waits for the correlated reply.
	ask(ctx context.Context, topic string, args []any) (any, error)

	// stop tears the endpoint down (destroy hook or destroy-actor
	// exchange). The core has already destroyed the children.
	stop(ctx context.Context) error

	// tree produces the subtree metadata rollup for this endpoint.
	tree(ctx context.Context) (*TreeNode, error)

	// metrics produces the subtree metrics rollup for this endpoint.
	metrics(ctx context.Context) (*MetricsNode, error)
}

// globalConfigForwarder is implemented by drivers that must carry a global
// configuration change across a process or host boundary.
type globalConfigForwarder interface {
	forwardGlobalConfig(ctx context.Context, cfgs map[string]Config) error
}

// clusterer is implemented by the balancer driver to expose its members.
type clusterer interface {
	members() []*Ref
}

// core is the per-endpoint actor state machine. A Ref points at exactly one
// live core; hot reconfiguration and respawn replace the core (or its
// driver) behind the handle.
type core struct {
	sys *System

	id   string
	name string
	md   Mode

	// def is the behavior definition, either a Definition value or a
	// registered definition name.
	def Definition

	// beh is the normalized behavior when it runs in this process, nil
	// for boundary-crossing endpoints.
	beh *behavior

	cfg Config

	self      *Ref
	parentRef *Ref

	st atomic.Int32

	// mu guards children and the forward table.
	mu       sync.Mutex
	children []*Ref
	fw       forwardTable

	drv driver

	// ctx governs the endpoint lifetime; cancelled on destroy.
	ctx    context.Context
	cancel context.CancelFunc

	destroyOnce sync.Once
	destroyed   chan struct{}
	destroyErr  error
}

// newCore assembles the mode-independent endpoint skeleton. The caller
// attaches a driver and starts it.
func newCore(sys *System, parent *Ref, def Definition, cfg Config,
	md Mode) *core {

	ctx, cancel := context.WithCancel(context.Background())

	return &core{
		sys:       sys,
		id:        newActorID(),
		name:      cfg.Name,
		md:        md,
		def:       def,
		cfg:       cfg,
		parentRef: parent,
		ctx:       ctx,
		cancel:    cancel,
		destroyed: make(chan struct{}),
	}
}

func (c *core) state() State {
	return State(c.st.Load())
}

func (c *core) setState(s State) {
	c.st.Store(int32(s))
}

// admit enforces the lifecycle and overload gates on every send.
func (c *core) admit(topic string) error {
	if st := c.state(); st != StateReady {
		return fmt.Errorf("%w: actor %s is %s", ErrNotReady, c.id, st)
	}

	if c.cfg.DropMessagesOnOverload && c.sys.IsOverloaded() {
		messagesDropped.WithLabelValues(c.metricName()).Inc()
		if c.self != nil {
			c.self.events.Emit(EventMessageDroppedOverload, topic)
		}
		c.sys.Bus().Emit(EventMessageDroppedOverload, c.id, topic)

		return fmt.Errorf("%w: topic %q", ErrOverloaded, topic)
	}

	return nil
}

// metricName is the Prometheus label for this actor.
func (c *core) metricName() string {
	if c.name != "" {
		return c.name
	}

	return c.id
}

// resolveForward applies the forwarding rules to a topic.
func (c *core) resolveForward(topic string) (forwardTarget, bool) {
	locallyHandled := false
	if c.beh != nil {
		_, locallyHandled = c.beh.lookup(topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fw.resolve(topic, locallyHandled)
}

// forwardRef resolves a forward target to a concrete handle.
func (c *core) forwardRef(t forwardTarget) (*Ref, error) {
	if t.toParent {
		if c.parentRef == nil {
			return nil, fmt.Errorf("%w: no parent to forward to",
				ErrNoHandler)
		}

		return c.parentRef, nil
	}

	return t.child, nil
}

// send implements the dispatch algorithm for fire-and-forget messages:
// admission, forwarding, then the driver.
func (c *core) send(ctx context.Context, topic string, args []any) error {
	if err := c.admit(topic); err != nil {
		return err
	}

	if target, ok := c.resolveForward(topic); ok {
		ref, err := c.forwardRef(target)
		if err != nil {
			return err
		}

		return ref.Send(ctx, topic, args...)
	}

	return c.drv.send(ctx, topic, args)
}

// ask implements the dispatch algorithm for request-response messages.
func (c *core) ask(ctx context.Context, topic string,
	args []any) (any, error) {

	if err := c.admit(topic); err != nil {
		return nil, err
	}

	if target, ok := c.resolveForward(topic); ok {
		ref, err := c.forwardRef(target)
		if err != nil {
			return nil, err
		}

		return ref.SendAndReceive(ctx, topic, args...)
	}

	return c.drv.ask(ctx, topic, args)
}

// addForward installs forwarding rules for the given patterns.
func (c *core) addForward(target forwardTarget, patterns []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range patterns {
		switch v := p.(type) {
		case string:
			c.fw.addLiteral(v, target)

		case *regexp.Regexp:
			c.fw.addPattern(v, target)

		case bool:
			if !v {
				return fmt.Errorf("forward pattern false " +
					"has no meaning")
			}
			c.fw.setAllUnknown(target)

		default:
			return fmt.Errorf("unsupported forward pattern %T", p)
		}
	}

	return nil
}

// createChild builds, starts, and registers a child actor.
func (c *core) createChild(ctx context.Context, def Definition,
	cfg Config) (*Ref, error) {

	if st := c.state(); st != StateNew && st != StateReady {
		return nil, fmt.Errorf("%w: cannot create child while %s",
			ErrNotReady, st)
	}

	child, err := c.sys.createActor(ctx, c.self, def, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.children = append(c.children, child)
	c.mu.Unlock()

	return child, nil
}

// hasChild reports whether ref is a current child.
func (c *core) hasChild(ref *Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, child := range c.children {
		if child == ref {
			return true
		}
	}

	return false
}

// childRefs snapshots the ordered child list.
func (c *core) childRefs() []*Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Ref, len(c.children))
	copy(out, c.children)

	return out
}

// detachChild removes a destroyed child from the registry and the forward
// table. Iterating children afterwards never observes it.
func (c *core) detachChild(ref *Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.children[:0]
	for _, child := range c.children {
		if child == ref {
			continue
		}
		kept = append(kept, child)
	}
	c.children = kept
	c.fw.detachChild(ref)
}

// stealChildren empties and returns the child list, used when a replacement
// endpoint adopts an old endpoint's children.
func (c *core) stealChildren() []*Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.children
	c.children = nil

	return out
}

// adoptChildren appends previously stolen children.
func (c *core) adoptChildren(children []*Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.children = append(c.children, children...)
}

// clusterMembers returns the balancer members, or nil for a non-clustered
// actor.
func (c *core) clusterMembers() []*Ref {
	if cl, ok := c.drv.(clusterer); ok {
		return cl.members()
	}

	return nil
}

// destroy tears down the subtree (children first), then this endpoint.
// Repeated calls return the first result.
func (c *core) destroy(ctx context.Context, withChildren bool) error {
	c.destroyOnce.Do(func() {
		c.destroyErr = c.doDestroy(ctx, withChildren)
		close(c.destroyed)
	})

	select {
	case <-c.destroyed:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.destroyErr
}

func (c *core) doDestroy(ctx context.Context, withChildren bool) error {
	c.setState(StateDestroying)

	log.DebugS(ctx, "Destroying actor",
		"actor_id", c.id, "actor_name", c.name, "mode", string(c.md))

	if withChildren {
		children := c.childRefs()

		g, gctx := errgroup.WithContext(ctx)
		for _, child := range children {
			g.Go(func() error {
				return child.Destroy(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			log.WarnS(ctx, "Child destruction failed", err,
				"actor_id", c.id)
		}
	}

	// Cancel the lifecycle context first so in-flight handlers unblock
	// before stop waits out the process loop.
	c.cancel()

	err := c.drv.stop(ctx)

	c.setState(StateDestroyed)

	// A displaced core shares its handle with the replacement endpoint:
	// the actor lives on, so the handle stays registered with the parent
	// and no destroyed event fires.
	displaced := c.self != nil && c.self.current() != c

	if !displaced && c.parentRef != nil {
		if parent := c.parentRef.current(); parent != nil {
			parent.detachChild(c.self)
		}
	}

	c.sys.endpointStopped(c)

	if c.self != nil && !displaced {
		c.self.events.Emit(EventDestroyed)
	}

	return err
}
