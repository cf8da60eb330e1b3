package actor

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Ref is the stable, user-visible handle to an actor. Every handle held by
// user code is a Ref; the endpoint behind it may be swapped by hot
// reconfiguration or respawn without invalidating the handle. A Ref behaves
// identically whether its actor is co-located, in a child process, on a
// worker goroutine, or on a remote host.
type Ref struct {
	events *Emitter
	inner  atomic.Pointer[core]
}

// newRef wraps a core in a fresh handle.
func newRef(c *core) *Ref {
	r := &Ref{events: NewEmitter()}
	r.inner.Store(c)
	c.self = r

	return r
}

// current returns the core currently backing the handle.
func (r *Ref) current() *core {
	return r.inner.Load()
}

// ID returns the actor id of the current endpoint. The id changes when the
// endpoint is replaced; the Ref identity does not.
func (r *Ref) ID() string {
	return r.current().id
}

// Name returns the actor's human label, possibly empty.
func (r *Ref) Name() string {
	return r.current().name
}

// State returns the current lifecycle state.
func (r *Ref) State() State {
	return r.current().state()
}

// Mode returns the endpoint mode.
func (r *Ref) Mode() Mode {
	return r.current().md
}

// Parent returns the parent handle, or nil for the root.
func (r *Ref) Parent() *Ref {
	return r.current().parentRef
}

// System returns the owning actor system.
func (r *Ref) System() *System {
	return r.current().sys
}

// Events returns the actor's event emitter. Subscriptions survive endpoint
// swaps.
func (r *Ref) Events() *Emitter {
	return r.events
}

// CustomParameters returns the opaque behavior parameters from the actor's
// configuration.
func (r *Ref) CustomParameters() map[string]any {
	return r.current().cfg.CustomParameters
}

// CreateChild creates and initializes a child actor from a definition (or a
// registered definition name, which is required for non-in-memory modes) and
// a configuration. The child is owned by this actor: destroying the parent
// destroys the child.
func (r *Ref) CreateChild(ctx context.Context, def Definition,
	cfg Config) (*Ref, error) {

	return r.current().createChild(ctx, def, cfg)
}

// CreateChildren creates one child per registered definition whose name
// starts with prefix, in sorted name order, all sharing cfg. The child name
// defaults to the suffix after the prefix.
func (r *Ref) CreateChildren(ctx context.Context, prefix string,
	cfg Config) ([]*Ref, error) {

	names := DefinitionNames(prefix)
	if len(names) == 0 {
		return nil, fmt.Errorf("no definitions registered under %q",
			prefix)
	}

	children := make([]*Ref, 0, len(names))
	for _, name := range names {
		childCfg := cfg
		if childCfg.Name == "" {
			childCfg.Name = name[len(prefix):]
		}

		child, err := r.CreateChild(ctx, name, childCfg)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return children, nil
}

// Send delivers a fire-and-forget message. It resolves once the message has
// been handed to the target's mailbox or transport bus; handler errors are
// logged on the receiving side and never propagate to the sender.
func (r *Ref) Send(ctx context.Context, topic string, args ...any) error {
	return r.current().send(ctx, topic, args)
}

// SendAndReceive delivers a message and blocks until the handler's reply
// arrives, the context is cancelled, or the target transitions to a
// non-ready state.
func (r *Ref) SendAndReceive(ctx context.Context, topic string,
	args ...any) (any, error) {

	return r.current().ask(ctx, topic, args)
}

// Broadcast fans a fire-and-forget message out to every cluster member. On
// a non-clustered actor it is equivalent to Send.
func (r *Ref) Broadcast(ctx context.Context, topic string,
	args ...any) error {

	c := r.current()
	members := c.clusterMembers()
	if members == nil {
		return c.send(ctx, topic, args)
	}

	for _, member := range members {
		if err := member.Send(ctx, topic, args...); err != nil {
			return err
		}
	}

	return nil
}

// BroadcastAndReceive fans an ask out to every cluster member and returns
// the replies in member order. On a non-clustered actor the result is a
// one-element slice.
func (r *Ref) BroadcastAndReceive(ctx context.Context, topic string,
	args ...any) ([]any, error) {

	c := r.current()
	members := c.clusterMembers()
	if members == nil {
		resp, err := c.ask(ctx, topic, args)
		if err != nil {
			return nil, err
		}

		return []any{resp}, nil
	}

	results := make([]any, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range members {
		g.Go(func() error {
			resp, err := member.SendAndReceive(
				gctx, topic, args...,
			)
			if err != nil {
				return err
			}
			results[i] = resp

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// ForwardToParent adds forwarding rules routing the given topics to the
// parent. Each pattern is a literal topic string, a *regexp.Regexp, or the
// boolean true meaning "every topic the local behavior does not handle".
func (r *Ref) ForwardToParent(patterns ...any) error {
	return r.current().addForward(forwardTarget{toParent: true}, patterns)
}

// ForwardToChild adds forwarding rules routing the given topics to a child.
// The target must currently be a child of this actor.
func (r *Ref) ForwardToChild(child *Ref, patterns ...any) error {
	c := r.current()
	if !c.hasChild(child) {
		return fmt.Errorf("%w: %s", ErrNotAChild, child.ID())
	}

	return c.addForward(forwardTarget{child: child}, patterns)
}

// ChangeConfiguration hot-swaps the endpoint behind this handle to match a
// new configuration. The handle identity is preserved: the id visible
// through ID changes, prior children remain reachable, and subscribers see
// an augmented event. A configuration equal to the current one modulo
// CustomParameters is a no-op.
func (r *Ref) ChangeConfiguration(ctx context.Context, cfg Config) error {
	cur := r.current()

	if cur.cfg.equivalentModuloCustomParameters(cfg) {
		return nil
	}

	// A pure cluster resize on a balancer is handled in place.
	if b, ok := cur.drv.(*balancerDriver); ok {
		resized := cur.cfg
		resized.ClusterSize = cfg.ClusterSize
		if resized.equivalentModuloCustomParameters(cfg) &&
			cfg.ClusterSize > 0 {

			if err := b.resize(ctx, cfg.ClusterSize); err != nil {
				return err
			}
			cur.cfg.ClusterSize = cfg.ClusterSize
			r.events.Emit(EventAugmented)

			return nil
		}
	}

	next := cfg
	next.Name = cur.name
	next.CustomParameters = cur.cfg.CustomParameters

	replacement, err := cur.sys.buildCore(
		ctx, cur.parentRef, cur.def, next,
	)
	if err != nil {
		return err
	}

	// The new endpoint adopts the handle and the existing children
	// before going live.
	replacement.adoptChildren(cur.stealChildren())
	replacement.self = r

	if err := replacement.drv.start(ctx); err != nil {
		// Give the children back; the old endpoint stays in place.
		cur.adoptChildren(replacement.stealChildren())
		replacement.self = nil

		return fmt.Errorf("%w: %v", ErrInit, err)
	}

	r.inner.Store(replacement)
	r.events.Emit(EventAugmented)

	// The displaced endpoint is destroyed in the background; failures
	// are logged, never propagated.
	go func() {
		err := cur.destroy(context.Background(), false)
		if err != nil {
			log.WarnS(context.Background(),
				"Displaced endpoint destroy failed", err,
				"actor_id", cur.id)
		}
	}()

	return nil
}

// ChangeGlobalConfiguration applies a name-keyed configuration map to this
// actor's whole subtree: children first (crossing process boundaries where
// needed), then this actor itself if the map carries its name.
func (r *Ref) ChangeGlobalConfiguration(ctx context.Context,
	cfgs map[string]Config) error {

	c := r.current()

	if fw, ok := c.drv.(globalConfigForwarder); ok {
		if err := fw.forwardGlobalConfig(ctx, cfgs); err != nil {
			return err
		}
	} else {
		for _, child := range c.childRefs() {
			err := child.ChangeGlobalConfiguration(ctx, cfgs)
			if err != nil {
				return err
			}
		}
	}

	if c.name == "" {
		return nil
	}
	cfg, ok := cfgs[c.name]
	if !ok {
		return nil
	}

	return r.ChangeConfiguration(ctx, cfg)
}

// Destroy tears down the subtree below this actor, then the actor itself.
// It is idempotent: concurrent and repeated calls share one result.
func (r *Ref) Destroy(ctx context.Context) error {
	return r.current().destroy(ctx, true)
}

// Tree returns the recursive metadata rollup for this actor's subtree.
func (r *Ref) Tree(ctx context.Context) (*TreeNode, error) {
	return r.current().drv.tree(ctx)
}

// Metrics returns the recursive metrics rollup for this actor's subtree.
func (r *Ref) Metrics(ctx context.Context) (*MetricsNode, error) {
	return r.current().drv.metrics(ctx)
}
