package actor

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// balancerDriver multiplexes one logical actor over a cluster of replica
// endpoints. Every replica shares the definition and configuration; a
// pluggable strategy decides which replica serves each message. The balancer
// itself holds no behavior, so its tree and metrics rollups are computed
// from the members.
type balancerDriver struct {
	c     *core
	strat Strategy

	mu       sync.Mutex
	replicas []*Ref
}

func newBalancerDriver(c *core) (*balancerDriver, error) {
	strat := Strategy(NewRoundRobin())
	if name := c.cfg.Balancer; name != "" {
		factory, ok := LookupBalancer(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown balancer %q",
				ErrInit, name)
		}
		strat = factory()
	}

	return &balancerDriver{c: c, strat: strat}, nil
}

// clusterSize resolves the effective replica count: an explicit ClusterSize
// wins, otherwise a multi-entry host list implies one replica per host.
func (d *balancerDriver) clusterSize() int {
	if d.c.cfg.ClusterSize > 1 {
		return d.c.cfg.ClusterSize
	}

	return len(d.c.cfg.Host)
}

// memberConfig derives replica i's configuration: one endpoint, and for
// remote clusters the host list entry assigned round-robin.
func (d *balancerDriver) memberConfig(i int) Config {
	cfg := d.c.cfg
	cfg.ClusterSize = 1
	if len(cfg.Host) > 1 {
		cfg.Host = HostList{cfg.Host[i%len(cfg.Host)]}
	}

	return cfg
}

// start brings up the full replica set. Any replica failing to start tears
// the others down again.
func (d *balancerDriver) start(ctx context.Context) error {
	size := d.clusterSize()

	replicas := make([]*Ref, 0, size)
	for i := 0; i < size; i++ {
		member, err := d.startMember(ctx, i)
		if err != nil {
			for _, r := range replicas {
				_ = r.Destroy(ctx)
			}

			return fmt.Errorf("cluster member %d: %w", i, err)
		}
		replicas = append(replicas, member)
	}

	d.mu.Lock()
	d.replicas = replicas
	d.mu.Unlock()

	d.notifyMembership()
	d.c.setState(StateReady)

	log.DebugS(ctx, "Balancer ready",
		"actor_id", d.c.id, "actor_name", d.c.name,
		"cluster_size", size)

	return nil
}

func (d *balancerDriver) startMember(ctx context.Context, i int) (*Ref,
	error) {

	member, err := d.c.sys.buildEndpointCore(
		ctx, d.c.self, d.c.def, d.memberConfig(i),
	)
	if err != nil {
		return nil, err
	}

	ref := newRef(member)
	if err := member.drv.start(ctx); err != nil {
		return nil, err
	}

	return ref, nil
}

// members snapshots the replica set, serving Broadcast fan-out.
func (d *balancerDriver) members() []*Ref {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Ref, len(d.replicas))
	copy(out, d.replicas)

	return out
}

func (d *balancerDriver) notifyMembership() {
	if n, ok := d.strat.(ClusterChangedNotifier); ok {
		n.ClusterChanged(d.members())
	}
}

// pick runs the strategy over the currently ready replicas.
func (d *balancerDriver) pick(topic string, args []any) (*Ref, error) {
	all := d.members()
	ready := make([]*Ref, 0, len(all))
	for _, r := range all {
		if r.State() == StateReady {
			ready = append(ready, r)
		}
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("%w: no ready cluster member",
			ErrNoChild)
	}

	return d.strat.Next(topic, args, ready)
}

func (d *balancerDriver) send(ctx context.Context, topic string,
	args []any) error {

	member, err := d.pick(topic, args)
	if err != nil {
		return err
	}

	return member.Send(ctx, topic, args...)
}

func (d *balancerDriver) ask(ctx context.Context, topic string,
	args []any) (any, error) {

	member, err := d.pick(topic, args)
	if err != nil {
		return nil, err
	}

	return member.SendAndReceive(ctx, topic, args...)
}

// resize grows or shrinks the replica set in place. Shrinking destroys the
// oldest members first so long-lived state concentrates in recent replicas.
func (d *balancerDriver) resize(ctx context.Context, size int) error {
	if size < 1 {
		return fmt.Errorf("cluster size must be positive, got %d",
			size)
	}

	d.mu.Lock()
	current := len(d.replicas)
	d.mu.Unlock()

	switch {
	case size > current:
		added := make([]*Ref, 0, size-current)
		for i := current; i < size; i++ {
			member, err := d.startMember(ctx, i)
			if err != nil {
				for _, r := range added {
					_ = r.Destroy(ctx)
				}

				return fmt.Errorf("cluster member %d: %w",
					i, err)
			}
			added = append(added, member)
		}

		d.mu.Lock()
		d.replicas = append(d.replicas, added...)
		d.mu.Unlock()

	case size < current:
		d.mu.Lock()
		victims := d.replicas[:current-size]
		d.replicas = d.replicas[current-size:]
		d.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		for _, victim := range victims {
			g.Go(func() error {
				return victim.Destroy(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	d.notifyMembership()

	log.DebugS(ctx, "Cluster resized",
		"actor_id", d.c.id, "cluster_size", size)

	return nil
}

// stop destroys every replica.
func (d *balancerDriver) stop(ctx context.Context) error {
	d.mu.Lock()
	replicas := d.replicas
	d.replicas = nil
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range replicas {
		g.Go(func() error {
			return member.Destroy(gctx)
		})
	}

	return g.Wait()
}

// tree reports the balancer node with every replica (and regular child) as
// a child node.
func (d *balancerDriver) tree(ctx context.Context) (*TreeNode, error) {
	node := &TreeNode{
		ID:    d.c.id,
		Name:  d.c.name,
		State: d.c.state().String(),
		Mode:  string(d.c.cfg.mode()),
	}

	for _, member := range d.members() {
		memberNode, err := member.Tree(ctx)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, memberNode)
	}
	for _, child := range d.c.childRefs() {
		childNode, err := child.Tree(ctx)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}

	return node, nil
}

// metrics reports per-replica metrics keyed by replica index plus an
// element-wise Summary across replicas.
func (d *balancerDriver) metrics(ctx context.Context) (*MetricsNode, error) {
	node := &MetricsNode{
		Summary:  make(map[string]float64),
		Children: make(map[string]*MetricsNode),
	}

	for i, member := range d.members() {
		memberNode, err := member.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		node.Children[strconv.Itoa(i)] = memberNode
		sumMetrics(node.Summary, memberNode.Own)
	}

	for _, child := range d.c.childRefs() {
		childNode, err := child.Metrics(ctx)
		if err != nil {
			return nil, err
		}

		key := child.Name()
		if key == "" {
			key = child.ID()
		}
		node.Children[key] = childNode
	}

	return node, nil
}
