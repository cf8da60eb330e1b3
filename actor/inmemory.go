package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// destroyHookTimeout bounds the behavior's destroy hook so a stuck hook
// cannot wedge subtree teardown.
const destroyHookTimeout = 5 * time.Second

// mergeContexts derives a context that is cancelled when either input is.
// Handlers run under the actor's lifecycle context merged with the caller's
// per-request context, so both a destroyed actor and an impatient caller can
// unblock a handler.
func mergeContexts(actorCtx,
	callerCtx context.Context) (context.Context, context.CancelFunc) {

	merged, cancel := context.WithCancel(actorCtx)

	stop := context.AfterFunc(callerCtx, cancel)

	return merged, func() {
		stop()
		cancel()
	}
}

// inMemoryDriver hosts the behavior on a mailbox goroutine in the current
// process. This is the only driver that runs handler code directly; every
// other mode eventually lands on one of these inside some process.
type inMemoryDriver struct {
	c   *core
	mb  *mailbox
	wg  sync.WaitGroup
	beh *behavior
}

func newInMemoryDriver(c *core) *inMemoryDriver {
	return &inMemoryDriver{c: c}
}

// start normalizes the definition, runs the initialize hook, and launches
// the process loop. Initialization failures surface as ErrInit.
func (d *inMemoryDriver) start(ctx context.Context) error {
	def := d.c.def
	if name, ok := def.(string); ok {
		factory, found := LookupDefinition(name)
		if !found {
			return fmt.Errorf("%w: unknown definition %q",
				ErrInit, name)
		}
		def = factory()
	}

	beh, err := newBehavior(def)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	d.beh = beh
	d.c.beh = beh

	if err := beh.initialize(ctx, d.c.self); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}

	d.mb = newMailbox(d.c.ctx, d.c.sys.mailboxCapacity)

	d.c.setState(StateReady)
	actorsAlive.WithLabelValues(string(ModeInMemory)).Inc()

	d.wg.Add(1)
	go d.processLoop()

	log.DebugS(ctx, "Actor ready",
		"actor_id", d.c.id, "actor_name", d.c.name, "mode", "in-memory")

	return nil
}

// processLoop is the actor's single executor goroutine. Envelopes are
// handled strictly serially; after the mailbox closes, queued envelopes are
// drained and their promises failed.
func (d *inMemoryDriver) processLoop() {
	defer d.wg.Done()

	for env := range d.mb.Receive(d.c.ctx) {
		d.handle(env)
	}

	for env := range d.mb.Drain() {
		if env.promise != nil {
			env.promise.Complete(fn.Err[any](ErrDestroyed))
		}
	}
}

// handle runs one envelope through its topic handler and completes the
// promise, if any.
func (d *inMemoryDriver) handle(env envelope) {
	handler, ok := d.beh.lookup(env.topic)
	if !ok {
		// Send and ask both check the handler table before enqueueing,
		// so this only fires when a reconfiguration raced the queue.
		if env.promise != nil {
			env.promise.Complete(fn.Err[any](fmt.Errorf(
				"%w: topic %q", ErrNoHandler, env.topic,
			)))
		}
		return
	}

	callerCtx := env.callerCtx
	if callerCtx == nil {
		callerCtx = context.Background()
	}
	ctx, cancel := mergeContexts(d.c.ctx, callerCtx)
	defer cancel()

	start := time.Now()
	resp, err := handler(ctx, env.args...)
	elapsed := time.Since(start)

	label := d.c.metricName()
	messagesProcessed.WithLabelValues(label).Inc()
	processingSeconds.WithLabelValues(label).Observe(elapsed.Seconds())

	if err != nil {
		handlerErrors.WithLabelValues(label).Inc()
	}

	if env.promise != nil {
		if err != nil {
			env.promise.Complete(fn.Err[any](err))
		} else {
			env.promise.Complete(fn.Ok(resp))
		}
		return
	}

	// Fire-and-forget: handler errors never reach the sender.
	if err != nil {
		log.ErrorS(ctx, "Handler failed", err,
			"actor_id", d.c.id, "topic", env.topic)
	}
}

// send enqueues a fire-and-forget envelope. Unknown topics are rejected
// synchronously so the error surfaces to the caller rather than the log.
func (d *inMemoryDriver) send(ctx context.Context, topic string,
	args []any) error {

	if _, ok := d.beh.lookup(topic); !ok {
		return fmt.Errorf("%w: topic %q", ErrNoHandler, topic)
	}

	if !d.mb.Send(ctx, envelope{topic: topic, args: args}) {
		if err := ctx.Err(); err != nil {
			return err
		}

		return fmt.Errorf("%w: mailbox closed", ErrDestroyed)
	}

	return nil
}

// ask enqueues an envelope with a promise and blocks for the handler result.
func (d *inMemoryDriver) ask(ctx context.Context, topic string,
	args []any) (any, error) {

	if _, ok := d.beh.lookup(topic); !ok {
		return nil, fmt.Errorf("%w: topic %q", ErrNoHandler, topic)
	}

	promise := NewPromise[any]()
	env := envelope{
		topic:     topic,
		args:      args,
		promise:   promise,
		callerCtx: ctx,
	}
	if !d.mb.Send(ctx, env) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: mailbox closed", ErrDestroyed)
	}

	return promise.Future().Await(ctx).Unpack()
}

// stop closes the mailbox, waits out the process loop, and runs the destroy
// hook under a bounded context.
func (d *inMemoryDriver) stop(ctx context.Context) error {
	if d.mb == nil {
		return nil
	}

	d.mb.Close()
	d.wg.Wait()

	actorsAlive.WithLabelValues(string(ModeInMemory)).Dec()

	hookCtx, cancel := context.WithTimeout(ctx, destroyHookTimeout)
	defer cancel()

	if err := d.beh.destroyHook(hookCtx); err != nil {
		return fmt.Errorf("destroy hook: %w", err)
	}

	return nil
}

// tree assembles the subtree rollup locally.
func (d *inMemoryDriver) tree(ctx context.Context) (*TreeNode, error) {
	node := &TreeNode{
		ID:    d.c.id,
		Name:  d.c.name,
		State: d.c.state().String(),
		Mode:  string(d.c.md),
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

// metrics assembles the subtree metrics rollup locally.
func (d *inMemoryDriver) metrics(ctx context.Context) (*MetricsNode, error) {
	node := &MetricsNode{Own: d.beh.metrics()}

	children := d.c.childRefs()
	if len(children) > 0 {
		node.Children = make(map[string]*MetricsNode, len(children))
	}
	for _, child := range children {
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
