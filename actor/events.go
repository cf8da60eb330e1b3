package actor

import (
	"sync"
)

// Event names emitted on an actor's event emitter. Supervision outcomes are
// surfaced here rather than as call failures.
const (
	// EventAugmented fires after a hot reconfiguration swapped the
	// endpoint behind a Ref.
	EventAugmented = "augmented"

	// EventDestroyed fires once the actor and its subtree are gone.
	EventDestroyed = "destroyed"

	// EventCrashed fires when the peer endpoint is detected dead.
	EventCrashed = "crashed"

	// EventMessageDroppedOverload fires when the admission gate rejects
	// a send for an actor with DropMessagesOnOverload set.
	EventMessageDroppedOverload = "message-dropped-overload"
)

// Emitter is a small synchronous event emitter attached to each Ref. It
// survives endpoint swaps, so subscriptions made before a respawn or
// reconfiguration keep firing afterwards.
type Emitter struct {
	mu      sync.Mutex
	nextSub int
	subs    map[string]map[int]func(args ...any)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		subs: make(map[string]map[int]func(args ...any)),
	}
}

// On subscribes fn to the named event and returns an unsubscribe function.
func (e *Emitter) On(event string, fn func(args ...any)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs[event] == nil {
		e.subs[event] = make(map[int]func(args ...any))
	}

	id := e.nextSub
	e.nextSub++
	e.subs[event][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[event], id)
	}
}

// Once subscribes fn for a single delivery of the named event.
func (e *Emitter) Once(event string, fn func(args ...any)) func() {
	var (
		once   sync.Once
		cancel func()
	)
	cancel = e.On(event, func(args ...any) {
		once.Do(func() {
			cancel()
			fn(args...)
		})
	})

	return cancel
}

// Emit fires the named event synchronously on all subscribers.
func (e *Emitter) Emit(event string, args ...any) {
	e.mu.Lock()
	fns := make([]func(args ...any), 0, len(e.subs[event]))
	for _, fn := range e.subs[event] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(args...)
	}
}
