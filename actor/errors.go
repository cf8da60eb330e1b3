package actor

import (
	"errors"
)

// The error taxonomy surfaced to callers of Ref operations. Callers match
// with errors.Is; the wrapped detail carries actor ids and states.
var (
	// ErrNotReady indicates a send was attempted while the actor was in
	// a state other than ready (new, crashed, destroying, or destroyed).
	ErrNotReady = errors.New("actor not ready")

	// ErrNoHandler indicates the target behavior has no handler for the
	// topic.
	ErrNoHandler = errors.New("no handler for topic")

	// ErrOverloaded indicates the admission gate rejected the send
	// because the hosting system is busy.
	ErrOverloaded = errors.New("system overloaded, message dropped")

	// ErrRemote indicates a peer handler threw; the peer's message is
	// carried verbatim in the wrapped detail.
	ErrRemote = errors.New("remote handler error")

	// ErrInit indicates a user initialize hook failed; the endpoint is
	// destroyed and the error propagates to the CreateChild caller.
	ErrInit = errors.New("actor initialization failed")

	// ErrLivenessTimeout indicates the peer endpoint missed its ping or
	// idle deadline and the actor was marked crashed.
	ErrLivenessTimeout = errors.New("peer liveness timeout")

	// ErrSerialization indicates a message value could not be turned
	// into its on-wire form.
	ErrSerialization = errors.New("message serialization failed")

	// ErrNoChild indicates a balancer found no ready child to forward
	// to.
	ErrNoChild = errors.New("no ready child")

	// ErrNotAChild indicates a forwarding target is not a current child
	// of the actor.
	ErrNotAChild = errors.New("forward target is not a child")

	// ErrDestroyed indicates the operation raced with or followed
	// Destroy.
	ErrDestroyed = errors.New("actor destroyed")
)
