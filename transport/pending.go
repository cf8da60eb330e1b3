package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roasbeef/troupe/wire"
)

// ErrTransport wraps bus-level failures observed while a correlated response
// was outstanding.
var ErrTransport = errors.New("transport error")

// Outcome is the terminal result of a correlated request.
type Outcome struct {
	// Body is the actor-response body on success.
	Body any

	// Err is the failure, either a remote error carried verbatim or a
	// transport error.
	Err error

	// Remote is true when Err reproduces a peer handler failure rather
	// than a transport fault.
	Remote bool
}

// Pending correlates request ids with their eventual actor-response frames.
// One Pending instance is attached per bus; when the bus exits, every
// outstanding request is rejected with a transport error.
type Pending struct {
	mu     sync.Mutex
	waits  map[uint32]chan Outcome
	failed error
}

// NewPending creates an empty correlation table.
func NewPending() *Pending {
	return &Pending{
		waits: make(map[uint32]chan Outcome),
	}
}

// Register adds a wait entry for the given id. The returned channel receives
// exactly one Outcome. If the table has already failed, the outcome is
// delivered immediately.
func (p *Pending) Register(id uint32) <-chan Outcome {
	ch := make(chan Outcome, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failed != nil {
		ch <- Outcome{Err: p.failed}
		return ch
	}

	p.waits[id] = ch

	return ch
}

// Forget drops the wait entry for id, used when a caller stops waiting.
func (p *Pending) Forget(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waits, id)
}

// Resolve completes the wait entry for id. Unmatched ids are ignored: they
// belong to requests whose callers already gave up.
func (p *Pending) Resolve(id uint32, out Outcome) {
	p.mu.Lock()
	ch, ok := p.waits[id]
	if ok {
		delete(p.waits, id)
	}
	p.mu.Unlock()

	if ok {
		ch <- out
	}
}

// FailAll rejects every outstanding request and every future Register call
// with a transport error derived from cause.
func (p *Pending) FailAll(cause error) {
	err := fmt.Errorf("%w: %v", ErrTransport, cause)
	if cause == nil {
		err = fmt.Errorf("%w: bus closed", ErrTransport)
	}

	p.mu.Lock()
	waits := p.waits
	p.waits = make(map[uint32]chan Outcome)
	p.failed = err
	p.mu.Unlock()

	for _, ch := range waits {
		ch <- Outcome{Err: err}
	}
}

// Await blocks until the outcome for the registered channel arrives or the
// context is cancelled.
func (p *Pending) Await(ctx context.Context, id uint32,
	ch <-chan Outcome) Outcome {

	select {
	case out := <-ch:
		return out

	case <-ctx.Done():
		p.Forget(id)
		return Outcome{Err: ctx.Err()}
	}
}

// HandleResponse routes an inbound actor-response frame into the table. It
// returns true when the frame was a response frame (whether or not a waiter
// matched).
func (p *Pending) HandleResponse(f *wire.Frame) bool {
	if f.Type != wire.KindActorResponse {
		return false
	}

	if f.Error != "" {
		p.Resolve(f.ID, Outcome{
			Err:    errors.New(f.Error),
			Remote: true,
		})

		return true
	}

	var body wire.ActorResponse
	if err := wire.DecodeBody(f.Body, &body); err != nil {
		p.Resolve(f.ID, Outcome{Err: err})
		return true
	}

	p.Resolve(f.ID, Outcome{Body: body.Response})

	return true
}
