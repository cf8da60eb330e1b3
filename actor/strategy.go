package actor

import (
	"math/rand"
	"sync/atomic"
)

// Strategy selects which cluster member receives a message. Implementations
// receive only members that are currently ready.
type Strategy interface {
	// Next picks the target member for one message. The ready slice is
	// never empty.
	Next(topic string, args []any, ready []*Ref) (*Ref, error)
}

// ClusterChangedNotifier is an optional Strategy extension informed whenever
// cluster membership changes, including the initial population. Stateful
// strategies (consistent hashing, least-loaded) use it to rebuild internal
// structures.
type ClusterChangedNotifier interface {
	ClusterChanged(members []*Ref)
}

// RoundRobin cycles through ready members in order. It is the default
// strategy.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin returns a fresh round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Next returns the member after the previously chosen one. Members that are
// not ready have already been filtered out, so the cycle position simply
// advances over whoever remains.
func (r *RoundRobin) Next(_ string, _ []any, ready []*Ref) (*Ref, error) {
	n := r.next.Add(1) - 1

	return ready[n%uint64(len(ready))], nil
}

// Random picks a uniformly random ready member per message.
type Random struct{}

// NewRandom returns the random strategy.
func NewRandom() *Random {
	return &Random{}
}

// Next returns a random ready member.
func (Random) Next(_ string, _ []any, ready []*Ref) (*Ref, error) {
	return ready[rand.Intn(len(ready))], nil
}

func init() {
	RegisterBalancer("round-robin", func() Strategy {
		return NewRoundRobin()
	})
	RegisterBalancer("random", func() Strategy {
		return NewRandom()
	})
}
