package actor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// replicaSerial hands out a distinct identity per replica instance, so tests
// can observe which cluster member served a message.
var replicaSerial atomic.Int64

type replicaDef struct {
	serial int64
	served atomic.Int64
}

func newReplicaDef() Definition {
	return &replicaDef{serial: replicaSerial.Add(1)}
}

func (d *replicaDef) WhoAmI(context.Context, ...any) (any, error) {
	d.served.Add(1)
	return d.serial, nil
}

func (d *replicaDef) Metrics() map[string]float64 {
	return map[string]float64{"served": float64(d.served.Load())}
}

func init() {
	RegisterDefinition("cluster/replica", newReplicaDef)
}

// askSerial asks a cluster member for its identity.
func askSerial(t *testing.T, ref *Ref) int64 {
	t.Helper()

	resp, err := ref.SendAndReceive(context.Background(), "whoAmI")
	require.NoError(t, err)

	serial, ok := resp.(int64)
	require.True(t, ok, "unexpected response type %T", resp)

	return serial
}

// TestClusterRoundRobin verifies a ClusterSize configuration fans messages
// over distinct replicas in a repeating cycle.
func TestClusterRoundRobin(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	pool, err := root.CreateChild(ctx, "cluster/replica",
		Config{Name: "pool-rr", ClusterSize: 3})
	require.NoError(t, err)
	require.Equal(t, StateReady, pool.State())

	var seq []int64
	for i := 0; i < 9; i++ {
		seq = append(seq, askSerial(t, pool))
	}

	distinct := make(map[int64]struct{})
	for _, s := range seq {
		distinct[s] = struct{}{}
	}
	require.Len(t, distinct, 3)

	// Round robin repeats with the cluster size as its period.
	for i := 0; i+3 < len(seq); i++ {
		require.Equal(t, seq[i], seq[i+3])
	}

	node, err := pool.Tree(ctx)
	require.NoError(t, err)
	require.Len(t, node.Children, 3)
}

// TestClusterBroadcast verifies fan-out reaches every member in order, and
// that a non-clustered actor yields a one-element result.
func TestClusterBroadcast(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	pool, err := root.CreateChild(ctx, "cluster/replica",
		Config{Name: "pool-bc", ClusterSize: 3})
	require.NoError(t, err)

	require.NoError(t, pool.Broadcast(ctx, "whoAmI"))

	results, err := pool.BroadcastAndReceive(ctx, "whoAmI")
	require.NoError(t, err)
	require.Len(t, results, 3)

	distinct := make(map[any]struct{})
	for _, r := range results {
		distinct[r] = struct{}{}
	}
	require.Len(t, distinct, 3)

	solo, err := root.CreateChild(ctx, "cluster/replica",
		Config{Name: "solo"})
	require.NoError(t, err)

	results, err = solo.BroadcastAndReceive(ctx, "whoAmI")
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestClusterResize verifies a pure ClusterSize change is applied in place:
// members are added at the tail and the oldest are retired first.
func TestClusterResize(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	pool, err := root.CreateChild(ctx, "cluster/replica",
		Config{Name: "pool-resize", ClusterSize: 2})
	require.NoError(t, err)

	firstGen, err := pool.BroadcastAndReceive(ctx, "whoAmI")
	require.NoError(t, err)
	require.Len(t, firstGen, 2)

	augmented := make(chan struct{}, 1)
	pool.Events().Once(EventAugmented, func(...any) {
		augmented <- struct{}{}
	})

	require.NoError(t, pool.ChangeConfiguration(ctx,
		Config{Name: "pool-resize", ClusterSize: 4}))

	select {
	case <-augmented:
	default:
		t.Fatal("resize did not report an augmented endpoint")
	}

	grown, err := pool.BroadcastAndReceive(ctx, "whoAmI")
	require.NoError(t, err)
	require.Len(t, grown, 4)

	// The first generation survives a grow.
	require.Equal(t, firstGen[0], grown[0])
	require.Equal(t, firstGen[1], grown[1])

	require.NoError(t, pool.ChangeConfiguration(ctx,
		Config{Name: "pool-resize", ClusterSize: 1}))

	shrunk, err := pool.BroadcastAndReceive(ctx, "whoAmI")
	require.NoError(t, err)
	require.Len(t, shrunk, 1)

	// Shrinking retires the oldest members, keeping the newest.
	require.Equal(t, grown[3], shrunk[0])
}

// TestRoundRobinDistributionProperty checks that over whole cycles every
// member is picked exactly as often as every other, for any cluster size.
func TestRoundRobinDistributionProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 9).Draw(rt, "size")
		cycles := rapid.IntRange(1, 7).Draw(rt, "cycles")

		ready := make([]*Ref, size)
		for i := range ready {
			ready[i] = &Ref{}
		}

		strat := NewRoundRobin()
		counts := make(map[*Ref]int, size)
		for i := 0; i < size*cycles; i++ {
			member, err := strat.Next("work", nil, ready)
			if err != nil {
				rt.Fatalf("next: %v", err)
			}
			counts[member]++
		}

		for i, member := range ready {
			if counts[member] != cycles {
				rt.Fatalf("member %d picked %d times, want %d",
					i, counts[member], cycles)
			}
		}
	})
}

// TestClusterMetricsSummary verifies the rollup keys members by index and
// sums their metrics element-wise.
func TestClusterMetricsSummary(t *testing.T) {
	t.Parallel()

	_, root := newTestSystem(t)
	ctx := context.Background()

	pool, err := root.CreateChild(ctx, "cluster/replica",
		Config{Name: "pool-metrics", ClusterSize: 3})
	require.NoError(t, err)

	const asks = 7
	for i := 0; i < asks; i++ {
		askSerial(t, pool)
	}

	node, err := pool.Metrics(ctx)
	require.NoError(t, err)
	require.Len(t, node.Children, 3)

	var total float64
	for i := 0; i < 3; i++ {
		member, ok := node.Children[strconv.Itoa(i)]
		require.True(t, ok, "missing member %d", i)
		total += member.Own["served"]
	}
	require.Equal(t, float64(asks), total)
	require.Equal(t, float64(asks), node.Summary["served"])
}

// firstReadyStrategy always picks the first ready member and records every
// membership change it is told about.
type firstReadyStrategy struct {
	mu          sync.Mutex
	memberships []int
}

func (s *firstReadyStrategy) Next(_ string, _ []any,
	ready []*Ref) (*Ref, error) {

	return ready[0], nil
}

func (s *firstReadyStrategy) ClusterChanged(members []*Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, len(members))
}

// TestClusterCustomStrategy verifies a registered strategy drives member
// selection and receives membership notifications.
func TestClusterCustomStrategy(t *testing.T) {
	t.Parallel()

	strat := &firstReadyStrategy{}
	RegisterBalancer("first-ready", func() Strategy {
		return strat
	})

	_, root := newTestSystem(t)
	ctx := context.Background()

	pool, err := root.CreateChild(ctx, "cluster/replica", Config{
		Name:        "pool-sticky",
		ClusterSize: 2,
		Balancer:    "first-ready",
	})
	require.NoError(t, err)

	first := askSerial(t, pool)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, askSerial(t, pool))
	}

	strat.mu.Lock()
	require.NotEmpty(t, strat.memberships)
	require.Equal(t, 2, strat.memberships[0])
	strat.mu.Unlock()

	// An unknown strategy name fails creation outright.
	_, err = root.CreateChild(ctx, "cluster/replica", Config{
		Name:        "pool-bogus",
		ClusterSize: 2,
		Balancer:    "no-such-strategy",
	})
	require.ErrorIs(t, err, ErrInit)
}
