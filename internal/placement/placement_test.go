package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus/pkg/model"
)

func node(id string, status model.NodeStatus, caps ...string) *model.Node {
	return &model.Node{ID: id, Status: status, Capabilities: caps, ReliabilityScore: 1}
}

func TestSelectFiltersByCapabilityAndStatus(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin}, nil, nil)
	nodes := []*model.Node{
		node("n1", model.NodeActive, "gpu"),
		node("n2", model.NodeActive, "cpu"),
		node("n3", model.NodeOffline, "gpu"),
	}

	out := e.Select(nodes, model.Requirements{RequiredCapabilities: []string{"gpu"}})
	require.Len(t, out, 1)
	assert.Equal(t, "n1", out[0].ID)
}

func TestSelectExcludesDegradedUnlessAllowed(t *testing.T) {
	nodes := []*model.Node{node("n1", model.NodeDegraded)}

	strict := New(Options{Algorithm: WeightedRoundRobin, AllowDegraded: false}, nil, nil)
	assert.Empty(t, strict.Select(nodes, model.Requirements{}))

	lenient := New(Options{Algorithm: WeightedRoundRobin, AllowDegraded: true}, nil, nil)
	assert.Len(t, lenient.Select(nodes, model.Requirements{}), 1)
}

func TestSelectHonorsExcludedNodes(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin}, nil, nil)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{ExcludedNodes: map[string]struct{}{"n1": {}}})
	require.Len(t, out, 1)
	assert.Equal(t, "n2", out[0].ID)
}

func TestSelectFallsBackToHardSetWhenNoPreferredMatchAndNotStrict(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin, StrictPreferred: false}, nil, nil)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{PreferredNodes: []string{"ghost"}})
	assert.Len(t, out, 1)
}

func TestSelectStrictPreferredReturnsNothingWhenNoneMatch(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin, StrictPreferred: true}, nil, nil)
	nodes := []*model.Node{node("n1", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{PreferredNodes: []string{"ghost"}})
	assert.Empty(t, out)
}

func TestSelectReturnsUpToRedundancyCandidates(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin}, nil, nil)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive), node("n3", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{Redundancy: 2})
	assert.Len(t, out, 2)
}

type fakeActive struct{ counts map[string]int }

func (f fakeActive) ActiveTasksOnNode(id string) int { return f.counts[id] }

func TestLeastConnectionsPrefersFewerActiveTasks(t *testing.T) {
	active := fakeActive{counts: map[string]int{"n1": 5, "n2": 1}}
	e := New(Options{Algorithm: LeastConnections}, active, nil)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{})
	require.Len(t, out, 1)
	assert.Equal(t, "n2", out[0].ID)
}

type fakeLatency struct{ rtt map[string]time.Duration }

func (f fakeLatency) EWMARTT(id string) time.Duration { return f.rtt[id] }

func TestLatencyOptimizedPrefersLowerRTT(t *testing.T) {
	latency := fakeLatency{rtt: map[string]time.Duration{"n1": 200 * time.Millisecond, "n2": 20 * time.Millisecond}}
	e := New(Options{Algorithm: LatencyOptimized}, nil, latency)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive)}

	out := e.Select(nodes, model.Requirements{})
	require.Len(t, out, 1)
	assert.Equal(t, "n2", out[0].ID)
}

func TestResourceAwarePrefersMoreFreeResources(t *testing.T) {
	e := New(Options{Algorithm: ResourceAware, Weights: DefaultWeights()}, nil, nil)
	busy := node("n1", model.NodeActive)
	busy.ResourceSample = model.ResourceSample{CPUPercentFree: 5, MemoryFreeMB: 100, GPUPercentFree: 0}
	idle := node("n2", model.NodeActive)
	idle.ResourceSample = model.ResourceSample{CPUPercentFree: 95, MemoryFreeMB: 60000, GPUPercentFree: 100}

	out := e.Select([]*model.Node{busy, idle}, model.Requirements{})
	require.Len(t, out, 1)
	assert.Equal(t, "n2", out[0].ID)
}

func TestRoundRobinRotatesDeterministicallyAcrossCalls(t *testing.T) {
	e := New(Options{Algorithm: RoundRobin}, nil, nil)
	nodes := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive), node("n3", model.NodeActive)}

	var picks []string
	for i := 0; i < 3; i++ {
		out := e.Select(nodes, model.Requirements{})
		require.Len(t, out, 1)
		picks = append(picks, out[0].ID)
	}
	assert.Equal(t, []string{"n1", "n2", "n3"}, picks)
}

// Select sorts candidates by node_id before indexing for rotation, so
// the tie-break is deterministic regardless of the order Snapshot()
// happens to hand candidates in (registry.Registry ranges over a map).
func TestWeightedRoundRobinBreaksTiesByNodeIDRegardlessOfInputOrder(t *testing.T) {
	forward := []*model.Node{node("n1", model.NodeActive), node("n2", model.NodeActive), node("n3", model.NodeActive)}
	reversed := []*model.Node{node("n3", model.NodeActive), node("n2", model.NodeActive), node("n1", model.NodeActive)}

	out1 := New(Options{Algorithm: WeightedRoundRobin}, nil, nil).Select(forward, model.Requirements{})
	out2 := New(Options{Algorithm: WeightedRoundRobin}, nil, nil).Select(reversed, model.Requirements{})

	require.Len(t, out1, 1)
	require.Len(t, out2, 1)
	assert.Equal(t, "n1", out1[0].ID)
	assert.Equal(t, "n1", out2[0].ID)
}

func TestSelectReturnsNilWhenNoCandidates(t *testing.T) {
	e := New(Options{Algorithm: WeightedRoundRobin}, nil, nil)
	assert.Empty(t, e.Select(nil, model.Requirements{}))
}
