// Package placement implements the candidate-node selection described
// in spec 4.3, generalizing the teacher's two-stage filter+score
// scheduler (internal/master/scheduler/filter.go, score.go) from a
// single bin-packing heuristic into five configurable algorithms.
package placement

import (
	"sort"
	"time"

	"nimbus/pkg/model"
)

// Algorithm selects the soft-scoring strategy (spec 4.3 table).
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	LeastConnections   Algorithm = "least_connections"
	ResourceAware      Algorithm = "resource_aware"
	LatencyOptimized   Algorithm = "latency_optimized"
)

// Weights configures the resource_aware scorer; defaults 0.4/0.3/0.3.
type Weights struct {
	CPU float64
	Mem float64
	GPU float64
}

func DefaultWeights() Weights { return Weights{CPU: 0.4, Mem: 0.3, GPU: 0.3} }

// Options configures a placement attempt (spec 6's placement.* keys).
type Options struct {
	Algorithm       Algorithm
	AllowDegraded   bool
	StrictPreferred bool
	Weights         Weights
	TopN            int
}

// ActiveCounter reports how many tasks are currently assigned to a
// node, backing the least_connections algorithm. Implemented by the
// Task Engine; declared here to avoid an import cycle.
type ActiveCounter interface {
	ActiveTasksOnNode(nodeID string) int
}

// LatencyStats reports the Dispatcher's per-node EWMA RTT, backing the
// latency_optimized algorithm. Implemented by the Dispatcher.
type LatencyStats interface {
	EWMARTT(nodeID string) time.Duration
}

// Engine selects candidate nodes for a Task's requirements.
type Engine struct {
	opts     Options
	active   ActiveCounter
	latency  LatencyStats
	rotation int // round_robin's rotating counter, per-orchestrator
}

func New(opts Options, active ActiveCounter, latency LatencyStats) *Engine {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	return &Engine{opts: opts, active: active, latency: latency}
}

func (e *Engine) SetOptions(opts Options) { e.opts = opts }

func (e *Engine) Options() Options { return e.opts }

// Select returns up to k candidate nodes ranked best-first, where
// k = max(requirements.Redundancy, topN); k=0 is treated as 1 (spec 4.3).
func (e *Engine) Select(snapshot []*model.Node, req model.Requirements) []*model.Node {
	k := req.Redundancy
	if e.opts.TopN > k {
		k = e.opts.TopN
	}
	if k <= 0 {
		k = 1
	}

	candidates := e.filter(snapshot, req)
	if len(candidates) == 0 {
		return nil
	}
	// Snapshot() (internal/registry.Registry) ranges over a Go map, so
	// candidates arrives in randomized order; round_robin/weighted's
	// rotation rank is keyed to array index, so without this sort two
	// nodes tied on score would pick a winner at random instead of by
	// the documented node_id tie-break (spec 4.3).
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	scored := e.score(candidates)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.ID < scored[j].node.ID
	})

	if k > len(scored) {
		k = len(scored)
	}
	out := make([]*model.Node, k)
	for i := 0; i < k; i++ {
		out[i] = scored[i].node
	}
	return out
}

func (e *Engine) filter(snapshot []*model.Node, req model.Requirements) []*model.Node {
	hard := make([]*model.Node, 0, len(snapshot))
	for _, n := range snapshot {
		if !e.statusEligible(n.Status) {
			continue
		}
		if !model.HasCapabilities(n.AggregatedCapabilities(), req.RequiredCapabilities) {
			continue
		}
		if n.ResourceSample.CPUPercentFree < req.MinCPUPercentFree {
			continue
		}
		if n.ResourceSample.MemoryFreeMB < req.MinMemoryMB {
			continue
		}
		if _, excluded := req.ExcludedNodes[n.ID]; excluded {
			continue
		}
		hard = append(hard, n)
	}

	if len(req.PreferredNodes) == 0 {
		return hard
	}
	preferredSet := make(map[string]struct{}, len(req.PreferredNodes))
	for _, id := range req.PreferredNodes {
		preferredSet[id] = struct{}{}
	}
	preferred := make([]*model.Node, 0, len(hard))
	for _, n := range hard {
		if _, ok := preferredSet[n.ID]; ok {
			preferred = append(preferred, n)
		}
	}
	if len(preferred) == 0 && !e.opts.StrictPreferred {
		return hard
	}
	return preferred
}

func (e *Engine) statusEligible(s model.NodeStatus) bool {
	if s == model.NodeActive {
		return true
	}
	if s == model.NodeDegraded && e.opts.AllowDegraded {
		return true
	}
	return false
}

type scoredNode struct {
	node  *model.Node
	score float64
}

func (e *Engine) score(nodes []*model.Node) []scoredNode {
	out := make([]scoredNode, len(nodes))
	switch e.opts.Algorithm {
	case RoundRobin:
		for i, n := range nodes {
			// Deterministic rotation: the node at the current
			// rotation offset scores highest, wrapping modulo the
			// candidate count.
			rank := (i - e.rotation%len(nodes) + len(nodes)) % len(nodes)
			out[i] = scoredNode{node: n, score: -float64(rank)}
		}
		e.rotation++
	case LeastConnections:
		for i, n := range nodes {
			active := 0
			if e.active != nil {
				active = e.active.ActiveTasksOnNode(n.ID)
			}
			out[i] = scoredNode{node: n, score: -float64(active)}
		}
	case ResourceAware:
		w := e.opts.Weights
		for i, n := range nodes {
			cpuFree := clamp01(n.ResourceSample.CPUPercentFree / 100)
			memFree := clamp01(float64(n.ResourceSample.MemoryFreeMB) / memNormalizeMB)
			gpuFree := clamp01(n.ResourceSample.GPUPercentFree / 100)
			score := w.CPU*cpuFree + w.Mem*memFree + w.GPU*gpuFree
			out[i] = scoredNode{node: n, score: score}
		}
	case LatencyOptimized:
		for i, n := range nodes {
			var rtt time.Duration
			if e.latency != nil {
				rtt = e.latency.EWMARTT(n.ID)
			}
			out[i] = scoredNode{node: n, score: -float64(rtt)}
		}
	default: // WeightedRoundRobin is the documented default.
		for i, n := range nodes {
			rotationBoost := 0.0
			if len(nodes) > 0 {
				rank := (i - e.rotation%len(nodes) + len(nodes)) % len(nodes)
				rotationBoost = -float64(rank) * 1e-6 // tie-break only
			}
			score := n.ReliabilityScore*(1-n.ResourceSample.LoadScore) + rotationBoost
			out[i] = scoredNode{node: n, score: score}
		}
		e.rotation++
	}
	return out
}

// memNormalizeMB is the memory-free baseline treated as "fully free"
// by the resource_aware scorer, since resource_sample carries an
// absolute free-MB figure rather than a percentage (spec 3/4.3 mix
// cpu_pct_free with a raw memory-MB requirement).
const memNormalizeMB = 65536.0

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
