// Package registry implements the authoritative node/agent topology
// described in spec 4.1. Writers are serialized per-node; Snapshot
// takes a read lock across the whole map just long enough to copy
// pointers, then clones each node outside the lock, so the hot
// heartbeat path never waits on a slow snapshot consumer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nimbus/internal/events"
	"nimbus/pkg/clock"
	"nimbus/pkg/model"
	"nimbus/pkg/store"
)

var (
	ErrUnknownNode       = errors.New("unknown_node")
	ErrInvalidTransition = errors.New("invalid_transition")
)

type nodeEntry struct {
	mu   sync.Mutex
	node *model.Node
}

// Registry is the single source of truth for node topology (spec 4.1).
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry

	clock  clock.Clock
	bus    *events.Bus
	store  store.Store
	logger *zap.Logger
}

func New(c clock.Clock, bus *events.Bus, st store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*nodeEntry),
		clock:  c,
		bus:    bus,
		store:  st,
		logger: logger,
	}
}

// Register inserts or idempotently re-registers a node (spec 4.1).
// Re-registration with the same endpoint is a no-op on counters and
// reliability_score. Re-registration with a changed endpoint rotates
// the endpoint but preserves counters (spec 9 open question 2).
func (r *Registry) Register(ctx context.Context, desc *model.Node) (*model.Node, error) {
	r.mu.Lock()
	entry, exists := r.nodes[desc.ID]
	if !exists {
		entry = &nodeEntry{}
		r.nodes[desc.ID] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	now := r.clock.Now()
	if !exists {
		n := desc.Clone()
		n.Status = model.NodeActive
		n.ReliabilityScore = 1.0
		n.RegisteredAt = now
		n.LastHeartbeatAt = now
		entry.node = n
		entry.mu.Unlock()

		r.persist(ctx, n)
		r.bus.Publish(events.Event{Type: events.NodeRegistered, At: now, NodeID: n.ID, Node: n.Clone()})
		return n.Clone(), nil
	}

	existing := entry.node
	if existing.Endpoint != desc.Endpoint {
		existing.Endpoint = desc.Endpoint
	}
	existing.NodeType = desc.NodeType
	existing.Capabilities = append([]string(nil), desc.Capabilities...)
	existing.Version = desc.Version
	existing.Location = desc.Location
	existing.Metadata = desc.Metadata
	existing.Agents = append([]model.Agent(nil), desc.Agents...)
	existing.LastHeartbeatAt = now
	out := existing.Clone()
	entry.mu.Unlock()

	r.persist(ctx, out)
	return out, nil
}

func (r *Registry) persist(ctx context.Context, n *model.Node) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveNode(ctx, n); err != nil && r.logger != nil {
		r.logger.Warn("failed to persist node", zap.String("node_id", n.ID), zap.Error(err))
	}
}

// Heartbeat refreshes liveness and telemetry for a node, healing it
// back to active if it was offline or monitor-degraded (spec 4.1).
func (r *Registry) Heartbeat(nodeID string, sample model.ResourceSample) error {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	n := entry.node
	now := r.clock.Now()
	if now.After(n.LastHeartbeatAt) {
		n.LastHeartbeatAt = now
	}
	n.ResourceSample = sample

	healed := false
	if n.Status == model.NodeOffline {
		n.Status = model.NodeActive
		n.SetDegradedByMonitor(false)
		healed = true
	} else if n.Status == model.NodeDegraded && n.DegradedByMonitor() {
		n.Status = model.NodeActive
		n.SetDegradedByMonitor(false)
		healed = true
	}
	snap := n.Clone()
	entry.mu.Unlock()

	if healed {
		r.bus.Publish(events.Event{Type: events.NodeStatusChanged, At: now, NodeID: nodeID, Node: snap, Detail: "heartbeat healed"})
	}
	return nil
}

// operatorTransitions encodes the allowed explicit set_status graph
// (spec 4.1): any non-terminal -> maintenance; maintenance -> active;
// any -> error. offline -> active is heartbeat-only and active <->
// degraded is monitor-only, both deliberately absent here.
var operatorTransitions = map[model.NodeStatus]map[model.NodeStatus]bool{
	model.NodeActive:      {model.NodeMaintenance: true, model.NodeError: true},
	model.NodeDegraded:    {model.NodeMaintenance: true, model.NodeError: true},
	model.NodeOffline:     {model.NodeMaintenance: true, model.NodeError: true},
	model.NodeMaintenance: {model.NodeActive: true, model.NodeError: true},
	model.NodeError:       {model.NodeError: true},
}

// SetStatus applies an explicit operator-driven transition (spec 4.1).
func (r *Registry) SetStatus(ctx context.Context, nodeID string, newStatus model.NodeStatus) error {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	n := entry.node
	old := n.Status
	if old == newStatus {
		entry.mu.Unlock()
		return nil
	}
	if !operatorTransitions[old][newStatus] {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, newStatus)
	}
	n.Status = newStatus
	n.SetDegradedByMonitor(false)
	snap := n.Clone()
	entry.mu.Unlock()

	r.persist(ctx, snap)
	r.bus.Publish(events.Event{Type: events.NodeStatusChanged, At: r.clock.Now(), NodeID: nodeID, Node: snap})
	return nil
}

// MarkDegraded is the Liveness Monitor's active -> degraded transition.
// No-op if the node is in maintenance, error, or already non-active.
func (r *Registry) MarkDegraded(nodeID string) (changed bool, err error) {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	n := entry.node
	if n.Status != model.NodeActive {
		entry.mu.Unlock()
		return false, nil
	}
	n.Status = model.NodeDegraded
	n.SetDegradedByMonitor(true)
	snap := n.Clone()
	entry.mu.Unlock()

	r.bus.Publish(events.Event{Type: events.NodeStatusChanged, At: r.clock.Now(), NodeID: nodeID, Node: snap, Detail: "liveness degraded"})
	return true, nil
}

// MarkRecovered reverses a monitor-caused degraded status once the
// node's heartbeat age falls back below the degraded threshold without
// ever having gone offline.
func (r *Registry) MarkRecovered(nodeID string) (changed bool, err error) {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	n := entry.node
	if n.Status != model.NodeDegraded || !n.DegradedByMonitor() {
		entry.mu.Unlock()
		return false, nil
	}
	n.Status = model.NodeActive
	n.SetDegradedByMonitor(false)
	snap := n.Clone()
	entry.mu.Unlock()

	r.bus.Publish(events.Event{Type: events.NodeStatusChanged, At: r.clock.Now(), NodeID: nodeID, Node: snap, Detail: "liveness recovered"})
	return true, nil
}

// MarkOffline is the Liveness Monitor's transition to offline (spec
// 4.5). No-op if the node is sticky (maintenance, error) or already
// offline.
func (r *Registry) MarkOffline(nodeID string) (changed bool, err error) {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	n := entry.node
	if n.Status == model.NodeMaintenance || n.Status == model.NodeError || n.Status == model.NodeOffline {
		entry.mu.Unlock()
		return false, nil
	}
	n.Status = model.NodeOffline
	n.SetDegradedByMonitor(false)
	snap := n.Clone()
	entry.mu.Unlock()

	r.bus.Publish(events.Event{Type: events.NodeOffline, At: r.clock.Now(), NodeID: nodeID, Node: snap})
	r.bus.Publish(events.Event{Type: events.NodeStatusChanged, At: r.clock.Now(), NodeID: nodeID, Node: snap})
	return true, nil
}

// Unregister removes a node from the topology. Any tasks assigned to
// it trigger the failure path (spec 4.2) via the node_unregistered
// event; the Registry itself does not own tasks.
func (r *Registry) Unregister(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	entry, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	delete(r.nodes, nodeID)
	r.mu.Unlock()

	entry.mu.Lock()
	snap := entry.node.Clone()
	entry.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteNode(ctx, nodeID); err != nil && r.logger != nil {
			r.logger.Warn("failed to delete persisted node", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	r.bus.Publish(events.Event{Type: events.NodeUnregistered, At: r.clock.Now(), NodeID: nodeID, Node: snap})
	return nil
}

// RecordOutcome updates the node's tasks_completed/tasks_failed
// counters and reliability_score EWMA (spec 4.2, alpha=0.1).
func (r *Registry) RecordOutcome(nodeID string, success bool, durationMs float64) error {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return err
	}
	const alpha = 0.1

	entry.mu.Lock()
	n := entry.node
	if success {
		n.TasksCompleted++
	} else {
		n.TasksFailed++
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	n.ReliabilityScore = clampUnit(n.ReliabilityScore*(1-alpha) + sample*alpha)
	if durationMs > 0 {
		if n.AvgTaskDurationMs == 0 {
			n.AvgTaskDurationMs = durationMs
		} else {
			n.AvgTaskDurationMs = n.AvgTaskDurationMs*(1-alpha) + durationMs*alpha
		}
	}
	entry.mu.Unlock()
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *Registry) entryFor(nodeID string) (*nodeEntry, error) {
	r.mu.RLock()
	entry, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return entry, nil
}

// Get returns a clone of a single node.
func (r *Registry) Get(nodeID string) (*model.Node, error) {
	entry, err := r.entryFor(nodeID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.node.Clone(), nil
}

// Snapshot returns a point-in-time, independently-mutable copy of
// every registered node (spec 4.1).
func (r *Registry) Snapshot() []*model.Node {
	r.mu.RLock()
	entries := make([]*nodeEntry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*model.Node, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.node.Clone())
		e.mu.Unlock()
	}
	return out
}

// SweepAges returns (nodeID, age) pairs for every node not in
// maintenance or error, for the Liveness Monitor to evaluate against
// its thresholds (spec 4.5).
func (r *Registry) SweepAges(now time.Time) map[string]time.Duration {
	ages := make(map[string]time.Duration)
	for _, n := range r.Snapshot() {
		if n.Status == model.NodeMaintenance || n.Status == model.NodeError {
			continue
		}
		ages[n.ID] = now.Sub(n.LastHeartbeatAt)
	}
	return ages
}
