package store

import (
	"context"
	"sync"

	"nimbus/pkg/model"
)

// Memory is the default Store: nothing survives a restart, matching
// spec 6's "in-memory by default".
type Memory struct {
	mu     sync.RWMutex
	nodes  map[string]*model.Node
	tasks  map[string]*model.Task
	config map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]*model.Node),
		tasks: make(map[string]*model.Task),
	}
}

func (m *Memory) SaveNode(_ context.Context, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node.Clone()
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (m *Memory) SaveTaskRecord(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) ListTaskRecords(_ context.Context) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *Memory) SaveConfig(_ context.Context, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		m.config = make(map[string]any)
	}
	for k, v := range patch {
		m.config[k] = v
	}
	return nil
}

func (m *Memory) LoadConfig(_ context.Context) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
