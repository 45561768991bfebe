package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus/pkg/model"
)

func TestMemorySaveAndListNodesRoundTrips(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveNode(ctx, &model.Node{ID: "n1", Endpoint: "http://n1"}))
	require.NoError(t, m.SaveNode(ctx, &model.Node{ID: "n2", Endpoint: "http://n2"}))

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestMemoryDeleteNodeRemovesIt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveNode(ctx, &model.Node{ID: "n1"}))
	require.NoError(t, m.DeleteNode(ctx, "n1"))

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestMemorySaveNodeClonesSoLaterMutationDoesNotLeak(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	n := &model.Node{ID: "n1", Endpoint: "http://original"}
	require.NoError(t, m.SaveNode(ctx, n))
	n.Endpoint = "http://mutated"

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "http://original", nodes[0].Endpoint)
}

func TestMemoryTaskRecordsRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveTaskRecord(ctx, &model.Task{ID: "t1", State: model.TaskCompleted}))

	tasks, err := m.ListTaskRecords(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestMemoryConfigSaveMergesPatchesAndLoadReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveConfig(ctx, map[string]any{"network": map[string]any{"max_nodes": 10}}))
	require.NoError(t, m.SaveConfig(ctx, map[string]any{"placement": map[string]any{"allow_degraded": true}}))

	cfg, err := m.LoadConfig(ctx)
	require.NoError(t, err)
	assert.Len(t, cfg, 2)

	cfg["network"] = "mutated"
	reloaded, err := m.LoadConfig(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", reloaded["network"])
}
