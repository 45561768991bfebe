package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCapabilitiesRequiresEverySubsetMember(t *testing.T) {
	assert.True(t, HasCapabilities([]string{"gpu", "cpu"}, []string{"gpu"}))
	assert.True(t, HasCapabilities([]string{"gpu", "cpu"}, nil))
	assert.False(t, HasCapabilities([]string{"cpu"}, []string{"gpu"}))
}

func TestNodeCloneIsIndependentOfSource(t *testing.T) {
	n := &Node{ID: "n1", Capabilities: []string{"gpu"}, Metadata: map[string]string{"zone": "a"}}
	c := n.Clone()
	c.Capabilities[0] = "cpu"
	c.Metadata["zone"] = "b"

	assert.Equal(t, "gpu", n.Capabilities[0])
	assert.Equal(t, "a", n.Metadata["zone"])
}

func TestNodeAggregatedCapabilitiesUnionsAgentsWithoutDuplicates(t *testing.T) {
	n := &Node{
		Capabilities: []string{"cpu"},
		Agents: []Agent{
			{Capabilities: []string{"cpu", "gpu"}},
			{Capabilities: []string{"ai_inference"}},
		},
	}
	got := n.AggregatedCapabilities()
	assert.ElementsMatch(t, []string{"cpu", "gpu", "ai_inference"}, got)
}

func TestNodeDegradedByMonitorFlagRoundTrips(t *testing.T) {
	n := &Node{}
	assert.False(t, n.DegradedByMonitor())
	n.SetDegradedByMonitor(true)
	assert.True(t, n.DegradedByMonitor())
}

func TestTaskStateTerminalClassifiesAbsorbingStates(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
}

func TestTaskSummaryStripsPayloadButKeepsMetadata(t *testing.T) {
	task := &Task{ID: "t1", State: TaskCompleted, InputData: map[string]any{"x": 1}, Result: "done"}
	summary := task.Summary()

	assert.Nil(t, summary.InputData)
	assert.Nil(t, summary.Result)
	assert.Equal(t, "t1", summary.ID)
	assert.Equal(t, TaskCompleted, summary.State)
	assert.NotNil(t, task.InputData, "Summary must not mutate the original task")
}

func TestTaskCloneDeepCopiesRequirementsAndAssignedNodes(t *testing.T) {
	task := &Task{
		ID:            "t1",
		Requirements:  Requirements{RequiredCapabilities: []string{"gpu"}, ExcludedNodes: map[string]struct{}{"n1": {}}},
		AssignedNodes: []string{"n2"},
	}
	c := task.Clone()
	c.Requirements.RequiredCapabilities[0] = "cpu"
	c.AssignedNodes[0] = "n3"
	delete(c.Requirements.ExcludedNodes, "n1")
	c.Requirements.ExcludedNodes["n4"] = struct{}{}

	assert.Equal(t, "gpu", task.Requirements.RequiredCapabilities[0])
	assert.Equal(t, "n2", task.AssignedNodes[0])
	_, stillExcluded := task.Requirements.ExcludedNodes["n1"]
	assert.True(t, stillExcluded)
	_, leaked := task.Requirements.ExcludedNodes["n4"]
	assert.False(t, leaked)
}

func TestRequirementsExcludedNodesMarshalsAsPlainStringArray(t *testing.T) {
	req := Requirements{ExcludedNodes: map[string]struct{}{"n2": {}, "n1": {}}}

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"required_capabilities": null,
		"min_cpu_pct_free": 0,
		"min_memory_mb": 0,
		"preferred_nodes": null,
		"excluded_nodes": ["n1", "n2"],
		"redundancy": 0,
		"strict_preferred": false,
		"strict_redundancy": false
	}`, string(raw))
}

func TestRequirementsExcludedNodesUnmarshalsFromPlainStringArray(t *testing.T) {
	var req Requirements
	require.NoError(t, json.Unmarshal([]byte(`{"excluded_nodes": ["n1", "n2"]}`), &req))

	_, hasN1 := req.ExcludedNodes["n1"]
	_, hasN2 := req.ExcludedNodes["n2"]
	assert.True(t, hasN1)
	assert.True(t, hasN2)
	assert.Len(t, req.ExcludedNodes, 2)
}

func TestRequirementsExcludedNodesUnmarshalsEmptyAsNilSet(t *testing.T) {
	var req Requirements
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	assert.Nil(t, req.ExcludedNodes)
}

func TestPriorityValidRange(t *testing.T) {
	assert.True(t, PriorityCritical.Valid())
	assert.True(t, PriorityBackground.Valid())
	assert.False(t, Priority(0).Valid())
	assert.False(t, Priority(6).Valid())
}
