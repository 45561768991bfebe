package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus/internal/events"
	"nimbus/pkg/clock"
	"nimbus/pkg/model"
)

func newTestRegistry() (*Registry, *clock.Fake, *events.Bus) {
	fc := clock.NewFake(time.Unix(0, 0))
	bus := events.New(nil)
	return New(fc, bus, nil, nil), fc, bus
}

func TestRegisterNewNodeSetsActiveAndReliability(t *testing.T) {
	reg, _, _ := newTestRegistry()
	n, err := reg.Register(context.Background(), &model.Node{ID: "n1", Endpoint: "http://n1"})
	require.NoError(t, err)
	assert.Equal(t, model.NodeActive, n.Status)
	assert.Equal(t, 1.0, n.ReliabilityScore)
}

func TestRegisterExistingNodePreservesCountersButUpdatesEndpoint(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1", Endpoint: "http://old"})
	require.NoError(t, err)
	require.NoError(t, reg.RecordOutcome("n1", true, 100))

	n, err := reg.Register(context.Background(), &model.Node{ID: "n1", Endpoint: "http://new"})
	require.NoError(t, err)
	assert.Equal(t, "http://new", n.Endpoint)
	assert.Equal(t, uint64(1), n.TasksCompleted)
}

func TestHeartbeatHealsOfflineNodeBackToActive(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)

	_, err = reg.MarkOffline("n1")
	require.NoError(t, err)

	require.NoError(t, reg.Heartbeat("n1", model.ResourceSample{}))
	n, err := reg.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeActive, n.Status)
}

func TestHeartbeatOnUnknownNodeReturnsErrUnknownNode(t *testing.T) {
	reg, _, _ := newTestRegistry()
	err := reg.Heartbeat("ghost", model.ResourceSample{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestSetStatusEnforcesOperatorTransitionGraph(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(context.Background(), "n1", model.NodeMaintenance))

	err = reg.SetStatus(context.Background(), "n1", model.NodeDegraded)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, reg.SetStatus(context.Background(), "n1", model.NodeActive))
}

func TestMarkDegradedIsNoopOnNonActiveNode(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(context.Background(), "n1", model.NodeMaintenance))

	changed, err := reg.MarkDegraded("n1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkRecoveredOnlyClearsMonitorCausedDegradation(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)

	changed, err := reg.MarkDegraded("n1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = reg.MarkRecovered("n1")
	require.NoError(t, err)
	assert.True(t, changed)

	n, err := reg.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeActive, n.Status)
}

func TestUnregisterPublishesNodeUnregistered(t *testing.T) {
	reg, _, bus := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)

	ch, cancel := bus.Subscribe(events.DropOldest, 8)
	defer cancel()

	require.NoError(t, reg.Unregister(context.Background(), "n1"))

	select {
	case evt := <-ch:
		assert.Equal(t, events.NodeUnregistered, evt.Type)
		assert.Equal(t, "n1", evt.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected node_unregistered event")
	}

	_, err = reg.Get("n1")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestRecordOutcomeUpdatesReliabilityEWMA(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordOutcome("n1", false, 0))
	n, err := reg.Get("n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, n.ReliabilityScore, 0.0001)
	assert.Equal(t, uint64(1), n.TasksFailed)
}

func TestSweepAgesExcludesMaintenanceAndError(t *testing.T) {
	reg, fc, _ := newTestRegistry()
	_, err := reg.Register(context.Background(), &model.Node{ID: "n1"})
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), &model.Node{ID: "n2"})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus(context.Background(), "n2", model.NodeMaintenance))

	fc.Advance(time.Minute)
	ages := reg.SweepAges(fc.Now())
	_, ok := ages["n1"]
	assert.True(t, ok)
	_, ok = ages["n2"]
	assert.False(t, ok)
}
