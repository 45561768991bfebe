package store

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimbus/pkg/model"
)

func TestEtcdIntegrationSaveAndListRoundTrips(t *testing.T) {
	addr := os.Getenv("NIMBUS_ETCD_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set NIMBUS_ETCD_ADDR_INTEGRATION to run etcd integration tests")
	}

	st, err := NewEtcd([]string{addr})
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	nodeID := "integration-node-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	require.NoError(t, st.SaveNode(ctx, &model.Node{ID: nodeID, Endpoint: "http://n1"}))

	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	found := false
	for _, n := range nodes {
		if n.ID == nodeID {
			found = true
		}
	}
	assert.True(t, found, "saved node should appear in ListNodes")

	require.NoError(t, st.DeleteNode(ctx, nodeID))

	require.NoError(t, st.SaveConfig(ctx, map[string]any{"network": map[string]any{"max_nodes": 5}}))
	cfg, err := st.LoadConfig(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg)
}
