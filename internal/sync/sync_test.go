package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/graph"
)

func seedPrimary(t *testing.T, primary *graph.MemStore, groupID string, n int) []*domain.EntityNode {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	nodes := make([]*domain.EntityNode, 0, n)
	for i := 0; i < n; i++ {
		node := &domain.EntityNode{
			UUID:      "node-" + string(rune('a'+i)),
			GroupID:   groupID,
			Name:      "entity " + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, primary.CreateEntityNode(ctx, node))
		nodes = append(nodes, node)
	}
	return nodes
}

func TestSyncFullMirrorsNodesAndEdges(t *testing.T) {
	ctx := context.Background()
	primary := graph.NewMemStore()
	secondary := graph.NewMemStore()
	logger := zaptest.NewLogger(t)

	nodes := seedPrimary(t, primary, "g1", 3)
	edge := &domain.EntityEdge{
		UUID:           "edge-1",
		GroupID:        "g1",
		Name:           "knows",
		Fact:           "a knows b",
		SourceNodeUUID: nodes[0].UUID,
		TargetNodeUUID: nodes[1].UUID,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, primary.CreateEntityEdge(ctx, edge))

	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	orch := New(cfg, primary, secondary, nil, logger)

	require.NoError(t, orch.SyncFull(ctx))

	for _, n := range nodes {
		got, err := secondary.GetEntityNode(ctx, n.UUID)
		require.NoError(t, err)
		assert.Equal(t, n.Name, got.Name)
	}
	gotEdge, err := secondary.GetEntityEdge(ctx, edge.UUID)
	require.NoError(t, err)
	assert.Equal(t, edge.Fact, gotEdge.Fact)
}

// TestSyncFullIsIdempotent verifies spec.md §4.12's testable property:
// running a full sync twice against a fresh secondary yields no duplicates.
func TestSyncFullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	primary := graph.NewMemStore()
	secondary := graph.NewMemStore()
	logger := zaptest.NewLogger(t)

	nodes := seedPrimary(t, primary, "g1", 2)

	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	orch := New(cfg, primary, secondary, nil, logger)

	require.NoError(t, orch.SyncFull(ctx))
	require.NoError(t, orch.SyncFull(ctx))

	all, err := secondary.AllNodes(ctx, "g1", time.Time{}, 100)
	require.NoError(t, err)
	assert.Len(t, all, len(nodes))
}

func TestSyncEdgeSkippedWhenEndpointMissing(t *testing.T) {
	ctx := context.Background()
	primary := graph.NewMemStore()
	secondary := graph.NewMemStore()
	logger := zaptest.NewLogger(t)

	orphanEdge := &domain.EntityEdge{
		UUID:           "edge-orphan",
		GroupID:        "g1",
		SourceNodeUUID: "missing-source",
		TargetNodeUUID: "missing-target",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, primary.CreateEntityEdge(ctx, orphanEdge))

	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	orch := New(cfg, primary, secondary, nil, logger)

	require.NoError(t, orch.SyncFull(ctx))

	_, err := secondary.GetEntityEdge(ctx, orphanEdge.UUID)
	assert.Error(t, err)
}

func TestContinuousSyncAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	primary := graph.NewMemStore()
	secondary := graph.NewMemStore()
	logger := zaptest.NewLogger(t)

	nodes := seedPrimary(t, primary, "g1", 1)

	cfg := DefaultConfig()
	cfg.GroupIDs = []string{"g1"}
	orch := New(cfg, primary, secondary, nil, logger)

	orch.pollOnce(ctx)
	_, err := secondary.GetEntityNode(ctx, nodes[0].UUID)
	require.NoError(t, err)
	assert.True(t, orch.wm.get("g1").After(time.Time{}))

	// A second poll with nothing new should not error and should leave
	// the watermark unchanged.
	before := orch.wm.get("g1")
	orch.pollOnce(ctx)
	assert.Equal(t, before, orch.wm.get("g1"))
}
