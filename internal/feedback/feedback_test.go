package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/graph"
)

func TestApplyEWMA(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	require.NoError(t, store.CreateEntityNode(ctx, &domain.EntityNode{
		UUID:      "n1",
		GroupID:   "g1",
		Name:      "alice",
		Centrality: domain.Centrality{Importance: 0.5},
	}))

	c := &Collector{store: store, alpha: 0.2, logger: zaptest.NewLogger(t)}
	require.NoError(t, c.applyEWMA(ctx, "n1", 1.0))

	node, err := store.GetEntityNode(ctx, "n1")
	require.NoError(t, err)
	// new = 0.2*1.0 + 0.8*0.5 = 0.6
	assert.InDelta(t, 0.6, node.Centrality.Importance, 0.0001)
}

func TestSubmitClampsAndBatches(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	require.NoError(t, store.CreateEntityNode(ctx, &domain.EntityNode{UUID: "n1", GroupID: "g1"}))

	c := New(store, DefaultAlpha, zaptest.NewLogger(t))
	defer c.Stop()

	require.NoError(t, c.Submit(ctx, Feedback{
		QueryID:      "q1",
		MemoryScores: map[string]float64{"n1": 5.0, "missing": -3.0},
	}))

	c.mu.Lock()
	got := c.pending["n1"]
	gotMissing := c.pending["missing"]
	c.mu.Unlock()

	assert.Equal(t, 1.0, got)
	assert.Equal(t, 0.0, gotMissing)
}

func TestFlushAppliesPendingScores(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	require.NoError(t, store.CreateEntityNode(ctx, &domain.EntityNode{UUID: "n1", GroupID: "g1"}))

	c := &Collector{store: store, alpha: 0.5, logger: zaptest.NewLogger(t), pending: map[string]float64{"n1": 1.0}}
	c.flush(ctx)

	node, err := store.GetEntityNode(ctx, "n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, node.Centrality.Importance, 0.0001)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestStopFlushesRemainingScores(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemStore()
	require.NoError(t, store.CreateEntityNode(ctx, &domain.EntityNode{UUID: "n1", GroupID: "g1"}))

	c := New(store, 0.5, zaptest.NewLogger(t))
	require.NoError(t, c.Submit(ctx, Feedback{MemoryScores: map[string]float64{"n1": 1.0}}))
	c.Stop()

	node, err := store.GetEntityNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, node.Centrality.Importance, 0.0001)
}
