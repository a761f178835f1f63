// Package feedback is the Relevance Feedback Collector (spec.md §4.11,
// C11): accepts consumer-scored memory usage and updates each named node's
// importance_score via an exponentially-weighted moving average, batching
// the resulting graph writes per commit window.
//
// Grounded on the teacher's internal/memory/batcher.go: same per-key
// accumulation-map-plus-mutex-plus-ticker shape, generalized from
// per-user message batching (2-minute window, LLM summarize-on-flush) to
// per-commit-window score aggregation (1-second window, EWMA-on-flush, no
// LLM call).
package feedback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/graph"
)

// DefaultAlpha is the EWMA decay spec.md §4.11 names as the default.
const DefaultAlpha = 0.2

// CommitWindow is how long updates accumulate before being flushed to C2.
const CommitWindow = 1 * time.Second

// Feedback is one {query_id, query_text, memory_scores, response_text}
// submission.
type Feedback struct {
	QueryID      string             `json:"query_id"`
	QueryText    string             `json:"query_text"`
	MemoryScores map[string]float64 `json:"memory_scores"` // uuid -> score in [0,1]
	ResponseText string             `json:"response_text"`
}

// Collector is the C11 Relevance Feedback Collector.
type Collector struct {
	store  graph.Store
	alpha  float64
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]float64 // uuid -> most recent score this window

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Collector and starts its flush loop.
func New(store graph.Store, alpha float64, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		store:   store,
		alpha:   alpha,
		logger:  logger.Named("feedback"),
		pending: make(map[string]float64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// Stop ends the flush loop, flushing any remaining pending scores first.
func (c *Collector) Stop() {
	c.cancel()
	<-c.done
}

// Submit accepts one feedback payload (§4.11's POST /feedback/relevance
// body), queuing each uuid's latest score for the next commit-window
// flush. Submit never blocks on a graph write.
func (c *Collector) Submit(ctx context.Context, fb Feedback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uuid, score := range fb.MemoryScores {
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		c.pending[uuid] = score
	}
	return nil
}

func (c *Collector) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(CommitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			c.flush(context.Background())
			return
		case <-ticker.C:
			c.flush(c.ctx)
		}
	}
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = make(map[string]float64)
	c.mu.Unlock()

	for uuid, score := range batch {
		if err := c.applyEWMA(ctx, uuid, score); err != nil {
			c.logger.Warn("failed to apply relevance feedback", zap.String("uuid", uuid), zap.Error(err))
		}
	}
}

func (c *Collector) applyEWMA(ctx context.Context, uuid string, score float64) error {
	node, err := c.store.GetEntityNode(ctx, uuid)
	if err != nil {
		return err
	}
	old := node.Centrality.Importance
	node.Centrality.Importance = c.alpha*score + (1-c.alpha)*old
	return c.store.UpdateEntityNodeCentrality(ctx, uuid, node.Centrality)
}
