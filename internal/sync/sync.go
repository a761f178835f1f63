// Package sync is the Cross-Store Sync Orchestrator (spec.md §4.12, C12):
// mirrors nodes and edges from a primary graph.Store to a secondary, in two
// modes — a one-shot full mirror (optionally truncating the secondary
// first) and a continuous poll that advances a created_at high-watermark
// per group on every successful pass.
//
// Grounded on original_source/sync_service/main.py's SyncService /
// SyncOrchestrator split (a start()/stop() coordinator wrapping a
// sync_full()/start_continuous_sync() orchestrator, with per-phase
// {current_phase, migrated, total, failed} stats reported through a
// logger), reimplemented the teacher's way: a struct constructed at the
// composition root, a context-driven Run loop instead of asyncio tasks,
// and zap structured logging in place of the Python logging module.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/graph"
)

// Phase names progress is reported against.
type Phase string

const (
	PhaseTruncate Phase = "truncate"
	PhaseNodes    Phase = "nodes"
	PhaseEdges    Phase = "edges"
	PhaseIdle     Phase = "idle"
)

// Progress is one snapshot of an in-flight or completed sync pass, handed
// to the optional ProgressFunc after every page.
type Progress struct {
	GroupID   string
	Phase     Phase
	Migrated  int
	Total     int
	Failed    int
}

// ProgressFunc is invoked after each page is applied to the secondary.
type ProgressFunc func(Progress)

// Config holds C12's tunables (spec.md §4.12 and §6's SYNC_* environment
// options, internal/config.Config).
type Config struct {
	// GroupIDs is the set of group_ids to mirror. The Store bulk helpers
	// (AllNodes/AllEdges) are scoped per group_id, so the orchestrator — like
	// the Worker's operator-supplied peer list (§4.7) — is handed the set of
	// tenants it is responsible for rather than discovering it itself.
	GroupIDs []string

	// PageSize is page size B from §4.12's full-sync algorithm.
	PageSize int

	// MaxRetries is R, the per-record write retry budget on transient errors.
	MaxRetries int

	// RetryDelay is the base backoff between retries of one record write.
	RetryDelay time.Duration

	// TruncateSecondaryOnFullSync truncates the secondary before a full
	// mirror. Required for the "run full sync twice, counts equal, no
	// duplicates" property when the secondary has no natural upsert key;
	// if the secondary backend supports idempotent upsert, this can be left
	// false.
	TruncateSecondaryOnFullSync bool

	// IntervalSeconds is the continuous-mode poll period.
	IntervalSeconds int
}

// DefaultConfig returns spec.md §4.12's documented defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:                    500,
		MaxRetries:                  3,
		RetryDelay:                  500 * time.Millisecond,
		TruncateSecondaryOnFullSync: true,
		IntervalSeconds:             60,
	}
}

// watermarks tracks, per group_id, the created_at cursor continuous mode
// has advanced past.
type watermarks struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newWatermarks() *watermarks {
	return &watermarks{m: make(map[string]time.Time)}
}

func (w *watermarks) get(groupID string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m[groupID]
}

func (w *watermarks) advance(groupID string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.After(w.m[groupID]) {
		w.m[groupID] = t
	}
}

// Orchestrator is the C12 Cross-Store Sync Orchestrator.
type Orchestrator struct {
	cfg       Config
	primary   graph.Store
	secondary graph.Store
	progress  ProgressFunc
	logger    *zap.Logger

	wm     *watermarks
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Orchestrator mirroring primary into secondary.
func New(cfg Config, primary, secondary graph.Store, progress ProgressFunc, logger *zap.Logger) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = DefaultConfig().IntervalSeconds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = func(Progress) {}
	}
	return &Orchestrator{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		progress:  progress,
		logger:    logger.Named("sync"),
		wm:        newWatermarks(),
	}
}

// SyncFull performs a one-shot full mirror (§4.12 "Algorithm (full)"):
// optional truncate, then a paged node copy followed by a paged edge copy,
// per group_id. Each record write is retried on error; a record that still
// fails is counted and skipped. A failed truncate or a failed page read
// from the primary (not retried) aborts the whole operation.
func (o *Orchestrator) SyncFull(ctx context.Context) error {
	if o.cfg.TruncateSecondaryOnFullSync {
		if err := o.retryOp(ctx, func() error { return o.secondary.Truncate(ctx) }); err != nil {
			o.progress(Progress{Phase: PhaseTruncate, Failed: 1})
			return fmt.Errorf("%w: truncate secondary: %v", domain.ErrTransientAdapter, err)
		}
	}

	for _, groupID := range o.cfg.GroupIDs {
		imported, _, err := o.syncNodesFrom(ctx, groupID, time.Time{})
		if err != nil {
			return fmt.Errorf("full sync nodes group=%s: %w", groupID, err)
		}
		if _, err := o.syncEdgesFrom(ctx, groupID, time.Time{}, imported); err != nil {
			return fmt.Errorf("full sync edges group=%s: %w", groupID, err)
		}
	}
	return nil
}

// syncNodesFrom copies nodes with created_at > after into the secondary,
// paging PageSize at a time. It returns the set of node UUIDs that
// imported successfully (so the edge phase can skip edges whose endpoints
// were not imported, per §4.12's failure semantics) and the highest
// created_at observed, which continuous mode publishes as the new
// watermark once both phases for the group succeed.
func (o *Orchestrator) syncNodesFrom(ctx context.Context, groupID string, after time.Time) (map[string]bool, time.Time, error) {
	imported := make(map[string]bool)
	total, migrated, failed := 0, 0, 0
	cursor := after

	for {
		nodes, err := o.primary.AllNodes(ctx, groupID, cursor, o.cfg.PageSize)
		if err != nil {
			return imported, cursor, fmt.Errorf("%w: read nodes: %v", domain.ErrTransientAdapter, err)
		}
		if len(nodes) == 0 {
			break
		}
		total += len(nodes)
		for _, n := range nodes {
			if n.CreatedAt.After(cursor) {
				cursor = n.CreatedAt
			}
			err := o.retryOp(ctx, func() error { return o.secondary.CreateEntityNode(ctx, n) })
			if err != nil {
				failed++
				o.logger.Warn("node sync failed, skipping", zap.String("uuid", n.UUID), zap.Error(err))
				continue
			}
			imported[n.UUID] = true
			migrated++
		}
		o.progress(Progress{GroupID: groupID, Phase: PhaseNodes, Migrated: migrated, Total: total, Failed: failed})
		if len(nodes) < o.cfg.PageSize {
			break
		}
	}
	return imported, cursor, nil
}

// syncEdgesFrom copies edges with created_at > after, skipping any whose
// endpoints are not present in imported (this pass's nodes) nor already
// resolvable on the secondary. It returns the highest created_at observed.
func (o *Orchestrator) syncEdgesFrom(ctx context.Context, groupID string, after time.Time, imported map[string]bool) (time.Time, error) {
	total, migrated, failed := 0, 0, 0
	cursor := after

	for {
		edges, err := o.primary.AllEdges(ctx, groupID, cursor, o.cfg.PageSize)
		if err != nil {
			return cursor, fmt.Errorf("%w: read edges: %v", domain.ErrTransientAdapter, err)
		}
		if len(edges) == 0 {
			break
		}
		total += len(edges)
		for _, e := range edges {
			if e.CreatedAt.After(cursor) {
				cursor = e.CreatedAt
			}
			if !o.endpointsAvailable(ctx, e, imported) {
				failed++
				o.logger.Warn("edge sync skipped, endpoint missing", zap.String("uuid", e.UUID))
				continue
			}
			err := o.retryOp(ctx, func() error { return o.secondary.CreateEntityEdge(ctx, e) })
			if err != nil {
				failed++
				o.logger.Warn("edge sync failed, skipping", zap.String("uuid", e.UUID), zap.Error(err))
				continue
			}
			migrated++
		}
		o.progress(Progress{GroupID: groupID, Phase: PhaseEdges, Migrated: migrated, Total: total, Failed: failed})
		if len(edges) < o.cfg.PageSize {
			break
		}
	}
	return cursor, nil
}

// endpointsAvailable reports whether both of e's endpoints either imported
// in this same pass or already exist on the secondary (continuous mode
// mirrors incremental batches whose node and edge pages may straddle a
// poll boundary).
func (o *Orchestrator) endpointsAvailable(ctx context.Context, e *domain.EntityEdge, imported map[string]bool) bool {
	for _, uuid := range []string{e.SourceNodeUUID, e.TargetNodeUUID} {
		if imported[uuid] {
			continue
		}
		if _, err := o.secondary.GetEntityNode(ctx, uuid); err != nil {
			return false
		}
	}
	return true
}

// retryOp retries op up to MaxRetries times with linear backoff, as
// §4.12's "retry up to R times on transient errors" specifies.
func (o *Orchestrator) retryOp(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if err := op(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Run starts continuous mode (§4.12 "Algorithm (continuous)"): every
// IntervalSeconds, read primary records per group with created_at >
// watermark, apply to secondary, and advance the watermark only on a
// fully successful pass for that group. Run blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	defer close(o.done)

	ticker := time.NewTicker(time.Duration(o.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

// Stop cancels the continuous-mode loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	for _, groupID := range o.cfg.GroupIDs {
		since := o.wm.get(groupID)
		imported, nodeCursor, err := o.syncNodesFrom(ctx, groupID, since)
		if err != nil {
			o.logger.Error("continuous sync nodes failed, watermark not advanced", zap.String("group_id", groupID), zap.Error(err))
			continue
		}
		edgeCursor, err := o.syncEdgesFrom(ctx, groupID, since, imported)
		if err != nil {
			o.logger.Error("continuous sync edges failed, watermark not advanced", zap.String("group_id", groupID), zap.Error(err))
			continue
		}
		cursor := nodeCursor
		if edgeCursor.After(cursor) {
			cursor = edgeCursor
		}
		o.wm.advance(groupID, cursor)
	}
}
