// Package worker is the Ingestion Worker (spec.md §4.7, C7): the consumer
// side of C1. It polls the durable queue, dispatches on task.type, runs the
// extraction/resolution pipeline, and acknowledges or dead-letters.
//
// Grounded on the teacher's internal/kernel (ingestion_lock.go's Redis
// distributed lock pattern, generalized from per-user to per-group_id
// locking) and internal/kernel/ingestion_workflow.go's staged-pipeline
// shape (receive -> extract -> resolve -> persist -> ack). Group
// partitioning across worker replicas uses the same rendezvous-hash
// library the teacher pulls in transitively (github.com/dgryski/go-
// rendezvous), generalized from an unused indirect dependency to an
// active one: each replica only claims the group_ids it owns, so the same
// group_id is never processed by two workers concurrently (invariant 2's
// "episodes in a group are processed in order" needs single-owner
// processing, not just the lock as a backstop).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/extraction"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/queue"
	"github.com/reflective-memory-kernel/internal/resolution"
)

// State is one step of the per-task state machine (§4.7).
type State string

const (
	StateReceived   State = "received"
	StateExtracting State = "extracting"
	StateResolving  State = "resolving"
	StatePersisting State = "persisting"
	StateAcked      State = "acked"
	StateFailed     State = "failed"
	StateRetry      State = "retry"
	StateDeadLetter State = "dead_letter"
)

// Dispatcher is the narrow surface worker needs from C9, kept as an
// interface here so worker never imports dispatch (dispatch depends on the
// graph mutation outcome worker produces, not the other way around).
type Dispatcher interface {
	DispatchMutation(ctx context.Context, ev domain.NodeMutationEvent)
}

// Config holds the C7 tunables named in spec.md §4.7 / §6.
type Config struct {
	QueueName         string
	WorkerID          string
	Peers             []string // all known worker replica ids, including WorkerID, for rendezvous partitioning
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ProcessingDeadline time.Duration
	LockTimeout       time.Duration
}

// DefaultConfig matches spec.md §6 defaults for a single-replica deployment.
func DefaultConfig(workerID string) Config {
	return Config{
		QueueName:          "ingestion",
		WorkerID:           workerID,
		Peers:              []string{workerID},
		BatchSize:          10,
		PollInterval:       500 * time.Millisecond,
		VisibilityTimeout:  30 * time.Second,
		ProcessingDeadline: 45 * time.Second,
		LockTimeout:        30 * time.Second,
	}
}

// Worker is the C7 Ingestion Worker.
type Worker struct {
	cfg        Config
	broker     *queue.Broker
	store      graph.Store
	extraction *extraction.Engine
	resolution *resolution.Engine
	dispatcher Dispatcher
	redis      *redis.Client
	rv         *rendezvous.Rendezvous
	logger     *zap.Logger
}

// New creates a Worker. redisClient may be nil, in which case no group lock
// is taken (acceptable for a single-replica deployment;
// §9's open question about multi-replica lock strictness is resolved in
// DESIGN.md).
func New(cfg Config, broker *queue.Broker, store graph.Store, extractionEngine *extraction.Engine, resolutionEngine *resolution.Engine, dispatcher Dispatcher, redisClient *redis.Client, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	peers := cfg.Peers
	if len(peers) == 0 {
		peers = []string{cfg.WorkerID}
	}
	return &Worker{
		cfg:        cfg,
		broker:     broker,
		store:      store,
		extraction: extractionEngine,
		resolution: resolutionEngine,
		dispatcher: dispatcher,
		redis:      redisClient,
		rv:         rendezvous.New(peers, xxhashString),
		logger:     logger.Named("worker").With(zap.String("worker_id", cfg.WorkerID)),
	}
}

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Run polls the queue in a loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAndProcess(ctx)
		}
	}
}

func (w *Worker) pollAndProcess(ctx context.Context) {
	q := w.broker.Queue(w.cfg.QueueName)
	polled, err := q.Poll(ctx, w.cfg.BatchSize, w.cfg.VisibilityTimeout)
	if err != nil {
		w.logger.Error("poll failed", zap.Error(err))
		return
	}
	for _, p := range polled {
		w.processOne(ctx, q, p)
	}
}

func (w *Worker) processOne(ctx context.Context, q *queue.Queue, p queue.Polled) {
	state := StateReceived

	var task domain.IngestionTask
	if err := sonic.Unmarshal(p.Contents, &task); err != nil {
		w.logger.Error("failed to unmarshal task, dead-lettering", zap.String("message_id", p.ID), zap.Error(err))
		q.DeadLetter(p.ID, p.Contents, "unmarshal failure: "+err.Error())
		_ = q.Delete(ctx, p.ID, p.PollTag)
		return
	}

	// Group partitioning: if this replica doesn't own task.GroupID, leave
	// the message in flight for its owner to pick up after redelivery
	// rather than acking or failing it.
	if owner := w.rv.Get(task.GroupID); owner != w.cfg.WorkerID {
		w.logger.Debug("not owner of group, leaving for redelivery", zap.String("group_id", task.GroupID), zap.String("owner", owner))
		return
	}

	lockKey := "lock:group:" + task.GroupID
	unlock, err := w.acquireGroupLock(ctx, lockKey)
	if err != nil {
		w.logger.Debug("group lock busy, leaving for redelivery", zap.String("group_id", task.GroupID))
		return
	}
	defer unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessingDeadline)
	defer cancel()

	if err := w.dispatch(deadlineCtx, &task, &state); err != nil {
		w.handleFailure(ctx, q, p, &task, err)
		return
	}

	state = StateAcked
	if err := q.Delete(ctx, p.ID, p.PollTag); err != nil {
		w.logger.Error("failed to ack processed task", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (w *Worker) dispatch(ctx context.Context, task *domain.IngestionTask, state *State) error {
	switch task.Type {
	case domain.TaskEpisode:
		return w.processEpisode(ctx, task, state)
	default:
		return fmt.Errorf("%w: unsupported task type %q", domain.ErrValidation, task.Type)
	}
}

func (w *Worker) processEpisode(ctx context.Context, task *domain.IngestionTask, state *State) error {
	var payload domain.EpisodePayload
	if err := sonic.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal episode payload: %v", domain.ErrValidation, err)
	}

	// Idempotence: an episode uuid already present in the graph means a
	// prior attempt committed before the ack was lost (at-least-once
	// delivery, §4.1 failure semantics) — skip straight to success.
	exists, err := w.store.EpisodeExists(ctx, payload.UUID)
	if err != nil {
		return fmt.Errorf("%w: episode existence check: %v", domain.ErrTransientAdapter, err)
	}
	if exists {
		w.logger.Debug("episode already ingested, treating as success", zap.String("uuid", payload.UUID))
		return nil
	}

	ep := &domain.Episode{
		UUID:      payload.UUID,
		GroupID:   task.GroupID,
		Name:      payload.Name,
		Content:   payload.Content,
		Role:      payload.Role,
		RoleType:  payload.RoleType,
		Source:    payload.Source,
		SourceDescription: payload.SourceDescription,
		Timestamp: payload.Timestamp,
		CreatedAt: time.Now(),
	}

	*state = StateExtracting
	result, err := w.extraction.Extract(ctx, ep)
	if err != nil {
		return err
	}
	if result.Empty {
		ep.ExtractionEmpty = true
	}

	*state = StateResolving
	resolvedNodes, err := w.resolution.ResolveBatch(ctx, result.Entities, ep.GroupID)
	if err != nil {
		return err
	}
	nameToUUID := make(map[string]string, len(resolvedNodes))
	for _, rn := range resolvedNodes {
		nameToUUID[rn.Candidate.Name] = rn.Node.UUID
	}

	for _, edgeCandidate := range result.Edges {
		sourceUUID, sok := nameToUUID[edgeCandidate.SourceName]
		targetUUID, tok := nameToUUID[edgeCandidate.TargetName]
		if !sok || !tok {
			continue
		}
		if _, err := w.resolution.ResolveEdge(ctx, edgeCandidate, sourceUUID, targetUUID, ep.GroupID, ep.UUID); err != nil {
			return err
		}
	}

	*state = StatePersisting
	if err := w.store.CreateEpisode(ctx, ep); err != nil {
		return fmt.Errorf("%w: persist episode: %v", domain.ErrConflict, err)
	}
	createdUUIDs := make([]string, 0, len(resolvedNodes))
	for _, rn := range resolvedNodes {
		if err := w.store.CreateMentionsEdge(ctx, ep.UUID, rn.Node.UUID); err != nil {
			w.logger.Warn("failed to link episode mention", zap.String("node_uuid", rn.Node.UUID), zap.Error(err))
			continue
		}
		if rn.Created {
			createdUUIDs = append(createdUUIDs, rn.Node.UUID)
		}
	}

	if w.dispatcher != nil {
		w.dispatcher.DispatchMutation(ctx, domain.NodeMutationEvent{
			EventType:    "node_mutation",
			CreatedUUIDs: createdUUIDs,
			GroupID:      ep.GroupID,
			Timestamp:    time.Now(),
		})
	}
	return nil
}

// handleFailure implements the retry/dead-letter branch of the state
// machine: increment retry_count, requeue while under max_retries, else
// dead-letter with the original payload preserved verbatim (invariant 5).
func (w *Worker) handleFailure(ctx context.Context, q *queue.Queue, p queue.Polled, task *domain.IngestionTask, procErr error) {
	w.logger.Warn("task processing failed", zap.String("task_id", task.ID), zap.Error(procErr))

	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		q.DeadLetter(p.ID, p.Contents, procErr.Error())
		_ = q.Delete(ctx, p.ID, p.PollTag)
		return
	}

	body, err := sonic.Marshal(task)
	if err != nil {
		w.logger.Error("failed to re-marshal task for retry, dead-lettering", zap.Error(err))
		q.DeadLetter(p.ID, p.Contents, "retry re-marshal failure: "+err.Error())
		_ = q.Delete(ctx, p.ID, p.PollTag)
		return
	}
	if _, err := q.Push(ctx, []queue.Message{{Contents: body, Priority: task.Priority}}); err != nil {
		w.logger.Error("failed to requeue task for retry", zap.Error(err))
	}
	_ = q.Delete(ctx, p.ID, p.PollTag)
}

// acquireGroupLock grounds on the teacher's IngestionLock: SETNX + TTL, no
// renewal goroutine here since C7's ProcessingDeadline already bounds how
// long one task may hold the lock.
func (w *Worker) acquireGroupLock(ctx context.Context, key string) (func(), error) {
	if w.redis == nil {
		return func() {}, nil
	}
	ok, err := w.redis.SetNX(ctx, key, w.cfg.WorkerID, w.cfg.LockTimeout).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire group lock: %v", domain.ErrTransientAdapter, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: group lock held by another worker", domain.ErrConflict)
	}
	return func() {
		w.redis.Del(context.Background(), key)
	}, nil
}
