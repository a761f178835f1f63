// Package queue implements the durable message queue described in spec.md
// §4.1 (C1): ordered, at-least-once delivery with visibility timeouts and
// poll-tag acknowledgment, weighted across four priority classes so low
// priority traffic is never starved.
//
// Each Push is also written to Redis (go-redis/v9) the way the teacher's
// kernel wires its redisClient: the message id goes into a ZSET per priority
// class (score = enqueue sequence) and the envelope under a per-message key;
// each delivery writes its poll tag under a per-message key whose TTL is the
// visibility timeout, and Delete removes both keys. Delivery runs from the
// in-memory state only: New does not read these keys back, so messages
// pushed before a process restart are not redelivered by the new process,
// and ids are not removed from the ZSET on delivery or Delete.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
)

// Message is a push request. Priority is carried out-of-band from the
// opaque Contents (§4.1's wire format keeps contents opaque; requiring the
// queue to parse task JSON to recover priority would break that contract),
// set by the caller (queueproxy) from the IngestionTask it just serialized.
type Message struct {
	Contents              []byte
	Priority              domain.Priority
	VisibilityTimeoutSecs int
}

// Polled is what poll() returns for one delivered message.
type Polled struct {
	ID       string
	PollTag  string
	Contents []byte
}

// envelope is the durable, Redis-persisted record for one message.
type envelope struct {
	ID       string `json:"id"`
	Contents []byte `json:"contents"`
	Priority int    `json:"priority"`
	Seq      int64  `json:"seq"`
}

// inflight tracks a delivered-but-unacked message.
type inflight struct {
	ID      string
	PollTag string
	Expires time.Time
}

// Queue is one named durable queue with four priority classes.
type Queue struct {
	name   string
	redis  *redis.Client
	logger *zap.Logger

	mu           sync.Mutex
	seq          int64
	ready        map[domain.Priority][]envelope // in-memory mirror, Redis-backed
	inflight     map[string]*inflight           // message id -> delivery record
	requeueStore map[string]envelope            // delivered-but-unacked envelopes, for redelivery on VT expiry
	credits      map[domain.Priority]int
	deadLetter   []DeadLetterRecord
}

// DeadLetterRecord preserves the original task payload verbatim alongside
// the failure reason (invariant 5).
type DeadLetterRecord struct {
	TaskID         string
	OriginalPayload []byte
	Reason         string
	RecordedAt     time.Time
}

// Stats summarizes queue depth for health/introspection callers.
type Stats struct {
	ReadyByPriority map[domain.Priority]int
	InFlight        int
	DeadLettered    int
}

const redisKeyPrefix = "queue:"

// New creates a Queue backed by the given Redis client. redisClient may be
// nil, in which case the queue runs purely in-memory (useful for tests and
// for USE_QUEUE_FOR_INGESTION=false synchronous paths).
func New(name string, redisClient *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		name:     name,
		redis:    redisClient,
		logger:   logger.Named("queue").With(zap.String("queue", name)),
		ready:        make(map[domain.Priority][]envelope),
		inflight:     make(map[string]*inflight),
		requeueStore: make(map[string]envelope),
		credits: map[domain.Priority]int{
			domain.PriorityLow:      1,
			domain.PriorityNormal:   2,
			domain.PriorityHigh:     3,
			domain.PriorityCritical: 4,
		},
	}
}

// Push durably enqueues messages, returning their assigned ids. Push is
// durable before acknowledging the producer: the Redis write happens before
// this call returns.
func (q *Queue) Push(ctx context.Context, messages []Message) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		id := uuid.New().String()
		q.seq++
		env := envelope{ID: id, Contents: m.Contents, Priority: int(m.Priority), Seq: q.seq}

		if err := q.persist(ctx, env); err != nil {
			return ids, fmt.Errorf("%w: push failed: %v", domain.ErrTransientAdapter, err)
		}

		q.ready[m.Priority] = append(q.ready[m.Priority], env)
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *Queue) persist(ctx context.Context, env envelope) error {
	if q.redis == nil {
		return nil
	}
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + q.name + ":msg:" + env.ID
	zkey := redisKeyPrefix + q.name + ":ready:" + fmt.Sprint(env.Priority)
	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(env.Seq), Member: env.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Poll returns up to count messages, weighted fairly across priority
// classes with higher classes preferred but never starving lower ones, and
// marks each as invisible for visibilityTimeout.
func (q *Queue) Poll(ctx context.Context, count int, visibilityTimeout time.Duration) ([]Polled, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapExpired()

	out := make([]Polled, 0, count)
	classes := []domain.Priority{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}

	for len(out) < count {
		delivered := false
		for _, p := range classes {
			if len(out) >= count {
				break
			}
			if len(q.ready[p]) == 0 || q.credits[p] <= 0 {
				continue
			}
			env := q.ready[p][0]
			q.ready[p] = q.ready[p][1:]
			q.credits[p]--

			pollTag := uuid.New().String()
			q.inflight[env.ID] = &inflight{ID: env.ID, PollTag: pollTag, Expires: time.Now().Add(visibilityTimeout)}
			q.requeueStore[env.ID] = env
			if err := q.markInFlight(ctx, env.ID, pollTag, visibilityTimeout); err != nil {
				q.logger.Warn("failed to persist in-flight marker", zap.Error(err))
			}

			out = append(out, Polled{ID: env.ID, PollTag: pollTag, Contents: env.Contents})
			delivered = true
		}
		if !delivered {
			break
		}
	}

	// Refill credits once a full pass produced nothing further, so the next
	// Poll call starts fresh and low classes keep getting a turn.
	if len(out) == 0 || q.allEmptyOrExhausted() {
		q.credits = map[domain.Priority]int{
			domain.PriorityLow:      1,
			domain.PriorityNormal:   2,
			domain.PriorityHigh:     3,
			domain.PriorityCritical: 4,
		}
	}

	return out, nil
}

func (q *Queue) allEmptyOrExhausted() bool {
	for p, msgs := range q.ready {
		if len(msgs) > 0 && q.credits[p] > 0 {
			return false
		}
	}
	return true
}

func (q *Queue) markInFlight(ctx context.Context, id, pollTag string, vt time.Duration) error {
	if q.redis == nil {
		return nil
	}
	key := redisKeyPrefix + q.name + ":inflight:" + id
	return q.redis.Set(ctx, key, pollTag, vt).Err()
}

// reapExpired returns expired in-flight messages to their ready class,
// incrementing nothing. The worker does not count such a redelivery either:
// it increments the task's retry_count only when processing fails.
func (q *Queue) reapExpired() {
	now := time.Now()
	for id, f := range q.inflight {
		if now.After(f.Expires) {
			delete(q.inflight, id)
			// requeueStore holds the delivered envelope, so the message goes
			// back to the front of its original priority class.
			if env, ok := q.requeueStore[id]; ok {
				q.ready[domain.Priority(env.Priority)] = append([]envelope{env}, q.ready[domain.Priority(env.Priority)]...)
				delete(q.requeueStore, id)
			}
		}
	}
}

// Delete acknowledges successful processing of message id. A stale pollTag
// (the delivery already expired and was redelivered) fails.
func (q *Queue) Delete(ctx context.Context, id, pollTag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[id]
	if !ok || f.PollTag != pollTag {
		return fmt.Errorf("%w: stale or unknown poll_tag for message %s", domain.ErrValidation, id)
	}
	delete(q.inflight, id)
	delete(q.requeueStore, id)

	if q.redis != nil {
		key := redisKeyPrefix + q.name + ":inflight:" + id
		msgKey := redisKeyPrefix + q.name + ":msg:" + id
		pipe := q.redis.TxPipeline()
		pipe.Del(ctx, key)
		pipe.Del(ctx, msgKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransientAdapter, err)
		}
	}
	return nil
}

// DeadLetter moves a task out of the live queue and records it verbatim
// (invariant 5).
func (q *Queue) DeadLetter(id string, originalPayload []byte, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, DeadLetterRecord{
		TaskID:          id,
		OriginalPayload: originalPayload,
		Reason:          domain.SanitizeString(reason),
		RecordedAt:      time.Now(),
	})
	delete(q.inflight, id)
	delete(q.requeueStore, id)
}

// DeadLetters returns all recorded dead letters (for inspection / testing).
func (q *Queue) DeadLetters() []DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterRecord, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// Stats reports queue depth, useful for health probes and the /metrics
// surface (out of core, but the data is owned here).
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byPriority := make(map[domain.Priority]int)
	for p, msgs := range q.ready {
		byPriority[p] = len(msgs)
	}
	return Stats{ReadyByPriority: byPriority, InFlight: len(q.inflight), DeadLettered: len(q.deadLetter)}
}

// Name returns the queue's name, used by list_queues / is_healthy (C8).
func (q *Queue) Name() string { return q.name }
