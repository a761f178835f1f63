// Package queueproxy is the thin producer-side wrapper described in
// spec.md §4.8 (C8): it accepts domain objects, builds IngestionTask
// envelopes with canonical ids and defaults, and pushes them through the
// durable queue (C1). Grounded on the original service's QueueProxy
// (server/graph_service/queue_proxy.py in original_source): same default
// queue name, same priority mapping, same envelope shape.
package queueproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/queue"
)

const (
	// DefaultPriority is TaskPriority.NORMAL, matching the original
	// service and spec.md §4.8.
	DefaultPriority = domain.PriorityNormal
	// DefaultMaxRetries matches the original service's hardcoded 3.
	DefaultMaxRetries = 3

	queueName = "ingestion"
)

// Message is the minimal shape the HTTP ingress hands to the proxy for a
// POST /messages call.
type Message struct {
	UUID              string    `json:"uuid"`
	Name              string    `json:"name"`
	Content           string    `json:"content"`
	Role              string    `json:"role"`
	RoleType          string    `json:"role_type"`
	Source            string    `json:"source"`
	SourceDescription string    `json:"source_description"`
	Timestamp         time.Time `json:"timestamp"`
}

// EntityData is the minimal shape for a POST /entity-node call.
type EntityData struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}

// Proxy wraps the broker's "ingestion" queue with producer ergonomics.
type Proxy struct {
	broker  *queue.Broker
	logger  *zap.Logger
	enabled bool
}

// New creates a Proxy. enabled mirrors USE_QUEUE_FOR_INGESTION; when false,
// Send* calls are no-ops returning false so the caller can fall back to the
// synchronous path (spec.md §9 open question: this toggle's interaction
// with sync-path idempotence is the caller's responsibility, not the
// proxy's).
func New(broker *queue.Broker, enabled bool, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{broker: broker, logger: logger.Named("queueproxy"), enabled: enabled}
}

// IsHealthy verifies that the named queue exists (§4.8).
func (p *Proxy) IsHealthy() bool {
	return p.broker.HasQueue(queueName)
}

// SendMessage builds an episode IngestionTask and pushes it.
func (p *Proxy) SendMessage(ctx context.Context, msg Message, groupID string) (bool, error) {
	if !p.enabled {
		p.logger.Debug("queue proxy disabled, skipping")
		return false, nil
	}
	if err := domain.ValidateGroupID(groupID); err != nil {
		return false, err
	}

	payload := domain.EpisodePayload{
		UUID:              msg.UUID,
		Name:              msg.Name,
		Content:           fmt.Sprintf("%s(%s): %s", msg.Role, msg.RoleType, msg.Content),
		Role:              msg.Role,
		RoleType:          msg.RoleType,
		Source:            msg.Source,
		SourceDescription: msg.SourceDescription,
		Timestamp:         msg.Timestamp,
	}
	payloadBytes, err := sonic.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("%w: marshal episode payload: %v", domain.ErrValidation, err)
	}

	task := domain.IngestionTask{
		ID:         "msg-" + msg.UUID,
		Type:       domain.TaskEpisode,
		Payload:    payloadBytes,
		GroupID:    groupID,
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
		Metadata:   map[string]string{"source": "api"},
	}
	return p.push(ctx, task)
}

// SendEntity builds an entity IngestionTask and pushes it.
func (p *Proxy) SendEntity(ctx context.Context, data EntityData, groupID string) (bool, error) {
	if !p.enabled {
		return false, nil
	}
	if err := domain.ValidateGroupID(groupID); err != nil {
		return false, err
	}

	payloadBytes, err := sonic.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("%w: marshal entity payload: %v", domain.ErrValidation, err)
	}

	task := domain.IngestionTask{
		ID:         fmt.Sprintf("entity-%s-%d", data.UUID, time.Now().UnixNano()),
		Type:       domain.TaskEntity,
		Payload:    payloadBytes,
		GroupID:    groupID,
		Priority:   DefaultPriority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
		Metadata:   map[string]string{"source": "api"},
	}
	return p.push(ctx, task)
}

func (p *Proxy) push(ctx context.Context, task domain.IngestionTask) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	envelope, err := sonic.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("%w: marshal task: %v", domain.ErrValidation, err)
	}

	q := p.broker.Queue(queueName)
	_, err = q.Push(ctx, []queue.Message{{
		Contents:              envelope,
		Priority:              task.Priority,
		VisibilityTimeoutSecs: 300,
	}})
	if err != nil {
		p.logger.Error("failed to push task to queue", zap.Error(err))
		return false, fmt.Errorf("%w: %v", domain.ErrTransientAdapter, err)
	}
	return true, nil
}
