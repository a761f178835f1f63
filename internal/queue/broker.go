package queue

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Broker owns the set of named queues in a process, exposing list_queues
// for C8's is_healthy() check.
type Broker struct {
	mu     sync.RWMutex
	redis  *redis.Client
	logger *zap.Logger
	queues map[string]*Queue
}

// NewBroker creates a Broker. redisClient may be nil for in-memory-only use.
func NewBroker(redisClient *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{
		redis:  redisClient,
		logger: logger,
		queues: make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating it on first use.
func (b *Broker) Queue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := New(name, b.redis, b.logger)
	b.queues[name] = q
	return q
}

// ListQueues returns the names of all known queues.
func (b *Broker) ListQueues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// HasQueue reports whether a queue with the given name has been created.
func (b *Broker) HasQueue(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[name]
	return ok
}
