// Package broadcast is the WebSocket Broadcaster (spec.md §4.10, C10): fans
// dispatcher events out to connected WebSocket clients, one send queue per
// client, bounded so a slow reader can never back-pressure the dispatcher.
//
// Grounded on the teacher's internal/agent/server.go (gorilla/websocket
// Upgrader wiring, per-connection write-mutex pattern) generalized from a
// single chat-socket endpoint to an N-subscriber fan-out hub, and on
// internal/server/websocket.go's Hub (register/unregister/broadcast
// channel shape), reimplemented over gorilla/websocket instead of the
// gnet-custom-frame Conn that file hand-rolls, since C10 is a standalone
// concern here, not riding on a gnet server loop.
package broadcast

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/dispatch"
	"github.com/reflective-memory-kernel/internal/domain"
)

// MaxPending is the per-client send-queue depth (§4.10); beyond this the
// oldest queued message is dropped and the client is flagged lagging.
const MaxPending = 1000

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type envelope struct {
	EventType string `json:"event_type"`
	Payload   any    `json:"payload"`
}

// client is one subscriber connection.
type client struct {
	conn    *websocket.Conn
	groupID string // "" subscribes to all groups
	send    chan envelope

	mu      sync.Mutex
	lagging bool
}

// Broadcaster is the C10 WebSocket Broadcaster.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger
}

// New creates a Broadcaster.
func New(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients: make(map[*client]struct{}),
		logger:  logger.Named("broadcast"),
	}
}

// RegisterWithDispatcher wires this broadcaster as a C9 internal handler.
func (b *Broadcaster) RegisterWithDispatcher(d *dispatch.Dispatcher) {
	d.RegisterHandler("broadcast", func(ctx context.Context, eventType string, payload any) {
		b.Publish(eventType, payload)
	})
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection. groupID, if non-empty, scopes delivery to events for that
// group only — extracted by the caller from the request (query param or
// path) before invoking this handler.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request, groupID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, groupID: groupID, send: make(chan envelope, MaxPending)}
	b.register(c)
	defer b.unregister(c)

	go b.writeLoop(c)
	b.readLoop(c)
}

func (b *Broadcaster) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

// readLoop only drains control frames (ping/close); clients are
// subscribe-only, this module has no client->server message protocol.
func (b *Broadcaster) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			b.logger.Debug("websocket write failed, dropping client", zap.Error(err))
			return
		}
	}
}

// Publish fans eventType/payload out to every subscribed client, dropping
// the oldest queued message (and flagging the client as lagging) for any
// client whose MaxPending-deep queue is already full rather than blocking
// the dispatcher (§4.10's "never let a slow client back-pressure
// ingestion").
func (b *Broadcaster) Publish(eventType string, payload any) {
	env := envelope{EventType: eventType, Payload: payload}
	groupID := groupIDOf(payload)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		if c.groupID != "" && groupID != "" && c.groupID != groupID {
			continue
		}
		select {
		case c.send <- env:
		default:
			b.dropOldestAndEnqueue(c, env)
		}
	}
}

func (b *Broadcaster) dropOldestAndEnqueue(c *client, env envelope) {
	c.mu.Lock()
	c.lagging = true
	c.mu.Unlock()

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- env:
	default:
		// Queue refilled concurrently between the drain and this send;
		// the client is already flagged lagging, so drop env silently.
	}
}

// groupIDOf extracts a group_id from the dispatcher's known event payload
// shapes so Publish can scope delivery to subscribers of one group.
func groupIDOf(payload any) string {
	switch v := payload.(type) {
	case domain.NodeMutationEvent:
		return v.GroupID
	case domain.NodeAccessEvent:
		return v.Metadata["group_id"]
	default:
		return ""
	}
}
