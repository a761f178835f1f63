package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reflective-memory-kernel/internal/dispatch"
	"github.com/reflective-memory-kernel/internal/domain"
)

func TestGroupIDOfKnownEventShapes(t *testing.T) {
	assert.Equal(t, "g1", groupIDOf(domain.NodeMutationEvent{GroupID: "g1"}))
	assert.Equal(t, "g2", groupIDOf(domain.NodeAccessEvent{Metadata: map[string]string{"group_id": "g2"}}))
	assert.Equal(t, "", groupIDOf(domain.NodeAccessEvent{}))
	assert.Equal(t, "", groupIDOf("unrelated payload"))
}

// TestDropOldestAndEnqueueDropsOldestAndFlagsLagging exercises the pure
// backpressure logic directly against a client whose send channel is
// already full, bypassing the real *websocket.Conn entirely (§4.10: a slow
// reader must never block the publisher).
func TestDropOldestAndEnqueueDropsOldestAndFlagsLagging(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	c := &client{send: make(chan envelope, 2)}
	c.send <- envelope{EventType: "first"}
	c.send <- envelope{EventType: "second"}

	b.dropOldestAndEnqueue(c, envelope{EventType: "third"})

	c.mu.Lock()
	lagging := c.lagging
	c.mu.Unlock()
	assert.True(t, lagging)

	require.Len(t, c.send, 2)
	assert.Equal(t, "second", (<-c.send).EventType)
	assert.Equal(t, "third", (<-c.send).EventType)
}

// TestPublishScopesDeliveryByGroupAndFillsQueue exercises Publish's
// group-filtering and queueing against directly-registered fake clients,
// without a real websocket connection.
func TestPublishScopesDeliveryByGroupAndFillsQueue(t *testing.T) {
	b := New(zaptest.NewLogger(t))

	subG1 := &client{groupID: "g1", send: make(chan envelope, 4)}
	subG2 := &client{groupID: "g2", send: make(chan envelope, 4)}
	subAll := &client{groupID: "", send: make(chan envelope, 4)}
	b.register(subG1)
	b.register(subG2)
	b.register(subAll)

	b.Publish("node_mutation", domain.NodeMutationEvent{GroupID: "g1"})

	assert.Len(t, subG1.send, 1)
	assert.Len(t, subG2.send, 0)
	assert.Len(t, subAll.send, 1)
}

// TestServeHTTPRoundTripsOverRealWebSocket exercises the full upgrade,
// register, and write-loop path against a live connection.
func TestServeHTTPRoundTripsOverRealWebSocket(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.ServeHTTP(w, r, "g1")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.clients) == 1
	}, time.Second, 10*time.Millisecond)

	b.Publish("node_mutation", domain.NodeMutationEvent{GroupID: "g1", CreatedUUIDs: []string{"n1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "node_mutation", got.EventType)
}

func TestRegisterWithDispatcherDeliversOnDispatch(t *testing.T) {
	b := New(zaptest.NewLogger(t))
	d := dispatch.New(dispatch.DefaultConfig(), dispatch.NewMetrics(nil), zaptest.NewLogger(t))
	b.RegisterWithDispatcher(d)

	c := &client{send: make(chan envelope, 4)}
	b.register(c)

	d.DispatchMutation(context.Background(), domain.NodeMutationEvent{GroupID: "g1"})

	require.Eventually(t, func() bool {
		return len(c.send) == 1
	}, time.Second, 10*time.Millisecond)
}
