package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/embedding"
	"github.com/reflective-memory-kernel/internal/extraction"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/llm"
	"github.com/reflective-memory-kernel/internal/queue"
	"github.com/reflective-memory-kernel/internal/resolution"
)

// fakeLLMServer answers the two Extract() calls the worker's pipeline makes
// for a fresh episode: one for entities, one for edges, detected from the
// system prompt content exactly like the real sidecar would receive it.
func fakeLLMServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		system := req.Messages[0].Content

		var content string
		switch {
		case strings.Contains(system, "entity extraction"):
			content = `{"entities":[{"name":"Alice","type":"Person"},{"name":"Bob","type":"Person"}]}`
		case strings.Contains(system, "relationship extraction"):
			content = `{"edges":[{"source":"Alice","relation":"knows","target":"Bob","fact":"Alice knows Bob"}]}`
		default:
			content = `{"contradicts":false}`
		}

		resp := map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

// fakeEmbeddingServer returns a fixed-dimension vector per requested text.
func fakeEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			vectors[i] = []float32{1, 0, 0}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []domain.NodeMutationEvent
}

func (f *fakeDispatcher) DispatchMutation(ctx context.Context, ev domain.NodeMutationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func newTestWorker(t *testing.T, dispatcher Dispatcher, workerID string, peers []string) (*Worker, *queue.Broker, graph.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	llmSrv := fakeLLMServer(t)
	t.Cleanup(llmSrv.Close)
	embedSrv := fakeEmbeddingServer(t)
	t.Cleanup(embedSrv.Close)

	llmClient := llm.New(llm.Config{ProviderURL: llmSrv.URL, LargeModel: "large", SmallModel: "small", MaxRetries: 1, Timeout: 5 * time.Second}, logger)
	embedder := embedding.New(embedding.Config{ProviderURL: embedSrv.URL, MaxRetries: 1, Timeout: 5 * time.Second}, logger)
	store := graph.NewMemStore()

	extractionEngine := extraction.New(llmClient, embedder, store, logger)
	resolutionEngine, err := resolution.New(store, llmClient, resolution.DefaultThresholds(), false, logger)
	require.NoError(t, err)

	broker := queue.NewBroker(nil, logger)
	cfg := DefaultConfig(workerID)
	if len(peers) > 0 {
		cfg.Peers = peers
	}
	w := New(cfg, broker, store, extractionEngine, resolutionEngine, dispatcher, nil, logger)
	return w, broker, store
}

func TestWorkerProcessesEpisodeEndToEnd(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w, broker, store := newTestWorker(t, dispatcher, "worker-1", nil)
	ctx := context.Background()

	payload := domain.EpisodePayload{
		UUID:      "ep-1",
		Name:      "msg",
		Content:   "Alice met Bob at the conference.",
		Role:      "user",
		RoleType:  "human",
		Timestamp: time.Now(),
	}
	payloadBytes, err := sonic.Marshal(payload)
	require.NoError(t, err)

	task := domain.IngestionTask{
		ID:         "task-1",
		Type:       domain.TaskEpisode,
		Payload:    payloadBytes,
		GroupID:    "g1",
		Priority:   domain.PriorityNormal,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
	envelope, err := sonic.Marshal(task)
	require.NoError(t, err)

	q := broker.Queue("ingestion")
	_, err = q.Push(ctx, []queue.Message{{Contents: envelope, Priority: domain.PriorityNormal, VisibilityTimeoutSecs: 30}})
	require.NoError(t, err)

	w.pollAndProcess(ctx)

	exists, err := store.EpisodeExists(ctx, "ep-1")
	require.NoError(t, err)
	assert.True(t, exists)

	nodes, err := store.FindNodesByExactName(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Alice", nodes[0].Name)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, "g1", dispatcher.events[0].GroupID)
}

func TestWorkerSkipsGroupItDoesNotOwn(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w, broker, _ := newTestWorker(t, dispatcher, "worker-1", []string{"worker-1", "worker-2"})
	ctx := context.Background()

	// Find a group_id that worker-1 does not own under a two-replica split.
	owningPeer := w.rv.Get("group-x")
	if owningPeer == "worker-1" {
		t.Skip("group-x happens to hash to worker-1 under this rendezvous set; not a useful case")
	}

	payload := domain.EpisodePayload{UUID: "ep-2", Content: "irrelevant", Timestamp: time.Now()}
	payloadBytes, err := sonic.Marshal(payload)
	require.NoError(t, err)
	task := domain.IngestionTask{ID: "task-2", Type: domain.TaskEpisode, Payload: payloadBytes, GroupID: "group-x", MaxRetries: 3, CreatedAt: time.Now()}
	envelope, err := sonic.Marshal(task)
	require.NoError(t, err)

	q := broker.Queue("ingestion")
	_, err = q.Push(ctx, []queue.Message{{Contents: envelope, Priority: domain.PriorityNormal, VisibilityTimeoutSecs: 30}})
	require.NoError(t, err)

	w.pollAndProcess(ctx)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Empty(t, dispatcher.events)
}

func TestWorkerDeadLettersUnmarshalableTask(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w, broker, _ := newTestWorker(t, dispatcher, "worker-1", nil)
	ctx := context.Background()

	q := broker.Queue("ingestion")
	_, err := q.Push(ctx, []queue.Message{{Contents: []byte("not json"), Priority: domain.PriorityNormal, VisibilityTimeoutSecs: 30}})
	require.NoError(t, err)

	w.pollAndProcess(ctx)

	require.Len(t, q.DeadLetters(), 1)
	assert.Contains(t, q.DeadLetters()[0].Reason, "unmarshal failure")
}

func TestWorkerRetriesThenDeadLettersOnRepeatedFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	w, broker, _ := newTestWorker(t, dispatcher, "worker-1", nil)
	ctx := context.Background()

	payloadBytes, err := sonic.Marshal(domain.EpisodePayload{UUID: "ep-3", Timestamp: time.Now()})
	require.NoError(t, err)
	task := domain.IngestionTask{
		ID:         "task-3",
		Type:       "unsupported_type",
		Payload:    payloadBytes,
		GroupID:    "g1",
		MaxRetries: 1,
		CreatedAt:  time.Now(),
	}
	envelope, err := sonic.Marshal(task)
	require.NoError(t, err)

	q := broker.Queue("ingestion")
	_, err = q.Push(ctx, []queue.Message{{Contents: envelope, Priority: domain.PriorityNormal, VisibilityTimeoutSecs: 30}})
	require.NoError(t, err)

	w.pollAndProcess(ctx) // retry_count -> 1, requeued
	w.pollAndProcess(ctx) // retry_count -> 2 > max_retries 1, dead-lettered

	require.Len(t, q.DeadLetters(), 1)
}
