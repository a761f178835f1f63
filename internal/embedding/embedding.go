// Package embedding is the Embedding Adapter (spec.md §4.4, C4): text to
// L2-normalized vector, batched, with bounded retry and graceful degradation
// to a pending_embedding marker on persistent failure.
//
// Grounded on the teacher's internal/embedding/service.go (HTTP-to-sidecar
// call shape, response decoding) generalized to batch calls and an LRU cache
// (the teacher's bespoke map+mutex-with-half-eviction cache is replaced with
// github.com/hashicorp/golang-lru/v2, the way internal/agent/namespace_auth.go
// already uses it elsewhere in the teacher's own tree).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
)

const cacheSize = 2000

// Config controls the HTTP sidecar endpoint and retry behavior.
type Config struct {
	ProviderURL string
	Model       string
	Dimension   int
	MaxRetries  int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// DefaultConfig matches spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ProviderURL: "http://localhost:8000",
		Model:       "default",
		Dimension:   1024,
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		Timeout:     10 * time.Second,
	}
}

// Service is the C4 Embedding Adapter.
type Service struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	cache  *lru.Cache[string, []float32]
}

// New creates an embedding Service.
func New(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("embedding"),
		cache:  cache,
	}
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in one round-trip, honoring a per-text cache and
// retrying the HTTP call with exponential backoff on transient failure. On
// persistent failure, the corresponding slot is returned as nil — the caller
// (extraction / resolution) is responsible for setting pending_embedding on
// the domain object and skipping vector-dependent steps for it (§4.4 failure
// semantics).
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var misses []string
	missIdx := make([]int, 0, len(texts))

	for i, t := range texts {
		if v, ok := s.cache.Get(t); ok {
			out[i] = v
			continue
		}
		misses = append(misses, t)
		missIdx = append(missIdx, i)
	}

	if len(misses) == 0 {
		return out, nil
	}

	vectors, err := s.callWithRetry(ctx, misses)
	if err != nil {
		s.logger.Warn("embedding call failed after retries, marking pending", zap.Error(err))
		return out, nil
	}

	for j, idx := range missIdx {
		if j >= len(vectors) {
			continue
		}
		v := normalizeL2(vectors[j])
		out[idx] = v
		s.cache.Add(misses[j], v)
	}
	return out, nil
}

func (s *Service) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := s.cfg.BaseBackoff
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		vectors, err := s.call(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		s.logger.Debug("embedding request attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: embedding call exhausted retries: %v", domain.ErrTransientAdapter, lastErr)
}

func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedBatchRequest{Texts: texts, Model: s.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal embed request: %v", domain.ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ProviderURL+"/embed/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	var result embedBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalizeL2(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	var sumSquares float64
	for _, f := range v {
		sumSquares += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
