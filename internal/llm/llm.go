// Package llm is the LLM Adapter (spec.md §4.3, C3): a single
// complete_json(system, user, schema, model_tier) call used by both the
// Extraction Engine and the Resolution Engine's contradiction check.
//
// Grounded on the teacher's internal/ai/router/router.go: same HTTP-to-sidecar
// request shape (jsonx-marshaled body, bearer header, makeRequest/extractContent
// pattern) and the same best-effort JSON-from-text recovery
// (parseJSONFromResponse), generalized from the router's multi-provider
// dispatch down to the single-sidecar-endpoint-plus-model-tier shape spec.md
// describes, since C3 is scoped to "an adapter", not a router.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/jsonx"
)

// Tier selects a model class. "large" is used for extraction's two LLM
// calls; "small" for resolution's contradiction check (§4.5, §4.6.2).
type Tier string

const (
	TierLarge Tier = "large"
	TierSmall Tier = "small"
)

// Config holds sidecar connection details.
type Config struct {
	ProviderURL string
	APIKey      string
	LargeModel  string
	SmallModel  string
	MaxRetries  int
	Timeout     time.Duration
}

// DefaultConfig matches spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ProviderURL: "http://localhost:8000",
		LargeModel:  "large",
		SmallModel:  "small",
		MaxRetries:  2,
		Timeout:     60 * time.Second,
	}
}

// Schema describes the shape a complete_json response must satisfy: a set of
// required top-level field names and, optionally, the Go kind each must
// decode to ("string", "number", "bool", "array", "object"). This is a
// deliberately small validator (no JSON-Schema library appears anywhere in
// the example corpus; a bespoke field-presence check is the narrowest
// correct tool and is documented as a stdlib-only exception in the design
// ledger) — it exists only to drive the reprompt-on-mismatch loop spec.md
// §4.3 calls for, not to be a general validator.
type Schema struct {
	Required map[string]string
}

// Client is the C3 LLM Adapter.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("llm"),
	}
}

func (c *Client) modelFor(tier Tier) string {
	if tier == TierSmall {
		return c.cfg.SmallModel
	}
	return c.cfg.LargeModel
}

// CompleteJSON issues one LLM call expecting structured JSON back, validating
// against schema and reprompting (up to cfg.MaxRetries times) with the
// validation error appended to the user message when the first attempt
// doesn't conform — this is the "schema validation + retry-with-reprompt"
// behavior spec.md §4.3 names explicitly.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, schema Schema, tier Tier) (map[string]any, error) {
	model := c.modelFor(tier)
	attemptUser := user

	var lastErr error
	failure := domain.ErrTransientAdapter
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		content, err := c.call(ctx, system, attemptUser, model)
		if err != nil {
			lastErr = err
			failure = domain.ErrTransientAdapter
			continue
		}

		result := parseJSONFromResponse(content)
		if err := validate(result, schema); err != nil {
			lastErr = err
			failure = domain.ErrSchema
			attemptUser = fmt.Sprintf("%s\n\nYour previous response did not match the required shape (%v). Respond again with valid JSON satisfying every required field.", user, err)
			c.logger.Debug("reprompting after schema mismatch", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: llm complete_json exhausted retries: %v", failure, lastErr)
}

func validate(result map[string]any, schema Schema) error {
	for field, kind := range schema.Required {
		v, ok := result[field]
		if !ok {
			return fmt.Errorf("missing required field %q", field)
		}
		if kind == "" {
			continue
		}
		if !matchesKind(v, kind) {
			return fmt.Errorf("field %q expected kind %q", field, kind)
		}
	}
	return nil
}

func matchesKind(v any, kind string) bool {
	switch kind {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) call(ctx context.Context, system, user, model string) (string, error) {
	temperature := 0.1
	if strings.HasPrefix(model, c.cfg.SmallModel) {
		temperature = 0.0
	}
	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
	}
	body, err := jsonx.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal llm request: %v", domain.ErrValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ProviderURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: llm request: %v", domain.ErrTransientAdapter, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: llm sidecar returned status %d", domain.ErrTransientAdapter, resp.StatusCode)
	}

	var result map[string]any
	if err := jsonx.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode llm response: %v", domain.ErrSchema, err)
	}
	return extractContent(result)
}

func extractContent(result map[string]any) (string, error) {
	if choices, ok := result["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content, nil
				}
			}
		}
	}
	if content, ok := result["content"].(string); ok {
		return content, nil
	}
	return "", fmt.Errorf("%w: could not extract content from llm response", domain.ErrSchema)
}

// parseJSONFromResponse recovers a JSON object from a chat completion's text,
// tolerating surrounding prose and markdown fences the way real model output
// does.
func parseJSONFromResponse(response string) map[string]any {
	if response == "" {
		return map[string]any{}
	}
	startIdx := -1
	for i, ch := range response {
		if ch == '{' || ch == '[' {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return map[string]any{}
	}
	text := response[startIdx:]
	closer := byte('}')
	if response[startIdx] == '[' {
		closer = ']'
	}

	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != closer {
			continue
		}
		candidate := text[:i+1]
		var result any
		if err := jsonx.Unmarshal([]byte(candidate), &result); err != nil {
			continue
		}
		switch v := result.(type) {
		case map[string]any:
			return v
		case []any:
			return map[string]any{"items": v}
		}
	}
	return map[string]any{}
}
