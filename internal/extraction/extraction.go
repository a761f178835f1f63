// Package extraction is the Extraction Engine (spec.md §4.5, C5): turns an
// Episode into candidate entities and edges via two LLM calls plus batched
// embedding. Grounded on the teacher's internal/ai/services/extraction.go
// (prompt-building shape, name/whitespace normalization, chitchat-style
// pre-filtering idiom) generalized from a single free-form entity list to
// spec.md's entity+edge two-call shape, driven through C3 (internal/llm)
// and C4 (internal/embedding) instead of the teacher's direct router call.
package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/embedding"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/llm"
)

// MaxNameLength enforces step 5's "longer than a configurable limit" rule.
const MaxNameLength = 200

// ContextWindow is the default number of prior episodes in the same group_id
// folded into the extraction prompt (§4.5 step 1).
const ContextWindow = 5

// CandidateEntity is one entity surfaced by the first LLM call, before
// resolution.
type CandidateEntity struct {
	Name          string
	Type          string
	Attributes    map[string]string
	NameEmbedding []float32
}

// CandidateEdge is one edge surfaced by the second LLM call, referencing
// entities by name (resolution maps names to uuids downstream).
type CandidateEdge struct {
	SourceName    string
	Relation      string
	TargetName    string
	Fact          string
	ValidAt       time.Time
	FactEmbedding []float32
}

// Result is what Extract returns.
type Result struct {
	Entities []CandidateEntity
	Edges    []CandidateEdge
	Empty    bool
}

// Engine is the C5 Extraction Engine.
type Engine struct {
	llm    *llm.Client
	embed  *embedding.Service
	store  graph.Store
	logger *zap.Logger
}

// New creates an Engine.
func New(llmClient *llm.Client, embedder *embedding.Service, store graph.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{llm: llmClient, embed: embedder, store: store, logger: logger.Named("extraction")}
}

var entitySchema = llm.Schema{Required: map[string]string{"entities": "array"}}
var edgeSchema = llm.Schema{Required: map[string]string{"edges": "array"}}

// Extract runs the full §4.5 algorithm for one episode.
func (e *Engine) Extract(ctx context.Context, ep *domain.Episode) (*Result, error) {
	contextEpisodes, err := e.store.RecentEpisodes(ctx, ep.GroupID, ContextWindow)
	if err != nil {
		e.logger.Warn("failed to load context window, proceeding without it", zap.Error(err))
	}

	entities, err := e.extractEntities(ctx, ep, contextEpisodes)
	if err != nil {
		return nil, fmt.Errorf("%w: entity extraction: %v", domain.ErrTransientAdapter, err)
	}
	if len(entities) == 0 {
		return &Result{Empty: true}, nil
	}

	edges, err := e.extractEdges(ctx, ep, entities)
	if err != nil {
		return nil, fmt.Errorf("%w: edge extraction: %v", domain.ErrTransientAdapter, err)
	}

	if err := e.embedEntities(ctx, entities); err != nil {
		e.logger.Warn("entity embedding failed, proceeding with pending_embedding", zap.Error(err))
	}
	if err := e.embedEdges(ctx, edges); err != nil {
		e.logger.Warn("edge embedding failed, proceeding with pending_embedding", zap.Error(err))
	}

	return &Result{Entities: entities, Edges: edges}, nil
}

func (e *Engine) extractEntities(ctx context.Context, ep *domain.Episode, contextEpisodes []*domain.Episode) ([]CandidateEntity, error) {
	system := "You are a precise entity extraction engine for a temporal knowledge graph. Output JSON only: {\"entities\": [{\"name\":...,\"type\":...,\"attributes\":{...}}]}."
	user := buildExtractionPrompt(ep, contextEpisodes)

	result, err := e.llm.CompleteJSON(ctx, system, user, entitySchema, llm.TierLarge)
	if err != nil {
		return nil, err
	}

	raw, _ := result["entities"].([]any)
	out := make([]CandidateEntity, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := normalizeExtractedName(stringField(m, "name"))
		if name == "" || isPurelyNumeric(name) || len(name) > MaxNameLength {
			continue
		}
		out = append(out, CandidateEntity{
			Name:       name,
			Type:       stringField(m, "type"),
			Attributes: stringMapField(m, "attributes"),
		})
	}
	return out, nil
}

func (e *Engine) extractEdges(ctx context.Context, ep *domain.Episode, entities []CandidateEntity) ([]CandidateEdge, error) {
	names := make([]string, len(entities))
	for i, c := range entities {
		names[i] = c.Name
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	system := "You are a precise relationship extraction engine. Output JSON only: {\"edges\": [{\"source\":...,\"relation\":...,\"target\":...,\"fact\":...,\"valid_at\":...}]}. Only reference entities from the provided list."
	user := fmt.Sprintf("Known entities: %s\n\nEpisode content (%s/%s):\n%s", strings.Join(names, ", "), ep.Role, ep.RoleType, ep.Content)

	result, err := e.llm.CompleteJSON(ctx, system, user, edgeSchema, llm.TierLarge)
	if err != nil {
		return nil, err
	}

	raw, _ := result["edges"].([]any)
	out := make([]CandidateEdge, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		source := normalizeExtractedName(stringField(m, "source"))
		target := normalizeExtractedName(stringField(m, "target"))
		if !known[source] || !known[target] {
			continue
		}
		validAt := ep.Timestamp
		if s := stringField(m, "valid_at"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				validAt = t
			}
		}
		out = append(out, CandidateEdge{
			SourceName: source,
			Relation:   stringField(m, "relation"),
			TargetName: target,
			Fact:       stringField(m, "fact"),
			ValidAt:    validAt,
		})
	}
	return out, nil
}

func (e *Engine) embedEntities(ctx context.Context, entities []CandidateEntity) error {
	names := make([]string, len(entities))
	for i, c := range entities {
		names[i] = c.Name
	}
	vectors, err := e.embed.EmbedBatch(ctx, names)
	if err != nil {
		return err
	}
	for i := range entities {
		if i < len(vectors) {
			entities[i].NameEmbedding = vectors[i]
		}
	}
	return nil
}

func (e *Engine) embedEdges(ctx context.Context, edges []CandidateEdge) error {
	facts := make([]string, len(edges))
	for i, c := range edges {
		facts[i] = c.Fact
	}
	vectors, err := e.embed.EmbedBatch(ctx, facts)
	if err != nil {
		return err
	}
	for i := range edges {
		if i < len(vectors) {
			edges[i].FactEmbedding = vectors[i]
		}
	}
	return nil
}

func buildExtractionPrompt(ep *domain.Episode, contextEpisodes []*domain.Episode) string {
	var b strings.Builder
	if len(contextEpisodes) > 0 {
		b.WriteString("Recent context:\n")
		for _, c := range contextEpisodes {
			b.WriteString(fmt.Sprintf("- %s(%s): %s\n", c.Role, c.RoleType, truncate(c.Content, 300)))
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("Extract entities from this episode:\n%s(%s): %s\n", ep.Role, ep.RoleType, ep.Content))
	return b.String()
}

var surroundingQuotes = regexp.MustCompile("^[\"'`]+|[\"'`]+$")
var internalWhitespace = regexp.MustCompile(`\s+`)

// normalizeExtractedName implements §4.5 step 4: strip surrounding
// quotes/backticks, collapse internal whitespace, preserve case.
func normalizeExtractedName(name string) string {
	name = surroundingQuotes.ReplaceAllString(strings.TrimSpace(name), "")
	name = internalWhitespace.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

func isPurelyNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringMapField(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
