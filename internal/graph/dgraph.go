package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reflective-memory-kernel/internal/domain"
)

// DgraphConfig mirrors the teacher's ClientConfig, generalized to spec.md §6's
// GRAPH_URI/GRAPH_USER/GRAPH_PASSWORD/GRAPH_DATABASE knobs.
type DgraphConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultDgraphConfig matches the teacher's DefaultClientConfig.
func DefaultDgraphConfig() DgraphConfig {
	return DgraphConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// DgraphStore is the primary Store backend: a transactional property-graph
// server reached over grpc, grounded on the teacher's internal/graph/client.go
// (connection-retry loop, schema-init-via-Alter, NQuad mutation style) but
// carrying the EntityNode / EntityEdge / Episode / CanonicalityEdge schema
// this module's domain model needs instead of the teacher's Memory/Insight
// node types.
type DgraphStore struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewDgraphStore dials DGraph with the teacher's retry-with-sleep loop and
// initializes the schema before returning.
func NewDgraphStore(ctx context.Context, cfg DgraphConfig, logger *zap.Logger) (*DgraphStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("graph.dgraph")

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err == nil {
			break
		}
		logger.Warn("failed to connect to dgraph, retrying",
			zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial dgraph after %d attempts: %v", domain.ErrTransientAdapter, cfg.MaxRetries, err)
	}

	s := &DgraphStore{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		logger: logger,
	}
	if err := s.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *DgraphStore) initSchema(ctx context.Context) error {
	const schema = `
		type EntityNode {
			uuid
			group_id
			name
			normalized_name
			summary
			labels
			name_embedding
			pending_embedding
			pagerank
			degree
			betweenness
			importance
			created_at
		}

		type EntityEdge {
			uuid
			group_id
			name
			fact
			source_node_uuid
			target_node_uuid
			fact_embedding
			valid_at
			invalid_at
			expired_at
			created_at
			episode_provenance
		}

		type Episode {
			uuid
			group_id
			name
			content
			role
			role_type
			source
			source_description
			timestamp
			created_at
		}

		uuid: string @index(exact) .
		group_id: string @index(exact) .
		name: string @index(exact, term) .
		normalized_name: string @index(exact) .
		summary: string @index(fulltext) .
		labels: [string] @index(exact) .
		name_embedding: float32vector @index(hnsw(metric: "cosine")) .
		pending_embedding: bool .
		pagerank: float .
		degree: float .
		betweenness: float .
		importance: float .
		created_at: datetime @index(hour) .

		fact: string @index(fulltext) .
		source_node_uuid: string @index(exact) .
		target_node_uuid: string @index(exact) .
		fact_embedding: float32vector @index(hnsw(metric: "cosine")) .
		valid_at: datetime @index(hour) .
		invalid_at: datetime @index(hour) .
		expired_at: datetime .
		episode_provenance: [string] .

		content: string .
		role: string .
		role_type: string .
		source: string .
		source_description: string .
		timestamp: datetime @index(hour) .

		duplicate_of: uid @reverse .
		mentions: [uid] @reverse .
		has_edge: [uid] @reverse .
	`
	if err := s.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return fmt.Errorf("%w: alter schema: %v", domain.ErrSchema, err)
	}
	s.logger.Info("dgraph schema initialized")
	return nil
}

// Close closes the underlying connection.
func (s *DgraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Health issues a trivial read-only query.
func (s *DgraphStore) Health(ctx context.Context) error {
	_, err := s.dg.NewReadOnlyTxn().Query(ctx, `{ q(func: has(dgraph.type), first: 1) { uid } }`)
	if err != nil {
		return fmt.Errorf("%w: dgraph health query: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

// ExecuteQuery runs an arbitrary DQL query with variables, returning rows
// flattened into Record maps the way callers that bypass the typed Store
// methods expect.
func (s *DgraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]Record, Summary, []string, error) {
	vars := make(map[string]string, len(params))
	for k, v := range params {
		vars[k] = fmt.Sprintf("%v", v)
	}
	start := time.Now()
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, Summary{}, nil, fmt.Errorf("%w: execute query: %v", domain.ErrTransientAdapter, err)
	}

	var raw map[string][]Record
	if err := json.Unmarshal(resp.Json, &raw); err != nil {
		return nil, Summary{}, nil, fmt.Errorf("%w: unmarshal query result: %v", domain.ErrSchema, err)
	}
	var records []Record
	for _, rows := range raw {
		records = append(records, rows...)
	}
	return records, Summary{Took: time.Since(start)}, nil, nil
}

// FetchNodes returns raw rows of a given dgraph.type matching equality
// filters.
func (s *DgraphStore) FetchNodes(ctx context.Context, label string, filters map[string]any) ([]Record, error) {
	query, vars := buildFilterQuery(label, filters)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch nodes: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []Record `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal fetch nodes: %v", domain.ErrSchema, err)
	}
	return result.Q, nil
}

// FetchEdges returns raw rows of edge type edgeType matching equality
// filters.
func (s *DgraphStore) FetchEdges(ctx context.Context, edgeType string, filters map[string]any) ([]Record, error) {
	return s.FetchNodes(ctx, edgeType, filters)
}

func buildFilterQuery(label string, filters map[string]any) (string, map[string]string) {
	var b strings.Builder
	vars := make(map[string]string)
	b.WriteString(fmt.Sprintf("query Q(%s) {\n", declareVars(filters)))
	b.WriteString(fmt.Sprintf("  q(func: type(%s)) @filter(", label))
	i := 0
	for k := range filters {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(fmt.Sprintf("eq(%s, $%s)", k, k))
		i++
	}
	b.WriteString(") {\n    uid\n    expand(_all_)\n  }\n}")
	for k, v := range filters {
		vars["$"+k] = fmt.Sprintf("%v", v)
	}
	return b.String(), vars
}

func declareVars(filters map[string]any) string {
	var parts []string
	for k := range filters {
		parts = append(parts, fmt.Sprintf("$%s: string", k))
	}
	return strings.Join(parts, ", ")
}

// --- Nodes -----------------------------------------------------------------

func (s *DgraphStore) CreateEntityNode(ctx context.Context, n *domain.EntityNode) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	doc := map[string]any{
		"uid":                fmt.Sprintf("_:node_%s", n.UUID),
		"dgraph.type":        "EntityNode",
		"uuid":               n.UUID,
		"group_id":           n.GroupID,
		"name":               n.Name,
		"normalized_name":    normalizeName(n.Name),
		"summary":            n.Summary,
		"labels":             n.Labels,
		"pending_embedding":  n.PendingEmbedding,
		"pagerank":           n.Centrality.PageRank,
		"degree":             n.Centrality.Degree,
		"betweenness":        n.Centrality.Betweenness,
		"importance":         n.Centrality.Importance,
		"created_at":         n.CreatedAt.Format(time.RFC3339),
	}
	if len(n.NameEmbedding) > 0 {
		doc["name_embedding"] = n.NameEmbedding
	}
	return s.mutateJSON(ctx, doc)
}

func (s *DgraphStore) mutateJSON(ctx context.Context, doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: marshal mutation: %v", domain.ErrValidation, err)
	}
	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)
	_, err = txn.Mutate(ctx, &api.Mutation{SetJson: data, CommitNow: true})
	if err != nil {
		return fmt.Errorf("%w: mutate: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *DgraphStore) GetEntityNode(ctx context.Context, uuid string) (*domain.EntityNode, error) {
	const q = `query Q($uuid: string) {
		q(func: eq(uuid, $uuid)) {
			uuid group_id name summary labels pending_embedding
			pagerank degree betweenness importance created_at
			name_embedding
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return nil, fmt.Errorf("%w: get entity node: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityNodeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal entity node: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 {
		return nil, fmt.Errorf("%w: entity node %s not found", domain.ErrValidation, uuid)
	}
	return result.Q[0].toDomain(), nil
}

type entityNodeRow struct {
	UUID             string    `json:"uuid"`
	GroupID          string    `json:"group_id"`
	Name             string    `json:"name"`
	Summary          string    `json:"summary"`
	Labels           []string  `json:"labels"`
	PendingEmbedding bool      `json:"pending_embedding"`
	PageRank         float64   `json:"pagerank"`
	Degree           float64   `json:"degree"`
	Betweenness      float64   `json:"betweenness"`
	Importance       float64   `json:"importance"`
	CreatedAt        time.Time `json:"created_at"`
	NameEmbedding    []float32 `json:"name_embedding"`
}

func (r entityNodeRow) toDomain() *domain.EntityNode {
	return &domain.EntityNode{
		UUID:             r.UUID,
		GroupID:          r.GroupID,
		Name:             r.Name,
		Summary:          r.Summary,
		Labels:           r.Labels,
		NameEmbedding:    r.NameEmbedding,
		PendingEmbedding: r.PendingEmbedding,
		Centrality: domain.Centrality{
			PageRank:    r.PageRank,
			Degree:      r.Degree,
			Betweenness: r.Betweenness,
			Importance:  r.Importance,
		},
		CreatedAt: r.CreatedAt,
	}
}

func (s *DgraphStore) UpdateEntityNodeSummary(ctx context.Context, uuid, summary string) error {
	if len(summary) > domain.MaxSummaryLength {
		summary = summary[:domain.MaxSummaryLength]
	}
	node, err := s.nodeUID(ctx, uuid)
	if err != nil {
		return err
	}
	return s.mutateJSON(ctx, map[string]any{"uid": node, "summary": summary})
}

// UpdateEntityNodeCentrality persists recomputed centrality scores (§4.11
// relevance feedback, and any future graph-analytics pass).
func (s *DgraphStore) UpdateEntityNodeCentrality(ctx context.Context, uuid string, c domain.Centrality) error {
	node, err := s.nodeUID(ctx, uuid)
	if err != nil {
		return err
	}
	return s.mutateJSON(ctx, map[string]any{
		"uid":         node,
		"pagerank":    c.PageRank,
		"degree":      c.Degree,
		"betweenness": c.Betweenness,
		"importance":  c.Importance,
	})
}

func (s *DgraphStore) nodeUID(ctx context.Context, uuid string) (string, error) {
	const q = `query Q($uuid: string) { q(func: eq(uuid, $uuid)) { uid } }`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return "", fmt.Errorf("%w: resolve uid: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("%w: unmarshal uid: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 {
		return "", fmt.Errorf("%w: node %s not found", domain.ErrValidation, uuid)
	}
	return result.Q[0].UID, nil
}

func (s *DgraphStore) FindNodesByExactName(ctx context.Context, groupID, normalizedName string) ([]*domain.EntityNode, error) {
	const q = `query Q($group: string, $name: string) {
		q(func: eq(normalized_name, $name)) @filter(eq(group_id, $group)) {
			uuid group_id name summary labels pending_embedding
			pagerank degree betweenness importance created_at name_embedding
		}
	}`
	return s.queryNodes(ctx, q, map[string]string{"$group": groupID, "$name": normalizedName})
}

func (s *DgraphStore) FindNodesByExactNameAcrossGroups(ctx context.Context, normalizedName string) ([]*domain.EntityNode, error) {
	const q = `query Q($name: string) {
		q(func: eq(normalized_name, $name)) {
			uuid group_id name summary labels pending_embedding
			pagerank degree betweenness importance created_at name_embedding
		}
	}`
	return s.queryNodes(ctx, q, map[string]string{"$name": normalizedName})
}

func (s *DgraphStore) queryNodes(ctx context.Context, q string, vars map[string]string) ([]*domain.EntityNode, error) {
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: query nodes: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityNodeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal nodes: %v", domain.ErrSchema, err)
	}
	out := make([]*domain.EntityNode, 0, len(result.Q))
	for _, row := range result.Q {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// VectorSearchNames issues DGraph's similar_to vector-index query, scoped to
// group_id, and converts DGraph's distance metric to a [0,1] similarity
// score (cosine distance -> 1 - distance).
func (s *DgraphStore) VectorSearchNames(ctx context.Context, groupID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	matches, err := s.vectorSearch(ctx, "name_embedding", queryVector, topK)
	if err != nil {
		return nil, err
	}
	var inGroup []VectorMatch
	for _, m := range filterByGroupAndScore(matches, minScore) {
		if n, err := s.GetEntityNode(ctx, m.UUID); err == nil && n.GroupID == groupID {
			inGroup = append(inGroup, m)
		}
	}
	return inGroup, nil
}

func (s *DgraphStore) VectorSearchNamesAcrossGroups(ctx context.Context, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	matches, err := s.vectorSearch(ctx, "name_embedding", queryVector, topK)
	if err != nil {
		return nil, err
	}
	return filterByGroupAndScore(matches, minScore), nil
}

func filterByGroupAndScore(matches []VectorMatch, minScore float64) []VectorMatch {
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			out = append(out, m)
		}
	}
	return out
}

func (s *DgraphStore) vectorSearch(ctx context.Context, predicate string, queryVector []float32, topK int) ([]VectorMatch, error) {
	q := fmt.Sprintf(`query Q($vec: float32vector) {
		q(func: similar_to(%s, %d, $vec)) {
			uuid
			vector_distance
		}
	}`, predicate, topK)

	vecStr := encodeVector(queryVector)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$vec": vecStr})
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			UUID     string  `json:"uuid"`
			Distance float64 `json:"vector_distance"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal vector search: %v", domain.ErrSchema, err)
	}
	out := make([]VectorMatch, 0, len(result.Q))
	for _, r := range result.Q {
		out = append(out, VectorMatch{UUID: r.UUID, Score: 1 - r.Distance})
	}
	return out, nil
}

func encodeVector(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%f", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// --- Canonicality ------------------------------------------------------------

func (s *DgraphStore) CreateCanonicalityEdge(ctx context.Context, e *domain.CanonicalityEdge) error {
	sourceUID, err := s.nodeUID(ctx, e.SourceNodeUUID)
	if err != nil {
		return err
	}
	targetUID, err := s.nodeUID(ctx, e.TargetNodeUUID)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.mutateJSON(ctx, map[string]any{
		"uid":          sourceUID,
		"duplicate_of": map[string]any{"uid": targetUID},
	})
}

func (s *DgraphStore) OutgoingDuplicate(ctx context.Context, nodeUUID string) (string, bool, error) {
	const q = `query Q($uuid: string) {
		q(func: eq(uuid, $uuid)) {
			duplicate_of { uuid }
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": nodeUUID})
	if err != nil {
		return "", false, fmt.Errorf("%w: outgoing duplicate: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			DuplicateOf []struct {
				UUID string `json:"uuid"`
			} `json:"duplicate_of"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", false, fmt.Errorf("%w: unmarshal outgoing duplicate: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 || len(result.Q[0].DuplicateOf) == 0 {
		return "", false, nil
	}
	return result.Q[0].DuplicateOf[0].UUID, true, nil
}

// --- Edges -------------------------------------------------------------------

func (s *DgraphStore) CreateEntityEdge(ctx context.Context, e *domain.EntityEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	sourceUID, err := s.nodeUID(ctx, e.SourceNodeUUID)
	if err != nil {
		return err
	}
	targetUID, err := s.nodeUID(ctx, e.TargetNodeUUID)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"uid":               fmt.Sprintf("_:edge_%s", e.UUID),
		"dgraph.type":       "EntityEdge",
		"uuid":              e.UUID,
		"group_id":          e.GroupID,
		"name":              e.Name,
		"fact":              e.Fact,
		"source_node_uuid":  e.SourceNodeUUID,
		"target_node_uuid":  e.TargetNodeUUID,
		"valid_at":          e.ValidAt.Format(time.RFC3339),
		"created_at":        e.CreatedAt.Format(time.RFC3339),
		"episode_provenance": e.EpisodeProvenance,
	}
	if len(e.FactEmbedding) > 0 {
		doc["fact_embedding"] = e.FactEmbedding
	}
	if err := s.mutateJSON(ctx, doc); err != nil {
		return err
	}
	// Link both endpoints reverse-indexed via has_edge so EdgesByNode can
	// traverse without a full scan.
	edgeUID, err := s.edgeUID(ctx, e.UUID)
	if err != nil {
		return err
	}
	if err := s.mutateJSON(ctx, map[string]any{"uid": sourceUID, "has_edge": map[string]any{"uid": edgeUID}}); err != nil {
		return err
	}
	return s.mutateJSON(ctx, map[string]any{"uid": targetUID, "has_edge": map[string]any{"uid": edgeUID}})
}

func (s *DgraphStore) edgeUID(ctx context.Context, uuid string) (string, error) {
	const q = `query Q($uuid: string) { q(func: eq(uuid, $uuid)) @filter(type(EntityEdge)) { uid } }`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return "", fmt.Errorf("%w: resolve edge uid: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("%w: unmarshal edge uid: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 {
		return "", fmt.Errorf("%w: edge %s not found", domain.ErrValidation, uuid)
	}
	return result.Q[0].UID, nil
}

func (s *DgraphStore) GetEntityEdge(ctx context.Context, uuid string) (*domain.EntityEdge, error) {
	const q = `query Q($uuid: string) {
		q(func: eq(uuid, $uuid)) @filter(type(EntityEdge)) {
			uuid group_id name fact source_node_uuid target_node_uuid
			fact_embedding valid_at invalid_at created_at expired_at episode_provenance
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return nil, fmt.Errorf("%w: get entity edge: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityEdgeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal entity edge: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 {
		return nil, fmt.Errorf("%w: edge %s not found", domain.ErrValidation, uuid)
	}
	return result.Q[0].toDomain(), nil
}

type entityEdgeRow struct {
	UUID              string     `json:"uuid"`
	GroupID           string     `json:"group_id"`
	Name              string     `json:"name"`
	Fact              string     `json:"fact"`
	SourceNodeUUID    string     `json:"source_node_uuid"`
	TargetNodeUUID    string     `json:"target_node_uuid"`
	FactEmbedding     []float32  `json:"fact_embedding"`
	ValidAt           time.Time  `json:"valid_at"`
	InvalidAt         *time.Time `json:"invalid_at"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiredAt         *time.Time `json:"expired_at"`
	EpisodeProvenance []string   `json:"episode_provenance"`
}

func (r entityEdgeRow) toDomain() *domain.EntityEdge {
	return &domain.EntityEdge{
		UUID:              r.UUID,
		GroupID:           r.GroupID,
		Name:              r.Name,
		Fact:              r.Fact,
		SourceNodeUUID:    r.SourceNodeUUID,
		TargetNodeUUID:    r.TargetNodeUUID,
		FactEmbedding:     r.FactEmbedding,
		ValidAt:           r.ValidAt,
		InvalidAt:         r.InvalidAt,
		CreatedAt:         r.CreatedAt,
		ExpiredAt:         r.ExpiredAt,
		EpisodeProvenance: r.EpisodeProvenance,
	}
}

func (s *DgraphStore) FindEdgesByEndpoints(ctx context.Context, sourceUUID, targetUUID string) ([]*domain.EntityEdge, error) {
	const q = `query Q($src: string, $tgt: string) {
		q(func: eq(source_node_uuid, $src)) @filter(eq(target_node_uuid, $tgt) AND type(EntityEdge)) {
			uuid group_id name fact source_node_uuid target_node_uuid
			fact_embedding valid_at invalid_at created_at expired_at episode_provenance
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$src": sourceUUID, "$tgt": targetUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: find edges by endpoints: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityEdgeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal edges: %v", domain.ErrSchema, err)
	}
	out := make([]*domain.EntityEdge, 0, len(result.Q))
	for _, row := range result.Q {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *DgraphStore) VectorSearchFacts(ctx context.Context, sourceUUID, targetUUID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	matches, err := s.vectorSearch(ctx, "fact_embedding", queryVector, topK)
	if err != nil {
		return nil, err
	}
	return filterByGroupAndScore(matches, minScore), nil
}

func (s *DgraphStore) ExtendEdgeValidity(ctx context.Context, uuid string, validAt time.Time, episodeUUID string) error {
	edgeUID, err := s.edgeUID(ctx, uuid)
	if err != nil {
		return err
	}
	edge, err := s.GetEntityEdge(ctx, uuid)
	if err != nil {
		return err
	}
	provenance := append(append([]string{}, edge.EpisodeProvenance...), episodeUUID)
	return s.mutateJSON(ctx, map[string]any{
		"uid":                edgeUID,
		"valid_at":           validAt.Format(time.RFC3339),
		"episode_provenance": provenance,
	})
}

func (s *DgraphStore) InvalidateEdge(ctx context.Context, uuid string, invalidAt time.Time) error {
	edgeUID, err := s.edgeUID(ctx, uuid)
	if err != nil {
		return err
	}
	return s.mutateJSON(ctx, map[string]any{
		"uid":        edgeUID,
		"invalid_at": invalidAt.Format(time.RFC3339),
		"expired_at": time.Now().Format(time.RFC3339),
	})
}

func (s *DgraphStore) EdgesByNode(ctx context.Context, nodeUUID string) ([]*domain.EntityEdge, []*domain.EntityEdge, error) {
	source, err := s.queryEdgesByField(ctx, "source_node_uuid", nodeUUID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.queryEdgesByField(ctx, "target_node_uuid", nodeUUID)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

func (s *DgraphStore) queryEdgesByField(ctx context.Context, field, value string) ([]*domain.EntityEdge, error) {
	q := fmt.Sprintf(`query Q($v: string) {
		q(func: eq(%s, $v)) @filter(type(EntityEdge)) {
			uuid group_id name fact source_node_uuid target_node_uuid
			fact_embedding valid_at invalid_at created_at expired_at episode_provenance
		}
	}`, field)
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$v": value})
	if err != nil {
		return nil, fmt.Errorf("%w: query edges by %s: %v", domain.ErrTransientAdapter, field, err)
	}
	var result struct {
		Q []entityEdgeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal edges by %s: %v", domain.ErrSchema, field, err)
	}
	out := make([]*domain.EntityEdge, 0, len(result.Q))
	for _, row := range result.Q {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// --- Episodes ----------------------------------------------------------------

func (s *DgraphStore) EpisodeExists(ctx context.Context, uuid string) (bool, error) {
	const q = `query Q($uuid: string) { q(func: eq(uuid, $uuid)) @filter(type(Episode)) { uid } }`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return false, fmt.Errorf("%w: episode exists: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return false, fmt.Errorf("%w: unmarshal episode exists: %v", domain.ErrSchema, err)
	}
	return len(result.Q) > 0, nil
}

func (s *DgraphStore) CreateEpisode(ctx context.Context, ep *domain.Episode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	return s.mutateJSON(ctx, map[string]any{
		"uid":                 fmt.Sprintf("_:episode_%s", ep.UUID),
		"dgraph.type":         "Episode",
		"uuid":                ep.UUID,
		"group_id":            ep.GroupID,
		"name":                ep.Name,
		"content":             ep.Content,
		"role":                ep.Role,
		"role_type":           ep.RoleType,
		"source":              ep.Source,
		"source_description":  ep.SourceDescription,
		"timestamp":           ep.Timestamp.Format(time.RFC3339),
		"created_at":          ep.CreatedAt.Format(time.RFC3339),
	})
}

func (s *DgraphStore) CreateMentionsEdge(ctx context.Context, episodeUUID, nodeUUID string) error {
	episodeUID, err := s.episodeUID(ctx, episodeUUID)
	if err != nil {
		return err
	}
	nodeUID, err := s.nodeUID(ctx, nodeUUID)
	if err != nil {
		return err
	}
	return s.mutateJSON(ctx, map[string]any{
		"uid":      episodeUID,
		"mentions": map[string]any{"uid": nodeUID},
	})
}

func (s *DgraphStore) episodeUID(ctx context.Context, uuid string) (string, error) {
	const q = `query Q($uuid: string) { q(func: eq(uuid, $uuid)) @filter(type(Episode)) { uid } }`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$uuid": uuid})
	if err != nil {
		return "", fmt.Errorf("%w: resolve episode uid: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("%w: unmarshal episode uid: %v", domain.ErrSchema, err)
	}
	if len(result.Q) == 0 {
		return "", fmt.Errorf("%w: episode %s not found", domain.ErrValidation, uuid)
	}
	return result.Q[0].UID, nil
}

func (s *DgraphStore) RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*domain.Episode, error) {
	q := `query Q($group: string, $n: int) {
		q(func: eq(group_id, $group), orderdesc: timestamp, first: $n) @filter(type(Episode)) {
			uuid group_id name content role role_type source source_description timestamp created_at
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{
		"$group": groupID, "$n": fmt.Sprint(lastN),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: recent episodes: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []*domain.Episode `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal recent episodes: %v", domain.ErrSchema, err)
	}
	return result.Q, nil
}

// --- Bulk helpers --------------------------------------------------------

func (s *DgraphStore) AllNodes(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityNode, error) {
	const q = `query Q($group: string, $after: string, $limit: int) {
		q(func: eq(group_id, $group), orderasc: created_at, first: $limit) @filter(type(EntityNode) AND gt(created_at, $after)) {
			uuid group_id name summary labels pending_embedding
			pagerank degree betweenness importance created_at name_embedding
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{
		"$group": groupID, "$after": after.Format(time.RFC3339), "$limit": fmt.Sprint(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: all nodes: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityNodeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal all nodes: %v", domain.ErrSchema, err)
	}
	out := make([]*domain.EntityNode, 0, len(result.Q))
	for _, row := range result.Q {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *DgraphStore) AllEdges(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityEdge, error) {
	const q = `query Q($group: string, $after: string, $limit: int) {
		q(func: eq(group_id, $group), orderasc: created_at, first: $limit) @filter(type(EntityEdge) AND gt(created_at, $after)) {
			uuid group_id name fact source_node_uuid target_node_uuid
			fact_embedding valid_at invalid_at created_at expired_at episode_provenance
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{
		"$group": groupID, "$after": after.Format(time.RFC3339), "$limit": fmt.Sprint(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: all edges: %v", domain.ErrTransientAdapter, err)
	}
	var result struct {
		Q []entityEdgeRow `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal all edges: %v", domain.ErrSchema, err)
	}
	out := make([]*domain.EntityEdge, 0, len(result.Q))
	for _, row := range result.Q {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Truncate drops all data. Used only by C12's full-mirror mode when
// configured to replace the target wholesale.
func (s *DgraphStore) Truncate(ctx context.Context) error {
	if err := s.dg.Alter(ctx, &api.Operation{DropOp: api.Operation_DATA}); err != nil {
		return fmt.Errorf("%w: truncate: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

var (
	nameParentheticalSuffix = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	nameUnderscoreOrSpace   = regexp.MustCompile(`[_\s]+`)
)

func normalizeName(name string) string {
	n := nameParentheticalSuffix.ReplaceAllString(name, "")
	n = nameUnderscoreOrSpace.ReplaceAllString(n, " ")
	return strings.ToLower(strings.TrimSpace(n))
}
