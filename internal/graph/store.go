// Package graph is the Graph Store Adapter (spec.md §4.2, C2): an opaque
// query/execute interface over a property-graph database. Two concrete
// backends exist — a transactional property-graph server (Dgraph, grounded
// on the teacher's internal/graph/client.go dial/retry/schema pattern) and a
// Redis-module-style graph (grounded on the teacher's pervasive go-redis
// wiring) — but every caller in this module only ever depends on the Store
// interface below.
package graph

import (
	"context"
	"time"

	"github.com/reflective-memory-kernel/internal/domain"
)

// Record is one normalized result row, regardless of backend dialect.
type Record map[string]any

// Summary describes a query's execution (counters), uniform across
// backends.
type Summary struct {
	NodesCreated int
	NodesUpdated int
	EdgesCreated int
	Took         time.Duration
}

// VectorMatch is one result of a cosine-similarity search.
type VectorMatch struct {
	UUID  string
	Score float64
}

// Adapter is the generic, dialect-hiding interface spec.md §4.2 describes.
type Adapter interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]Record, Summary, []string, error)
	FetchNodes(ctx context.Context, label string, filters map[string]any) ([]Record, error)
	FetchEdges(ctx context.Context, edgeType string, filters map[string]any) ([]Record, error)
	Health(ctx context.Context) error
	Close() error
}

// Store is the domain-level surface the resolution engine, worker and sync
// orchestrator program against. Both backends implement it directly (rather
// than forcing every caller through raw ExecuteQuery calls), the way the
// teacher's graph.Client exposes typed helpers (GetNodesByNames,
// CreateNodes, CreateEdges) on top of the raw Dgraph txn API.
type Store interface {
	Adapter

	// Nodes
	CreateEntityNode(ctx context.Context, n *domain.EntityNode) error
	GetEntityNode(ctx context.Context, uuid string) (*domain.EntityNode, error)
	UpdateEntityNodeSummary(ctx context.Context, uuid, summary string) error
	UpdateEntityNodeCentrality(ctx context.Context, uuid string, c domain.Centrality) error
	FindNodesByExactName(ctx context.Context, groupID, normalizedName string) ([]*domain.EntityNode, error)
	FindNodesByExactNameAcrossGroups(ctx context.Context, normalizedName string) ([]*domain.EntityNode, error)
	VectorSearchNames(ctx context.Context, groupID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error)
	VectorSearchNamesAcrossGroups(ctx context.Context, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error)

	// Canonicality
	CreateCanonicalityEdge(ctx context.Context, e *domain.CanonicalityEdge) error
	OutgoingDuplicate(ctx context.Context, nodeUUID string) (string, bool, error)

	// Edges
	CreateEntityEdge(ctx context.Context, e *domain.EntityEdge) error
	GetEntityEdge(ctx context.Context, uuid string) (*domain.EntityEdge, error)
	FindEdgesByEndpoints(ctx context.Context, sourceUUID, targetUUID string) ([]*domain.EntityEdge, error)
	VectorSearchFacts(ctx context.Context, sourceUUID, targetUUID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error)
	ExtendEdgeValidity(ctx context.Context, uuid string, validAt time.Time, episodeUUID string) error
	InvalidateEdge(ctx context.Context, uuid string, invalidAt time.Time) error
	EdgesByNode(ctx context.Context, nodeUUID string) (source []*domain.EntityEdge, target []*domain.EntityEdge, err error)

	// Episodes
	EpisodeExists(ctx context.Context, uuid string) (bool, error)
	CreateEpisode(ctx context.Context, ep *domain.Episode) error
	CreateMentionsEdge(ctx context.Context, episodeUUID, nodeUUID string) error
	RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*domain.Episode, error)

	// Bulk helpers for C6 batch mode (§4.6.5) and C12 mirroring (§4.12)
	AllNodes(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityNode, error)
	AllEdges(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityEdge, error)
	Truncate(ctx context.Context) error
}
