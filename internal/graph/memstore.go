package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/reflective-memory-kernel/internal/domain"
)

// MemStore is a plain in-memory Store implementation used by package
// tests that exercise C6/C7/C11/C12 against the Store interface without
// a live Dgraph or Redis instance. It has no tunable dialect behavior and
// is not meant to back a real deployment — grounded on RedisGraphStore's
// semantics (map-backed, linear scans), reduced to bare Go maps.
type MemStore struct {
	mu       sync.Mutex
	nodes    map[string]*domain.EntityNode
	edges    map[string]*domain.EntityEdge
	dupOf    map[string]string
	episodes map[string]*domain.Episode
	mentions map[string][]string // episodeUUID -> node uuids
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:    make(map[string]*domain.EntityNode),
		edges:    make(map[string]*domain.EntityEdge),
		dupOf:    make(map[string]string),
		episodes: make(map[string]*domain.Episode),
		mentions: make(map[string][]string),
	}
}

func (s *MemStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]Record, Summary, []string, error) {
	return nil, Summary{}, nil, nil
}

func (s *MemStore) FetchNodes(ctx context.Context, label string, filters map[string]any) ([]Record, error) {
	return nil, nil
}

func (s *MemStore) FetchEdges(ctx context.Context, edgeType string, filters map[string]any) ([]Record, error) {
	return nil, nil
}

func (s *MemStore) Health(ctx context.Context) error { return nil }
func (s *MemStore) Close() error                     { return nil }

func (s *MemStore) CreateEntityNode(ctx context.Context, n *domain.EntityNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.UUID] = &cp
	return nil
}

func (s *MemStore) GetEntityNode(ctx context.Context, uuid string) (*domain.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s not found", domain.ErrPermanent, uuid)
	}
	cp := *n
	return &cp, nil
}

func (s *MemStore) UpdateEntityNodeSummary(ctx context.Context, uuid, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[uuid]
	if !ok {
		return fmt.Errorf("%w: node %s not found", domain.ErrPermanent, uuid)
	}
	n.Summary = summary
	return nil
}

func (s *MemStore) UpdateEntityNodeCentrality(ctx context.Context, uuid string, c domain.Centrality) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[uuid]
	if !ok {
		return fmt.Errorf("%w: node %s not found", domain.ErrPermanent, uuid)
	}
	n.Centrality = c
	return nil
}

func (s *MemStore) FindNodesByExactName(ctx context.Context, groupID, normalizedName string) ([]*domain.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityNode
	for _, n := range s.nodes {
		if n.GroupID == groupID && normalizeName(n.Name) == normalizedName {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) FindNodesByExactNameAcrossGroups(ctx context.Context, normalizedName string) ([]*domain.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityNode
	for _, n := range s.nodes {
		if normalizeName(n.Name) == normalizedName {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// normalizeName is defined in dgraph.go and shared package-wide so
// MemStore's exact-match lookups behave the same way against the same
// (name, normalized_name) contract resolution.Engine relies on.

func (s *MemStore) VectorSearchNames(ctx context.Context, groupID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []VectorMatch
	for _, n := range s.nodes {
		if groupID != "" && n.GroupID != groupID {
			continue
		}
		if len(n.NameEmbedding) == 0 || len(queryVector) == 0 {
			continue
		}
		score := cosine(n.NameEmbedding, queryVector)
		if score >= minScore {
			matches = append(matches, VectorMatch{UUID: n.UUID, Score: score})
		}
	}
	return topMatches(matches, topK), nil
}

func (s *MemStore) VectorSearchNamesAcrossGroups(ctx context.Context, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	return s.VectorSearchNames(ctx, "", queryVector, topK, minScore)
}

func (s *MemStore) CreateCanonicalityEdge(ctx context.Context, e *domain.CanonicalityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dupOf[e.SourceNodeUUID] = e.TargetNodeUUID
	return nil
}

func (s *MemStore) OutgoingDuplicate(ctx context.Context, nodeUUID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.dupOf[nodeUUID]
	return target, ok, nil
}

func (s *MemStore) CreateEntityEdge(ctx context.Context, e *domain.EntityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.edges[e.UUID] = &cp
	return nil
}

func (s *MemStore) GetEntityEdge(ctx context.Context, uuid string) (*domain.EntityEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: edge %s not found", domain.ErrPermanent, uuid)
	}
	cp := *e
	return &cp, nil
}

func (s *MemStore) FindEdgesByEndpoints(ctx context.Context, sourceUUID, targetUUID string) ([]*domain.EntityEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityEdge
	for _, e := range s.edges {
		if e.SourceNodeUUID == sourceUUID && e.TargetNodeUUID == targetUUID && e.InvalidAt == nil {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) VectorSearchFacts(ctx context.Context, sourceUUID, targetUUID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []VectorMatch
	for _, e := range s.edges {
		if e.SourceNodeUUID != sourceUUID || e.TargetNodeUUID != targetUUID {
			continue
		}
		if len(e.FactEmbedding) == 0 || len(queryVector) == 0 {
			continue
		}
		score := cosine(e.FactEmbedding, queryVector)
		if score >= minScore {
			matches = append(matches, VectorMatch{UUID: e.UUID, Score: score})
		}
	}
	return topMatches(matches, topK), nil
}

func (s *MemStore) ExtendEdgeValidity(ctx context.Context, uuid string, validAt time.Time, episodeUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[uuid]
	if !ok {
		return fmt.Errorf("%w: edge %s not found", domain.ErrPermanent, uuid)
	}
	e.ValidAt = validAt
	e.EpisodeProvenance = append(e.EpisodeProvenance, episodeUUID)
	return nil
}

func (s *MemStore) InvalidateEdge(ctx context.Context, uuid string, invalidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[uuid]
	if !ok {
		return fmt.Errorf("%w: edge %s not found", domain.ErrPermanent, uuid)
	}
	t := invalidAt
	e.InvalidAt = &t
	return nil
}

func (s *MemStore) EdgesByNode(ctx context.Context, nodeUUID string) ([]*domain.EntityEdge, []*domain.EntityEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var source, target []*domain.EntityEdge
	for _, e := range s.edges {
		cp := *e
		if e.SourceNodeUUID == nodeUUID {
			source = append(source, &cp)
		}
		if e.TargetNodeUUID == nodeUUID {
			target = append(target, &cp)
		}
	}
	return source, target, nil
}

func (s *MemStore) EpisodeExists(ctx context.Context, uuid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.episodes[uuid]
	return ok, nil
}

func (s *MemStore) CreateEpisode(ctx context.Context, ep *domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.episodes[ep.UUID] = &cp
	return nil
}

func (s *MemStore) CreateMentionsEdge(ctx context.Context, episodeUUID, nodeUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentions[episodeUUID] = append(s.mentions[episodeUUID], nodeUUID)
	return nil
}

func (s *MemStore) RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Episode
	for _, ep := range s.episodes {
		if ep.GroupID == groupID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > lastN {
		out = out[:lastN]
	}
	return out, nil
}

func (s *MemStore) AllNodes(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityNode
	for _, n := range s.nodes {
		if n.GroupID == groupID && n.CreatedAt.After(after) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) AllEdges(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntityEdge
	for _, e := range s.edges {
		if e.GroupID == groupID && e.CreatedAt.After(after) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*domain.EntityNode)
	s.edges = make(map[string]*domain.EntityEdge)
	s.dupOf = make(map[string]string)
	s.episodes = make(map[string]*domain.Episode)
	s.mentions = make(map[string][]string)
	return nil
}

func cosine(a, b []float32) float64 {
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

func topMatches(matches []VectorMatch, topK int) []VectorMatch {
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
