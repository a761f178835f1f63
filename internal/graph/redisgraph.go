package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
)

// key prefixes for the Redis-module-style graph. Nodes, edges and episodes
// are stored as JSON blobs under a primary key, with secondary sets/sorted
// sets for lookup by group, by name and by endpoint pair — the same
// hash-plus-set layering the teacher uses for its queue and lock primitives
// (internal/kernel/ingestion_lock.go, internal/queue), generalized to a
// graph's node/edge/episode shape.
const (
	rgNodeKey           = "rgraph:node:"
	rgNodesByGroup       = "rgraph:nodes:group:"
	rgNodesByExactName   = "rgraph:nodes:name:"
	rgNodesByExactNameAll = "rgraph:nodes:name_all:"
	rgDuplicateOf        = "rgraph:dup:"

	rgEdgeKey          = "rgraph:edge:"
	rgEdgesByGroup      = "rgraph:edges:group:"
	rgEdgesByEndpoints  = "rgraph:edges:endpoints:"
	rgEdgesBySource     = "rgraph:edges:source:"
	rgEdgesByTarget     = "rgraph:edges:target:"

	rgEpisodeKey      = "rgraph:episode:"
	rgEpisodesByGroup = "rgraph:episodes:group:"
)

// RedisGraphStore is the secondary Store backend: a lightweight property
// graph layered over go-redis, grounded on the teacher's pervasive use of
// redis.Client for lock/cache/queue state (internal/kernel/ingestion_lock.go,
// internal/cache/ristretto.go, internal/policy/rate_limiter.go). It exists
// both as a C12 sync target and as a dependency-light Adapter alternative to
// DgraphStore for deployments that don't run a standalone graph server.
type RedisGraphStore struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRedisGraphStore wraps an already-connected redis.Client.
func NewRedisGraphStore(client *redis.Client, logger *zap.Logger) *RedisGraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGraphStore{redis: client, logger: logger.Named("graph.redis")}
}

func (s *RedisGraphStore) Health(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis graph ping: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) Close() error { return s.redis.Close() }

// ExecuteQuery has no dialect to speak here — the redis-backed graph is
// programmed against exclusively through the typed Store methods below.
func (s *RedisGraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]Record, Summary, []string, error) {
	return nil, Summary{}, nil, fmt.Errorf("%w: raw query execution is not supported by the redis graph backend", domain.ErrPermanent)
}

func (s *RedisGraphStore) FetchNodes(ctx context.Context, label string, filters map[string]any) ([]Record, error) {
	groupID, _ := filters["group_id"].(string)
	nodes, err := s.AllNodes(ctx, groupID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Record{"uuid": n.UUID, "name": n.Name, "group_id": n.GroupID})
	}
	return out, nil
}

func (s *RedisGraphStore) FetchEdges(ctx context.Context, edgeType string, filters map[string]any) ([]Record, error) {
	groupID, _ := filters["group_id"].(string)
	edges, err := s.AllEdges(ctx, groupID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(edges))
	for _, e := range edges {
		out = append(out, Record{"uuid": e.UUID, "fact": e.Fact, "group_id": e.GroupID})
	}
	return out, nil
}

func (s *RedisGraphStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", domain.ErrValidation, key, err)
	}
	if err := s.redis.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", domain.ErrTransientAdapter, key, err)
	}
	return nil
}

func (s *RedisGraphStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", domain.ErrTransientAdapter, key, err)
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: unmarshal %s: %v", domain.ErrSchema, key, err)
	}
	return true, nil
}

// --- Nodes -----------------------------------------------------------------

func (s *RedisGraphStore) CreateEntityNode(ctx context.Context, n *domain.EntityNode) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	pipe := s.redis.TxPipeline()
	data, err := sonic.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: marshal entity node: %v", domain.ErrValidation, err)
	}
	pipe.Set(ctx, rgNodeKey+n.UUID, data, 0)
	pipe.SAdd(ctx, rgNodesByGroup+n.GroupID, n.UUID)
	pipe.SAdd(ctx, rgNodesByExactName+n.GroupID+":"+normalizeName(n.Name), n.UUID)
	pipe.SAdd(ctx, rgNodesByExactNameAll+normalizeName(n.Name), n.UUID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: create entity node: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) GetEntityNode(ctx context.Context, uuid string) (*domain.EntityNode, error) {
	var n domain.EntityNode
	ok, err := s.getJSON(ctx, rgNodeKey+uuid, &n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: entity node %s not found", domain.ErrValidation, uuid)
	}
	return &n, nil
}

func (s *RedisGraphStore) UpdateEntityNodeSummary(ctx context.Context, uuid, summary string) error {
	n, err := s.GetEntityNode(ctx, uuid)
	if err != nil {
		return err
	}
	if len(summary) > domain.MaxSummaryLength {
		summary = summary[:domain.MaxSummaryLength]
	}
	n.Summary = summary
	return s.setJSON(ctx, rgNodeKey+uuid, n)
}

// UpdateEntityNodeCentrality persists recomputed centrality scores (§4.11
// relevance feedback, and any future graph-analytics pass).
func (s *RedisGraphStore) UpdateEntityNodeCentrality(ctx context.Context, uuid string, c domain.Centrality) error {
	n, err := s.GetEntityNode(ctx, uuid)
	if err != nil {
		return err
	}
	n.Centrality = c
	return s.setJSON(ctx, rgNodeKey+uuid, n)
}

func (s *RedisGraphStore) nodesFromSet(ctx context.Context, setKey string) ([]*domain.EntityNode, error) {
	ids, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers %s: %v", domain.ErrTransientAdapter, setKey, err)
	}
	out := make([]*domain.EntityNode, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetEntityNode(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *RedisGraphStore) FindNodesByExactName(ctx context.Context, groupID, normalizedName string) ([]*domain.EntityNode, error) {
	return s.nodesFromSet(ctx, rgNodesByExactName+groupID+":"+normalizedName)
}

func (s *RedisGraphStore) FindNodesByExactNameAcrossGroups(ctx context.Context, normalizedName string) ([]*domain.EntityNode, error) {
	return s.nodesFromSet(ctx, rgNodesByExactNameAll+normalizedName)
}

// VectorSearchNames fetches every node in the group and ranks by cosine
// similarity in-process. The redis backend carries no vector index, so this
// is an O(n) scan — acceptable at the scale this backend targets (spec.md
// §9's lighter-weight deployment option), not at Dgraph's.
func (s *RedisGraphStore) VectorSearchNames(ctx context.Context, groupID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	nodes, err := s.nodesFromSet(ctx, rgNodesByGroup+groupID)
	if err != nil {
		return nil, err
	}
	return rankByCosine(nodes, queryVector, topK, minScore), nil
}

func (s *RedisGraphStore) VectorSearchNamesAcrossGroups(ctx context.Context, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	ids, err := s.redis.Keys(ctx, rgNodeKey+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: keys scan: %v", domain.ErrTransientAdapter, err)
	}
	nodes := make([]*domain.EntityNode, 0, len(ids))
	for _, key := range ids {
		var n domain.EntityNode
		ok, err := s.getJSON(ctx, key, &n)
		if err != nil || !ok {
			continue
		}
		nodes = append(nodes, &n)
	}
	return rankByCosine(nodes, queryVector, topK, minScore), nil
}

func rankByCosine(nodes []*domain.EntityNode, queryVector []float32, topK int, minScore float64) []VectorMatch {
	matches := make([]VectorMatch, 0, len(nodes))
	for _, n := range nodes {
		if len(n.NameEmbedding) == 0 {
			continue
		}
		score := cosineSimilarity(n.NameEmbedding, queryVector)
		if score >= minScore {
			matches = append(matches, VectorMatch{UUID: n.UUID, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func cosineSimilarity(a, b []float32) float64 {
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

// --- Canonicality ------------------------------------------------------------

func (s *RedisGraphStore) CreateCanonicalityEdge(ctx context.Context, e *domain.CanonicalityEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.redis.Set(ctx, rgDuplicateOf+e.SourceNodeUUID, e.TargetNodeUUID, 0).Err(); err != nil {
		return fmt.Errorf("%w: create canonicality edge: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) OutgoingDuplicate(ctx context.Context, nodeUUID string) (string, bool, error) {
	target, err := s.redis.Get(ctx, rgDuplicateOf+nodeUUID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: outgoing duplicate: %v", domain.ErrTransientAdapter, err)
	}
	return target, true, nil
}

// --- Edges -------------------------------------------------------------------

func (s *RedisGraphStore) CreateEntityEdge(ctx context.Context, e *domain.EntityEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal entity edge: %v", domain.ErrValidation, err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, rgEdgeKey+e.UUID, data, 0)
	pipe.SAdd(ctx, rgEdgesByGroup+e.GroupID, e.UUID)
	pipe.SAdd(ctx, rgEdgesByEndpoints+e.SourceNodeUUID+":"+e.TargetNodeUUID, e.UUID)
	pipe.SAdd(ctx, rgEdgesBySource+e.SourceNodeUUID, e.UUID)
	pipe.SAdd(ctx, rgEdgesByTarget+e.TargetNodeUUID, e.UUID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: create entity edge: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) GetEntityEdge(ctx context.Context, uuid string) (*domain.EntityEdge, error) {
	var e domain.EntityEdge
	ok, err := s.getJSON(ctx, rgEdgeKey+uuid, &e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: entity edge %s not found", domain.ErrValidation, uuid)
	}
	return &e, nil
}

func (s *RedisGraphStore) edgesFromSet(ctx context.Context, setKey string) ([]*domain.EntityEdge, error) {
	ids, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers %s: %v", domain.ErrTransientAdapter, setKey, err)
	}
	out := make([]*domain.EntityEdge, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntityEdge(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisGraphStore) FindEdgesByEndpoints(ctx context.Context, sourceUUID, targetUUID string) ([]*domain.EntityEdge, error) {
	return s.edgesFromSet(ctx, rgEdgesByEndpoints+sourceUUID+":"+targetUUID)
}

func (s *RedisGraphStore) VectorSearchFacts(ctx context.Context, sourceUUID, targetUUID string, queryVector []float32, topK int, minScore float64) ([]VectorMatch, error) {
	edges, err := s.FindEdgesByEndpoints(ctx, sourceUUID, targetUUID)
	if err != nil {
		return nil, err
	}
	matches := make([]VectorMatch, 0, len(edges))
	for _, e := range edges {
		if len(e.FactEmbedding) == 0 {
			continue
		}
		score := cosineSimilarity(e.FactEmbedding, queryVector)
		if score >= minScore {
			matches = append(matches, VectorMatch{UUID: e.UUID, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *RedisGraphStore) ExtendEdgeValidity(ctx context.Context, uuid string, validAt time.Time, episodeUUID string) error {
	e, err := s.GetEntityEdge(ctx, uuid)
	if err != nil {
		return err
	}
	e.ValidAt = validAt
	e.EpisodeProvenance = append(e.EpisodeProvenance, episodeUUID)
	return s.setJSON(ctx, rgEdgeKey+uuid, e)
}

func (s *RedisGraphStore) InvalidateEdge(ctx context.Context, uuid string, invalidAt time.Time) error {
	e, err := s.GetEntityEdge(ctx, uuid)
	if err != nil {
		return err
	}
	e.InvalidAt = &invalidAt
	now := time.Now()
	e.ExpiredAt = &now
	return s.setJSON(ctx, rgEdgeKey+uuid, e)
}

func (s *RedisGraphStore) EdgesByNode(ctx context.Context, nodeUUID string) ([]*domain.EntityEdge, []*domain.EntityEdge, error) {
	source, err := s.edgesFromSet(ctx, rgEdgesBySource+nodeUUID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.edgesFromSet(ctx, rgEdgesByTarget+nodeUUID)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

// --- Episodes ----------------------------------------------------------------

func (s *RedisGraphStore) EpisodeExists(ctx context.Context, uuid string) (bool, error) {
	n, err := s.redis.Exists(ctx, rgEpisodeKey+uuid).Result()
	if err != nil {
		return false, fmt.Errorf("%w: episode exists: %v", domain.ErrTransientAdapter, err)
	}
	return n > 0, nil
}

func (s *RedisGraphStore) CreateEpisode(ctx context.Context, ep *domain.Episode) error {
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	data, err := sonic.Marshal(ep)
	if err != nil {
		return fmt.Errorf("%w: marshal episode: %v", domain.ErrValidation, err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, rgEpisodeKey+ep.UUID, data, 0)
	pipe.ZAdd(ctx, rgEpisodesByGroup+ep.GroupID, redis.Z{Score: float64(ep.Timestamp.Unix()), Member: ep.UUID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: create episode: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) CreateMentionsEdge(ctx context.Context, episodeUUID, nodeUUID string) error {
	if err := s.redis.SAdd(ctx, "rgraph:mentions:"+episodeUUID, nodeUUID).Err(); err != nil {
		return fmt.Errorf("%w: create mentions edge: %v", domain.ErrTransientAdapter, err)
	}
	return nil
}

func (s *RedisGraphStore) RecentEpisodes(ctx context.Context, groupID string, lastN int) ([]*domain.Episode, error) {
	ids, err := s.redis.ZRevRange(ctx, rgEpisodesByGroup+groupID, 0, int64(lastN)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: recent episodes: %v", domain.ErrTransientAdapter, err)
	}
	out := make([]*domain.Episode, 0, len(ids))
	for _, id := range ids {
		var ep domain.Episode
		ok, err := s.getJSON(ctx, rgEpisodeKey+id, &ep)
		if err != nil || !ok {
			continue
		}
		out = append(out, &ep)
	}
	return out, nil
}

// --- Bulk helpers ----------------------------------------------------------

func (s *RedisGraphStore) AllNodes(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityNode, error) {
	var nodes []*domain.EntityNode
	var err error
	if groupID != "" {
		nodes, err = s.nodesFromSet(ctx, rgNodesByGroup+groupID)
	} else {
		var ids []string
		ids, err = s.redis.Keys(ctx, rgNodeKey+"*").Result()
		if err == nil {
			for _, key := range ids {
				var n domain.EntityNode
				ok, gerr := s.getJSON(ctx, key, &n)
				if gerr != nil || !ok {
					continue
				}
				nodes = append(nodes, &n)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	filtered := nodes[:0]
	for _, n := range nodes {
		if n.CreatedAt.After(after) {
			filtered = append(filtered, n)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (s *RedisGraphStore) AllEdges(ctx context.Context, groupID string, after time.Time, limit int) ([]*domain.EntityEdge, error) {
	var edges []*domain.EntityEdge
	var err error
	if groupID != "" {
		edges, err = s.edgesFromSet(ctx, rgEdgesByGroup+groupID)
	} else {
		var ids []string
		ids, err = s.redis.Keys(ctx, rgEdgeKey+"*").Result()
		if err == nil {
			for _, key := range ids {
				var e domain.EntityEdge
				ok, gerr := s.getJSON(ctx, key, &e)
				if gerr != nil || !ok {
					continue
				}
				edges = append(edges, &e)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	filtered := edges[:0]
	for _, e := range edges {
		if e.CreatedAt.After(after) {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Truncate removes every key this backend owns, in batches, matching the
// prefixes declared above.
func (s *RedisGraphStore) Truncate(ctx context.Context) error {
	prefixes := []string{"rgraph:"}
	for _, prefix := range prefixes {
		iter := s.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("%w: truncate scan: %v", domain.ErrTransientAdapter, err)
		}
		for i := 0; i < len(keys); i += 500 {
			end := i + 500
			if end > len(keys) {
				end = len(keys)
			}
			if err := s.redis.Del(ctx, keys[i:end]...).Err(); err != nil {
				return fmt.Errorf("%w: truncate del: %v", domain.ErrTransientAdapter, err)
			}
		}
	}
	return nil
}
