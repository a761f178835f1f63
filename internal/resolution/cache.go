package resolution

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
)

// nameIndexDoc is the Bleve document shape for the fuzzy name prefilter.
type nameIndexDoc struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	GroupID string `json:"group_id"`
}

// nameIndex is the §4.6.1 step-1/2 candidate prefilter: an in-memory Bleve
// fuzzy index over entity names, grounded on internal/entity/bleve_index.go,
// narrowed to the single field this engine needs (name, scoped by group_id).
type nameIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

func newNameIndex(logger *zap.Logger) (*nameIndex, error) {
	m := buildNameMapping()
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("%w: create bleve name index: %v", domain.ErrTransientAdapter, err)
	}
	return &nameIndex{index: idx, logger: logger}, nil
}

func buildNameMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	name := bleve.NewTextFieldMapping()
	name.Index = true
	name.Store = true
	name.IncludeInAll = true
	doc.AddFieldMappingsAt("name", name)

	group := bleve.NewTextFieldMapping()
	group.Index = true
	group.Store = true
	group.IncludeInAll = false
	doc.AddFieldMappingsAt("group_id", group)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("entity_name", doc)
	m.DefaultAnalyzer = "standard"
	return m
}

func (ni *nameIndex) index1(n *domain.EntityNode) error {
	return ni.index.Index(n.UUID, nameIndexDoc{UUID: n.UUID, Name: n.Name, GroupID: n.GroupID})
}

func (ni *nameIndex) indexBatch(nodes []*domain.EntityNode) error {
	batch := ni.index.NewBatch()
	for _, n := range nodes {
		if err := batch.Index(n.UUID, nameIndexDoc{UUID: n.UUID, Name: n.Name, GroupID: n.GroupID}); err != nil {
			ni.logger.Warn("failed to add node to name index batch", zap.String("uuid", n.UUID), zap.Error(err))
		}
	}
	return ni.index.Batch(batch)
}

// fuzzyCandidates returns uuids whose indexed name fuzzy-matches query,
// optionally scoped to groupID ("" means all groups).
func (ni *nameIndex) fuzzyCandidates(groupID, name string, limit int) ([]string, error) {
	fuzzy := query.NewFuzzyQuery(name)
	fuzzy.SetField("name")
	fuzzy.SetFuzziness(2)

	var q query.Query = fuzzy
	if groupID != "" {
		groupTerm := query.NewTermQuery(groupID)
		groupTerm.SetField("group_id")
		q = query.NewConjunctionQuery([]query.Query{fuzzy, groupTerm})
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"uuid"}

	result, err := ni.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fuzzy name search: %v", domain.ErrTransientAdapter, err)
	}
	out := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		out = append(out, hit.ID)
	}
	return out, nil
}

// matchCache fronts C2 vector search with two tiers: an LRU of confirmed
// exact-name -> uuid resolutions (small, hot), and a Ristretto
// admission-policy cache of vector-search result sets keyed by
// group+rounded-vector (larger, handles the batch phase's higher churn).
// Grounded on internal/cache/ristretto.go's two-tier shape, generalized from
// Redis-backed L2 to a pure in-process L1+L1' pair since C6's cache only
// needs to survive one batch round-trip, not cross-process sharing.
type matchCache struct {
	exact  *lru.Cache[string, string]
	vector *ristretto.Cache[string, []graphVectorMatch]
}

// graphVectorMatch mirrors graph.VectorMatch without importing internal/graph
// here, keeping this cache file independent of the store package.
type graphVectorMatch struct {
	UUID  string
	Score float64
}

func newMatchCache() (*matchCache, error) {
	exact, err := lru.New[string, string](4000)
	if err != nil {
		return nil, fmt.Errorf("%w: create exact-match lru: %v", domain.ErrTransientAdapter, err)
	}
	vector, err := ristretto.NewCache(&ristretto.Config[string, []graphVectorMatch]{
		NumCounters: 10000,
		MaxCost:     5000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create vector match cache: %v", domain.ErrTransientAdapter, err)
	}
	return &matchCache{exact: exact, vector: vector}, nil
}

func (c *matchCache) getExact(key string) (string, bool) {
	return c.exact.Get(key)
}

func (c *matchCache) putExact(key, uuid string) {
	c.exact.Add(key, uuid)
}

func (c *matchCache) getVector(key string) ([]graphVectorMatch, bool) {
	return c.vector.Get(key)
}

func (c *matchCache) putVector(key string, matches []graphVectorMatch) {
	c.vector.Set(key, matches, int64(len(matches)+1))
}

// vectorCacheKey rounds each embedding component to 4 decimal places so
// repeated or near-identical candidate vectors within a batch (e.g. the
// same mention embedded twice) collapse onto the same cache entry instead
// of missing on floating-point noise.
func vectorCacheKey(groupID string, vec []float32) string {
	var sb strings.Builder
	sb.WriteString(groupID)
	sb.WriteByte(':')
	for _, v := range vec {
		sb.WriteString(strconv.FormatFloat(math.Round(float64(v)*10000)/10000, 'f', 4, 64))
		sb.WriteByte(',')
	}
	return sb.String()
}
