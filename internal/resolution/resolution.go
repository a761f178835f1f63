// Package resolution is the Resolution & Deduplication Engine (spec.md §4.6,
// C6): maps candidate entities/edges surfaced by C5 to canonical graph
// nodes/edges, enforcing cross-namespace uniqueness.
//
// Grounded on the teacher's internal/entity/bleve_index.go (fuzzy name
// prefilter) and internal/cache/ristretto.go (two-tier cache shape),
// generalized from the teacher's "fast entity lookup" concern to the spec's
// exact-match -> vector-match -> cross-group-canonicalization -> create-new
// resolution ladder.
package resolution

import (
	"context"
	"fmt"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/embedding"
	"github.com/reflective-memory-kernel/internal/extraction"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/llm"
)

// Thresholds are the §4.6.4 configuration knobs.
type Thresholds struct {
	SimHigh   float64 // vector-match threshold within group, default 0.92
	NameExact float64 // normalized Jaro-Winkler near-exact threshold, default 0.95
	EdgeSim   float64 // edge fact-embedding merge threshold, default 0.95
}

// DefaultThresholds matches spec.md §4.6.4.
func DefaultThresholds() Thresholds {
	return Thresholds{SimHigh: 0.92, NameExact: 0.95, EdgeSim: 0.95}
}

const topKCandidates = 10
const levenshteinPrefilterMax = 4 // cheap filter before the full Jaro-Winkler pass

// Engine is the C6 Resolution & Deduplication Engine.
type Engine struct {
	store                       graph.Store
	llm                         *llm.Client
	names                       *nameIndex
	cache                       *matchCache
	thresholds                  Thresholds
	enableCrossGroupDeduplication bool
	logger                      *zap.Logger
}

// New creates an Engine.
func New(store graph.Store, llmClient *llm.Client, thresholds Thresholds, enableCrossGroupDeduplication bool, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("resolution")

	names, err := newNameIndex(logger)
	if err != nil {
		return nil, err
	}
	cache, err := newMatchCache()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:                       store,
		llm:                         llmClient,
		names:                       names,
		cache:                       cache,
		thresholds:                  thresholds,
		enableCrossGroupDeduplication: enableCrossGroupDeduplication,
		logger:                      logger,
	}, nil
}

// ResolvedNode pairs a candidate with the canonical EntityNode it resolved
// to.
type ResolvedNode struct {
	Candidate extraction.CandidateEntity
	Node      *domain.EntityNode
	Created   bool
}

// ResolveNode implements §4.6.1 for one candidate in one group.
func (e *Engine) ResolveNode(ctx context.Context, c extraction.CandidateEntity, groupID string) (*ResolvedNode, error) {
	normalized := normalize(c.Name)

	// Step 1: exact normalized match within group, then a typo-tolerant
	// fuzzy pass (Bleve candidate generation, Levenshtein prefilter,
	// Jaro-Winkler confirmation) to absorb minor producer-side name
	// variance before falling through to the full vector-match step.
	if node, ok, err := e.exactMatch(ctx, groupID, normalized); err != nil {
		return nil, err
	} else if ok {
		return &ResolvedNode{Candidate: c, Node: node}, nil
	}
	if node, ok, err := e.nearExactByFuzzy(ctx, groupID, c.Name); err != nil {
		e.logger.Warn("fuzzy near-exact match failed, continuing to vector match", zap.Error(err))
	} else if ok {
		return &ResolvedNode{Candidate: c, Node: node}, nil
	}

	// Step 2: vector match within group, guarded against compound splits.
	if len(c.NameEmbedding) > 0 {
		if node, ok, err := e.vectorMatch(ctx, groupID, c, normalized); err != nil {
			return nil, err
		} else if ok {
			return &ResolvedNode{Candidate: c, Node: node}, nil
		}
	}

	// Step 3: cross-group canonicalization, only if enabled.
	if e.enableCrossGroupDeduplication {
		if node, ok, err := e.crossGroupMatch(ctx, groupID, c, normalized); err != nil {
			return nil, err
		} else if ok {
			return &ResolvedNode{Candidate: c, Node: node}, nil
		}
	}

	// Step 4: no match, create new.
	node := &domain.EntityNode{
		UUID:          newUUID(),
		GroupID:       groupID,
		Name:          c.Name,
		Labels:        []string{c.Type},
		Attributes:    c.Attributes,
		NameEmbedding: c.NameEmbedding,
		CreatedAt:     time.Now(),
	}
	if len(c.NameEmbedding) == 0 {
		node.PendingEmbedding = true
	}
	if err := e.store.CreateEntityNode(ctx, node); err != nil {
		return nil, fmt.Errorf("%w: create entity node: %v", domain.ErrConflict, err)
	}
	if err := e.names.index1(node); err != nil {
		e.logger.Warn("failed to index new node name", zap.Error(err))
	}
	e.cache.putExact(groupID+":"+normalized, node.UUID)
	return &ResolvedNode{Candidate: c, Node: node, Created: true}, nil
}

func (e *Engine) exactMatch(ctx context.Context, groupID, normalized string) (*domain.EntityNode, bool, error) {
	cacheKey := groupID + ":" + normalized
	if cachedUUID, ok := e.cache.getExact(cacheKey); ok {
		node, err := e.store.GetEntityNode(ctx, cachedUUID)
		if err == nil {
			return node, true, nil
		}
	}

	nodes, err := e.store.FindNodesByExactName(ctx, groupID, normalized)
	if err != nil {
		return nil, false, fmt.Errorf("%w: exact name lookup: %v", domain.ErrTransientAdapter, err)
	}
	if len(nodes) == 1 {
		e.cache.putExact(cacheKey, nodes[0].UUID)
		return nodes[0], true, nil
	}
	if len(nodes) > 1 {
		// Multiple exact matches: tie-break per §4.6.4 (same group already
		// guaranteed; prefer older created_at, then smallest uuid).
		return pickTiebreak(nodes), true, nil
	}
	return nil, false, nil
}

func (e *Engine) vectorMatch(ctx context.Context, groupID string, c extraction.CandidateEntity, normalized string) (*domain.EntityNode, bool, error) {
	cacheKey := vectorCacheKey(groupID, c.NameEmbedding)
	var matches []graph.VectorMatch
	if cached, ok := e.cache.getVector(cacheKey); ok {
		matches = make([]graph.VectorMatch, len(cached))
		for i, m := range cached {
			matches[i] = graph.VectorMatch{UUID: m.UUID, Score: m.Score}
		}
	} else {
		found, err := e.store.VectorSearchNames(ctx, groupID, c.NameEmbedding, topKCandidates, e.thresholds.SimHigh)
		if err != nil {
			return nil, false, fmt.Errorf("%w: vector name search: %v", domain.ErrTransientAdapter, err)
		}
		matches = found
		cacheable := make([]graphVectorMatch, len(found))
		for i, m := range found {
			cacheable[i] = graphVectorMatch{UUID: m.UUID, Score: m.Score}
		}
		e.cache.putVector(cacheKey, cacheable)
	}

	var candidates []*domain.EntityNode
	for _, m := range matches {
		node, err := e.store.GetEntityNode(ctx, m.UUID)
		if err != nil {
			continue
		}
		if isCompoundSplit(c.Name, node.Name) {
			// §4.6.3: require the exact path for compound splits; skip here.
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 1 {
		return candidates[0], true, nil
	}
	if len(candidates) > 1 {
		return pickTiebreak(candidates), true, nil
	}
	return nil, false, nil
}

func (e *Engine) crossGroupMatch(ctx context.Context, groupID string, c extraction.CandidateEntity, normalized string) (*domain.EntityNode, bool, error) {
	var m *domain.EntityNode

	if exact, err := e.store.FindNodesByExactNameAcrossGroups(ctx, normalized); err != nil {
		return nil, false, fmt.Errorf("%w: cross-group exact lookup: %v", domain.ErrTransientAdapter, err)
	} else if len(exact) > 0 {
		m = pickTiebreak(exact)
	}

	if m == nil && len(c.NameEmbedding) > 0 {
		matches, err := e.store.VectorSearchNamesAcrossGroups(ctx, c.NameEmbedding, topKCandidates, e.thresholds.SimHigh)
		if err != nil {
			return nil, false, fmt.Errorf("%w: cross-group vector search: %v", domain.ErrTransientAdapter, err)
		}
		var candidates []*domain.EntityNode
		for _, vm := range matches {
			node, err := e.store.GetEntityNode(ctx, vm.UUID)
			if err != nil || isCompoundSplit(c.Name, node.Name) {
				continue
			}
			candidates = append(candidates, node)
		}
		if len(candidates) > 0 {
			m = pickTiebreak(candidates)
		}
	}

	if m == nil {
		return nil, false, nil
	}

	canonicalUUID, hasDup, err := e.store.OutgoingDuplicate(ctx, m.UUID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: outgoing duplicate lookup: %v", domain.ErrTransientAdapter, err)
	}
	if hasDup {
		canonical, err := e.store.GetEntityNode(ctx, canonicalUUID)
		if err != nil {
			return nil, false, fmt.Errorf("%w: resolve canonical node: %v", domain.ErrTransientAdapter, err)
		}
		return canonical, true, nil
	}

	// m has no outgoing IS_DUPLICATE_OF: m is canonical. Create a new node
	// in c's own group and point it at m.
	newNode := &domain.EntityNode{
		UUID:          newUUID(),
		GroupID:       groupID,
		Name:          c.Name,
		Labels:        []string{c.Type},
		Attributes:    c.Attributes,
		NameEmbedding: c.NameEmbedding,
		CreatedAt:     time.Now(),
	}
	if err := e.store.CreateEntityNode(ctx, newNode); err != nil {
		return nil, false, fmt.Errorf("%w: create shadow node: %v", domain.ErrConflict, err)
	}
	if err := e.names.index1(newNode); err != nil {
		e.logger.Warn("failed to index new shadow node name", zap.Error(err))
	}
	if err := e.store.CreateCanonicalityEdge(ctx, &domain.CanonicalityEdge{
		SourceNodeUUID: newNode.UUID,
		TargetNodeUUID: m.UUID,
		CreatedAt:      time.Now(),
	}); err != nil {
		return nil, false, fmt.Errorf("%w: create canonicality edge: %v", domain.ErrConflict, err)
	}
	return m, true, nil
}

// pickTiebreak implements §4.6.4's tie-break order: same group already
// filtered by caller where relevant; here we pick older created_at, then
// lexicographically smallest uuid.
func pickTiebreak(nodes []*domain.EntityNode) *domain.EntityNode {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.CreatedAt.Before(best.CreatedAt) {
			best = n
			continue
		}
		if n.CreatedAt.Equal(best.CreatedAt) && n.UUID < best.UUID {
			best = n
		}
	}
	return best
}

// nearExactByFuzzy supplements step 1 with a Bleve-prefiltered,
// Levenshtein-prefiltered, Jaro-Winkler confirmed near-exact match — for
// typo-tolerant exact matching using NAME_EXACT (§4.6.4). Not part of the
// strict spec algorithm's step 1 (which is literal equality); ResolveNode
// calls it right after the exact lookup, to absorb minor producer-side name
// variance before falling through to vector search.
func (e *Engine) nearExactByFuzzy(ctx context.Context, groupID, name string) (*domain.EntityNode, bool, error) {
	normalized := normalize(name)
	candidateIDs, err := e.names.fuzzyCandidates(groupID, name, topKCandidates)
	if err != nil {
		return nil, false, err
	}

	var best *domain.EntityNode
	bestScore := 0.0
	for _, candidateUUID := range candidateIDs {
		node, err := e.store.GetEntityNode(ctx, candidateUUID)
		if err != nil {
			continue
		}
		candidateNormalized := normalize(node.Name)
		if levenshtein.ComputeDistance(normalized, candidateNormalized) > levenshteinPrefilterMax {
			continue
		}
		score := jaroWinkler(normalized, candidateNormalized)
		if score >= e.thresholds.NameExact && score > bestScore {
			best, bestScore = node, score
		}
	}
	return best, best != nil, nil
}

// ResolveBatch resolves the N candidates of a single episode in three
// phases (§4.6.5): exact lookup, vector search, then ResolveNode for
// whatever is still unresolved. Each phase makes its store calls per
// candidate; it does not batch a phase into one adapter round-trip.
func (e *Engine) ResolveBatch(ctx context.Context, candidates []extraction.CandidateEntity, groupID string) ([]*ResolvedNode, error) {
	out := make([]*ResolvedNode, len(candidates))

	// Phase 1: exact lookup per candidate; a normalized name already
	// matched earlier in this batch reuses that match.
	seen := make(map[string]*domain.EntityNode)
	for i, c := range candidates {
		normalized := normalize(c.Name)
		if node, ok := seen[normalized]; ok {
			out[i] = &ResolvedNode{Candidate: c, Node: node}
			continue
		}
		node, ok, err := e.exactMatch(ctx, groupID, normalized)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[normalized] = node
			out[i] = &ResolvedNode{Candidate: c, Node: node}
		}
	}

	// Phase 2: batch vector search for everything still unresolved.
	for i, c := range candidates {
		if out[i] != nil || len(c.NameEmbedding) == 0 {
			continue
		}
		node, ok, err := e.vectorMatch(ctx, groupID, c, normalize(c.Name))
		if err != nil {
			return nil, err
		}
		if ok {
			out[i] = &ResolvedNode{Candidate: c, Node: node}
		}
	}

	// Phase 3: ResolveNode (which creates the node when nothing matches)
	// for everything still unresolved.
	for i, c := range candidates {
		if out[i] != nil {
			continue
		}
		resolved, err := e.ResolveNode(ctx, c, groupID)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// ResolvedEdge pairs a candidate edge with the canonical EntityEdge it
// resolved to.
type ResolvedEdge struct {
	Candidate extraction.CandidateEdge
	Edge      *domain.EntityEdge
	Merged    bool
	Created   bool
}

// ResolveEdge implements §4.6.2.
func (e *Engine) ResolveEdge(ctx context.Context, c extraction.CandidateEdge, sourceUUID, targetUUID, groupID, episodeUUID string) (*ResolvedEdge, error) {
	existing, err := e.store.FindEdgesByEndpoints(ctx, sourceUUID, targetUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: find edges by endpoints: %v", domain.ErrTransientAdapter, err)
	}

	// Step 2: merge on embedding similarity + same normalized relation.
	for _, edge := range existing {
		if normalize(edge.Name) != normalize(c.Relation) {
			continue
		}
		if len(edge.FactEmbedding) == 0 || len(c.FactEmbedding) == 0 {
			continue
		}
		if embedding.CosineSimilarity(edge.FactEmbedding, c.FactEmbedding) >= e.thresholds.EdgeSim {
			if err := e.store.ExtendEdgeValidity(ctx, edge.UUID, c.ValidAt, episodeUUID); err != nil {
				return nil, fmt.Errorf("%w: extend edge validity: %v", domain.ErrConflict, err)
			}
			updated, err := e.store.GetEntityEdge(ctx, edge.UUID)
			if err != nil {
				return nil, err
			}
			return &ResolvedEdge{Candidate: c, Edge: updated, Merged: true}, nil
		}
	}

	// Step 3: contradiction check against same-direction existing edges.
	for _, edge := range existing {
		contradicts, err := e.checkContradiction(ctx, edge.Fact, c.Fact)
		if err != nil {
			e.logger.Warn("contradiction check failed, treating as non-contradictory", zap.Error(err))
			continue
		}
		if contradicts {
			if err := e.store.InvalidateEdge(ctx, edge.UUID, c.ValidAt); err != nil {
				return nil, fmt.Errorf("%w: invalidate contradicted edge: %v", domain.ErrConflict, err)
			}
			break
		}
	}

	// Step 4: create new edge.
	newEdge := &domain.EntityEdge{
		UUID:              newUUID(),
		GroupID:           groupID,
		Name:              c.Relation,
		Fact:              c.Fact,
		SourceNodeUUID:    sourceUUID,
		TargetNodeUUID:    targetUUID,
		FactEmbedding:     c.FactEmbedding,
		ValidAt:           c.ValidAt,
		CreatedAt:         time.Now(),
		EpisodeProvenance: []string{episodeUUID},
	}
	if err := e.store.CreateEntityEdge(ctx, newEdge); err != nil {
		return nil, fmt.Errorf("%w: create entity edge: %v", domain.ErrConflict, err)
	}
	return &ResolvedEdge{Candidate: c, Edge: newEdge, Created: true}, nil
}

var contradictionSchema = llm.Schema{Required: map[string]string{"contradicts": "bool"}}

// checkContradiction implements §4.6.2 step 3's small-tier LLM contradiction
// check.
func (e *Engine) checkContradiction(ctx context.Context, existingFact, candidateFact string) (bool, error) {
	system := "You determine whether two facts about the same relationship contradict each other. Output JSON only: {\"contradicts\": true|false}."
	user := fmt.Sprintf("Existing fact: %q\nNew fact: %q\nDo these contradict?", existingFact, candidateFact)

	result, err := e.llm.CompleteJSON(ctx, system, user, contradictionSchema, llm.TierSmall)
	if err != nil {
		return false, err
	}
	contradicts, _ := result["contradicts"].(bool)
	return contradicts, nil
}

// IndexExistingNodes seeds the fuzzy name prefilter at startup / after a
// sync pass so step 1's typo-tolerant lookup has something to search.
func (e *Engine) IndexExistingNodes(nodes []*domain.EntityNode) error {
	return e.names.indexBatch(nodes)
}

func newUUID() string { return uuid.NewString() }
