// Package httpapi is the thin HTTP ingress (spec.md §6): it is out of
// core scope per spec.md §1's Non-goals (no auth, no rate limiting, no
// request validation framework) but is wired here exactly the way the
// teacher wires its own ingress — a *mux.Router built in one place,
// gorilla/handlers middleware around it, one method per route — since
// §1's non-goals scope features out, never the ambient stack.
//
// Grounded on internal/agent/server.go's SetupRoutes (one *mux.Router,
// one handler method per route, JSON in/out via encoding helpers) and
// cmd/monolith/main.go's corsObj/http.Server wiring, generalized from
// the agent's chat/group surface to spec.md §6's ingestion/query surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/broadcast"
	"github.com/reflective-memory-kernel/internal/dispatch"
	"github.com/reflective-memory-kernel/internal/domain"
	"github.com/reflective-memory-kernel/internal/embedding"
	"github.com/reflective-memory-kernel/internal/feedback"
	"github.com/reflective-memory-kernel/internal/graph"
	"github.com/reflective-memory-kernel/internal/queueproxy"
)

// Server mounts spec.md §6's HTTP surface on a *mux.Router.
type Server struct {
	proxy      *queueproxy.Proxy
	store      graph.Store
	embedder   *embedding.Service
	dispatcher *dispatch.Dispatcher
	feedback   *feedback.Collector
	broadcast  *broadcast.Broadcaster
	logger     *zap.Logger
}

// New creates a Server. broadcaster may be nil if WebSocket fan-out is not
// mounted in this process.
func New(proxy *queueproxy.Proxy, store graph.Store, embedder *embedding.Service, dispatcher *dispatch.Dispatcher, fb *feedback.Collector, broadcaster *broadcast.Broadcaster, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		proxy:      proxy,
		store:      store,
		embedder:   embedder,
		dispatcher: dispatcher,
		feedback:   fb,
		broadcast:  broadcaster,
		logger:     logger.Named("httpapi"),
	}
}

// Routes registers spec.md §6's routes onto r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/messages", s.handlePostMessages).Methods("POST")
	r.HandleFunc("/entity-node", s.handlePostEntityNode).Methods("POST")
	r.HandleFunc("/entity-edge/{uuid}", s.handleGetEntityEdge).Methods("GET")
	r.HandleFunc("/edges/by-node/{uuid}", s.handleGetEdgesByNode).Methods("GET")
	r.HandleFunc("/episodes/{group_id}", s.handleGetEpisodes).Methods("GET")
	r.HandleFunc("/get-memory", s.handlePostGetMemory).Methods("POST")
	r.HandleFunc("/nodes/{uuid}/summary", s.handlePatchNodeSummary).Methods("PATCH")
	r.HandleFunc("/feedback/relevance", s.handlePostFeedback).Methods("POST")
	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	if s.broadcast != nil {
		r.HandleFunc("/ws/{group_id}", s.handleWebSocket).Methods("GET")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePostMessages implements POST /messages: enqueue Episode ingestion.
func (s *Server) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		queueproxy.Message
		GroupID string `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ok, err := s.proxy.SendMessage(r.Context(), req.Message, req.GroupID)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.SanitizeString(err.Error()))
		return
	}
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handlePostEntityNode implements POST /entity-node: enqueue direct entity.
func (s *Server) handlePostEntityNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		queueproxy.EntityData
		GroupID string `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ok, err := s.proxy.SendEntity(r.Context(), req.EntityData, req.GroupID)
	if err != nil || !ok {
		writeError(w, http.StatusBadRequest, "validation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// handleGetEntityEdge implements GET /entity-edge/{uuid}: fetch a fact and
// emit an access event (spec.md §4.9/§4.10 dataflow: every read that
// touches named uuids is observed by C9/C10).
func (s *Server) handleGetEntityEdge(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	edge, err := s.store.GetEntityEdge(r.Context(), uuid)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.emitAccess(r.Context(), []string{uuid}, "fetch", "")
	writeJSON(w, http.StatusOK, edge)
}

// handleGetEdgesByNode implements GET /edges/by-node/{uuid}.
func (s *Server) handleGetEdgesByNode(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	source, target, err := s.store.EdgesByNode(r.Context(), uuid)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	all := make([]*domain.EntityEdge, 0, len(source)+len(target))
	all = append(all, source...)
	all = append(all, target...)
	s.emitAccess(r.Context(), []string{uuid}, "fetch", "")
	writeJSON(w, http.StatusOK, map[string]any{
		"edges":        all,
		"source_edges": source,
		"target_edges": target,
	})
}

// handleGetEpisodes implements GET /episodes/{group_id}?last_n=.
func (s *Server) handleGetEpisodes(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	lastN := 10
	if v := r.URL.Query().Get("last_n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lastN = n
		}
	}
	episodes, err := s.store.RecentEpisodes(r.Context(), groupID, lastN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": episodes})
}

// handlePostGetMemory implements POST /get-memory: composes a query from
// the submitted messages, embeds it, finds the nearest named nodes in the
// group, and returns the facts attached to them. Emits one access event
// naming the matched nodes whose facts were looked up.
func (s *Server) handlePostGetMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID  string `json:"group_id"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
		MaxFacts int `json:"max_facts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.MaxFacts <= 0 {
		req.MaxFacts = 10
	}
	queryText := composeQueryText(req.Messages)

	vec, err := s.embedder.Embed(r.Context(), queryText)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "embedding failed")
		return
	}
	matches, err := s.store.VectorSearchNames(r.Context(), req.GroupID, vec, req.MaxFacts, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	var (
		facts   []*domain.EntityEdge
		touched []string
		seen    = make(map[string]bool)
	)
	for _, m := range matches {
		if len(facts) >= req.MaxFacts {
			break
		}
		source, target, err := s.store.EdgesByNode(r.Context(), m.UUID)
		if err != nil {
			continue
		}
		touched = append(touched, m.UUID)
		for _, e := range append(source, target...) {
			if seen[e.UUID] || len(facts) >= req.MaxFacts {
				continue
			}
			seen[e.UUID] = true
			facts = append(facts, e)
		}
	}
	s.emitAccess(r.Context(), touched, "search", queryText)
	writeJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

func composeQueryText(messages []struct {
	Content string `json:"content"`
}) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// handlePatchNodeSummary implements PATCH /nodes/{uuid}/summary.
func (s *Server) handlePatchNodeSummary(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	var req struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.UpdateEntityNodeSummary(r.Context(), uuid, req.Summary); err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	node, err := s.store.GetEntityNode(r.Context(), uuid)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handlePostFeedback implements POST /feedback/relevance.
func (s *Server) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	var fb feedback.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.feedback.Submit(r.Context(), fb); err != nil {
		writeError(w, http.StatusBadRequest, domain.SanitizeString(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleHealthcheck implements GET /healthcheck.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	s.broadcast.ServeHTTP(w, r, groupID)
}

func (s *Server) emitAccess(ctx context.Context, nodeIDs []string, accessType, query string) {
	if s.dispatcher == nil || len(nodeIDs) == 0 {
		return
	}
	s.dispatcher.DispatchAccess(ctx, domain.NodeAccessEvent{
		EventType:  "node_access",
		NodeIDs:    nodeIDs,
		Timestamp:  time.Now(),
		AccessType: accessType,
		Query:      query,
	})
}
