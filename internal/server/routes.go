package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/model"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindDependency:
		return http.StatusBadGateway
	case engine.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	body := map[string]string{"error": err.Error()}
	if kind := engine.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "kind": string(engine.KindValidation)})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	badRequest(w, "invalid json: "+err.Error())
	return false
}

func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req engine.NewMemory
	if !decode(w, r, &req) {
		return
	}
	req.Scope = chi.URLParam(r, "scope")

	m, err := s.engine.CreateMemory(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMemory(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "limit must be an integer")
		return
	}
	state := model.State(strings.ToUpper(r.URL.Query().Get("state")))

	mems, err := s.engine.ListMemories(r.Context(), chi.URLParam(r, "scope"), state, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if mems == nil {
		mems = []model.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(mems),
		"memories": mems,
	})
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var upd engine.MemoryUpdate
	if !decode(w, r, &upd) {
		return
	}
	m, err := s.engine.UpdateMemory(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteMemory(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	req.Filters.Scope = chi.URLParam(r, "scope")

	results, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []engine.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req engine.ConnectRequest
	if !decode(w, r, &req) {
		return
	}
	req.Scope = chi.URLParam(r, "scope")

	rel, err := s.engine.Connect(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disconnect(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth, ok := queryInt(r, "depth")
	if !ok {
		badRequest(w, "depth must be an integer")
		return
	}
	var types []string
	if t := r.URL.Query().Get("types"); t != "" {
		types = strings.Split(t, ",")
	}

	related, err := s.engine.Related(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"),
		engine.RelatedQuery{MaxDepth: depth, Types: types})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if related == nil {
		related = []engine.RelatedMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(related),
		"related": related,
	})
}

func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	out, in, err := s.engine.Edges(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []model.Relationship{}
	}
	if in == nil {
		in = []model.Relationship{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outgoing": out,
		"incoming": in,
	})
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	var req engine.AccessRequest
	if !decode(w, r, &req) {
		return
	}
	req.Scope = chi.URLParam(r, "scope")
	req.MemoryID = chi.URLParam(r, "id")

	ev, err := s.engine.RecordAccess(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListAccess(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListAccessEvents(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.AccessEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score *float64 `json:"outcome_score"`
		Notes string   `json:"outcome_notes"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Score == nil {
		badRequest(w, "outcome_score required")
		return
	}

	res, err := s.engine.RecordOutcome(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "accessID"), *req.Score, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	change, err := s.engine.RecomputeImportance(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
