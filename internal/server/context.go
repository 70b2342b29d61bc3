package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/model"
)

const defaultContextItems = 15

type contextItem struct {
	memory model.Memory
	score  float64
}

// handleGetContext renders the memories an agent should see first as a
// markdown block ready for prompt injection. With q set the memories are
// drawn from a similarity search; otherwise from the whole scope.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	query := r.URL.Query().Get("q")
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "limit must be an integer")
		return
	}
	if limit <= 0 {
		limit = defaultContextItems
	}

	var items []contextItem
	if query != "" {
		results, err := s.engine.Search(r.Context(), engine.SearchRequest{
			Query:      query,
			Filters:    engine.SearchFilters{Scope: scope},
			MaxResults: limit,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, res := range results {
			items = append(items, contextItem{res.Memory, contextScore(res.Similarity, res.Memory.Importance)})
		}
	} else {
		mems, err := s.engine.ListMemories(r.Context(), scope, model.StateActive, s.engine.Config().MaxResultsCap)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, m := range mems {
			items = append(items, contextItem{m, m.Importance})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})
	if len(items) > limit {
		items = items[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(items),
		"context": buildContext(scope, query, items),
	})
}

// contextScore weights similarity by importance so that a memory which has
// proven useful outranks an equally similar one that has not. Importance
// sits in [0, 1] around a 0.5 baseline, so the factor ranges 0.5 to 1.5.
func contextScore(similarity, importance float64) float64 {
	return similarity * (0.5 + importance)
}

func buildContext(scope, query string, items []contextItem) string {
	var b strings.Builder

	b.WriteString("<context>\n## Memory: " + scope + "\n")
	if query != "" {
		b.WriteString(fmt.Sprintf("Relevant to: %s\n", query))
	}
	if len(items) == 0 {
		b.WriteString("\nNo memories yet.\n")
		b.WriteString("</context>")
		return b.String()
	}

	// Group by type, keeping rank order within each group.
	var order []string
	groups := make(map[string][]contextItem)
	for _, it := range items {
		t := it.memory.Type
		if _, seen := groups[t]; !seen {
			order = append(order, t)
		}
		groups[t] = append(groups[t], it)
	}

	for _, t := range order {
		b.WriteString("\n### " + titleCase(t) + "\n")
		for _, it := range groups[t] {
			b.WriteString(fmt.Sprintf("- %s (importance %.2f)\n", oneLine(it.memory.Content), it.memory.Importance))
		}
	}

	b.WriteString("</context>")
	return b.String()
}

func titleCase(tag string) string {
	words := strings.Split(strings.ToLower(tag), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
