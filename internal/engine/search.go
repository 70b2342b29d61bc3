package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/embedding"
	"github.com/lazypower/engram/internal/model"
)

// SearchFilters restrict the candidate set. Scope is mandatory.
type SearchFilters struct {
	Scope         string            `json:"scope"`
	Types         []string          `json:"memory_types,omitempty"`
	MinImportance float64           `json:"min_importance,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAfter  *time.Time        `json:"created_after,omitempty"`
	CreatedBefore *time.Time        `json:"created_before,omitempty"`
	IncludeStale  bool              `json:"include_stale,omitempty"`
}

// SearchRequest is a similarity query: either Query text or a precomputed
// Vector, never both.
type SearchRequest struct {
	Query         string        `json:"query,omitempty"`
	Vector        []float64     `json:"vector,omitempty"`
	Filters       SearchFilters `json:"filters"`
	MaxResults    int           `json:"max_results,omitempty"`
	MinSimilarity float64       `json:"min_similarity,omitempty"`
}

// SearchResult is a ranked memory.
type SearchResult struct {
	Memory     model.Memory `json:"memory"`
	Similarity float64      `json:"similarity"`
}

// candidates between deadline checks
const deadlineStride = 64

// Search ranks memories in scope by cosine similarity to the query. Filters
// are applied before any similarity is computed. Results are ordered by
// similarity, then importance, then most recent update, and capped at
// MaxResults (itself capped by the configured maximum). An expired deadline
// fails the whole search; partial rankings are never returned.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (_ []SearchResult, err error) {
	const op = "search"
	ctx, end := e.begin(ctx, op, attribute.String("scope", req.Filters.Scope))
	defer func() { end(err) }()

	f := req.Filters
	if err := requireScope(op, f.Scope); err != nil {
		return nil, err
	}
	hasText := strings.TrimSpace(req.Query) != ""
	if hasText == (len(req.Vector) > 0) {
		return nil, validationf(op, "exactly one of query text or vector is required")
	}
	if !finite(req.MinSimilarity) || req.MinSimilarity < -1 || req.MinSimilarity > 1 {
		return nil, validationf(op, "min_similarity %v outside [-1, 1]", req.MinSimilarity)
	}
	if !finite(f.MinImportance) || f.MinImportance < 0 || f.MinImportance > 1 {
		return nil, validationf(op, "min_importance %v outside [0, 1]", f.MinImportance)
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return nil, validationf(op, "created_after is later than created_before")
	}
	types, err := cleanTags(op, "memory type", f.Types)
	if err != nil {
		return nil, err
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = e.cfg.DefaultMaxResults
	}
	if limit > e.cfg.MaxResultsCap {
		limit = e.cfg.MaxResultsCap
	}

	query := req.Vector
	if hasText {
		query, err = e.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, dependency(op, "embed query", err)
		}
	} else {
		if dims := e.embedder.Dimensions(); dims > 0 && len(query) != dims {
			return nil, validationf(op, "vector has %d dimensions, want %d", len(query), dims)
		}
		for _, v := range query {
			if !finite(v) {
				return nil, validationf(op, "vector contains a non-finite value")
			}
		}
	}

	cands, err := e.store.Candidates(ctx, model.CandidateFilter{
		Scope:         f.Scope,
		Types:         types,
		MinImportance: f.MinImportance,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		IncludeStale:  f.IncludeStale,
	})
	if err != nil {
		return nil, dependency(op, "load candidates", err)
	}

	results := make([]SearchResult, 0, min(len(cands), limit))
	for i := range cands {
		if i%deadlineStride == 0 {
			if err := ctx.Err(); err != nil {
				return nil, timeout(op, err)
			}
		}
		m := cands[i]
		if m.Scope != f.Scope || !m.State.Searchable(f.IncludeStale) {
			continue
		}
		if len(f.Metadata) > 0 && !m.Metadata.Matches(f.Metadata) {
			continue
		}
		sim := embedding.CosineSimilarity(query, m.Embedding)
		if sim < req.MinSimilarity {
			continue
		}
		m.Embedding = nil
		results = append(results, SearchResult{Memory: m, Similarity: sim})
	}
	if err := ctx.Err(); err != nil {
		return nil, timeout(op, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
			return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	e.logger.Debug("search",
		zap.String("scope", f.Scope),
		zap.Int("candidates", len(cands)),
		zap.Int("results", len(results)),
	)
	return results, nil
}
