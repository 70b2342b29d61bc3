package engine

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
)

// Graph is the in-process adjacency index over relationships. It mirrors
// the store: the engine updates it after every successful edge write.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]model.Relationship
	out   map[string]map[string]struct{} // memory id -> ids of outgoing edges
	in    map[string]map[string]struct{} // memory id -> ids of incoming edges
}

func newGraph() *Graph {
	return &Graph{
		edges: make(map[string]model.Relationship),
		out:   make(map[string]map[string]struct{}),
		in:    make(map[string]map[string]struct{}),
	}
}

func (g *Graph) load(edges []model.Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range edges {
		g.putLocked(r)
	}
}

func (g *Graph) put(r model.Relationship) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.putLocked(r)
}

func (g *Graph) putLocked(r model.Relationship) {
	g.edges[r.ID] = r
	link(g.out, r.SourceID, r.ID)
	link(g.in, r.TargetID, r.ID)
}

func (g *Graph) removeEdges(ids []string) {
	if len(ids) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		r, ok := g.edges[id]
		if !ok {
			continue
		}
		delete(g.edges, id)
		unlink(g.out, r.SourceID, id)
		unlink(g.in, r.TargetID, id)
	}
}

// Len returns the number of indexed edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Outgoing returns the edges leaving memoryID in scope.
func (g *Graph) Outgoing(scope, memoryID string) []model.Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.out[memoryID], scope)
}

// Incoming returns the edges arriving at memoryID in scope.
func (g *Graph) Incoming(scope, memoryID string) []model.Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.in[memoryID], scope)
}

// neighbors maps every memory linked to memoryID in either direction to the
// strongest edge strength between them.
func (g *Graph) neighbors(scope, memoryID string) map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := make(map[string]float64)
	for _, r := range g.collect(g.out[memoryID], scope) {
		n[r.TargetID] = math.Max(n[r.TargetID], r.Strength)
	}
	for _, r := range g.collect(g.in[memoryID], scope) {
		n[r.SourceID] = math.Max(n[r.SourceID], r.Strength)
	}
	return n
}

func (g *Graph) collect(ids map[string]struct{}, scope string) []model.Relationship {
	out := make([]model.Relationship, 0, len(ids))
	for id := range ids {
		if r := g.edges[id]; r.Scope == scope {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func link(idx map[string]map[string]struct{}, node, edge string) {
	set, ok := idx[node]
	if !ok {
		set = make(map[string]struct{})
		idx[node] = set
	}
	set[edge] = struct{}{}
}

func unlink(idx map[string]map[string]struct{}, node, edge string) {
	set := idx[node]
	delete(set, edge)
	if len(set) == 0 {
		delete(idx, node)
	}
}

// ConnectRequest is the input to Connect.
type ConnectRequest struct {
	Scope    string  `json:"scope"`
	SourceID string  `json:"source_memory_id"`
	TargetID string  `json:"target_memory_id"`
	Type     string  `json:"relationship_type"`
	Strength float64 `json:"strength"`
}

// Connect creates a directed edge, or updates the strength of the existing
// edge with the same endpoints and type.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) (_ *model.Relationship, err error) {
	const op = "connect"
	ctx, end := e.begin(ctx, op,
		attribute.String("scope", req.Scope),
		attribute.String("source_id", req.SourceID),
		attribute.String("target_id", req.TargetID),
	)
	defer func() { end(err) }()

	if err := requireScope(op, req.Scope); err != nil {
		return nil, err
	}
	if err := requireID(op, "source memory", req.SourceID); err != nil {
		return nil, err
	}
	if err := requireID(op, "target memory", req.TargetID); err != nil {
		return nil, err
	}
	if req.SourceID == req.TargetID {
		return nil, validationf(op, "self-loop on memory %s", req.SourceID)
	}
	if !finite(req.Strength) || req.Strength <= 0 || req.Strength > 1 {
		return nil, validationf(op, "strength %v outside (0, 1]", req.Strength)
	}
	relType, err := cleanTag(op, "relationship type", req.Type, model.RelatedTo)
	if err != nil {
		return nil, err
	}

	// Hold both endpoints so a concurrent delete cannot leave a dangling edge.
	unlock := e.locks.lockPair(req.SourceID, req.TargetID)
	defer unlock()

	for _, id := range []string{req.SourceID, req.TargetID} {
		m, err := e.loadLive(ctx, op, req.Scope, id)
		if err != nil {
			return nil, err
		}
		if m.State != model.StateActive && m.State != model.StateStale {
			return nil, validationf(op, "memory %s is %s", id, m.State)
		}
	}

	r := &model.Relationship{
		ID:        uuid.NewString(),
		Scope:     req.Scope,
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Type:      relType,
		Strength:  req.Strength,
		CreatedAt: e.now(),
	}
	created, err := e.store.UpsertRelationship(ctx, r)
	if err != nil {
		return nil, dependency(op, "save relationship", err)
	}
	e.graph.put(*r)

	e.logger.Debug("memories connected",
		zap.String("id", r.ID),
		zap.String("type", r.Type),
		zap.Float64("strength", r.Strength),
		zap.Bool("created", created),
	)
	return r, nil
}

// Disconnect removes an edge by id.
func (e *Engine) Disconnect(ctx context.Context, scope, relationshipID string) (err error) {
	const op = "disconnect"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("relationship_id", relationshipID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return err
	}
	if err := requireID(op, "relationship", relationshipID); err != nil {
		return err
	}
	r, err := e.store.GetRelationship(ctx, scope, relationshipID)
	if err != nil {
		return dependency(op, "load relationship", err)
	}
	if r == nil {
		return notFound(op, "relationship", relationshipID)
	}

	// Same locks as Connect, so the index never keeps an edge the store dropped.
	unlock := e.locks.lockPair(r.SourceID, r.TargetID)
	defer unlock()

	ok, err := e.store.DeleteRelationship(ctx, scope, relationshipID)
	if err != nil {
		return dependency(op, "delete relationship", err)
	}
	if !ok {
		return notFound(op, "relationship", relationshipID)
	}
	e.graph.removeEdges([]string{relationshipID})
	return nil
}

// RelatedQuery is the input to Related.
type RelatedQuery struct {
	MaxDepth int      // default 1, clamped to the configured maximum
	Types    []string // empty follows every type
}

// RelatedMemory is one result of a traversal. Path lists the memory ids from
// the start memory to Memory, inclusive.
type RelatedMemory struct {
	Memory            model.Memory `json:"memory"`
	EffectiveStrength float64      `json:"effective_strength"`
	Depth             int          `json:"depth"`
	Path              []string     `json:"path"`
}

type reach struct {
	strength float64
	path     []string
}

// Related walks outgoing edges breadth-first up to MaxDepth hops. A path's
// effective strength is the product of its edge strengths; a memory reached
// by several paths is reported with its strongest one. Results are ordered
// by effective strength, strongest first.
func (e *Engine) Related(ctx context.Context, scope, memoryID string, q RelatedQuery) (_ []RelatedMemory, err error) {
	const op = "related"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", memoryID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	depth := q.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	if depth > e.cfg.MaxDepth {
		depth = e.cfg.MaxDepth
	}
	types, err := cleanTags(op, "relationship type", q.Types)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	if err := ctx.Err(); err != nil {
		return nil, timeout(op, err)
	}
	if _, err := e.loadLive(ctx, op, scope, memoryID); err != nil {
		return nil, err
	}

	best := make(map[string]reach)
	frontier := map[string]reach{memoryID: {strength: 1, path: []string{memoryID}}}
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, timeout(op, err)
		}
		next := make(map[string]reach)
		for node, at := range frontier {
			for _, r := range e.graph.Outgoing(scope, node) {
				if len(allowed) > 0 && !allowed[r.Type] {
					continue
				}
				if onPath(at.path, r.TargetID) {
					continue
				}
				s := at.strength * r.Strength
				if cur, ok := next[r.TargetID]; ok && cur.strength >= s {
					continue
				}
				path := make([]string, len(at.path), len(at.path)+1)
				copy(path, at.path)
				next[r.TargetID] = reach{strength: s, path: append(path, r.TargetID)}
			}
		}
		for node, at := range next {
			if cur, ok := best[node]; !ok || at.strength > cur.strength {
				best[node] = at
			}
		}
		frontier = next
	}
	if len(best) == 0 {
		return []RelatedMemory{}, nil
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	mems, err := e.store.GetMemories(ctx, scope, ids)
	if err != nil {
		return nil, dependency(op, "load related memories", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, timeout(op, err)
	}

	results := make([]RelatedMemory, 0, len(mems))
	for _, m := range mems {
		if m.State != model.StateActive && m.State != model.StateStale {
			continue
		}
		at := best[m.ID]
		m.Embedding = nil
		results = append(results, RelatedMemory{
			Memory:            m,
			EffectiveStrength: at.strength,
			Depth:             len(at.path) - 1,
			Path:              at.path,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.EffectiveStrength != b.EffectiveStrength {
			return a.EffectiveStrength > b.EffectiveStrength
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.Memory.ID < b.Memory.ID
	})
	return results, nil
}

func onPath(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

// Edges lists the relationships touching memoryID in both directions.
func (e *Engine) Edges(ctx context.Context, scope, memoryID string) (out, in []model.Relationship, err error) {
	const op = "edges"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", memoryID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, nil, err
	}
	if _, err := e.loadLive(ctx, op, scope, memoryID); err != nil {
		return nil, nil, err
	}
	return e.graph.Outgoing(scope, memoryID), e.graph.Incoming(scope, memoryID), nil
}
