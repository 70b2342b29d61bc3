package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
)

// NewMemory is the input to CreateMemory.
type NewMemory struct {
	Scope     string         `json:"scope"`
	Content   string         `json:"content"`
	Type      string         `json:"memory_type"`
	Metadata  model.Metadata `json:"metadata"`
	CreatedBy string         `json:"created_by"`
}

// MemoryUpdate lists the fields to change. Nil fields are left alone;
// Metadata, when set, replaces the whole mapping.
type MemoryUpdate struct {
	Content  *string         `json:"content,omitempty"`
	Type     *string         `json:"memory_type,omitempty"`
	Metadata *model.Metadata `json:"metadata,omitempty"`
}

// CreateMemory stores a new memory. The record is written as CREATED, the
// embedding is requested, and the record becomes ACTIVE with the baseline
// importance. If embedding fails after retries the record is kept as FAILED
// for diagnostics and a dependency (or timeout) error is returned.
func (e *Engine) CreateMemory(ctx context.Context, in NewMemory) (_ *model.Memory, err error) {
	const op = "create_memory"
	ctx, end := e.begin(ctx, op, attribute.String("scope", in.Scope))
	defer func() { end(err) }()

	if err := requireScope(op, in.Scope); err != nil {
		return nil, err
	}
	content, err := cleanContent(op, in.Content, e.cfg.MaxContentChars)
	if err != nil {
		return nil, err
	}
	memType, err := cleanTag(op, "memory type", in.Type, model.TypeObservation)
	if err != nil {
		return nil, err
	}
	if err := checkMetadata(op, in.Metadata); err != nil {
		return nil, err
	}

	now := e.now()
	m := &model.Memory{
		ID:         uuid.NewString(),
		Scope:      in.Scope,
		Content:    content,
		Type:       memType,
		Importance: e.cfg.Importance.Baseline,
		Metadata:   in.Metadata.Clone(),
		State:      model.StateCreated,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.Metadata == nil {
		m.Metadata = model.Metadata{}
	}

	unlock := e.locks.lock(m.ID)
	defer unlock()

	if err := e.store.InsertMemory(ctx, m); err != nil {
		return nil, dependency(op, "persist memory", err)
	}

	vec, embedErr := e.embedder.Embed(ctx, content)
	if embedErr != nil {
		m.State = model.StateFailed
		m.UpdatedAt = e.now()
		// Record the failure even if the caller has given up.
		if err := e.store.SaveMemory(context.WithoutCancel(ctx), m); err != nil {
			e.logger.Error("mark memory failed", zap.String("id", m.ID), zap.Error(err))
		}
		e.logger.Warn("embedding failed, memory marked FAILED",
			zap.String("id", m.ID),
			zap.String("scope", m.Scope),
			zap.Error(embedErr),
		)
		return nil, dependency(op, "embed content", embedErr)
	}

	m.Embedding = vec
	m.EmbeddingModel = e.embedder.Model()
	m.State = model.StateActive
	m.UpdatedAt = e.now()
	if err := e.store.SaveMemory(context.WithoutCancel(ctx), m); err != nil {
		return nil, dependency(op, "activate memory", err)
	}

	e.logger.Debug("memory created",
		zap.String("id", m.ID),
		zap.String("scope", m.Scope),
		zap.String("type", m.Type),
	)
	return m, nil
}

// GetMemory returns a memory by id. Unknown ids, other scopes and deleted
// memories are all NotFound. FAILED memories are returned so callers can see
// why they are not searchable.
func (e *Engine) GetMemory(ctx context.Context, scope, id string) (_ *model.Memory, err error) {
	const op = "get_memory"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", id))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	return e.loadLive(ctx, op, scope, id)
}

// loadLive fetches a memory that is not DELETED.
func (e *Engine) loadLive(ctx context.Context, op, scope, id string) (*model.Memory, error) {
	m, err := e.store.GetMemory(ctx, scope, id)
	if err != nil {
		return nil, dependency(op, "load memory", err)
	}
	if m == nil || m.State == model.StateDeleted {
		return nil, notFound(op, "memory", id)
	}
	return m, nil
}

// UpdateMemory changes content, type or metadata. A content change is
// re-embedded under the same retry policy as create; if that fails nothing
// is changed and the error is returned.
func (e *Engine) UpdateMemory(ctx context.Context, scope, id string, upd MemoryUpdate) (_ *model.Memory, err error) {
	const op = "update_memory"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", id))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}

	var content string
	if upd.Content != nil {
		if content, err = cleanContent(op, *upd.Content, e.cfg.MaxContentChars); err != nil {
			return nil, err
		}
	}
	var memType string
	if upd.Type != nil {
		if memType, err = cleanTag(op, "memory type", *upd.Type, ""); err != nil {
			return nil, err
		}
		if memType == "" {
			return nil, validationf(op, "memory type must not be empty")
		}
	}
	if upd.Metadata != nil {
		if err := checkMetadata(op, *upd.Metadata); err != nil {
			return nil, err
		}
	}

	unlock := e.locks.lock(id)
	defer unlock()

	m, err := e.loadLive(ctx, op, scope, id)
	if err != nil {
		return nil, err
	}
	if m.State != model.StateActive && m.State != model.StateStale {
		return nil, conflictf(op, "memory %s is %s", id, m.State)
	}

	reembed := upd.Content != nil && content != m.Content
	if reembed {
		vec, err := e.embedder.Embed(ctx, content)
		if err != nil {
			e.logger.Warn("re-embedding failed, update not applied",
				zap.String("id", id),
				zap.Error(err),
			)
			return nil, dependency(op, "embed content", err)
		}
		m.Content = content
		m.Embedding = vec
		m.EmbeddingModel = e.embedder.Model()
	} else {
		// Leave the stored vector alone.
		m.Embedding = nil
	}
	if upd.Type != nil {
		m.Type = memType
	}
	if upd.Metadata != nil {
		m.Metadata = upd.Metadata.Clone()
		if m.Metadata == nil {
			m.Metadata = model.Metadata{}
		}
	}
	m.UpdatedAt = e.now()

	// Accesses and the sweep change state without this lock, so only the
	// content columns are written here.
	ok, err := e.store.UpdateContent(ctx, m)
	if err != nil {
		return nil, dependency(op, "save memory", err)
	}
	if !ok {
		return nil, conflictf(op, "memory %s changed state during update", id)
	}
	return e.loadLive(ctx, op, scope, id)
}

// DeleteMemory marks a memory DELETED and removes every relationship that
// references it before returning.
func (e *Engine) DeleteMemory(ctx context.Context, scope, id string) (err error) {
	const op = "delete_memory"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", id))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	m, err := e.store.GetMemory(ctx, scope, id)
	if err != nil {
		return dependency(op, "load memory", err)
	}
	if m == nil {
		return notFound(op, "memory", id)
	}
	if m.State == model.StateDeleted {
		return conflictf(op, "memory %s is already deleted", id)
	}

	edgeIDs, ok, err := e.store.DeleteMemory(ctx, scope, id, e.now())
	if err != nil {
		return dependency(op, "delete memory", err)
	}
	if !ok {
		return conflictf(op, "memory %s is already deleted", id)
	}
	e.graph.removeEdges(edgeIDs)

	e.logger.Debug("memory deleted",
		zap.String("id", id),
		zap.String("scope", scope),
		zap.Int("relationships_removed", len(edgeIDs)),
	)
	return nil
}

// ListMemories lists memories in scope, newest first. An empty state lists
// everything except DELETED.
func (e *Engine) ListMemories(ctx context.Context, scope string, state model.State, limit int) (_ []model.Memory, err error) {
	const op = "list_memories"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	state = model.State(model.NormalizeTag(string(state)))
	switch state {
	case "", model.StateCreated, model.StateActive, model.StateFailed, model.StateStale, model.StateDeleted:
	default:
		return nil, validationf(op, "unknown state %q", state)
	}
	if limit <= 0 || limit > e.cfg.MaxResultsCap {
		limit = e.cfg.MaxResultsCap
	}

	mems, err := e.store.ListMemories(ctx, scope, state, limit)
	if err != nil {
		return nil, dependency(op, "list memories", err)
	}
	return mems, nil
}

// isKind reports whether err is an engine error of kind k.
func isKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
