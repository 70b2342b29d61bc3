package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/model"
)

// AccessRequest is the input to RecordAccess.
type AccessRequest struct {
	Scope      string           `json:"scope"`
	MemoryID   string           `json:"memory_id"`
	AccessorID string           `json:"accessor_id"`
	Type       model.AccessType `json:"access_type"`
	Context    string           `json:"context"`
}

// OutcomeResult reports a finalized access event and the importance
// recomputation it triggered. Importance is nil if the memory could no
// longer be recomputed (for example because it was deleted).
type OutcomeResult struct {
	Event      *model.AccessEvent `json:"event"`
	Importance *ImportanceChange  `json:"importance,omitempty"`
}

// RecordAccess appends an unfinalized access event for a memory and returns
// it. Accessing a STALE memory makes it ACTIVE again.
func (e *Engine) RecordAccess(ctx context.Context, req AccessRequest) (_ *model.AccessEvent, err error) {
	const op = "record_access"
	ctx, end := e.begin(ctx, op, attribute.String("scope", req.Scope), attribute.String("memory_id", req.MemoryID))
	defer func() { end(err) }()

	if err := requireScope(op, req.Scope); err != nil {
		return nil, err
	}
	if err := requireID(op, "memory", req.MemoryID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.AccessorID) == "" {
		return nil, validationf(op, "accessor id is required")
	}
	accessType := model.AccessType(model.NormalizeTag(string(req.Type)))
	if accessType == "" {
		accessType = model.AccessRetrieve
	}
	if !accessType.Valid() {
		return nil, validationf(op, "unknown access type %q", req.Type)
	}

	now := e.now()
	touched, err := e.store.TouchMemory(ctx, req.Scope, req.MemoryID, now)
	if err != nil {
		return nil, dependency(op, "touch memory", err)
	}
	if !touched {
		m, err := e.loadLive(ctx, op, req.Scope, req.MemoryID)
		if err != nil {
			return nil, err
		}
		return nil, validationf(op, "memory %s is %s", m.ID, m.State)
	}

	ev := &model.AccessEvent{
		ID:         uuid.NewString(),
		Scope:      req.Scope,
		MemoryID:   req.MemoryID,
		AccessorID: req.AccessorID,
		Type:       accessType,
		Context:    req.Context,
		Timestamp:  now,
	}
	if err := e.store.InsertAccessEvent(ctx, ev); err != nil {
		return nil, dependency(op, "insert access event", err)
	}
	return ev, nil
}

// RecordOutcome finalizes an access event with an outcome score in [-1, 1].
// Exactly one call per event succeeds; later calls get a conflict. On success
// the memory's importance is recomputed before returning.
func (e *Engine) RecordOutcome(ctx context.Context, scope, accessID string, score float64, notes string) (_ *OutcomeResult, err error) {
	const op = "record_outcome"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("access_id", accessID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	if err := requireID(op, "access", accessID); err != nil {
		return nil, err
	}
	if !finite(score) || score < -1 || score > 1 {
		return nil, validationf(op, "outcome score %v outside [-1, 1]", score)
	}

	res, err := e.store.FinalizeAccessEvent(ctx, scope, accessID, score, notes, e.now())
	if err != nil {
		return nil, dependency(op, "finalize access event", err)
	}
	switch res {
	case model.NoSuchEvent:
		return nil, notFound(op, "access event", accessID)
	case model.AlreadyFinalized:
		return nil, conflictf(op, "access event %s is already finalized", accessID)
	}

	ev, err := e.store.GetAccessEvent(ctx, scope, accessID)
	if err != nil {
		return nil, dependency(op, "reload access event", err)
	}
	if ev == nil {
		return nil, notFound(op, "access event", accessID)
	}

	out := &OutcomeResult{Event: ev}
	change, err := e.recompute(ctx, scope, ev.MemoryID)
	switch {
	case err == nil:
		out.Importance = change
	case isKind(err, KindNotFound) || isKind(err, KindConflict):
		e.logger.Info("outcome recorded for memory that cannot be rescored",
			zap.String("access_id", accessID),
			zap.String("memory_id", ev.MemoryID),
			zap.Error(err),
		)
	default:
		// The outcome is durable; a later sweep will pick the score up.
		e.logger.Warn("recompute after outcome failed",
			zap.String("memory_id", ev.MemoryID),
			zap.Error(err),
		)
	}
	return out, nil
}

// ListAccessEvents returns the audit trail for a memory, newest first.
func (e *Engine) ListAccessEvents(ctx context.Context, scope, memoryID string) (_ []model.AccessEvent, err error) {
	const op = "list_access_events"
	ctx, end := e.begin(ctx, op, attribute.String("scope", scope), attribute.String("memory_id", memoryID))
	defer func() { end(err) }()

	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	m, err := e.store.GetMemory(ctx, scope, memoryID)
	if err != nil {
		return nil, dependency(op, "load memory", err)
	}
	if m == nil {
		return nil, notFound(op, "memory", memoryID)
	}
	events, err := e.store.ListAccessEvents(ctx, scope, memoryID)
	if err != nil {
		return nil, dependency(op, "list access events", err)
	}
	if events == nil {
		events = []model.AccessEvent{}
	}
	return events, nil
}
