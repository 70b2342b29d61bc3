package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/engram/internal/model"
)

const accessSelect = `
	SELECT id, scope, memory_id, accessor_id, access_type, context, ts,
		outcome_score, outcome_notes, finalized, finalized_at
	FROM access_events`

// InsertAccessEvent appends a new, unfinalized access event.
func (db *DB) InsertAccessEvent(ctx context.Context, e *model.AccessEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO access_events (id, scope, memory_id, accessor_id, access_type, context, ts, finalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, e.ID, e.Scope, e.MemoryID, e.AccessorID, string(e.Type), e.Context, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert access event: %w", err)
	}
	return nil
}

// GetAccessEvent returns an access event by id in scope, or nil if absent.
func (db *DB) GetAccessEvent(ctx context.Context, scope, id string) (*model.AccessEvent, error) {
	rows, err := db.QueryContext(ctx, accessSelect+` WHERE id = ? AND scope = ?`, id, scope)
	if err != nil {
		return nil, fmt.Errorf("get access event: %w", err)
	}
	defer rows.Close()

	events, err := scanAccessEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// FinalizeAccessEvent records an outcome with a single conditional UPDATE so
// that exactly one of several concurrent callers can win.
func (db *DB) FinalizeAccessEvent(ctx context.Context, scope, id string, score float64, notes string, at time.Time) (model.FinalizeResult, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE access_events SET outcome_score = ?, outcome_notes = ?, finalized = 1, finalized_at = ?
		WHERE id = ? AND scope = ? AND finalized = 0
	`, score, notes, at.UnixMilli(), id, scope)
	if err != nil {
		return model.NoSuchEvent, fmt.Errorf("finalize access event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return model.Finalized, nil
	}

	var count int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM access_events WHERE id = ? AND scope = ?
	`, id, scope).Scan(&count); err != nil {
		return model.NoSuchEvent, fmt.Errorf("check access event: %w", err)
	}
	if count == 0 {
		return model.NoSuchEvent, nil
	}
	return model.AlreadyFinalized, nil
}

// ListAccessEvents returns all access events for a memory, newest first.
func (db *DB) ListAccessEvents(ctx context.Context, scope, memoryID string) ([]model.AccessEvent, error) {
	rows, err := db.QueryContext(ctx, accessSelect+`
		WHERE scope = ? AND memory_id = ?
		ORDER BY ts DESC, id
	`, scope, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list access events: %w", err)
	}
	defer rows.Close()
	return scanAccessEvents(rows)
}

func scanAccessEvents(rows *sql.Rows) ([]model.AccessEvent, error) {
	var events []model.AccessEvent
	for rows.Next() {
		var e model.AccessEvent
		var accessType string
		var ctxText, notes sql.NullString
		var ts int64
		var score sql.NullFloat64
		var finalized int
		var finalizedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Scope, &e.MemoryID, &e.AccessorID, &accessType, &ctxText, &ts,
			&score, &notes, &finalized, &finalizedAt); err != nil {
			return nil, fmt.Errorf("scan access event: %w", err)
		}
		e.Type = model.AccessType(accessType)
		e.Context = ctxText.String
		e.Timestamp = time.UnixMilli(ts)
		if score.Valid {
			v := score.Float64
			e.OutcomeScore = &v
		}
		e.OutcomeNotes = notes.String
		e.Finalized = finalized != 0
		e.FinalizedAt = timeFromMillis(finalizedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
