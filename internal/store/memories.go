package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/engram/internal/model"
)

const memorySelect = `
	SELECT m.id, m.scope, m.content, m.memory_type, m.importance, m.metadata, m.state,
		m.created_by, m.created_at, m.updated_at, m.last_accessed_at, m.importance_computed_at,
		v.embedding, v.model
	FROM memories m
	LEFT JOIN memory_vectors v ON v.memory_id = m.id`

// InsertMemory persists a new memory row, plus its vector when one is set.
func (db *DB) InsertMemory(ctx context.Context, m *model.Memory) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert memory: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, scope, content, memory_type, importance, metadata, state,
			created_by, created_at, updated_at, last_accessed_at, importance_computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
	`, m.ID, m.Scope, m.Content, m.Type, m.Importance, meta, string(m.State),
		m.CreatedBy, m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
		nullMillis(m.LastAccessedAt), nullMillis(m.ImportanceComputedAt))
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	if m.Embedding != nil {
		if err := saveVector(ctx, tx, m.ID, m.Embedding, m.EmbeddingModel, m.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMemory returns the memory with the given id in scope, or nil if there is
// no such memory. A scope mismatch is reported exactly like absence.
func (db *DB) GetMemory(ctx context.Context, scope, id string) (*model.Memory, error) {
	rows, err := db.QueryContext(ctx, memorySelect+` WHERE m.id = ? AND m.scope = ?`, id, scope)
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	defer rows.Close()

	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, nil
	}
	return &mems[0], nil
}

// GetMemories returns the memories with the given ids in scope. Missing ids
// are skipped.
func (db *DB) GetMemories(ctx context.Context, scope string, ids []string) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, scope)
	for _, id := range ids {
		args = append(args, id)
	}

	query := memorySelect + ` WHERE m.scope = ? AND m.id IN (` + placeholders(len(ids)) + `)`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SaveMemory writes back every mutable field of a memory: content, type,
// metadata, state, importance, updated_at and, when set, the embedding. The
// create path uses it to move a CREATED row to ACTIVE or FAILED.
func (db *DB) SaveMemory(ctx context.Context, m *model.Memory) error {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save memory: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET content = ?, memory_type = ?, metadata = ?, state = ?,
			importance = ?, updated_at = ?, importance_computed_at = ?
		WHERE id = ? AND scope = ?
	`, m.Content, m.Type, meta, string(m.State), m.Importance, m.UpdatedAt.UnixMilli(),
		nullMillis(m.ImportanceComputedAt), m.ID, m.Scope)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save memory %s: no such memory", m.ID)
	}

	if m.Embedding != nil {
		if err := saveVector(ctx, tx, m.ID, m.Embedding, m.EmbeddingModel, m.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateContent writes content, type, metadata, updated_at and, when set, the
// embedding of an ACTIVE or STALE memory. State and importance are left to
// the statements that own them. It returns false if no such memory is live.
func (db *DB) UpdateContent(ctx context.Context, m *model.Memory) (bool, error) {
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update content: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET content = ?, memory_type = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND scope = ? AND state IN ('ACTIVE', 'STALE')
	`, m.Content, m.Type, meta, m.UpdatedAt.UnixMilli(), m.ID, m.Scope)
	if err != nil {
		return false, fmt.Errorf("update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if m.Embedding != nil {
		if err := saveVector(ctx, tx, m.ID, m.Embedding, m.EmbeddingModel, m.UpdatedAt); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update content: %w", err)
	}
	return true, nil
}

// DeleteMemory marks a memory DELETED, drops its vector and removes every
// relationship that references it, in one transaction. It returns the ids of
// the removed relationships and false if the memory was absent or already
// deleted.
func (db *DB) DeleteMemory(ctx context.Context, scope, id string, at time.Time) ([]string, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin delete memory: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET state = 'DELETED', updated_at = ?
		WHERE id = ? AND scope = ? AND state <> 'DELETED'
	`, at.UnixMilli(), id, scope)
	if err != nil {
		return nil, false, fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM relationships WHERE source_id = ? OR target_id = ?
	`, id, id)
	if err != nil {
		return nil, false, fmt.Errorf("list edges of %s: %w", id, err)
	}
	var edgeIDs []string
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("scan edge id: %w", err)
		}
		edgeIDs = append(edgeIDs, eid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return nil, false, fmt.Errorf("delete edges of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
		return nil, false, fmt.Errorf("delete vector of %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit delete memory: %w", err)
	}
	return edgeIDs, true, nil
}

// ListMemories returns memories in scope ordered by most recently updated.
// An empty state lists every state except DELETED.
func (db *DB) ListMemories(ctx context.Context, scope string, state model.State, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := memorySelect + ` WHERE m.scope = ?`
	args := []any{scope}
	if state != "" {
		query += ` AND m.state = ?`
		args = append(args, string(state))
	} else {
		query += ` AND m.state <> 'DELETED'`
	}
	query += ` ORDER BY m.updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Candidates returns the embedded memories matching a search filter.
// Metadata is not filtered here.
func (db *DB) Candidates(ctx context.Context, f model.CandidateFilter) ([]model.Memory, error) {
	var where []string
	args := []any{}

	where = append(where, "m.scope = ?")
	args = append(args, f.Scope)

	if f.IncludeStale {
		where = append(where, "m.state IN ('ACTIVE', 'STALE')")
	} else {
		where = append(where, "m.state = 'ACTIVE'")
	}
	if f.MinImportance > 0 {
		where = append(where, "m.importance >= ?")
		args = append(args, f.MinImportance)
	}
	if len(f.Types) > 0 {
		where = append(where, "m.memory_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.CreatedAfter != nil {
		where = append(where, "m.created_at >= ?")
		args = append(args, f.CreatedAfter.UnixMilli())
	}
	if f.CreatedBefore != nil {
		where = append(where, "m.created_at <= ?")
		args = append(args, f.CreatedBefore.UnixMilli())
	}
	where = append(where, "v.embedding IS NOT NULL")

	rows, err := db.QueryContext(ctx, memorySelect+" WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SetImportance stores a freshly computed importance score.
func (db *DB) SetImportance(ctx context.Context, scope, id string, score float64, computedAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE memories SET importance = ?, importance_computed_at = ?
		WHERE id = ? AND scope = ? AND state <> 'DELETED'
	`, score, computedAt.UnixMilli(), id, scope)
	if err != nil {
		return fmt.Errorf("set importance: %w", err)
	}
	return nil
}

// AdjustImportance adds delta to a memory's importance, clamped to [0, 1],
// and returns the resulting score. ok is false when the memory is absent or
// deleted.
func (db *DB) AdjustImportance(ctx context.Context, scope, id string, delta float64) (after float64, ok bool, err error) {
	err = db.QueryRowContext(ctx, `
		UPDATE memories SET importance = MIN(1.0, MAX(0.0, importance + ?))
		WHERE id = ? AND scope = ? AND state <> 'DELETED'
		RETURNING importance
	`, delta, id, scope).Scan(&after)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("adjust importance: %w", err)
	}
	return after, true, nil
}

// TouchMemory stamps last_accessed_at and reactivates a STALE memory. It
// returns false if the memory is absent or neither ACTIVE nor STALE.
func (db *DB) TouchMemory(ctx context.Context, scope, id string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET last_accessed_at = ?, state = 'ACTIVE'
		WHERE id = ? AND scope = ? AND state IN ('ACTIVE', 'STALE')
	`, at.UnixMilli(), id, scope)
	if err != nil {
		return false, fmt.Errorf("touch memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkStale demotes ACTIVE memories whose last access (or creation, if never
// accessed) is older than cutoff. It returns the number demoted.
func (db *DB) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET state = 'STALE'
		WHERE state = 'ACTIVE' AND COALESCE(last_accessed_at, created_at) < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("mark stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FailStuck moves CREATED memories older than cutoff to FAILED. Such rows
// are left behind when a create is interrupted before its embedding lands.
func (db *DB) FailStuck(ctx context.Context, cutoff, at time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE memories SET state = 'FAILED', updated_at = ?
		WHERE state = 'CREATED' AND created_at < ?
	`, at.UnixMilli(), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("fail stuck memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DueForRecompute lists ACTIVE and STALE memories whose importance was last
// computed before cutoff (or never), oldest first.
func (db *DB) DueForRecompute(ctx context.Context, cutoff time.Time, limit int) ([]model.MemoryRef, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `
		SELECT scope, id FROM memories
		WHERE state IN ('ACTIVE', 'STALE')
			AND (importance_computed_at IS NULL OR importance_computed_at < ?)
		ORDER BY COALESCE(importance_computed_at, 0) ASC
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due for recompute: %w", err)
	}
	defer rows.Close()

	var refs []model.MemoryRef
	for rows.Next() {
		var r model.MemoryRef
		if err := rows.Scan(&r.Scope, &r.ID); err != nil {
			return nil, fmt.Errorf("scan memory ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// CountByState returns memory counts per state across all scopes.
func (db *DB) CountByState(ctx context.Context) (map[model.State]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM memories GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.State]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[model.State(s)] = n
	}
	return counts, rows.Err()
}

func scanMemories(rows *sql.Rows) ([]model.Memory, error) {
	var mems []model.Memory
	for rows.Next() {
		var m model.Memory
		var state, meta string
		var createdBy, vecModel sql.NullString
		var createdAt, updatedAt int64
		var lastAccess, computedAt sql.NullInt64
		var blob []byte
		if err := rows.Scan(&m.ID, &m.Scope, &m.Content, &m.Type, &m.Importance, &meta, &state,
			&createdBy, &createdAt, &updatedAt, &lastAccess, &computedAt,
			&blob, &vecModel); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.State = model.State(state)
		m.CreatedBy = createdBy.String
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)
		m.LastAccessedAt = timeFromMillis(lastAccess)
		m.ImportanceComputedAt = timeFromMillis(computedAt)
		m.Embedding = decodeEmbedding(blob)
		m.EmbeddingModel = vecModel.String
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

func encodeMetadata(md model.Metadata) (string, error) {
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
