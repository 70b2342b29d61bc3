package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/engram/internal/model"
)

const relationshipSelect = `
	SELECT id, scope, source_id, target_id, rel_type, strength, created_at
	FROM relationships`

// UpsertRelationship inserts an edge, or updates the strength of the existing
// edge with the same scope, endpoints and type. The stored edge (with its
// original id and created_at on update) is written back into r. created
// reports whether a new row was inserted.
func (db *DB) UpsertRelationship(ctx context.Context, r *model.Relationship) (created bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert relationship: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE relationships SET strength = ?
		WHERE scope = ? AND source_id = ? AND target_id = ? AND rel_type = ?
	`, r.Strength, r.Scope, r.SourceID, r.TargetID, r.Type)
	if err != nil {
		return false, fmt.Errorf("update relationship: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (id, scope, source_id, target_id, rel_type, strength, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Scope, r.SourceID, r.TargetID, r.Type, r.Strength, r.CreatedAt.UnixMilli()); err != nil {
			return false, fmt.Errorf("insert relationship: %w", err)
		}
		created = true
	}

	var stored model.Relationship
	var createdAt int64
	err = tx.QueryRowContext(ctx, relationshipSelect+`
		WHERE scope = ? AND source_id = ? AND target_id = ? AND rel_type = ?
	`, r.Scope, r.SourceID, r.TargetID, r.Type).Scan(
		&stored.ID, &stored.Scope, &stored.SourceID, &stored.TargetID, &stored.Type, &stored.Strength, &createdAt)
	if err != nil {
		return false, fmt.Errorf("read back relationship: %w", err)
	}
	stored.CreatedAt = time.UnixMilli(createdAt)

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert relationship: %w", err)
	}
	*r = stored
	return created, nil
}

// GetRelationship returns an edge by id in scope, or nil if absent.
func (db *DB) GetRelationship(ctx context.Context, scope, id string) (*model.Relationship, error) {
	var r model.Relationship
	var createdAt int64
	err := db.QueryRowContext(ctx, relationshipSelect+` WHERE id = ? AND scope = ?`, id, scope).Scan(
		&r.ID, &r.Scope, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

// DeleteRelationship removes an edge by id in scope. It returns false if no
// such edge exists.
func (db *DB) DeleteRelationship(ctx context.Context, scope, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM relationships WHERE id = ? AND scope = ?`, id, scope)
	if err != nil {
		return false, fmt.Errorf("delete relationship: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AllRelationships returns every stored edge. Used to build the in-process
// adjacency index at startup.
func (db *DB) AllRelationships(ctx context.Context) ([]model.Relationship, error) {
	rows, err := db.QueryContext(ctx, relationshipSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("all relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]model.Relationship, error) {
	var rels []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Scope, &r.SourceID, &r.TargetID, &r.Type, &r.Strength, &createdAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
