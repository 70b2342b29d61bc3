package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: scoped memory records",
		SQL: `
CREATE TABLE memories (
    id                     TEXT PRIMARY KEY,
    scope                  TEXT NOT NULL,
    content                TEXT NOT NULL,
    memory_type            TEXT NOT NULL,
    importance             REAL NOT NULL DEFAULT 0.5 CHECK (importance >= 0 AND importance <= 1),
    metadata               TEXT NOT NULL DEFAULT '[]',
    state                  TEXT NOT NULL CHECK (state IN ('CREATED', 'ACTIVE', 'FAILED', 'STALE', 'DELETED')),
    created_by             TEXT,
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL,
    last_accessed_at       INTEGER,
    importance_computed_at INTEGER
);

CREATE INDEX idx_memories_scope_state ON memories(scope, state);
CREATE INDEX idx_memories_scope_type  ON memories(scope, memory_type);
CREATE INDEX idx_memories_computed    ON memories(state, importance_computed_at);
`,
	},
	{
		Version:     2,
		Description: "memory_vectors: embedding vectors for similarity search",
		SQL: `
CREATE TABLE memory_vectors (
    memory_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "relationships: directed weighted edges between memories",
		SQL: `
CREATE TABLE relationships (
    id         TEXT PRIMARY KEY,
    scope      TEXT NOT NULL,
    source_id  TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    rel_type   TEXT NOT NULL,
    strength   REAL NOT NULL CHECK (strength > 0 AND strength <= 1),
    created_at INTEGER NOT NULL,

    CHECK (source_id <> target_id),
    UNIQUE (scope, source_id, target_id, rel_type),
    FOREIGN KEY (source_id) REFERENCES memories(id),
    FOREIGN KEY (target_id) REFERENCES memories(id)
);

CREATE INDEX idx_rel_source ON relationships(source_id);
CREATE INDEX idx_rel_target ON relationships(target_id);
`,
	},
	{
		Version:     4,
		Description: "access_events: append-only retrieval and outcome audit trail",
		SQL: `
CREATE TABLE access_events (
    id            TEXT PRIMARY KEY,
    scope         TEXT NOT NULL,
    memory_id     TEXT NOT NULL,
    accessor_id   TEXT NOT NULL,
    access_type   TEXT NOT NULL CHECK (access_type IN ('RETRIEVE', 'REFERENCE', 'UPDATE')),
    context       TEXT,
    ts            INTEGER NOT NULL,
    outcome_score REAL CHECK (outcome_score IS NULL OR (outcome_score >= -1 AND outcome_score <= 1)),
    outcome_notes TEXT,
    finalized     INTEGER NOT NULL DEFAULT 0,
    finalized_at  INTEGER,

    FOREIGN KEY (memory_id) REFERENCES memories(id)
);

CREATE INDEX idx_access_memory ON access_events(memory_id, ts DESC);
CREATE INDEX idx_access_scope  ON access_events(scope);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
