package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	if len(buf) == 0 {
		return nil
	}
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// saveVector stores or replaces the embedding for a memory.
func saveVector(ctx context.Context, ex execer, memoryID string, embedding []float64, model string, at time.Time) error {
	blob := encodeEmbedding(embedding)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, memoryID, blob, model, len(embedding), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// CountVectors returns the number of stored embeddings, grouped by model.
func (db *DB) CountVectors(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT model, COUNT(*) FROM memory_vectors GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("count vectors: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scan vector count: %w", err)
		}
		counts[model] = n
	}
	return counts, rows.Err()
}
