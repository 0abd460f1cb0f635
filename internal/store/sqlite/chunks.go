// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Partscout Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/partscout/partscout/internal/store"
	pserr "github.com/partscout/partscout/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ store.ChunkStore = (*ChunkStore)(nil)

// ChunkStore implements store.ChunkStore backed by SQLite with sqlite-vec.
type ChunkStore struct {
	db         *sql.DB
	dimensions int
}

// NewChunkStore opens (or creates) a SQLite database at dbPath and
// initialises the vec0 virtual table and the companion chunks table.
func NewChunkStore(dbPath string, dimensions int) (*ChunkStore, error) {
	if dimensions <= 0 {
		return nil, store.InvalidInput(fmt.Sprintf("vector dimensions must be positive, got %d", dimensions))
	}

	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := migrateChunks(db, dimensions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating chunk tables: %w", err)
	}

	return &ChunkStore{db: db, dimensions: dimensions}, nil
}

func migrateChunks(db *sql.DB, dimensions int) error {
	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating chunk_vectors virtual table: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
	id       TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	title    TEXT NOT NULL DEFAULT '',
	page     INTEGER NOT NULL DEFAULT 0,
	content  TEXT NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("creating chunks table: %w", err)
	}

	return nil
}

// Dimensions returns the embedding width the index was created with.
func (c *ChunkStore) Dimensions() int { return c.dimensions }

// Upsert inserts or replaces a chunk and its embedding.
func (c *ChunkStore) Upsert(ctx context.Context, chunk store.Chunk, embedding []float32) error {
	if chunk.ID == "" {
		return store.InvalidInput("chunk id is required")
	}
	if len(embedding) != c.dimensions {
		return store.InvalidInput(
			fmt.Sprintf("embedding has %d dimensions, index expects %d", len(embedding), c.dimensions),
			pserr.Field("chunk_id", chunk.ID),
		)
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("serializing embedding: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Database(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE id = ?`, chunk.ID); err != nil {
		return store.Database(err, "deleting existing vector "+chunk.ID)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_vectors(id, embedding) VALUES (?, ?)`, chunk.ID, blob); err != nil {
		return store.Database(err, "inserting vector "+chunk.ID)
	}

	const q = `INSERT INTO chunks(id, document, title, page, content) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET document = excluded.document, title = excluded.title,
	page = excluded.page, content = excluded.content`
	if _, err := tx.ExecContext(ctx, q, chunk.ID, chunk.Document, chunk.Title, chunk.Page, chunk.Content); err != nil {
		return store.Database(err, "upserting chunk "+chunk.ID)
	}

	if err := tx.Commit(); err != nil {
		return store.Database(err, "committing chunk upsert")
	}
	return nil
}

// Search performs a k-nearest-neighbour search and returns the matching
// chunks ordered by ascending distance.
func (c *ChunkStore) Search(ctx context.Context, query []float32, k int) ([]store.ChunkResult, error) {
	if k <= 0 {
		return nil, store.InvalidInput(fmt.Sprintf("k must be positive, got %d", k))
	}
	if len(query) != c.dimensions {
		return nil, store.InvalidInput(fmt.Sprintf("query has %d dimensions, index expects %d", len(query), c.dimensions))
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serializing query vector: %w", err)
	}

	const q = `SELECT v.id, v.distance, c.document, c.title, c.page, c.content
FROM chunk_vectors v
JOIN chunks c ON c.id = v.id
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance`

	rows, err := c.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, store.Database(err, "searching chunks")
	}
	defer func() { _ = rows.Close() }()

	var results []store.ChunkResult
	for rows.Next() {
		var r store.ChunkResult
		if err := rows.Scan(&r.ID, &r.Distance, &r.Document, &r.Title, &r.Page, &r.Content); err != nil {
			return nil, store.Database(err, "scanning chunk result")
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Database(err, "iterating chunk results")
	}

	return results, nil
}

// Count returns the number of indexed chunks.
func (c *ChunkStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chunks`).Scan(&n); err != nil {
		return 0, store.Database(err, "counting chunks")
	}
	return n, nil
}

// Delete removes chunks and their vectors by ID.
func (c *ChunkStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Database(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return store.Database(err, "deleting vectors")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return store.Database(err, "deleting chunks")
	}

	if err := tx.Commit(); err != nil {
		return store.Database(err, "committing chunk delete")
	}
	return nil
}

// Close closes the underlying database connection.
func (c *ChunkStore) Close() error {
	return c.db.Close()
}
