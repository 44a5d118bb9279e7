// Package store - Chunk metadata operations
//
// Chunk identity is the interval start. All state transitions go through
// TransitionChunk or MarkChunkCompressed, which enforce the one-way state
// machine with a compare-and-swap on the current state. The transition is
// always the last step of a mutating operation, so metadata never claims a
// state the on-disk representation has not reached.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/types"
)

// =============================================================================
// Chunk CRUD
// =============================================================================

// EnsureChunk inserts chunk metadata for the given interval if it does not
// exist yet and returns the stored row. Creation is idempotent: concurrent
// calls for the same interval resolve to the same row, the losing insert is
// a no-op.
func (s *Store) EnsureChunk(ctx context.Context, startMs, endMs int64) (*types.ChunkMeta, bool, error) {
	return s.EnsureChunkState(ctx, startMs, endMs, types.ChunkOpen)
}

// EnsureChunkState is EnsureChunk with an explicit initial state. A chunk
// materialized for a window that has already passed is born CLOSED so the
// open chunk stays unique; only the chunk covering "now" is born OPEN.
func (s *Store) EnsureChunkState(ctx context.Context, startMs, endMs int64, state types.ChunkState) (*types.ChunkMeta, bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (start_ms, end_ms, state, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (start_ms) DO NOTHING
	`, startMs, endMs, state.String(), now)
	if err != nil {
		return nil, false, fmt.Errorf("insert chunk: %w", err)
	}

	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	chunk, err := s.GetChunk(ctx, startMs)
	if err != nil {
		return nil, false, err
	}
	if chunk == nil {
		return nil, false, fmt.Errorf("chunk %d vanished after insert", startMs)
	}
	return chunk, created, nil
}

// GetChunk retrieves chunk metadata by interval start.
// Returns (nil, nil) if no such chunk exists.
func (s *Store) GetChunk(ctx context.Context, startMs int64) (*types.ChunkMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT start_ms, end_ms, state, row_count, byte_size, file_path,
		       compressed_at_ms, updated_at_ms
		FROM chunks WHERE start_ms = ?
	`, startMs)

	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chunk: %w", err)
	}
	return chunk, nil
}

// ListChunks returns all non-expired chunks overlapping [startMs, endMs),
// ordered by interval start.
func (s *Store) ListChunks(ctx context.Context, startMs, endMs int64) ([]*types.ChunkMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ms, end_ms, state, row_count, byte_size, file_path,
		       compressed_at_ms, updated_at_ms
		FROM chunks
		WHERE state <> 'expired' AND start_ms < ? AND end_ms > ?
		ORDER BY start_ms
	`, endMs, startMs)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// ListChunksForTenant returns non-expired chunks overlapping [startMs, endMs)
// pruned by tenant coverage. Coverage is only authoritative for COMPRESSED
// chunks (written during the compression rewrite); OPEN and CLOSED chunks are
// always included because their contents can still grow.
func (s *Store) ListChunksForTenant(ctx context.Context, tenantID string, startMs, endMs int64) ([]*types.ChunkMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.start_ms, c.end_ms, c.state, c.row_count, c.byte_size, c.file_path,
		       c.compressed_at_ms, c.updated_at_ms
		FROM chunks c
		WHERE c.state <> 'expired' AND c.start_ms < ? AND c.end_ms > ?
		  AND (c.state <> 'compressed'
		       OR EXISTS (SELECT 1 FROM chunk_tenants t
		                  WHERE t.start_ms = c.start_ms AND t.tenant_id = ?))
		ORDER BY c.start_ms
	`, endMs, startMs, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query chunks for tenant: %w", err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// ListChunksByState returns all chunks in the given state, oldest first.
func (s *Store) ListChunksByState(ctx context.Context, state types.ChunkState) ([]*types.ChunkMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_ms, end_ms, state, row_count, byte_size, file_path,
		       compressed_at_ms, updated_at_ms
		FROM chunks WHERE state = ?
		ORDER BY start_ms
	`, state.String())
	if err != nil {
		return nil, fmt.Errorf("query chunks by state: %w", err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// NewestChunk returns the chunk with the highest interval start, or nil if
// the store is empty.
func (s *Store) NewestChunk(ctx context.Context) (*types.ChunkMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT start_ms, end_ms, state, row_count, byte_size, file_path,
		       compressed_at_ms, updated_at_ms
		FROM chunks WHERE state <> 'expired'
		ORDER BY start_ms DESC LIMIT 1
	`)

	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query newest chunk: %w", err)
	}
	return chunk, nil
}

// =============================================================================
// State Transitions
// =============================================================================

// TransitionChunk moves a chunk from one state to another.
//
// The update is conditional on the current state, so two background tasks
// racing on the same chunk cannot both win: the loser gets
// ErrConcurrentModification and must re-read. Illegal transitions are
// rejected before touching the database.
func (s *Store) TransitionChunk(ctx context.Context, startMs int64, from, to types.ChunkState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("chunk %d: %w: %s -> %s", startMs, errors.ErrInvalidTransition, from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET state = ?, updated_at_ms = ?
		WHERE start_ms = ? AND state = ?
	`, to.String(), time.Now().UnixMilli(), startMs, from.String())
	if err != nil {
		return fmt.Errorf("transition chunk %d: %w", startMs, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition chunk %d: rows affected: %w", startMs, err)
	}
	if n == 0 {
		chunk, err := s.GetChunk(ctx, startMs)
		if err != nil {
			return err
		}
		if chunk == nil {
			return fmt.Errorf("chunk %d: %w", startMs, errors.ErrNotFound)
		}
		return fmt.Errorf("chunk %d is %s, not %s: %w", startMs, chunk.State, from, errors.ErrConcurrentModification)
	}
	return nil
}

// MarkChunkCompressed atomically swaps a CLOSED chunk to COMPRESSED,
// recording the parquet file, final counters, and the tenant coverage
// observed during the rewrite. This is the commit point of compression:
// until it succeeds the chunk stays CLOSED and queries keep reading the
// uncompressed representation.
func (s *Store) MarkChunkCompressed(ctx context.Context, startMs int64, filePath string, rowCount, byteSize int64, tenants map[string]int64) error {
	now := time.Now().UnixMilli()

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chunks
			SET state = 'compressed', file_path = ?, row_count = ?, byte_size = ?,
			    compressed_at_ms = ?, updated_at_ms = ?
			WHERE start_ms = ? AND state = 'closed'
		`, filePath, rowCount, byteSize, now, now, startMs)
		if err != nil {
			return fmt.Errorf("mark compressed %d: %w", startMs, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark compressed %d: rows affected: %w", startMs, err)
		}
		if n == 0 {
			return fmt.Errorf("chunk %d not in closed state: %w", startMs, errors.ErrConcurrentModification)
		}

		// Coverage is rewritten wholesale; a retried compression run must
		// not leave rows from an earlier partial attempt behind.
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tenants WHERE start_ms = ?`, startMs); err != nil {
			return fmt.Errorf("clear coverage %d: %w", startMs, err)
		}
		for tenantID, rows := range tenants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunk_tenants (start_ms, tenant_id, row_count) VALUES (?, ?, ?)
			`, startMs, tenantID, rows); err != nil {
				return fmt.Errorf("insert coverage %d/%s: %w", startMs, tenantID, err)
			}
		}
		return nil
	})
}

// UpdateChunkCounters refreshes row count and byte size for a writable chunk.
func (s *Store) UpdateChunkCounters(ctx context.Context, startMs, rowCount, byteSize int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET row_count = ?, byte_size = ?, updated_at_ms = ?
		WHERE start_ms = ?
	`, rowCount, byteSize, time.Now().UnixMilli(), startMs)
	if err != nil {
		return fmt.Errorf("update chunk counters %d: %w", startMs, err)
	}
	return nil
}

// DeleteChunk removes chunk metadata and its tenant coverage.
//
// Callers must delete the chunk's data first and only then remove metadata:
// a crash in between leaves an EXPIRED row pointing at nothing, which queries
// ignore, rather than a queryable chunk with missing data.
func (s *Store) DeleteChunk(ctx context.Context, startMs int64) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_tenants WHERE start_ms = ?`, startMs); err != nil {
			return fmt.Errorf("delete coverage %d: %w", startMs, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE start_ms = ?`, startMs); err != nil {
			return fmt.Errorf("delete chunk %d: %w", startMs, err)
		}
		return nil
	})
}

// CompressedBoundary returns the highest interval end among COMPRESSED
// chunks, or 0 if none exist. Writes below this boundary are late.
func (s *Store) CompressedBoundary(ctx context.Context) (int64, error) {
	var boundary sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(end_ms) FROM chunks WHERE state = 'compressed'
	`).Scan(&boundary)
	if err != nil {
		return 0, fmt.Errorf("query compressed boundary: %w", err)
	}
	if !boundary.Valid {
		return 0, nil
	}
	return boundary.Int64, nil
}

// =============================================================================
// Scanning
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunk(row rowScanner) (*types.ChunkMeta, error) {
	chunk := &types.ChunkMeta{}
	var state string

	err := row.Scan(
		&chunk.StartMs, &chunk.EndMs, &state, &chunk.RowCount, &chunk.ByteSize,
		&chunk.FilePath, &chunk.CompressedAtMs, &chunk.UpdatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	chunk.State, err = types.ParseChunkState(state)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunk.StartMs, err)
	}
	return chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*types.ChunkMeta, error) {
	var chunks []*types.ChunkMeta
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
