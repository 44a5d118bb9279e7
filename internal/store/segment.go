// Package store - Rollup segment operations
//
// A rollup segment records one finalized rollup window on disk. Segments are
// the finalization boundary: every bucket covered by a segment is finalized,
// everything newer is provisional. The rollup engine inserts segments after
// the parquet file is fully written (write-then-record ordering), and the
// retention enforcer deletes in the opposite order.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
)

// =============================================================================
// Rollup Segments
// =============================================================================

// PutRollupSegment records a finalized rollup window. Re-finalizing the same
// window (a retried run after a crash between file write and record) simply
// overwrites the previous record, pointing at the fresh file.
func (s *Store) PutRollupSegment(ctx context.Context, seg *types.RollupSegment) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_segments (resolution, window_start_ms, window_end_ms,
		                             file_path, row_count, byte_size, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resolution, window_start_ms) DO UPDATE SET
			window_end_ms = excluded.window_end_ms,
			file_path     = excluded.file_path,
			row_count     = excluded.row_count,
			byte_size     = excluded.byte_size,
			created_at_ms = excluded.created_at_ms
	`, seg.Resolution.String(), seg.WindowStartMs, seg.WindowEndMs,
		seg.FilePath, seg.RowCount, seg.ByteSize, now)
	if err != nil {
		return fmt.Errorf("put rollup segment %s: %w", seg.Label(), err)
	}
	seg.CreatedAtMs = now
	return nil
}

// GetRollupSegment retrieves one segment by resolution and window start.
// Returns (nil, nil) if the window has not been finalized.
func (s *Store) GetRollupSegment(ctx context.Context, res types.Resolution, windowStartMs int64) (*types.RollupSegment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resolution, window_start_ms, window_end_ms, file_path,
		       row_count, byte_size, created_at_ms
		FROM rollup_segments WHERE resolution = ? AND window_start_ms = ?
	`, res.String(), windowStartMs)

	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rollup segment: %w", err)
	}
	return seg, nil
}

// ListRollupSegments returns all segments of a resolution overlapping
// [startMs, endMs), ordered by window start.
func (s *Store) ListRollupSegments(ctx context.Context, res types.Resolution, startMs, endMs int64) ([]*types.RollupSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution, window_start_ms, window_end_ms, file_path,
		       row_count, byte_size, created_at_ms
		FROM rollup_segments
		WHERE resolution = ? AND window_start_ms < ? AND window_end_ms > ?
		ORDER BY window_start_ms
	`, res.String(), endMs, startMs)
	if err != nil {
		return nil, fmt.Errorf("query rollup segments: %w", err)
	}
	defer rows.Close()

	var segs []*types.RollupSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollup segment: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// ListSegmentsBefore returns segments of a resolution whose window ends at or
// before cutoffMs, oldest first. Used by retention.
func (s *Store) ListSegmentsBefore(ctx context.Context, res types.Resolution, cutoffMs int64) ([]*types.RollupSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution, window_start_ms, window_end_ms, file_path,
		       row_count, byte_size, created_at_ms
		FROM rollup_segments
		WHERE resolution = ? AND window_end_ms <= ?
		ORDER BY window_start_ms
	`, res.String(), cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("query segments before cutoff: %w", err)
	}
	defer rows.Close()

	var segs []*types.RollupSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rollup segment: %w", err)
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// FinalizedBoundary returns the highest contiguous finalized window end for a
// resolution, or 0 if nothing is finalized. Gaps stop the boundary: a window
// that was skipped (never finalized) keeps everything above it provisional
// from the watermark's point of view.
func (s *Store) FinalizedBoundary(ctx context.Context, res types.Resolution) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start_ms, window_end_ms FROM rollup_segments
		WHERE resolution = ? ORDER BY window_start_ms
	`, res.String())
	if err != nil {
		return 0, fmt.Errorf("query finalized boundary: %w", err)
	}
	defer rows.Close()

	var boundary int64
	first := true
	for rows.Next() {
		var startMs, endMs int64
		if err := rows.Scan(&startMs, &endMs); err != nil {
			return 0, fmt.Errorf("scan finalized boundary: %w", err)
		}
		if first {
			boundary = endMs
			first = false
			continue
		}
		if startMs > boundary {
			break // gap
		}
		if endMs > boundary {
			boundary = endMs
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return boundary, nil
}

// DeleteRollupSegment removes one segment record. The caller must delete the
// segment's file first.
func (s *Store) DeleteRollupSegment(ctx context.Context, res types.Resolution, windowStartMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rollup_segments WHERE resolution = ? AND window_start_ms = ?
	`, res.String(), windowStartMs)
	if err != nil {
		return fmt.Errorf("delete rollup segment: %w", err)
	}
	return nil
}

func scanSegment(row rowScanner) (*types.RollupSegment, error) {
	seg := &types.RollupSegment{}
	var res string

	err := row.Scan(&res, &seg.WindowStartMs, &seg.WindowEndMs, &seg.FilePath,
		&seg.RowCount, &seg.ByteSize, &seg.CreatedAtMs)
	if err != nil {
		return nil, err
	}

	seg.Resolution, err = types.ParseResolution(res)
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", seg.WindowStartMs, err)
	}
	return seg, nil
}
