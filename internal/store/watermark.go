// Package store - Writable watermark
//
// The watermark is the single monotonic boundary below which writes are
// rejected as late. It advances when compression seals a chunk or rollup
// finalization seals a window, and never moves backwards; advancing it is
// always the last step after the sealing work has committed.

package store

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Watermark
// =============================================================================

// Watermark returns the current writable boundary in Unix ms. Writes with a
// timestamp strictly below it must be rejected.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var writableMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT writable_ms FROM watermark WHERE id = 1
	`).Scan(&writableMs)
	if err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return writableMs, nil
}

// AdvanceWatermark raises the writable boundary to toMs. Calls with a value
// at or below the current boundary are no-ops, so concurrent advancers and
// retried background runs cannot move it backwards.
func (s *Store) AdvanceWatermark(ctx context.Context, toMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watermark SET writable_ms = ?, updated_at_ms = ?
		WHERE id = 1 AND writable_ms < ?
	`, toMs, time.Now().UnixMilli(), toMs)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
