// Package store - Series index operations
//
// The series index is the per-tenant catalog of known series keys with a
// cached last value. Ingestion updates it in batches; the query router and
// the HTTP API read it for metadata listings and latest-value lookups
// without scanning any measurement data.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/validation"
)

// =============================================================================
// Series Index
// =============================================================================

// UpsertSeriesBatch merges observed series into the index.
//
// first_ts only ever decreases, last_ts only ever increases, and the cached
// last value follows the newest timestamp (matching the last-write-wins rule
// applied to the points themselves). point_count accumulates; upserted
// duplicates are counted by the caller, not here.
func (s *Store) UpsertSeriesBatch(ctx context.Context, infos []*types.SeriesInfo) error {
	if len(infos) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO series (tenant_id, series_key, unit, first_ts_ms, last_ts_ms,
			                    last_value, point_count, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, series_key) DO UPDATE SET
				unit          = CASE WHEN excluded.last_ts_ms >= series.last_ts_ms THEN excluded.unit ELSE series.unit END,
				first_ts_ms   = LEAST(series.first_ts_ms, excluded.first_ts_ms),
				last_ts_ms    = GREATEST(series.last_ts_ms, excluded.last_ts_ms),
				last_value    = CASE WHEN excluded.last_ts_ms >= series.last_ts_ms THEN excluded.last_value ELSE series.last_value END,
				point_count   = series.point_count + excluded.point_count,
				updated_at_ms = excluded.updated_at_ms
		`)
		if err != nil {
			return fmt.Errorf("prepare series upsert: %w", err)
		}
		defer stmt.Close()

		for _, info := range infos {
			if _, err := stmt.ExecContext(ctx,
				info.TenantID, info.SeriesKey, info.Unit, info.FirstTs, info.LastTs,
				info.LastValue, info.PointCount, now); err != nil {
				return fmt.Errorf("series %s/%s: %w", info.TenantID, info.SeriesKey, err)
			}
		}
		return nil
	})
}

// GetSeries retrieves one series index entry.
// Returns (nil, nil) if the series is unknown.
func (s *Store) GetSeries(ctx context.Context, tenantID, seriesKey string) (*types.SeriesInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, series_key, unit, first_ts_ms, last_ts_ms, last_value, point_count
		FROM series WHERE tenant_id = ? AND series_key = ?
	`, tenantID, seriesKey)

	info := &types.SeriesInfo{}
	err := row.Scan(&info.TenantID, &info.SeriesKey, &info.Unit,
		&info.FirstTs, &info.LastTs, &info.LastValue, &info.PointCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	return info, nil
}

// ListSeries returns a tenant's series, optionally filtered by key prefix,
// ordered by key. limit <= 0 means no limit.
func (s *Store) ListSeries(ctx context.Context, tenantID, prefix string, limit int) ([]*types.SeriesInfo, error) {
	query := `
		SELECT tenant_id, series_key, unit, first_ts_ms, last_ts_ms, last_value, point_count
		FROM series WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if prefix != "" {
		query += ` AND series_key LIKE ? ESCAPE '\'`
		args = append(args, validation.SafeLikePrefix(prefix))
	}
	query += ` ORDER BY series_key`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query series list: %w", err)
	}
	defer rows.Close()

	var infos []*types.SeriesInfo
	for rows.Next() {
		info := &types.SeriesInfo{}
		if err := rows.Scan(&info.TenantID, &info.SeriesKey, &info.Unit,
			&info.FirstTs, &info.LastTs, &info.LastValue, &info.PointCount); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// CountSeries returns the number of series known for a tenant.
func (s *Store) CountSeries(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM series WHERE tenant_id = ?
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count series: %w", err)
	}
	return count, nil
}

// DeleteSeries removes one series index entry.
func (s *Store) DeleteSeries(ctx context.Context, tenantID, seriesKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM series WHERE tenant_id = ? AND series_key = ?
	`, tenantID, seriesKey)
	if err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	return nil
}
