package store

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Schema
// =============================================================================

// initSchema creates the metastore tables.
//
// This is idempotent - safe to run on every startup.
//
// Tables:
//   - chunks: one row per time partition; identity is the interval start
//   - chunk_tenants: tenant coverage per compressed chunk, for query pruning
//   - series: per-tenant series index with last-value cache
//   - rollup_segments: finalized rollup windows flushed to parquet
//   - watermark: single-row monotonic writable boundary
func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{
			name: "chunks",
			sql: `CREATE TABLE IF NOT EXISTS chunks (
				start_ms         BIGINT NOT NULL,
				end_ms           BIGINT NOT NULL,
				state            VARCHAR NOT NULL DEFAULT 'open',
				row_count        BIGINT NOT NULL DEFAULT 0,
				byte_size        BIGINT NOT NULL DEFAULT 0,
				file_path        VARCHAR NOT NULL DEFAULT '',
				compressed_at_ms BIGINT NOT NULL DEFAULT 0,
				updated_at_ms    BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (start_ms)
			)`,
		},
		{
			name: "chunk_tenants",
			sql: `CREATE TABLE IF NOT EXISTS chunk_tenants (
				start_ms  BIGINT NOT NULL,
				tenant_id VARCHAR NOT NULL,
				row_count BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (start_ms, tenant_id)
			)`,
		},
		{
			name: "series",
			sql: `CREATE TABLE IF NOT EXISTS series (
				tenant_id     VARCHAR NOT NULL,
				series_key    VARCHAR NOT NULL,
				unit          VARCHAR NOT NULL DEFAULT '',
				first_ts_ms   BIGINT NOT NULL,
				last_ts_ms    BIGINT NOT NULL,
				last_value    DOUBLE NOT NULL DEFAULT 0,
				point_count   BIGINT NOT NULL DEFAULT 0,
				updated_at_ms BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (tenant_id, series_key)
			)`,
		},
		{
			name: "rollup_segments",
			sql: `CREATE TABLE IF NOT EXISTS rollup_segments (
				resolution      VARCHAR NOT NULL,
				window_start_ms BIGINT NOT NULL,
				window_end_ms   BIGINT NOT NULL,
				file_path       VARCHAR NOT NULL,
				row_count       BIGINT NOT NULL DEFAULT 0,
				byte_size       BIGINT NOT NULL DEFAULT 0,
				created_at_ms   BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (resolution, window_start_ms)
			)`,
		},
		{
			name: "watermark",
			sql: `CREATE TABLE IF NOT EXISTS watermark (
				id            INTEGER NOT NULL,
				writable_ms   BIGINT NOT NULL DEFAULT 0,
				updated_at_ms BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (id)
			)`,
		},
		{
			name: "watermark.seed",
			sql:  `INSERT INTO watermark (id, writable_ms, updated_at_ms) VALUES (1, 0, 0) ON CONFLICT (id) DO NOTHING`,
		},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("schema %s: %w", stmt.name, err)
		}
	}
	return nil
}
