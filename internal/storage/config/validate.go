package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Scale
	if err := c.Scale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scale: %w", err))
	}

	// Chunk
	if err := c.Chunk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chunk: %w", err))
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Compression
	if err := c.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}

	// Rollup
	if err := c.Rollup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Backpressure
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// A bucket must not finalize while its chunks can still take late
	// writes, otherwise finalized rollups would miss accepted points.
	if c.Rollup.FinalizeGrace > c.Compression.Delay {
		errs = append(errs, errors.New("rollup.finalize_grace must be <= compression.delay"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the scale configuration.
func (c *ScaleConfig) Validate() error {
	var errs []error

	if c.SeriesCount <= 0 {
		errs = append(errs, errors.New("series_count must be positive"))
	}

	if c.SampleIntervalSec <= 0 {
		errs = append(errs, errors.New("sample_interval_sec must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the chunk configuration.
func (c *ChunkConfig) Validate() error {
	var errs []error

	if c.Width <= 0 {
		errs = append(errs, errors.New("width must be positive"))
	}

	if c.SkewWindow <= 0 {
		errs = append(errs, errors.New("skew_window must be positive"))
	}

	if c.CloseInterval <= 0 {
		errs = append(errs, errors.New("close_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	// WAL
	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.WAL.SyncMode] {
		errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync, fsync"))
	}

	if c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.New("wal.sync_interval must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("wal.max_segment_size must be non-negative"))
	}

	if c.RecentWindow < 0 {
		errs = append(errs, errors.New("recent_window must be non-negative"))
	}

	if c.SeriesFlushInterval <= 0 {
		errs = append(errs, errors.New("series_flush_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the compression configuration.
func (c *CompressionConfig) Validate() error {
	var errs []error

	if c.Delay <= 0 {
		errs = append(errs, errors.New("delay must be positive"))
	}

	validCodecs := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validCodecs[c.Codec] {
		errs = append(errs, fmt.Errorf("codec must be one of: snappy, zstd, lz4, none"))
	}

	if c.Codec == "zstd" && (c.Level < 0 || c.Level > 22) {
		errs = append(errs, errors.New("level for zstd must be between 0 and 22"))
	}

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if c.FinalizeGrace < 0 {
		errs = append(errs, errors.New("finalize_grace must be non-negative"))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}

	if c.Sketches.Enabled {
		if c.Sketches.Accuracy <= 0 || c.Sketches.Accuracy > 1 {
			errs = append(errs, errors.New("sketches.accuracy must be between 0 and 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration. Each resolution only
// needs a positive window; policies are deliberately not ordered
// against each other.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Raw <= 0 {
		errs = append(errs, errors.New("raw retention must be positive"))
	}

	if c.FiveMin <= 0 {
		errs = append(errs, errors.New("five_min retention must be positive"))
	}

	if c.Hourly <= 0 {
		errs = append(errs, errors.New("hourly retention must be positive"))
	}

	if c.Daily <= 0 {
		errs = append(errs, errors.New("daily retention must be positive"))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency >= 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	// Recovery
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("recovery.hysteresis must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown <= 0 {
		errs = append(errs, errors.New("recovery.cooldown must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.RawRangeThreshold <= 0 {
		errs = append(errs, errors.New("raw_range_threshold must be positive"))
	}

	if c.MaxPoints <= 0 {
		errs = append(errs, errors.New("max_points must be positive"))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.WALDir(),
		c.ChunksDir(),
		c.RollupDir("5m"),
		c.RollupDir("1h"),
		c.RollupDir("1d"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingestion.WAL.Dir != "" {
		return c.Ingestion.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// ChunksDir returns the directory holding compressed chunk files.
func (c *Config) ChunksDir() string {
	return filepath.Join(c.DataDir, "chunks")
}

// RollupDir returns the directory for a rollup resolution ("5m", "1h", "1d").
func (c *Config) RollupDir(resolution string) string {
	return filepath.Join(c.DataDir, "rollup", resolution)
}

// MetastorePath returns the DuckDB metadata database file path.
func (c *Config) MetastorePath() string {
	if c.Metastore.Path != "" {
		return c.Metastore.Path
	}
	return filepath.Join(c.DataDir, "meta.duckdb")
}
