package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Scale defines the expected load parameters.
	Scale ScaleConfig `yaml:"scale"`

	// Chunk configures raw chunk partitioning.
	Chunk ChunkConfig `yaml:"chunk"`

	// Ingestion configures the ingestion pipeline.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Compression configures columnar compression of closed chunks.
	Compression CompressionConfig `yaml:"compression"`

	// Rollup configures continuous aggregation.
	Rollup RollupConfig `yaml:"rollup"`

	// Retention defines how long to keep data at each resolution.
	Retention RetentionConfig `yaml:"retention"`

	// Backpressure configures load shedding.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Metastore configures the chunk metadata database.
	Metastore MetastoreConfig `yaml:"metastore"`
}

// ScaleConfig defines the expected load parameters.
type ScaleConfig struct {
	// SeriesCount is the expected number of active series across all tenants.
	SeriesCount int `yaml:"series_count"`

	// SampleIntervalSec is the typical device reporting interval in seconds.
	SampleIntervalSec int `yaml:"sample_interval_sec"`
}

// ChunkConfig configures raw chunk partitioning.
type ChunkConfig struct {
	// Width is the fixed time width of a raw chunk. All chunk boundaries
	// are aligned to multiples of Width since the Unix epoch.
	Width time.Duration `yaml:"width"`

	// SkewWindow is how far ahead of server time an ingest timestamp may
	// lie before it is rejected as clock skew.
	SkewWindow time.Duration `yaml:"skew_window"`

	// CloseInterval is how often the chunk closer checks for open chunks
	// whose window has passed.
	CloseInterval time.Duration `yaml:"close_interval"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	// WAL configures the Write-Ahead Log.
	WAL WALConfig `yaml:"wal"`

	// RecentWindow is the age of points kept in the in-memory recent ring
	// for latest-value lookups and live streaming.
	RecentWindow time.Duration `yaml:"recent_window"`

	// SeriesFlushInterval is how often the series index write-behind
	// buffer is flushed to the metastore.
	SeriesFlushInterval time.Duration `yaml:"series_flush_interval"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled enables write-ahead logging of accepted points.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// SyncsEveryWrite reports whether the writer syncs on each append, in
// which case no periodic sync driver is needed.
func (w WALConfig) SyncsEveryWrite() bool {
	return w.SyncMode == "sync" || w.SyncMode == "fsync"
}

// CompressionConfig configures columnar compression of closed chunks.
type CompressionConfig struct {
	// Delay is how long after a chunk's window ends before it becomes
	// eligible for compression. Until then closed chunks accept late
	// writes and stay queryable from memory.
	Delay time.Duration `yaml:"delay"`

	// Codec is the Parquet compression codec: snappy, zstd, lz4, none.
	Codec string `yaml:"codec"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`

	// Interval is how often the compressor scans for eligible chunks.
	Interval time.Duration `yaml:"interval"`

	// Workers is the number of chunks compressed in parallel per sweep.
	Workers int `yaml:"workers"`
}

// RollupConfig configures continuous aggregation.
type RollupConfig struct {
	// FinalizeGrace is how long after a bucket's window ends before the
	// bucket may be finalized, on top of all overlapping chunks being
	// closed. Gives stragglers inside the skew window time to arrive.
	FinalizeGrace time.Duration `yaml:"finalize_grace"`

	// SweepInterval is how often dirty buckets are recomputed.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Sketches configures DDSketch percentile calculation.
	Sketches SketchConfig `yaml:"sketches"`
}

// SketchConfig configures DDSketch percentile calculation.
type SketchConfig struct {
	// Enabled enables p50/p95/p99 on rollup rows.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// RetentionConfig defines how long to keep data at each resolution.
// Policies apply independently: expiring raw chunks never touches
// rollups and each rollup resolution ages out on its own schedule.
type RetentionConfig struct {
	// Raw is the retention for raw points.
	Raw time.Duration `yaml:"raw"`

	// FiveMin is the retention for 5-minute rollups.
	FiveMin time.Duration `yaml:"five_min"`

	// Hourly is the retention for hourly rollups.
	Hourly time.Duration `yaml:"hourly"`

	// Daily is the retention for daily rollups.
	Daily time.Duration `yaml:"daily"`

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BackpressureConfig configures load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines memstore usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines memstore usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// RawRangeThreshold is the widest requested range still served from
	// raw points. Wider ranges are answered from rollups.
	RawRangeThreshold time.Duration `yaml:"raw_range_threshold"`

	// MaxPoints is the point budget used for resolution selection and
	// the hard cap on rows returned per series.
	MaxPoints int `yaml:"max_points"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`
}

// MetastoreConfig configures the chunk metadata database.
type MetastoreConfig struct {
	// Path is the DuckDB database file. Defaults to {DataDir}/meta.duckdb.
	Path string `yaml:"path"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/joule/storage",
		Scale: ScaleConfig{
			SeriesCount:       50000,
			SampleIntervalSec: 30,
		},
		Chunk: ChunkConfig{
			Width:         24 * time.Hour,
			SkewWindow:    5 * time.Minute,
			CloseInterval: time.Minute,
		},
		Ingestion: IngestionConfig{
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
			RecentWindow:        15 * time.Minute,
			SeriesFlushInterval: 10 * time.Second,
		},
		Compression: CompressionConfig{
			Delay:    48 * time.Hour,
			Codec:    "zstd",
			Level:    3,
			Interval: 5 * time.Minute,
			Workers:  2,
		},
		Rollup: RollupConfig{
			FinalizeGrace: 10 * time.Minute,
			SweepInterval: 30 * time.Second,
			Sketches: SketchConfig{
				Enabled:  true,
				Accuracy: 0.01,
			},
		},
		Retention: RetentionConfig{
			Raw:           30 * 24 * time.Hour,
			FiveMin:       90 * 24 * time.Hour,
			Hourly:        365 * 24 * time.Hour,
			Daily:         2 * 365 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   30 * time.Second,
			},
		},
		Query: QueryConfig{
			RawRangeThreshold: 6 * time.Hour,
			MaxPoints:         10000,
			Timeout:           30 * time.Second,
			MemoryLimit:       "2GB",
		},
		Metastore: MetastoreConfig{},
	}
}
