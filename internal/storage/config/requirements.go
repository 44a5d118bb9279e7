package config

import (
	"fmt"
	"time"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	// Memory requirements
	MemstoreBytes     int64
	RollupBufferBytes int64
	QueryCacheBytes   int64
	TotalRAMBytes     int64

	// Storage requirements per resolution
	RawStorageBytes     int64
	FiveMinStorageBytes int64
	HourlyStorageBytes  int64
	DailyStorageBytes   int64
	TotalStorageBytes   int64

	// Throughput
	PointsPerSecond int64
	BytesPerSecond  int64
	BucketsPerDay   int64

	// CPU estimate
	RecommendedCPUCores int
}

// Constants for calculations
const (
	// Bytes per point (in-memory, struct plus shard map overhead)
	bytesPerPoint = 120

	// Bytes per open rollup bucket (in-memory, without DDSketch)
	bytesPerBucket = 96

	// Bytes per open rollup bucket (in-memory, with DDSketch)
	bytesPerBucketWithSketch = 1200

	// Bytes per raw row in Parquet (compressed)
	bytesPerRawRowCompressed = 16

	// Bytes per rollup row in Parquet (compressed)
	bytesPerRollupRowCompressed = 28
)

// CalculateRequirements computes resource requirements based on configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}

	// Calculate points per second
	r.PointsPerSecond = int64(c.Scale.SeriesCount) / int64(c.Scale.SampleIntervalSec)

	// Raw bytes per second (uncompressed)
	r.BytesPerSecond = r.PointsPerSecond * bytesPerPoint

	// -------------------------------------------------------------------------
	// Memory Requirements
	// -------------------------------------------------------------------------

	// Memstore holds the open chunk plus closed chunks awaiting compression.
	residentSec := int64((c.Chunk.Width + c.Compression.Delay) / time.Second)
	r.MemstoreBytes = r.PointsPerSecond * residentSec * bytesPerPoint

	// Rollup buffer: one open bucket per series per rollup resolution.
	bytesPerB := int64(bytesPerBucket)
	if c.Rollup.Sketches.Enabled {
		bytesPerB = bytesPerBucketWithSketch
	}
	r.RollupBufferBytes = int64(c.Scale.SeriesCount) * bytesPerB * 3

	// Query cache (from config or default)
	r.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)

	// Total RAM
	r.TotalRAMBytes = r.MemstoreBytes + r.RollupBufferBytes + r.QueryCacheBytes
	// Add 2GB for OS and Go runtime
	r.TotalRAMBytes += 2 * 1024 * 1024 * 1024

	// -------------------------------------------------------------------------
	// Storage Requirements
	// -------------------------------------------------------------------------

	// Points per day
	pointsPerDay := r.PointsPerSecond * 86400

	// Raw: points * retention
	rawRetentionDays := float64(c.Retention.Raw) / float64(24*time.Hour)
	r.RawStorageBytes = int64(float64(pointsPerDay) * bytesPerRawRowCompressed * rawRetentionDays)

	// 5m rollups: 288 buckets per day per series * retention
	fiveMinBucketsPerDay := int64(288)
	fiveMinRetentionDays := float64(c.Retention.FiveMin) / float64(24*time.Hour)
	r.FiveMinStorageBytes = int64(float64(fiveMinBucketsPerDay*int64(c.Scale.SeriesCount)) * bytesPerRollupRowCompressed * fiveMinRetentionDays)

	// 1h rollups: 24 buckets per day per series * retention
	hourlyBucketsPerDay := int64(24)
	hourlyRetentionDays := float64(c.Retention.Hourly) / float64(24*time.Hour)
	r.HourlyStorageBytes = int64(float64(hourlyBucketsPerDay*int64(c.Scale.SeriesCount)) * bytesPerRollupRowCompressed * hourlyRetentionDays)

	// 1d rollups: 1 bucket per day per series * retention
	dailyRetentionDays := float64(c.Retention.Daily) / float64(24*time.Hour)
	r.DailyStorageBytes = int64(float64(int64(c.Scale.SeriesCount)) * bytesPerRollupRowCompressed * dailyRetentionDays)

	// Total storage
	r.TotalStorageBytes = r.RawStorageBytes + r.FiveMinStorageBytes + r.HourlyStorageBytes + r.DailyStorageBytes

	// -------------------------------------------------------------------------
	// CPU Requirements
	// -------------------------------------------------------------------------

	// Rough estimate: 1 core per 100k points/sec for ingestion
	// Plus cores for compression workers
	ingestCores := int(r.PointsPerSecond/100000) + 1
	compressCores := c.Compression.Workers
	r.RecommendedCPUCores = ingestCores + compressCores

	// Rollup buckets written per day (finest resolution dominates)
	r.BucketsPerDay = fiveMinBucketsPerDay * int64(c.Scale.SeriesCount)

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Throughput:
  Points/sec:        %s
  Bytes/sec:         %s
  Buckets/day:       %s

Memory:
  Memstore:          %s
  Rollup Buffer:     %s
  Query Cache:       %s
  Total RAM:         %s (recommended)

Storage:
  Raw:               %s
  5m Rollups:        %s
  1h Rollups:        %s
  1d Rollups:        %s
  Total Storage:     %s (recommended)

CPU:
  Recommended Cores: %d
`,
		formatNumber(r.PointsPerSecond),
		formatBytes(r.BytesPerSecond),
		formatNumber(r.BucketsPerDay),
		formatBytes(r.MemstoreBytes),
		formatBytes(r.RollupBufferBytes),
		formatBytes(r.QueryCacheBytes),
		formatBytes(r.TotalRAMBytes),
		formatBytes(r.RawStorageBytes),
		formatBytes(r.FiveMinStorageBytes),
		formatBytes(r.HourlyStorageBytes),
		formatBytes(r.DailyStorageBytes),
		formatBytes(r.TotalStorageBytes),
		r.RecommendedCPUCores,
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
