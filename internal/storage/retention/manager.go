// Package retention expires aged data per resolution.
//
// Raw chunks and rollup segments age out independently: a 5m rollup may
// outlive the raw chunk it was computed from, and deleting a raw chunk
// never cascades into its rollups. Policies are read at sweep start, so a
// hot reload takes effect on the next run without a restart.
//
// Chunk expiry is crash-safe in three steps: the chunk row transitions to
// EXPIRED (queries stop listing it), the data file is removed, and only
// then the metadata row. A sweep interrupted anywhere in between is
// resumed by the next one from the EXPIRED rows it finds.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/store"
)

// Manager deletes chunks and rollup segments past their configured age.
type Manager struct {
	cfg  *config.Config
	log  *slog.Logger
	meta *store.Store
	part *partition.Manager

	nowFunc func() time.Time

	// mu serializes sweeps and guards the policy and the stats.
	mu     sync.Mutex
	policy config.RetentionConfig
	stats  Stats
}

// Deps holds the manager's dependencies.
type Deps struct {
	Meta      *store.Store
	Partition *partition.Manager
	NowFunc   func() time.Time
}

// Stats holds cumulative retention statistics.
type Stats struct {
	LastRunMs       int64
	SweepsRun       int64
	ChunksExpired   int64
	SegmentsExpired int64
	PointsEvicted   int64
	BytesFreed      int64
	Errors          int64
}

// SweepResult holds the outcome of one enforcement run.
type SweepResult struct {
	ChunksExpired   int
	SegmentsExpired int
	PointsEvicted   int64
	BytesFreed      int64
	Errors          []error
}

// New creates a retention manager.
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Meta == nil {
		return nil, fmt.Errorf("retention: metastore is required")
	}
	if deps.Partition == nil {
		return nil, fmt.Errorf("retention: partition manager is required")
	}
	if deps.NowFunc == nil {
		deps.NowFunc = time.Now
	}

	return &Manager{
		cfg:     cfg,
		log:     logging.Component("retention"),
		meta:    deps.Meta,
		part:    deps.Partition,
		nowFunc: deps.NowFunc,
		policy:  cfg.Retention,
	}, nil
}

// SetPolicy swaps the retention policy. The next sweep uses it.
func (m *Manager) SetPolicy(p config.RetentionConfig) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.log.Info("retention policy updated",
		"raw", p.Raw, "five_min", p.FiveMin, "hourly", p.Hourly, "daily", p.Daily)
}

// Policy returns the active retention policy.
func (m *Manager) Policy() config.RetentionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Sweep expires everything past its policy age.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	return m.sweep(ctx, false)
}

// DryRun reports what a sweep would delete without deleting anything.
func (m *Manager) DryRun(ctx context.Context) (SweepResult, error) {
	return m.sweep(ctx, true)
}

func (m *Manager) sweep(ctx context.Context, dry bool) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy := m.policy
	nowMs := m.nowFunc().UnixMilli()
	var result SweepResult

	if policy.Raw > 0 {
		m.sweepRaw(ctx, nowMs-policy.Raw.Milliseconds(), dry, &result)
	}
	for _, res := range types.RollupResolutions() {
		age := retentionFor(policy, res)
		if age <= 0 {
			continue
		}
		m.sweepRollups(ctx, res, nowMs-age.Milliseconds(), dry, &result)
	}

	if !dry {
		m.stats.LastRunMs = nowMs
		m.stats.SweepsRun++
		m.stats.ChunksExpired += int64(result.ChunksExpired)
		m.stats.SegmentsExpired += int64(result.SegmentsExpired)
		m.stats.PointsEvicted += result.PointsEvicted
		m.stats.BytesFreed += result.BytesFreed
		m.stats.Errors += int64(len(result.Errors))
	}
	return result, ctx.Err()
}

// sweepRaw expires raw chunks whose whole interval is past the cutoff. A
// chunk straddling the cutoff stays intact until its end passes it.
func (m *Manager) sweepRaw(ctx context.Context, cutoffMs int64, dry bool, result *SweepResult) {
	// Finish what an interrupted run left behind, regardless of cutoff.
	leftover, err := m.meta.ListChunksByState(ctx, types.ChunkExpired)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list expired chunks: %w", err))
		return
	}
	for _, c := range leftover {
		if dry {
			continue
		}
		if err := m.finishExpiry(ctx, c, result); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	chunks, err := m.meta.ListChunks(ctx, 0, cutoffMs)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list chunks: %w", err))
		return
	}

	for _, c := range chunks {
		if c.EndMs > cutoffMs || c.State == types.ChunkOpen {
			continue
		}
		if dry {
			result.ChunksExpired++
			result.PointsEvicted += c.RowCount
			result.BytesFreed += c.ByteSize
			continue
		}
		if err := m.expireChunk(ctx, c, result); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
}

// expireChunk runs the full expiry protocol for one chunk.
func (m *Manager) expireChunk(ctx context.Context, c *types.ChunkMeta, result *SweepResult) error {
	err := m.meta.TransitionChunk(ctx, c.StartMs, c.State, types.ChunkExpired)
	if err != nil {
		if errors.Is(err, errors.ErrConcurrentModification) {
			// Compression got there first; the chunk is picked up again
			// next sweep in its new state.
			return nil
		}
		return fmt.Errorf("expire chunk %s: %w", c.Label(), err)
	}

	result.PointsEvicted += m.part.Forget(c.StartMs)
	return m.finishExpiry(ctx, c, result)
}

// finishExpiry completes deletion of a chunk already marked EXPIRED: raise
// the watermark over its window, remove the data file, then the metadata
// row. The watermark advance is durable before anything is destroyed, so
// the expired window can never be silently rewritten later.
func (m *Manager) finishExpiry(ctx context.Context, c *types.ChunkMeta, result *SweepResult) error {
	m.part.Forget(c.StartMs)

	if err := m.part.AdvanceWatermark(ctx, c.EndMs); err != nil {
		return fmt.Errorf("advance watermark past %s: %w", c.Label(), err)
	}

	if c.FilePath != "" {
		if err := os.Remove(c.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete chunk file %s: %w", c.FilePath, err)
		}
	}

	if err := m.meta.DeleteChunk(ctx, c.StartMs); err != nil {
		return fmt.Errorf("delete chunk row %s: %w", c.Label(), err)
	}

	result.ChunksExpired++
	result.BytesFreed += c.ByteSize
	m.log.Info("chunk expired", "chunk", c.Label(), "state", c.State.String(),
		"rows", c.RowCount, "bytes", c.ByteSize)
	return nil
}

// sweepRollups expires finalized segments whose whole window is past the
// resolution's cutoff.
func (m *Manager) sweepRollups(ctx context.Context, res types.Resolution, cutoffMs int64, dry bool, result *SweepResult) {
	segs, err := m.meta.ListSegmentsBefore(ctx, res, cutoffMs)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list %s segments: %w", res, err))
		return
	}

	for _, seg := range segs {
		if dry {
			result.SegmentsExpired++
			result.BytesFreed += seg.ByteSize
			continue
		}

		if seg.FilePath != "" {
			if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete segment file %s: %w", seg.FilePath, err))
				continue
			}
		}
		if err := m.meta.DeleteRollupSegment(ctx, res, seg.WindowStartMs); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete segment row %s: %w", seg.Label(), err))
			continue
		}

		result.SegmentsExpired++
		result.BytesFreed += seg.ByteSize
		m.log.Info("rollup segment expired", "segment", seg.Label(), "bytes", seg.ByteSize)
	}
}

// retentionFor maps a rollup resolution to its policy age.
func retentionFor(policy config.RetentionConfig, res types.Resolution) time.Duration {
	switch res {
	case types.Resolution5m:
		return policy.FiveMin
	case types.Resolution1h:
		return policy.Hourly
	case types.Resolution1d:
		return policy.Daily
	default:
		return policy.Raw
	}
}

// Stats returns cumulative statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ============================================================================
// Disk usage
// ============================================================================

// DiskUsage holds file count and total size for one storage area.
type DiskUsage struct {
	FileCount  int
	TotalBytes int64
}

// DiskUsageByArea reports parquet and WAL disk usage keyed by area name:
// "chunks", "5m", "1h", "1d", "wal".
func (m *Manager) DiskUsageByArea() map[string]DiskUsage {
	areas := map[string]string{
		"chunks": m.cfg.ChunksDir(),
		"5m":     m.cfg.RollupDir("5m"),
		"1h":     m.cfg.RollupDir("1h"),
		"1d":     m.cfg.RollupDir("1d"),
		"wal":    m.cfg.WALDir(),
	}

	usage := make(map[string]DiskUsage, len(areas))
	for name, dir := range areas {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		var u DiskUsage
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			u.FileCount++
			u.TotalBytes += info.Size()
		}
		usage[name] = u
	}
	return usage
}

// FormatDiskUsage returns disk usage as a human-readable block.
func (m *Manager) FormatDiskUsage() string {
	usage := m.DiskUsageByArea()

	var result string
	var totalBytes int64
	var totalFiles int

	for _, name := range []string{"chunks", "5m", "1h", "1d", "wal"} {
		u := usage[name]
		totalBytes += u.TotalBytes
		totalFiles += u.FileCount
		result += fmt.Sprintf("  %s: %d files, %s\n", name, u.FileCount, formatBytes(u.TotalBytes))
	}

	return fmt.Sprintf("Disk Usage:\n%s  Total: %d files, %s\n",
		result, totalFiles, formatBytes(totalBytes))
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
