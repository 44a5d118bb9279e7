// Package compress rewrites closed chunks into columnar parquet files and
// releases their in-memory representation.
//
// A chunk becomes eligible once its window has been over for the configured
// delay and every rollup bucket it feeds has been finalized. The rewrite is
// write-then-commit: the parquet file lands atomically first, then the
// metastore swap to COMPRESSED evicts the resident points, so a crash at any
// step leaves the chunk CLOSED, queryable from memory, and retried on the
// next sweep. Compression never pauses for backpressure: evicting chunks is
// what brings memory back down.
package compress

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/parquet"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/storage/wal"
	"github.com/orbiteos/joule/internal/store"
)

// FinalizeTracker reports how far rollup finalization has progressed.
// Chunks ending above the boundary keep their raw points resident so
// provisional buckets can still be recomputed from memory.
type FinalizeTracker interface {
	FinalizedThrough() int64
}

// Compressor owns the chunk compression sweep.
type Compressor struct {
	cfg *config.Config
	log *slog.Logger

	meta      *store.Store
	part      *partition.Manager
	wal       *wal.Writer // nil disables truncation
	finalized FinalizeTracker
	nowFunc   func() time.Time

	sweeping atomic.Bool

	stats Stats
}

// Deps carries the compressor's dependencies.
type Deps struct {
	Meta      *store.Store
	Partition *partition.Manager
	WAL       *wal.Writer
	Finalized FinalizeTracker
	NowFunc   func() time.Time
}

// Stats holds compression counters.
type Stats struct {
	SweepsRun  atomic.Int64
	SweepsBusy atomic.Int64

	ChunksCompressed atomic.Int64
	ChunksFailed     atomic.Int64
	RowsWritten      atomic.Int64
	BytesWritten     atomic.Int64
	PointsEvicted    atomic.Int64

	WALSegmentsDeleted atomic.Int64
}

// New creates a compressor.
func New(cfg *config.Config, deps Deps) (*Compressor, error) {
	if deps.Meta == nil {
		return nil, fmt.Errorf("compress: metastore is required")
	}
	if deps.Partition == nil {
		return nil, fmt.Errorf("compress: partition manager is required")
	}

	nowFunc := deps.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Compressor{
		cfg:       cfg,
		log:       logging.Component("compress"),
		meta:      deps.Meta,
		part:      deps.Partition,
		wal:       deps.WAL,
		finalized: deps.Finalized,
		nowFunc:   nowFunc,
	}, nil
}

// SweepResult summarizes one compression sweep.
type SweepResult struct {
	ChunksCompressed   int
	ChunksFailed       int
	PointsEvicted      int64
	WALSegmentsDeleted int
}

// Sweep compresses every eligible closed chunk, several in parallel. A
// failed chunk is logged and left CLOSED for the next sweep; only a
// cancelled context aborts the whole pass. Safe to call from a ticker: an
// overlapping sweep returns immediately.
func (c *Compressor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if !c.sweeping.CompareAndSwap(false, true) {
		c.stats.SweepsBusy.Add(1)
		return result, nil
	}
	defer c.sweeping.Store(false)
	c.stats.SweepsRun.Add(1)

	eligible, err := c.eligible(ctx)
	if err != nil {
		return result, err
	}
	if len(eligible) == 0 {
		return result, nil
	}

	workers := c.cfg.Compression.Workers
	if workers <= 0 {
		workers = 1
	}

	var compressed, failed, evicted atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, chunk := range eligible {
		chunk := chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := c.compressChunk(gctx, chunk)
			if err != nil {
				c.log.Error("chunk compression failed",
					"chunk", chunk.Label(), "error", err)
				c.stats.ChunksFailed.Add(1)
				failed.Add(1)
				return nil // stays CLOSED, retried next sweep
			}
			compressed.Add(1)
			evicted.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	result.ChunksCompressed = int(compressed.Load())
	result.ChunksFailed = int(failed.Load())
	result.PointsEvicted = evicted.Load()

	if result.ChunksCompressed > 0 {
		n, err := c.truncateWAL(ctx)
		if err != nil {
			c.log.Warn("WAL truncation failed", "error", err)
		}
		result.WALSegmentsDeleted = n
	}
	return result, nil
}

// eligible returns the closed chunks ready for compression: window over for
// at least the delay, and all overlapping rollup buckets finalized.
func (c *Compressor) eligible(ctx context.Context) ([]*types.ChunkMeta, error) {
	closed, err := c.meta.ListChunksByState(ctx, types.ChunkClosed)
	if err != nil {
		return nil, fmt.Errorf("list closed chunks: %w", err)
	}

	nowMs := c.nowFunc().UnixMilli()
	delayMs := c.cfg.Compression.Delay.Milliseconds()

	var out []*types.ChunkMeta
	for _, chunk := range closed {
		if chunk.EndMs+delayMs > nowMs {
			continue
		}
		if c.finalized != nil && chunk.EndMs > c.finalized.FinalizedThrough() {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

// compressChunk rewrites one chunk to parquet and commits the transition.
// Returns the number of points evicted from memory.
func (c *Compressor) compressChunk(ctx context.Context, chunk *types.ChunkMeta) (int64, error) {
	snapshot := c.part.SnapshotChunk(chunk.StartMs)

	tenants := make(map[string]int64)
	for i := range snapshot {
		tenants[snapshot[i].TenantID]++
	}

	name := fmt.Sprintf("%d-%d.parquet", chunk.StartMs, chunk.EndMs)
	path := filepath.Join(c.cfg.ChunksDir(), name)

	rowCount, byteSize, err := parquet.WritePointsFile(path, snapshot, c.parquetOpts())
	if err != nil {
		return 0, fmt.Errorf("write chunk file %s: %w", name, err)
	}

	evicted, err := c.part.MarkCompressed(ctx, chunk.StartMs, path, rowCount, byteSize, tenants)
	if err != nil {
		// The file is in place but the chunk stayed CLOSED; the retry
		// overwrites it.
		return 0, fmt.Errorf("commit compression: %w", err)
	}

	c.stats.ChunksCompressed.Add(1)
	c.stats.RowsWritten.Add(rowCount)
	c.stats.BytesWritten.Add(byteSize)
	c.stats.PointsEvicted.Add(evicted)

	c.log.Info("chunk compressed",
		"chunk", chunk.Label(),
		"rows", rowCount,
		"bytes", byteSize,
		"tenants", len(tenants),
		"evicted", evicted)
	return evicted, nil
}

// truncateWAL drops WAL segments whose points are all sealed in compressed
// chunks. The replay floor is the oldest still-writable chunk; with nothing
// writable, everything below the compressed boundary is safe to drop.
func (c *Compressor) truncateWAL(ctx context.Context) (int, error) {
	if c.wal == nil {
		return 0, nil
	}

	bound := int64(0)
	for _, state := range []types.ChunkState{types.ChunkOpen, types.ChunkClosed} {
		chunks, err := c.meta.ListChunksByState(ctx, state)
		if err != nil {
			return 0, fmt.Errorf("list %s chunks: %w", state, err)
		}
		for _, chunk := range chunks {
			if bound == 0 || chunk.StartMs < bound {
				bound = chunk.StartMs
			}
		}
	}

	if bound == 0 {
		compressed, err := c.meta.CompressedBoundary(ctx)
		if err != nil {
			return 0, fmt.Errorf("compressed boundary: %w", err)
		}
		bound = compressed
	}
	if bound == 0 {
		return 0, nil
	}

	deleted, err := c.wal.DeleteSegmentsBelow(bound)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.stats.WALSegmentsDeleted.Add(int64(deleted))
		c.log.Info("WAL truncated", "segments", deleted, "boundary", bound)
	}
	return deleted, nil
}

// Stats returns a snapshot of the compression counters.
func (c *Compressor) Stats() CompressorStats {
	return CompressorStats{
		SweepsRun:          c.stats.SweepsRun.Load(),
		SweepsBusy:         c.stats.SweepsBusy.Load(),
		ChunksCompressed:   c.stats.ChunksCompressed.Load(),
		ChunksFailed:       c.stats.ChunksFailed.Load(),
		RowsWritten:        c.stats.RowsWritten.Load(),
		BytesWritten:       c.stats.BytesWritten.Load(),
		PointsEvicted:      c.stats.PointsEvicted.Load(),
		WALSegmentsDeleted: c.stats.WALSegmentsDeleted.Load(),
	}
}

// CompressorStats is a point-in-time snapshot of compression counters.
type CompressorStats struct {
	SweepsRun          int64
	SweepsBusy         int64
	ChunksCompressed   int64
	ChunksFailed       int64
	RowsWritten        int64
	BytesWritten       int64
	PointsEvicted      int64
	WALSegmentsDeleted int64
}

func (c *Compressor) parquetOpts() parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(c.cfg.Compression.Codec)
	if c.cfg.Compression.Level > 0 {
		opts.CompressionLevel = c.cfg.Compression.Level
	}
	return opts
}
