// Package rollup maintains the continuous aggregates: 5-minute, hourly and
// daily buckets derived from raw points.
//
// Every bucket value is recomputed from raw, never from a finer rollup, so a
// late write inside the mutable range corrects all three resolutions on the
// next sweep. A bucket is provisional until every chunk overlapping its
// window has closed and the finalize grace has passed; then the sweep scans
// the frozen raw range once, writes the bucket rows of each resolution to a
// parquet segment, and records the segment in the metastore. The ingest
// watermark advances with the finalized boundary, which is what freezes the
// range: anything below it is rejected as a late write, so finalized rows
// can never drift from raw.
//
// The dirty set drives the provisional side. Ingestion marks the touched
// bucket of each resolution on every accepted write; the sweep drains the
// set and recomputes marked buckets into an in-memory cache. Reads serve a
// cached row only while its bucket is unmarked; a marked bucket is
// recomputed on the spot, so a served row always equals a fresh
// recomputation from raw.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage/backpressure"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/parquet"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/store"
)

// =============================================================================
// Manager
// =============================================================================

// Manager owns the rollup state machine for all three resolutions.
type Manager struct {
	cfg *config.Config
	log *slog.Logger

	meta     *store.Store
	part     *partition.Manager
	pressure *backpressure.Controller // nil disables pause checks
	nowFunc  func() time.Time

	dirty *dirtySet

	// boundary holds the finalized boundary per resolution, indexed by the
	// Resolution constant. Buckets starting below it are finalized.
	boundary [4]atomic.Int64

	mu      sync.Mutex
	cache   map[types.BucketKey]types.RollupRow
	lastSeg map[types.Resolution]*types.RollupSegment

	sweeping atomic.Bool

	stats Stats
}

// Deps carries the manager's dependencies.
type Deps struct {
	Meta      *store.Store
	Partition *partition.Manager
	Pressure  *backpressure.Controller
	NowFunc   func() time.Time
}

// Stats holds rollup counters.
type Stats struct {
	MarksReceived  atomic.Int64
	MarksFinalized atomic.Int64 // marks dropped because the bucket was already finalized
	SweepsRun      atomic.Int64
	SweepsBusy     atomic.Int64
	RefreshPauses  atomic.Int64

	BucketsRefreshed atomic.Int64
	RowsFinalized    atomic.Int64
	SegmentsWritten  atomic.Int64

	ComputeCalls atomic.Int64
	CacheHits    atomic.Int64

	Errors atomic.Int64
}

// New creates a rollup manager. Call Bootstrap before the first sweep.
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Meta == nil {
		return nil, fmt.Errorf("rollup: metastore is required")
	}
	if deps.Partition == nil {
		return nil, fmt.Errorf("rollup: partition manager is required")
	}

	nowFunc := deps.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Manager{
		cfg:      cfg,
		log:      logging.Component("rollup"),
		meta:     deps.Meta,
		part:     deps.Partition,
		pressure: deps.Pressure,
		nowFunc:  nowFunc,
		dirty:    newDirtySet(),
		cache:    make(map[types.BucketKey]types.RollupRow),
		lastSeg:  make(map[types.Resolution]*types.RollupSegment),
	}, nil
}

// Bootstrap loads the finalized boundaries from the metastore. Must run
// before MarkDirty or Sweep so replayed writes below a boundary are not
// re-marked.
func (m *Manager) Bootstrap(ctx context.Context) error {
	for _, res := range types.RollupResolutions() {
		b, err := m.meta.FinalizedBoundary(ctx, res)
		if err != nil {
			return fmt.Errorf("load finalized boundary %s: %w", res, err)
		}
		m.boundary[res].Store(b)

		if b > 0 {
			segs, err := m.meta.ListRollupSegments(ctx, res, b-1, b)
			if err != nil {
				return fmt.Errorf("load last segment %s: %w", res, err)
			}
			if len(segs) > 0 {
				m.mu.Lock()
				m.lastSeg[res] = segs[len(segs)-1]
				m.mu.Unlock()
			}
		}

		m.log.Info("rollup boundary loaded",
			"resolution", res.String(),
			"boundary", formatMs(b))
	}
	return nil
}

// =============================================================================
// Dirty marking
// =============================================================================

// MarkDirty records that a raw write landed at tsMs, marking the covering
// bucket of every resolution for recomputation. Marks for finalized buckets
// are dropped: the watermark rejects writes below the boundary, so such a
// mark can only come from a WAL replay of already-finalized data.
func (m *Manager) MarkDirty(tenantID, seriesKey string, tsMs int64) {
	m.stats.MarksReceived.Add(1)

	for _, res := range types.RollupResolutions() {
		start := res.BucketStartMs(tsMs)
		if start < m.boundary[res].Load() {
			m.stats.MarksFinalized.Add(1)
			continue
		}
		m.dirty.add(types.BucketKey{
			TenantID:      tenantID,
			SeriesKey:     seriesKey,
			Resolution:    res,
			BucketStartMs: start,
		})
	}
}

// =============================================================================
// Sweep
// =============================================================================

// SweepResult summarizes one sweep.
type SweepResult struct {
	SegmentsWritten  int
	RowsFinalized    int
	BucketsRefreshed int
	RefreshPaused    bool
}

// Sweep runs one finalize-then-refresh pass. Safe to call from a ticker
// without overlap protection: a sweep that finds another in progress returns
// immediately.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	if !m.sweeping.CompareAndSwap(false, true) {
		m.stats.SweepsBusy.Add(1)
		return result, nil
	}
	defer m.sweeping.Store(false)
	m.stats.SweepsRun.Add(1)

	if err := m.finalize(ctx, &result); err != nil {
		m.stats.Errors.Add(1)
		return result, err
	}

	// Backpressure pauses cache warming only. Finalization above still ran:
	// it is what lets compression evict chunks and relieve the pressure.
	if m.pressure != nil && m.pressure.ShouldPauseRollup() {
		m.stats.RefreshPauses.Add(1)
		result.RefreshPaused = true
		return result, nil
	}

	n, err := m.refreshDirty(ctx)
	result.BucketsRefreshed = n
	if err != nil {
		m.stats.Errors.Add(1)
		return result, err
	}
	return result, nil
}

// finalize advances the finalized boundary of each resolution up to the
// frozen limit and writes the segment files.
func (m *Manager) finalize(ctx context.Context, result *SweepResult) error {
	widthMs := m.part.WidthMs()
	graceMs := m.cfg.Rollup.FinalizeGrace.Milliseconds()

	// Everything below the limit is frozen: the covering chunks have closed
	// (the open chunk always covers now) and the grace has passed.
	limit := alignDown(m.nowFunc().UnixMilli()-graceMs, widthMs)
	if open, ok := m.part.OpenChunkStart(); ok && open < limit {
		limit = open
	}

	// Finest first: the 5m pass advances the watermark to the common limit,
	// so the coarser passes see an already-frozen range.
	for _, res := range types.RollupResolutions() {
		if err := m.finalizeResolution(ctx, res, limit, result); err != nil {
			return fmt.Errorf("finalize %s: %w", res, err)
		}
	}
	return nil
}

func (m *Manager) finalizeResolution(ctx context.Context, res types.Resolution, limit int64, result *SweepResult) error {
	resWidth := res.Duration().Milliseconds()
	target := alignDown(limit, resWidth)
	b := m.boundary[res].Load()
	if target <= b {
		return nil
	}
	entry := b

	// Segment windows step by the larger of chunk width and bucket width so
	// no bucket ever straddles two segments.
	step := m.part.WidthMs()
	if resWidth > step {
		step = resWidth
	}

	start := alignDown(b, step)
	if b == 0 {
		chunks := m.part.ResidentChunks()
		if len(chunks) == 0 {
			// Nothing was ever written. Leave the boundary at zero so the
			// watermark stays open for historical backfill.
			return nil
		}
		start = alignDown(chunks[0], step)
	}

	for s := start; s < target; s += step {
		lo := s
		if b > lo {
			lo = b
		}
		hi := s + step
		if target < hi {
			hi = target
		}
		if hi <= lo {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		// Watermark first, durably. Once it holds, no new write below hi
		// can be accepted, so the scan below sees the window's final raw
		// contents.
		if err := m.part.AdvanceWatermark(ctx, hi); err != nil {
			return fmt.Errorf("advance watermark to %s: %w", formatMs(hi), err)
		}

		rows := m.accumulateRange(res, lo, hi)

		if len(rows) == 0 {
			if b == 0 {
				// Empty stretch before the first data; nothing to record yet.
				continue
			}
			// An empty window extends the previous segment instead of
			// creating one, keeping the finalized boundary contiguous.
			if err := m.extendLastSegment(ctx, res, hi); err != nil {
				return err
			}
			m.boundary[res].Store(hi)
			b = hi
			continue
		}

		seg, err := m.writeSegment(ctx, res, lo, hi, rows)
		if err != nil {
			return err
		}

		m.boundary[res].Store(hi)
		b = hi
		result.SegmentsWritten++
		result.RowsFinalized += len(rows)
		m.stats.SegmentsWritten.Add(1)
		m.stats.RowsFinalized.Add(int64(len(rows)))

		m.log.Info("rollup window finalized",
			"resolution", res.String(),
			"window_start", formatMs(seg.WindowStartMs),
			"window_end", formatMs(seg.WindowEndMs),
			"rows", seg.RowCount,
			"bytes", seg.ByteSize)
	}

	if b := m.boundary[res].Load(); b > entry {
		m.evictFinalized(res, b)
	}
	return nil
}

// accumulateRange recomputes every bucket of one resolution inside the
// frozen range [lo, hi) from the resident raw points.
func (m *Manager) accumulateRange(res types.Resolution, lo, hi int64) []types.RollupRow {
	widthMs := m.part.WidthMs()
	accuracy := m.sketchAccuracy()

	type seriesBucket struct {
		tenantID  string
		seriesKey string
		startMs   int64
	}
	accs := make(map[seriesBucket]*Accumulator)

	for _, chunkStart := range m.part.ResidentChunks() {
		if chunkStart >= hi || chunkStart+widthMs <= lo {
			continue
		}
		snap := m.part.SnapshotChunk(chunkStart)
		for i := range snap {
			p := &snap[i]
			if p.TimestampMs < lo || p.TimestampMs >= hi {
				continue
			}
			key := seriesBucket{p.TenantID, p.SeriesKey, res.BucketStartMs(p.TimestampMs)}
			acc := accs[key]
			if acc == nil {
				acc = NewAccumulator(accuracy)
				accs[key] = acc
			}
			acc.Add(p)
		}
	}

	rows := make([]types.RollupRow, 0, len(accs))
	for key, acc := range accs {
		row, ok := acc.Row(types.BucketKey{
			TenantID:      key.tenantID,
			SeriesKey:     key.seriesKey,
			Resolution:    res,
			BucketStartMs: key.startMs,
		})
		if ok {
			rows = append(rows, row)
		}
	}

	// Segment files are sorted like chunk files so the string columns
	// compress well and readers can merge without resorting.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TenantID != rows[j].TenantID {
			return rows[i].TenantID < rows[j].TenantID
		}
		if rows[i].SeriesKey != rows[j].SeriesKey {
			return rows[i].SeriesKey < rows[j].SeriesKey
		}
		return rows[i].BucketStartMs < rows[j].BucketStartMs
	})
	return rows
}

// writeSegment writes the parquet file and records the segment, in that
// order. A crash in between leaves an orphan file that the retried run
// overwrites.
func (m *Manager) writeSegment(ctx context.Context, res types.Resolution, lo, hi int64, rows []types.RollupRow) (*types.RollupSegment, error) {
	name := fmt.Sprintf("%d-%d.parquet", lo, hi)
	path := filepath.Join(m.cfg.RollupDir(res.String()), name)

	rowCount, byteSize, err := parquet.WriteBucketsFile(path, rows, m.parquetOpts())
	if err != nil {
		return nil, fmt.Errorf("write segment file %s: %w", name, err)
	}

	seg := &types.RollupSegment{
		Resolution:    res,
		WindowStartMs: lo,
		WindowEndMs:   hi,
		FilePath:      path,
		RowCount:      rowCount,
		ByteSize:      byteSize,
	}
	if err := m.meta.PutRollupSegment(ctx, seg); err != nil {
		return nil, fmt.Errorf("record segment: %w", err)
	}

	m.mu.Lock()
	m.lastSeg[res] = seg
	m.mu.Unlock()
	return seg, nil
}

// extendLastSegment stretches the newest segment's window over an empty
// stretch so FinalizedBoundary stays contiguous.
func (m *Manager) extendLastSegment(ctx context.Context, res types.Resolution, toMs int64) error {
	m.mu.Lock()
	seg := m.lastSeg[res]
	m.mu.Unlock()
	if seg == nil {
		return fmt.Errorf("extend segment %s: no previous segment", res)
	}
	if toMs <= seg.WindowEndMs {
		return nil
	}

	extended := *seg
	extended.WindowEndMs = toMs
	if err := m.meta.PutRollupSegment(ctx, &extended); err != nil {
		return fmt.Errorf("extend segment %s: %w", seg.Label(), err)
	}

	m.mu.Lock()
	m.lastSeg[res] = &extended
	m.mu.Unlock()
	return nil
}

// evictFinalized drops cache entries that fell below the boundary.
func (m *Manager) evictFinalized(res types.Resolution, boundaryMs int64) {
	m.mu.Lock()
	for key := range m.cache {
		if key.Resolution == res && key.BucketStartMs < boundaryMs {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
}

// refreshDirty recomputes the drained dirty buckets into the cache.
func (m *Manager) refreshDirty(ctx context.Context) (int, error) {
	drained := m.dirty.drain()
	refreshed := 0

	for key := range drained {
		if err := ctx.Err(); err != nil {
			// Put the rest back; they stay dirty until recomputed.
			for k := range drained {
				m.dirty.add(k)
			}
			return refreshed, err
		}
		delete(drained, key)

		if key.BucketStartMs < m.boundary[key.Resolution].Load() {
			continue // finalized while it sat in the set
		}

		row, ok := m.computeBucket(key)
		m.mu.Lock()
		if ok {
			m.cache[key] = row
		} else {
			delete(m.cache, key)
		}
		m.mu.Unlock()

		refreshed++
		m.stats.BucketsRefreshed.Add(1)
	}
	return refreshed, nil
}

// computeBucket recomputes one bucket from the resident raw points. The scan
// covers exactly the bucket's window.
func (m *Manager) computeBucket(key types.BucketKey) (types.RollupRow, bool) {
	points := m.part.QueryRange(key.TenantID, key.SeriesKey, key.BucketStartMs, key.BucketEndMs())
	if len(points) == 0 {
		return types.RollupRow{}, false
	}

	acc := NewAccumulator(m.sketchAccuracy())
	for i := range points {
		acc.Add(&points[i])
	}
	return acc.Row(key)
}

// =============================================================================
// Reads
// =============================================================================

// ComputeRange returns the provisional rows of one series in [fromMs, toMs):
// every bucket of the resolution at or above the finalized boundary, fresh
// from raw. Buckets below the boundary are skipped; readers get those from
// the finalized segments. Empty buckets produce no rows; rows come back in
// ascending bucket order.
func (m *Manager) ComputeRange(ctx context.Context, tenantID, seriesKey string, res types.Resolution, fromMs, toMs int64) ([]types.RollupRow, error) {
	if !res.IsRollup() {
		return nil, fmt.Errorf("resolution %s: %w", res, errors.ErrInvalidResolution)
	}
	m.stats.ComputeCalls.Add(1)

	widthMs := res.Duration().Milliseconds()
	boundary := m.boundary[res].Load()

	start := res.BucketStartMs(fromMs)
	if start < boundary {
		start = boundary
	}

	var rows []types.RollupRow
	for bs := start; bs < toMs; bs += widthMs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := types.BucketKey{
			TenantID:      tenantID,
			SeriesKey:     seriesKey,
			Resolution:    res,
			BucketStartMs: bs,
		}

		// A cached row is only as good as its mark: serve it while the
		// bucket is clean, recompute when a write has landed since.
		if !m.dirty.contains(key) {
			m.mu.Lock()
			row, ok := m.cache[key]
			m.mu.Unlock()
			if ok {
				m.stats.CacheHits.Add(1)
				rows = append(rows, row)
				continue
			}
		}

		if row, ok := m.computeBucket(key); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// =============================================================================
// Introspection
// =============================================================================

// Boundary returns the finalized boundary of a resolution in Unix ms.
// Buckets starting below it are finalized; 0 means nothing is.
func (m *Manager) Boundary(res types.Resolution) int64 {
	if !res.IsRollup() {
		return 0
	}
	return m.boundary[res].Load()
}

// FinalizedThrough returns the lowest finalized boundary across the
// resolutions. Chunks ending at or below it have all their buckets
// finalized, which is what compression waits for before evicting raw.
func (m *Manager) FinalizedThrough() int64 {
	low := int64(0)
	for i, res := range types.RollupResolutions() {
		b := m.boundary[res].Load()
		if i == 0 || b < low {
			low = b
		}
	}
	return low
}

// DirtyLen returns the number of buckets awaiting recomputation.
func (m *Manager) DirtyLen() int {
	return m.dirty.len()
}

// Stats returns a snapshot of the rollup counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	cacheSize := len(m.cache)
	m.mu.Unlock()

	return ManagerStats{
		Boundary5m:       m.boundary[types.Resolution5m].Load(),
		Boundary1h:       m.boundary[types.Resolution1h].Load(),
		Boundary1d:       m.boundary[types.Resolution1d].Load(),
		DirtyBuckets:     m.dirty.len(),
		CachedBuckets:    cacheSize,
		MarksReceived:    m.stats.MarksReceived.Load(),
		MarksFinalized:   m.stats.MarksFinalized.Load(),
		SweepsRun:        m.stats.SweepsRun.Load(),
		SweepsBusy:       m.stats.SweepsBusy.Load(),
		RefreshPauses:    m.stats.RefreshPauses.Load(),
		BucketsRefreshed: m.stats.BucketsRefreshed.Load(),
		RowsFinalized:    m.stats.RowsFinalized.Load(),
		SegmentsWritten:  m.stats.SegmentsWritten.Load(),
		ComputeCalls:     m.stats.ComputeCalls.Load(),
		CacheHits:        m.stats.CacheHits.Load(),
		Errors:           m.stats.Errors.Load(),
	}
}

// ManagerStats is a point-in-time snapshot of rollup state.
type ManagerStats struct {
	Boundary5m    int64
	Boundary1h    int64
	Boundary1d    int64
	DirtyBuckets  int
	CachedBuckets int

	MarksReceived  int64
	MarksFinalized int64
	SweepsRun      int64
	SweepsBusy     int64
	RefreshPauses  int64

	BucketsRefreshed int64
	RowsFinalized    int64
	SegmentsWritten  int64

	ComputeCalls int64
	CacheHits    int64
	Errors       int64
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Manager) sketchAccuracy() float64 {
	if !m.cfg.Rollup.Sketches.Enabled {
		return 0
	}
	return m.cfg.Rollup.Sketches.Accuracy
}

func (m *Manager) parquetOpts() parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(m.cfg.Compression.Codec)
	if m.cfg.Compression.Level > 0 {
		opts.CompressionLevel = m.cfg.Compression.Level
	}
	return opts
}

func alignDown(tsMs, widthMs int64) int64 {
	start := (tsMs / widthMs) * widthMs
	if tsMs < 0 && tsMs%widthMs != 0 {
		start -= widthMs
	}
	return start
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "none"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05")
}
