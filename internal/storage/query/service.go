// Package query is the tenant-scoped read path.
//
// Every query passes through this package and is bound to exactly one
// tenant; there is no call shape that can return another tenant's rows.
// The router plans a query from chunk and segment metadata, reads
// resident chunks from memory, compressed chunks and finalized rollup
// segments from parquet through DuckDB, and fills the not-yet-finalized
// tail of rollup ranges with on-the-fly recomputation, so results are
// current up to the dirty-marking delay.
//
// A corrupt or unreadable file fails only its own time range: the rest
// of the merge proceeds and the failure is reported alongside the rows.
// Cancellation is all-or-nothing; a cancelled query returns no rows.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"golang.org/x/sync/errgroup"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/rollup"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/store"
	"github.com/orbiteos/joule/internal/validation"
)

// maxParallelScans bounds concurrent parquet file scans per query.
const maxParallelScans = 4

// PolicySource supplies the live retention policy, so query-time clamping
// follows hot reloads without a restart.
type PolicySource interface {
	Policy() config.RetentionConfig
}

// TenantPolicySource supplies per-tenant retention overrides. An override
// may only shorten the process-wide window; zero fields and longer values
// leave the global policy in effect.
type TenantPolicySource interface {
	TenantRetention(tenantID string) config.RetentionConfig
}

// Service routes tenant-scoped queries across the memstore, compressed
// chunk files, and rollup segments.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	// db is a scratch DuckDB session used purely for read_parquet scans;
	// it holds no tables of its own.
	db *sql.DB

	meta         *store.Store
	part         *partition.Manager
	rollups      *rollup.Manager
	recent       *recent.Tracker
	policy       PolicySource
	tenantPolicy TenantPolicySource

	nowFunc func() time.Time

	stats Stats
}

// Deps are the components the router reads from. Meta and Partition are
// required; Rollups, Recent, and Policy may be nil to disable rollup
// serving, latest-value fast paths, and live policy clamping.
type Deps struct {
	Meta      *store.Store
	Partition *partition.Manager
	Rollups   *rollup.Manager
	Recent    *recent.Tracker
	Policy    PolicySource

	// TenantPolicy supplies per-tenant retention overrides; nil means no
	// tenant ever tightens the global windows.
	TenantPolicy TenantPolicySource

	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	PointsReturned  atomic.Int64
	RowsReturned    atomic.Int64
	ChunksScanned   atomic.Int64
	SegmentsScanned atomic.Int64
	PartialChunks   atomic.Int64
	Truncated       atomic.Int64
	Errors          atomic.Int64
}

// Request describes one query. SeriesKey is an exact key or a
// trailing-wildcard pattern ("PV001.*", "*"); patterns are resolved
// against the tenant's series index.
type Request struct {
	TenantID  string
	SeriesKey string
	StartMs   int64
	EndMs     int64

	// Resolution pins the source resolution. Nil lets the router choose:
	// raw for short ranges, else the finest rollup that keeps the
	// response under the configured point budget.
	Resolution *types.Resolution

	// Limit caps returned rows. Zero applies the configured maximum.
	Limit int
}

// RangeError reports a failed scan covering [StartMs, EndMs); the rest of
// the result is unaffected.
type RangeError struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
	Err     error `json:"-"`
}

func (e RangeError) Error() string {
	return fmt.Sprintf("range [%d, %d): %v", e.StartMs, e.EndMs, e.Err)
}

// Result is a completed query. Raw queries fill Points; rollup queries
// fill Rows. Partial lists sub-ranges dropped due to unreadable files.
type Result struct {
	Resolution types.Resolution  `json:"resolution"`
	Points     []types.Point     `json:"points,omitempty"`
	Rows       []types.RollupRow `json:"rows,omitempty"`
	Partial    []RangeError      `json:"partial,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// New creates a query service.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Meta == nil {
		return nil, fmt.Errorf("query service requires a metastore")
	}
	if deps.Partition == nil {
		return nil, fmt.Errorf("query service requires a partition manager")
	}
	if deps.NowFunc == nil {
		deps.NowFunc = time.Now
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		cfg:          cfg,
		log:          logging.Component("query"),
		db:           db,
		meta:         deps.Meta,
		part:         deps.Partition,
		rollups:      deps.Rollups,
		recent:       deps.Recent,
		policy:       deps.Policy,
		tenantPolicy: deps.TenantPolicy,
		nowFunc:      deps.NowFunc,
	}, nil
}

// Close releases the scratch DuckDB session.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Query executes a tenant-scoped range query. Output is strictly
// ascending by timestamp (then series key for equal timestamps).
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("query without tenant: %w", errors.ErrUnknownTenant)
	}
	if err := validation.ValidateSeriesPattern(req.SeriesKey); err != nil {
		return nil, err
	}
	if req.StartMs >= req.EndMs {
		return nil, fmt.Errorf("start %d >= end %d: %w", req.StartMs, req.EndMs, errors.ErrInvalidRange)
	}

	if _, ok := ctx.Deadline(); !ok && s.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Query.Timeout)
		defer cancel()
	}

	res := s.selectResolution(req)

	keys, err := s.resolveSeries(ctx, req.TenantID, req.SeriesKey)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, mapDeadline(err)
	}

	result := &Result{Resolution: res}
	if len(keys) == 0 {
		s.stats.QueriesExecuted.Add(1)
		return result, nil
	}

	if res == types.ResolutionRaw {
		result.Points, result.Partial, err = s.queryRaw(ctx, req.TenantID, keys, req.StartMs, req.EndMs)
	} else {
		result.Rows, result.Partial, err = s.queryRollup(ctx, req.TenantID, keys, res, req.StartMs, req.EndMs)
	}
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, mapDeadline(err)
	}

	s.truncate(result, req.Limit)

	s.stats.QueriesExecuted.Add(1)
	s.stats.PointsReturned.Add(int64(len(result.Points)))
	s.stats.RowsReturned.Add(int64(len(result.Rows)))
	s.stats.PartialChunks.Add(int64(len(result.Partial)))
	return result, nil
}

// selectResolution picks the source resolution: the pinned one if given,
// raw for ranges under the threshold, otherwise the finest rollup whose
// per-series bucket count fits the point budget.
func (s *Service) selectResolution(req Request) types.Resolution {
	if req.Resolution != nil {
		return *req.Resolution
	}

	rangeMs := req.EndMs - req.StartMs
	if rangeMs <= s.cfg.Query.RawRangeThreshold.Milliseconds() {
		return types.ResolutionRaw
	}

	budget := int64(s.cfg.Query.MaxPoints)
	for _, res := range types.RollupResolutions() {
		if rangeMs/res.WidthMs() <= budget {
			return res
		}
	}
	return types.Resolution1d
}

// resolveSeries expands a pattern into concrete series keys via the
// tenant's series index. Exact keys pass through untouched, so a series
// too young to be indexed yet is still queryable.
func (s *Service) resolveSeries(ctx context.Context, tenantID, pattern string) ([]string, error) {
	if !validation.IsPattern(pattern) {
		return []string{pattern}, nil
	}

	infos, err := s.meta.ListSeries(ctx, tenantID, validation.PatternPrefix(pattern), 0)
	if err != nil {
		return nil, fmt.Errorf("resolve pattern %q: %w", pattern, err)
	}
	keys := make([]string, len(infos))
	for i, info := range infos {
		keys[i] = info.SeriesKey
	}
	return keys, nil
}

// retentionPolicy returns the effective policy for one tenant: the live
// global policy, tightened by any per-tenant overrides. Overrides only
// shorten; a longer tenant window cannot resurrect swept data.
func (s *Service) retentionPolicy(tenantID string) config.RetentionConfig {
	policy := s.cfg.Retention
	if s.policy != nil {
		policy = s.policy.Policy()
	}
	if s.tenantPolicy != nil {
		policy = tightenRetention(policy, s.tenantPolicy.TenantRetention(tenantID))
	}
	return policy
}

// tightenRetention applies the override fields that are set and shorter
// than the base window. Zero base means unlimited, so any set override
// shortens it.
func tightenRetention(base, override config.RetentionConfig) config.RetentionConfig {
	shorten := func(b, o time.Duration) time.Duration {
		if o > 0 && (b <= 0 || o < b) {
			return o
		}
		return b
	}
	base.Raw = shorten(base.Raw, override.Raw)
	base.FiveMin = shorten(base.FiveMin, override.FiveMin)
	base.Hourly = shorten(base.Hourly, override.Hourly)
	base.Daily = shorten(base.Daily, override.Daily)
	return base
}

// ============================================================================
// Raw path
// ============================================================================

// queryRaw merges resident and compressed chunks over [startMs, endMs).
// Chunks partition the timeline, so per-chunk results concatenate in
// chunk order without cross-chunk duplicates.
func (s *Service) queryRaw(ctx context.Context, tenantID string, keys []string, startMs, endMs int64) ([]types.Point, []RangeError, error) {
	chunks, err := s.meta.ListChunksForTenant(ctx, tenantID, startMs, endMs)
	if err != nil {
		return nil, nil, fmt.Errorf("plan chunks: %w", err)
	}

	// Query-time retention clamp, chunk granularity: a chunk whose whole
	// interval is past the raw policy age is invisible even before the
	// retention sweeper gets to it. Straddling chunks serve in full.
	if policy := s.retentionPolicy(tenantID); policy.Raw > 0 {
		floor := s.nowFunc().UnixMilli() - policy.Raw.Milliseconds()
		kept := chunks[:0]
		for _, c := range chunks {
			if c.EndMs > floor {
				kept = append(kept, c)
			}
		}
		chunks = kept
	}
	if len(chunks) == 0 {
		return nil, nil, nil
	}

	perChunk := make([][]types.Point, len(chunks))
	var mu sync.Mutex
	var partial []RangeError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelScans)

	for i, c := range chunks {
		switch c.State {
		case types.ChunkOpen, types.ChunkClosed:
			perChunk[i] = s.residentPoints(c, tenantID, keys, startMs, endMs)

		case types.ChunkCompressed:
			i, c := i, c
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				pts, err := s.scanChunkFile(gctx, c, tenantID, keys, startMs, endMs)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					mu.Lock()
					partial = append(partial, RangeError{
						StartMs: c.StartMs,
						EndMs:   c.EndMs,
						Err:     fmt.Errorf("chunk %s: %w: %w", c.Label(), errors.ErrCorruptChunk, err),
					})
					mu.Unlock()
					return nil
				}
				perChunk[i] = pts
				s.stats.ChunksScanned.Add(1)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var out []types.Point
	for i := range perChunk {
		out = append(out, perChunk[i]...)
	}
	sort.Slice(partial, func(i, j int) bool { return partial[i].StartMs < partial[j].StartMs })
	return out, partial, nil
}

// residentPoints reads one writable chunk from the memstore, merged
// across series and ordered by (timestamp, series key).
func (s *Service) residentPoints(c *types.ChunkMeta, tenantID string, keys []string, startMs, endMs int64) []types.Point {
	lo, hi := clip(startMs, endMs, c.StartMs, c.EndMs)
	if lo >= hi {
		return nil
	}

	var pts []types.Point
	for _, key := range keys {
		pts = append(pts, s.part.QueryRange(tenantID, key, lo, hi)...)
	}
	if len(keys) > 1 {
		sort.Slice(pts, func(i, j int) bool {
			if pts[i].TimestampMs != pts[j].TimestampMs {
				return pts[i].TimestampMs < pts[j].TimestampMs
			}
			return pts[i].SeriesKey < pts[j].SeriesKey
		})
	}
	return pts
}

// scanChunkFile reads one compressed chunk through DuckDB.
func (s *Service) scanChunkFile(ctx context.Context, c *types.ChunkMeta, tenantID string, keys []string, startMs, endMs int64) ([]types.Point, error) {
	lo, hi := clip(startMs, endMs, c.StartMs, c.EndMs)
	if lo >= hi || c.FilePath == "" {
		return nil, nil
	}

	var q strings.Builder
	q.WriteString(`
		SELECT tenant_id, series_key, timestamp_ms, value, unit, quality, ingested_ms
		FROM read_parquet(?)
		WHERE tenant_id = ? AND timestamp_ms >= ? AND timestamp_ms < ?
		  AND series_key IN (`)
	args := []any{c.FilePath, tenantID, lo, hi}
	for i, key := range keys {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("?")
		args = append(args, key)
	}
	q.WriteString(`) ORDER BY timestamp_ms, series_key`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pts []types.Point
	for rows.Next() {
		var p types.Point
		var quality int32
		if err := rows.Scan(&p.TenantID, &p.SeriesKey, &p.TimestampMs,
			&p.Value, &p.Unit, &quality, &p.IngestedMs); err != nil {
			return nil, err
		}
		p.Quality = types.Quality(quality)
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// ============================================================================
// Rollup path
// ============================================================================

// queryRollup serves one rollup resolution: finalized buckets from
// segment files, the provisional tail recomputed from resident raw data.
// The finalized boundary is bucket-aligned, so the two sides never share
// a bucket.
func (s *Service) queryRollup(ctx context.Context, tenantID string, keys []string, res types.Resolution, startMs, endMs int64) ([]types.RollupRow, []RangeError, error) {
	if s.rollups == nil {
		return nil, nil, fmt.Errorf("rollups disabled: %w", errors.ErrInvalidResolution)
	}

	boundary := s.rollups.Boundary(res)

	// Query-time retention clamp, segment granularity.
	floor := int64(0)
	if age := retentionAge(s.retentionPolicy(tenantID), res); age > 0 {
		floor = s.nowFunc().UnixMilli() - age.Milliseconds()
	}

	var rows []types.RollupRow
	var partial []RangeError

	if finalEnd := min64(endMs, boundary); finalEnd > startMs {
		segs, err := s.meta.ListRollupSegments(ctx, res, startMs, finalEnd)
		if err != nil {
			return nil, nil, fmt.Errorf("plan segments: %w", err)
		}

		perSeg := make([][]types.RollupRow, len(segs))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxParallelScans)

		bucketLo := res.BucketStartMs(startMs)
		for i, seg := range segs {
			if seg.WindowEndMs <= floor {
				continue
			}
			i, seg := i, seg
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				segRows, err := s.scanSegmentFile(gctx, seg, tenantID, keys, bucketLo, finalEnd)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					mu.Lock()
					partial = append(partial, RangeError{
						StartMs: seg.WindowStartMs,
						EndMs:   seg.WindowEndMs,
						Err:     fmt.Errorf("segment %s: %w: %w", seg.Label(), errors.ErrCorruptChunk, err),
					})
					mu.Unlock()
					return nil
				}
				perSeg[i] = segRows
				s.stats.SegmentsScanned.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		for i := range perSeg {
			rows = append(rows, perSeg[i]...)
		}
	}

	if endMs > boundary {
		provStart := max64(startMs, boundary)
		var prov []types.RollupRow
		for _, key := range keys {
			keyRows, err := s.rollups.ComputeRange(ctx, tenantID, key, res, provStart, endMs)
			if err != nil {
				return nil, nil, fmt.Errorf("provisional %s: %w", res, err)
			}
			prov = append(prov, keyRows...)
		}
		if len(keys) > 1 {
			sort.Slice(prov, func(i, j int) bool {
				if prov[i].BucketStartMs != prov[j].BucketStartMs {
					return prov[i].BucketStartMs < prov[j].BucketStartMs
				}
				return prov[i].SeriesKey < prov[j].SeriesKey
			})
		}
		rows = append(rows, prov...)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sort.Slice(partial, func(i, j int) bool { return partial[i].StartMs < partial[j].StartMs })
	return rows, partial, nil
}

// scanSegmentFile reads one finalized segment through DuckDB. Buckets are
// filtered to [bucketLo, bucketHi) by bucket start.
func (s *Service) scanSegmentFile(ctx context.Context, seg *types.RollupSegment, tenantID string, keys []string, bucketLo, bucketHi int64) ([]types.RollupRow, error) {
	var q strings.Builder
	q.WriteString(`
		SELECT tenant_id, series_key, resolution, bucket_start_ms,
		       count, sum, min, max, last, last_ts_ms, unit, p50, p95, p99
		FROM read_parquet(?)
		WHERE tenant_id = ? AND bucket_start_ms >= ? AND bucket_start_ms < ?
		  AND series_key IN (`)
	args := []any{seg.FilePath, tenantID, bucketLo, bucketHi}
	for i, key := range keys {
		if i > 0 {
			q.WriteString(", ")
		}
		q.WriteString("?")
		args = append(args, key)
	}
	q.WriteString(`) ORDER BY bucket_start_ms, series_key`)

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RollupRow
	for rows.Next() {
		var r types.RollupRow
		var resStr string
		var p50, p95, p99 sql.NullFloat64
		if err := rows.Scan(&r.TenantID, &r.SeriesKey, &resStr, &r.BucketStartMs,
			&r.Count, &r.Sum, &r.Min, &r.Max, &r.Last, &r.LastTs, &r.Unit,
			&p50, &p95, &p99); err != nil {
			return nil, err
		}
		r.Resolution, _ = types.ParseResolution(resStr)
		if p50.Valid && p95.Valid && p99.Valid {
			r.SetPercentiles(p50.Float64, p95.Float64, p99.Float64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// Metadata and latest values
// ============================================================================

// SeriesMeta is a series index entry plus the resolutions that still hold
// data for it under the active retention policy.
type SeriesMeta struct {
	*types.SeriesInfo
	Resolutions []string `json:"resolutions"`
}

// ListSeries lists a tenant's series with resolution coverage. prefix=""
// lists everything; limit <= 0 is unlimited.
func (s *Service) ListSeries(ctx context.Context, tenantID, prefix string, limit int) ([]SeriesMeta, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("series listing without tenant: %w", errors.ErrUnknownTenant)
	}

	infos, err := s.meta.ListSeries(ctx, tenantID, prefix, limit)
	if err != nil {
		return nil, err
	}

	policy := s.retentionPolicy(tenantID)
	nowMs := s.nowFunc().UnixMilli()

	metas := make([]SeriesMeta, len(infos))
	for i, info := range infos {
		metas[i] = SeriesMeta{
			SeriesInfo:  info,
			Resolutions: coverage(info, policy, nowMs),
		}
	}
	return metas, nil
}

// coverage lists the resolutions whose retention window still reaches the
// series' newest data.
func coverage(info *types.SeriesInfo, policy config.RetentionConfig, nowMs int64) []string {
	resolutions := []types.Resolution{
		types.ResolutionRaw, types.Resolution5m, types.Resolution1h, types.Resolution1d,
	}
	var out []string
	for _, res := range resolutions {
		age := retentionAge(policy, res)
		if age <= 0 || info.LastTs > nowMs-age.Milliseconds() {
			out = append(out, res.String())
		}
	}
	return out
}

// Latest returns the newest value of one series: from the recent-value
// tracker when it is wired and warm, else from the series index. The
// index does not record quality, so fallback points report good quality.
func (s *Service) Latest(ctx context.Context, tenantID, seriesKey string) (types.Point, error) {
	if tenantID == "" {
		return types.Point{}, fmt.Errorf("latest without tenant: %w", errors.ErrUnknownTenant)
	}

	if s.recent != nil {
		if p, ok := s.recent.Get(tenantID, seriesKey); ok {
			return p, nil
		}
	}

	info, err := s.meta.GetSeries(ctx, tenantID, seriesKey)
	if err != nil {
		return types.Point{}, err
	}
	if info == nil {
		return types.Point{}, fmt.Errorf("series %s/%s: %w", tenantID, seriesKey, errors.ErrSeriesNotFound)
	}
	return types.Point{
		TenantID:    info.TenantID,
		SeriesKey:   info.SeriesKey,
		TimestampMs: info.LastTs,
		Value:       info.LastValue,
		Unit:        info.Unit,
		Quality:     types.QualityGood,
		IngestedMs:  info.LastTs,
	}, nil
}

// ============================================================================
// Helpers
// ============================================================================

// truncate applies the row cap to a result.
func (s *Service) truncate(result *Result, limit int) {
	budget := s.cfg.Query.MaxPoints
	if limit > 0 && limit < budget {
		budget = limit
	}
	if budget <= 0 {
		return
	}
	if len(result.Points) > budget {
		result.Points = result.Points[:budget]
		result.Truncated = true
	}
	if len(result.Rows) > budget {
		result.Rows = result.Rows[:budget]
		result.Truncated = true
	}
	if result.Truncated {
		s.stats.Truncated.Add(1)
	}
}

// retentionAge maps a resolution to its policy age.
func retentionAge(policy config.RetentionConfig, res types.Resolution) time.Duration {
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

// mapDeadline converts a context deadline error into the public timeout
// error; cancellations pass through.
func mapDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("query deadline exceeded: %w", errors.ErrTimeout)
	}
	return err
}

func clip(lo, hi, boundLo, boundHi int64) (int64, int64) {
	return max64(lo, boundLo), min64(hi, boundHi)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ServiceStats is a point-in-time statistics snapshot.
type ServiceStats struct {
	QueriesExecuted int64
	PointsReturned  int64
	RowsReturned    int64
	ChunksScanned   int64
	SegmentsScanned int64
	PartialChunks   int64
	Truncated       int64
	Errors          int64
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		PointsReturned:  s.stats.PointsReturned.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		ChunksScanned:   s.stats.ChunksScanned.Load(),
		SegmentsScanned: s.stats.SegmentsScanned.Load(),
		PartialChunks:   s.stats.PartialChunks.Load(),
		Truncated:       s.stats.Truncated.Load(),
		Errors:          s.stats.Errors.Load(),
	}
}
