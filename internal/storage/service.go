package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/logging"
	"github.com/orbiteos/joule/internal/storage/backpressure"
	"github.com/orbiteos/joule/internal/storage/compress"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/ingestion"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/query"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/retention"
	"github.com/orbiteos/joule/internal/storage/rollup"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/storage/wal"
	"github.com/orbiteos/joule/internal/store"
)

// Service is the storage engine. It wires the shared components together
// and owns their lifecycle; all tenant-facing work goes through the
// ingestion and query services it exposes.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	meta      *store.Store
	mem       *partition.Memstore
	part      *partition.Manager
	pressure  *backpressure.Controller
	recent    *recent.Tracker
	wal       *wal.Writer // nil when disabled
	ingestion *ingestion.Service
	rollups   *rollup.Manager
	compress  *compress.Compressor
	retention *retention.Manager
	query     *query.Service

	nowFunc func() time.Time

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// Options tunes service construction. The zero value is production behavior.
type Options struct {
	// NowFunc overrides the clock everywhere, for tests.
	NowFunc func() time.Time

	// TenantPolicy supplies per-tenant retention overrides to the query
	// router. Nil means only the global policy applies.
	TenantPolicy query.TenantPolicySource
}

// New creates a storage service from configuration.
func New(cfg *config.Config) (*Service, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a storage service with construction overrides.
func NewWithOptions(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = cfg.MetastorePath()
	meta, err := store.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open metastore: %w", err)
	}

	req := cfg.CalculateRequirements()
	mem := partition.NewMemstore(cfg.Chunk.Width.Milliseconds(), memstoreCapacity(cfg, req))
	part := partition.NewManager(meta, mem, partition.Options{
		Width:      cfg.Chunk.Width,
		SkewWindow: cfg.Chunk.SkewWindow,
		NowFunc:    nowFunc,
	})

	pressure := backpressure.New(cfg, mem)
	tracker := recent.NewTracker(recentRingCapacity(cfg, req), cfg.Ingestion.RecentWindow)

	var walWriter *wal.Writer
	if cfg.Ingestion.WAL.Enabled {
		walWriter, err = wal.NewWriter(cfg.WALDir(), wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			SyncMode:       cfg.Ingestion.WAL.SyncMode,
			SyncInterval:   cfg.Ingestion.WAL.SyncInterval,
		})
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("open wal: %w", err)
		}
	}

	rollups, err := rollup.New(cfg, rollup.Deps{
		Meta:      meta,
		Partition: part,
		Pressure:  pressure,
		NowFunc:   nowFunc,
	})
	if err != nil {
		closeAll(walWriter, meta)
		return nil, fmt.Errorf("create rollups: %w", err)
	}

	ing, err := ingestion.New(cfg, ingestion.Deps{
		Meta:      meta,
		Partition: part,
		Recent:    tracker,
		Pressure:  pressure,
		WAL:       walWriter,
		Marker:    rollups,
		NowFunc:   nowFunc,
	})
	if err != nil {
		closeAll(walWriter, meta)
		return nil, fmt.Errorf("create ingestion: %w", err)
	}

	comp, err := compress.New(cfg, compress.Deps{
		Meta:      meta,
		Partition: part,
		WAL:       walWriter,
		Finalized: rollups,
		NowFunc:   nowFunc,
	})
	if err != nil {
		closeAll(walWriter, meta)
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	ret, err := retention.New(cfg, retention.Deps{
		Meta:      meta,
		Partition: part,
		NowFunc:   nowFunc,
	})
	if err != nil {
		closeAll(walWriter, meta)
		return nil, fmt.Errorf("create retention: %w", err)
	}

	// The retention manager doubles as the live policy source so a config
	// reload clamps queries without a restart.
	qry, err := query.New(cfg, query.Deps{
		Meta:         meta,
		Partition:    part,
		Rollups:      rollups,
		Recent:       tracker,
		Policy:       ret,
		TenantPolicy: opts.TenantPolicy,
		NowFunc:      nowFunc,
	})
	if err != nil {
		closeAll(walWriter, meta)
		return nil, fmt.Errorf("create query: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:       cfg,
		log:       logging.Component("storage"),
		meta:      meta,
		mem:       mem,
		part:      part,
		pressure:  pressure,
		recent:    tracker,
		wal:       walWriter,
		ingestion: ing,
		rollups:   rollups,
		compress:  comp,
		retention: ret,
		query:     qry,
		nowFunc:   nowFunc,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// memstoreCapacity sizes the memstore ceiling. Steady state fills about a
// quarter of it, so the backpressure thresholds measure genuine backlog
// rather than normal operation.
func memstoreCapacity(cfg *config.Config, req config.Requirements) int64 {
	residentSec := int64((cfg.Chunk.Width + cfg.Compression.Delay) / time.Second)
	capacity := req.PointsPerSecond * residentSec * 4
	if capacity < 1_000_000 {
		capacity = 1_000_000
	}
	return capacity
}

// recentRingCapacity sizes the recent ring to hold one window of points at
// the expected rate. The ring preallocates, so the size is bounded.
func recentRingCapacity(cfg *config.Config, req config.Requirements) int {
	capacity := int(req.PointsPerSecond) * int(cfg.Ingestion.RecentWindow/time.Second)
	if capacity < 4096 {
		capacity = 4096
	}
	if capacity > 2<<20 {
		capacity = 2 << 20
	}
	return capacity
}

func closeAll(w *wal.Writer, meta *store.Store) {
	if w != nil {
		w.Close()
	}
	meta.Close()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start restores persisted state, replays the WAL, and launches the
// background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}
	s.startTime = s.nowFunc()

	if err := s.part.Bootstrap(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("bootstrap partitions: %w", err)
	}
	if err := s.rollups.Bootstrap(s.ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("bootstrap rollups: %w", err)
	}
	if s.wal != nil {
		if err := s.replayWAL(s.ctx); err != nil {
			s.running.Store(false)
			return fmt.Errorf("replay wal: %w", err)
		}
	}

	if err := s.ingestion.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start ingestion: %w", err)
	}

	workers := []func(){
		s.closeWorker,
		s.rollupWorker,
		s.compressWorker,
		s.retentionWorker,
		s.pressureWorker,
	}
	if s.wal != nil && !s.cfg.Ingestion.WAL.SyncsEveryWrite() {
		workers = append(workers, s.walSyncWorker)
	}
	for _, w := range workers {
		s.wg.Add(1)
		go w()
	}

	s.log.Info("storage service started",
		"data_dir", s.cfg.DataDir,
		"chunk_width", s.cfg.Chunk.Width,
		"wal", s.wal != nil,
	)
	return nil
}

// Stop halts the workers and shuts the components down. Accepted points
// are durable in the WAL, so nothing is flushed on the way out; the next
// Start replays whatever the memstore held.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.ingestion.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop ingestion: %w", err))
	}
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wal: %w", err))
		}
	}
	if err := s.query.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}
	if err := s.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close metastore: %w", err))
	}

	s.log.Info("storage service stopped", "uptime", s.nowFunc().Sub(s.startTime))
	return errors.Join(errs...)
}

// replayWAL reapplies logged points to the memstore. Points whose chunk
// has since been compressed or expired are skipped; applied points are
// re-marked dirty so the next rollup sweep recomputes their buckets.
func (s *Service) replayWAL(ctx context.Context) error {
	segments, err := s.wal.ListSegments()
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	var applied, skipped int64
	for _, seg := range segments {
		points, err := wal.ReadSegment(seg)
		if err != nil {
			// An unreadable segment loses only unflushed late data;
			// everything older is already in parquet.
			s.log.Warn("skipping unreadable wal segment", "segment", seg, "error", err)
			continue
		}

		var maxTs int64
		for i := range points {
			ok, err := s.part.Replay(ctx, points[i])
			if err != nil {
				return fmt.Errorf("replay point: %w", err)
			}
			if ok {
				s.rollups.MarkDirty(points[i].TenantID, points[i].SeriesKey, points[i].TimestampMs)
				s.recent.Observe(points[i])
				applied++
			} else {
				skipped++
			}
			if points[i].TimestampMs > maxTs {
				maxTs = points[i].TimestampMs
			}
		}
		if maxTs > 0 {
			// Re-arm truncation: the segment can go once the watermark
			// passes its newest point.
			s.wal.SetSegmentBound(seg, maxTs)
		}
	}

	if applied > 0 || skipped > 0 {
		s.log.Info("wal replay complete",
			"segments", len(segments), "applied", applied, "skipped", skipped)
	}
	return nil
}

// ============================================================================
// Ingest and query passthroughs
// ============================================================================

// Ingest writes a batch of points. Per-point rejections come back in the
// result; only infrastructure failures surface as errors.
func (s *Service) Ingest(ctx context.Context, points []types.Point) (*ingestion.BatchResult, error) {
	return s.ingestion.Ingest(ctx, points)
}

// Query runs a tenant-scoped range query.
func (s *Service) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.query.Query(ctx, req)
}

// Latest returns the newest value of one series.
func (s *Service) Latest(ctx context.Context, tenantID, seriesKey string) (types.Point, error) {
	if !s.running.Load() {
		return types.Point{}, errors.ErrNotRunning
	}
	return s.query.Latest(ctx, tenantID, seriesKey)
}

// ListSeries lists a tenant's series with their resolution coverage.
func (s *Service) ListSeries(ctx context.Context, tenantID, prefix string, limit int) ([]query.SeriesMeta, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.query.ListSeries(ctx, tenantID, prefix, limit)
}

// Recent exposes the recent-point tracker for live streaming subscribers.
func (s *Service) Recent() *recent.Tracker {
	return s.recent
}

// ============================================================================
// Operations
// ============================================================================

// SetRetentionPolicy swaps the live retention policy. Takes effect on the
// next sweep and immediately clamps query visibility.
func (s *Service) SetRetentionPolicy(p config.RetentionConfig) {
	s.retention.SetPolicy(p)
}

// RetentionPolicy returns the live retention policy.
func (s *Service) RetentionPolicy() config.RetentionConfig {
	return s.retention.Policy()
}

// CloseChunks closes open chunks whose window has passed, outside the
// schedule.
func (s *Service) CloseChunks(ctx context.Context) (int, error) {
	return s.part.CloseDue(ctx)
}

// RunRetention triggers a retention sweep outside the schedule.
func (s *Service) RunRetention(ctx context.Context) (retention.SweepResult, error) {
	return s.retention.Sweep(ctx)
}

// DryRunRetention reports what a retention sweep would delete.
func (s *Service) DryRunRetention(ctx context.Context) (retention.SweepResult, error) {
	return s.retention.DryRun(ctx)
}

// RunCompression triggers a compression sweep outside the schedule.
func (s *Service) RunCompression(ctx context.Context) (compress.SweepResult, error) {
	return s.compress.Sweep(ctx)
}

// RunRollup triggers a rollup sweep outside the schedule.
func (s *Service) RunRollup(ctx context.Context) (rollup.SweepResult, error) {
	return s.rollups.Sweep(ctx)
}

// DiskUsage reports on-disk footprint per storage area.
func (s *Service) DiskUsage() (map[string]retention.DiskUsage, error) {
	return s.retention.DiskUsageByArea()
}

// ForceFlush flushes the series index write-behind buffer.
func (s *Service) ForceFlush() {
	s.ingestion.ForceFlush()
}

// BackpressureLevel returns the current load-shedding level.
func (s *Service) BackpressureLevel() backpressure.Level {
	return s.pressure.CurrentLevel()
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// IsRunning reports whether the service is started.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// ============================================================================
// Background workers
// ============================================================================

// closeWorker closes open chunks whose window has passed.
func (s *Service) closeWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Chunk.CloseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.part.CloseDue(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("chunk close pass failed", "error", err)
			}
		}
	}
}

// rollupWorker refreshes dirty buckets and finalizes frozen windows.
func (s *Service) rollupWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Rollup.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.rollups.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("rollup sweep failed", "error", err)
			}
		}
	}
}

// compressWorker rewrites eligible closed chunks into parquet.
func (s *Service) compressWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Compression.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.compress.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("compression sweep failed", "error", err)
			}
		}
	}
}

// retentionWorker expires data past its per-resolution retention.
func (s *Service) retentionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.retention.Sweep(s.ctx); err != nil && s.ctx.Err() == nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// pressureWorker re-evaluates the backpressure level.
func (s *Service) pressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pressure.Check()
		}
	}
}

// walSyncWorker periodically syncs the WAL when the writer does not
// sync on every append. Spawned only in async mode.
func (s *Service) walSyncWorker() {
	defer s.wg.Done()

	interval := s.cfg.Ingestion.WAL.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.wal.Sync(); err != nil {
				s.log.Error("wal sync failed", "error", err)
			}
		}
	}
}

// ============================================================================
// Statistics
// ============================================================================

// ServiceStats aggregates statistics from every component.
type ServiceStats struct {
	Running bool          `json:"running"`
	Uptime  time.Duration `json:"uptime"`

	Ingestion    ingestion.ServiceStats       `json:"ingestion"`
	Partition    partition.ManagerStats       `json:"partition"`
	Memstore     partition.MemstoreStats      `json:"memstore"`
	WAL          wal.WriterStats              `json:"wal"`
	Rollup       rollup.ManagerStats          `json:"rollup"`
	Compression  compress.CompressorStats     `json:"compression"`
	Retention    retention.Stats              `json:"retention"`
	Query        query.ServiceStats           `json:"query"`
	Backpressure backpressure.ControllerStats `json:"backpressure"`
	Recent       recent.TrackerStats          `json:"recent"`
}

// Stats returns a snapshot of all component statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Running:      s.running.Load(),
		Ingestion:    s.ingestion.Stats(),
		Partition:    s.part.Stats(),
		Memstore:     s.mem.Stats(),
		Rollup:       s.rollups.Stats(),
		Compression:  s.compress.Stats(),
		Retention:    s.retention.Stats(),
		Query:        s.query.Stats(),
		Backpressure: s.pressure.Stats(),
		Recent:       s.recent.Stats(),
	}
	if s.wal != nil {
		stats.WAL = s.wal.Stats()
	}
	if !s.startTime.IsZero() {
		stats.Uptime = s.nowFunc().Sub(s.startTime)
	}
	return stats
}
