package ingestion

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
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/storage/wal"
	"github.com/orbiteos/joule/internal/store"
	"github.com/orbiteos/joule/internal/validation"
)

// DirtyMarker receives fire-and-forget notifications about accepted
// points so rollup buckets covering them get recomputed.
type DirtyMarker interface {
	MarkDirty(tenantID, seriesKey string, tsMs int64)
}

// Service runs the point ingestion pipeline:
// validate → backpressure gate → chunk write → WAL append → ack,
// with recent-value tracking, rollup dirty marks, and a write-behind
// series index riding on accepted points.
type Service struct {
	config *config.Config
	log    *slog.Logger

	meta      *store.Store
	partition *partition.Manager
	recent    *recent.Tracker
	pressure  *backpressure.Controller
	wal       *wal.Writer // nil when WAL is disabled
	marker    DirtyMarker // nil when rollups are disabled

	nowFunc func() time.Time

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Series index write-behind buffer, keyed tenant+"\x00"+series.
	seriesMu    sync.Mutex
	seriesDirty map[string]*types.SeriesInfo

	// Statistics
	stats Stats

	// Channels
	flushCh chan struct{}
}

// Deps are the shared components the service writes through. Meta and
// Partition are required; the rest may be nil to disable that stage.
type Deps struct {
	Meta      *store.Store
	Partition *partition.Manager
	Recent    *recent.Tracker
	Pressure  *backpressure.Controller
	WAL       *wal.Writer
	Marker    DirtyMarker

	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

// Stats holds ingestion statistics.
type Stats struct {
	PointsReceived   atomic.Int64
	PointsAccepted   atomic.Int64
	PointsReplaced   atomic.Int64
	PointsRejected   atomic.Int64
	PointsDropped    atomic.Int64
	BatchesProcessed atomic.Int64
	SeriesFlushes    atomic.Int64
	Errors           atomic.Int64
}

// PointReject reports a single rejected point within a batch.
type PointReject struct {
	Index int   `json:"index"`
	Code  int32 `json:"code"`
	Err   error `json:"-"`
}

// Reason returns a human-readable rejection reason.
func (r PointReject) Reason() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return errors.CodeName(r.Code)
}

// BatchResult reports the outcome of a batch ingest. A batch never
// fails atomically on per-point rejections; only infrastructure
// failures (WAL, shutdown) surface as errors from Ingest.
type BatchResult struct {
	Received int           `json:"received"`
	Accepted int           `json:"accepted"`
	Replaced int           `json:"replaced"`
	Rejected []PointReject `json:"rejected,omitempty"`
}

// New creates a new ingestion service.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if deps.Meta == nil {
		return nil, fmt.Errorf("ingestion service requires a metastore")
	}
	if deps.Partition == nil {
		return nil, fmt.Errorf("ingestion service requires a partition manager")
	}

	nowFunc := deps.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:      cfg,
		log:         logging.Component("ingestion"),
		meta:        deps.Meta,
		partition:   deps.Partition,
		recent:      deps.Recent,
		pressure:    deps.Pressure,
		wal:         deps.WAL,
		marker:      deps.Marker,
		nowFunc:     nowFunc,
		ctx:         ctx,
		cancel:      cancel,
		seriesDirty: make(map[string]*types.SeriesInfo),
		flushCh:     make(chan struct{}, 1),
	}, nil
}

// Start starts the ingestion service workers.
func (s *Service) Start() error {
	if s.running.Load() {
		return fmt.Errorf("service already running")
	}

	s.running.Store(true)

	// Series index flush worker
	s.wg.Add(1)
	go s.flushWorker()

	// Recent-window eviction worker
	if s.recent != nil {
		s.wg.Add(1)
		go s.evictionWorker()
	}

	return nil
}

// Stop stops the ingestion service gracefully.
func (s *Service) Stop() error {
	if !s.running.Load() {
		return nil
	}

	s.running.Store(false)
	s.cancel()

	// Wait for workers
	s.wg.Wait()

	// Final series index flush
	s.flushSeries()

	// Sync WAL so accepted points survive the restart
	if s.wal != nil {
		if err := s.wal.Sync(); err != nil {
			return fmt.Errorf("sync WAL: %w", err)
		}
	}

	return nil
}

// Ingest ingests a batch of points. Each point passes or fails on its
// own; the returned result carries per-point rejections. The batch is
// acknowledged only after accepted points are in the WAL.
func (s *Service) Ingest(ctx context.Context, points []types.Point) (*BatchResult, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}

	result := &BatchResult{Received: len(points)}
	if len(points) == 0 {
		return result, nil
	}

	s.stats.PointsReceived.Add(int64(len(points)))

	// Backpressure gate for the whole batch
	if s.pressure != nil {
		level := s.pressure.Check()
		if s.pressure.ShouldDrop() {
			s.stats.PointsDropped.Add(int64(len(points)))
			for range points {
				s.pressure.RecordDrop()
			}
			return nil, fmt.Errorf("memstore at %s level: %w", level, errors.ErrThrottled)
		}
		if s.pressure.ShouldThrottle() {
			select {
			case <-time.After(s.pressure.ThrottleDelay()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	nowMs := s.nowFunc().UnixMilli()

	// Gate and apply points one by one. Accepted points land in the
	// memstore immediately; durability comes from the WAL append below,
	// before the batch is acknowledged. A crash between the two loses
	// nothing the caller was told we kept.
	accepted := make([]types.Point, 0, len(points))
	for i := range points {
		p := points[i]

		if err := validation.ValidatePoint(&p); err != nil {
			s.reject(result, i, err)
			continue
		}

		p.IngestedMs = nowMs

		replaced, err := s.partition.Write(ctx, p)
		if err != nil {
			if errors.IsIngestReject(err) {
				s.reject(result, i, err)
				continue
			}
			s.stats.Errors.Add(1)
			return result, fmt.Errorf("chunk write: %w", err)
		}
		if replaced {
			result.Replaced++
			s.stats.PointsReplaced.Add(1)
		}

		accepted = append(accepted, p)
	}

	if len(accepted) > 0 {
		if s.wal != nil {
			if err := s.wal.Write(accepted); err != nil {
				s.stats.Errors.Add(1)
				return result, fmt.Errorf("WAL append: %w", err)
			}
		}

		for i := range accepted {
			p := &accepted[i]
			if s.recent != nil {
				s.recent.Observe(*p)
			}
			if s.marker != nil {
				s.marker.MarkDirty(p.TenantID, p.SeriesKey, p.TimestampMs)
			}
			s.trackSeries(p)
		}
	}

	result.Accepted = len(accepted)
	s.stats.PointsAccepted.Add(int64(len(accepted)))
	s.stats.BatchesProcessed.Add(1)

	return result, nil
}

// IngestSingle ingests a single point.
func (s *Service) IngestSingle(ctx context.Context, p types.Point) error {
	result, err := s.Ingest(ctx, []types.Point{p})
	if err != nil {
		return err
	}
	if len(result.Rejected) > 0 {
		return result.Rejected[0].Err
	}
	return nil
}

func (s *Service) reject(result *BatchResult, index int, err error) {
	s.stats.PointsRejected.Add(1)
	result.Rejected = append(result.Rejected, PointReject{
		Index: index,
		Code:  errors.ErrorToCode(err),
		Err:   err,
	})
}

// trackSeries folds an accepted point into the series index buffer.
func (s *Service) trackSeries(p *types.Point) {
	key := p.TenantID + "\x00" + p.SeriesKey

	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()

	info, ok := s.seriesDirty[key]
	if !ok {
		info = &types.SeriesInfo{
			TenantID:  p.TenantID,
			SeriesKey: p.SeriesKey,
			FirstTs:   p.TimestampMs,
		}
		s.seriesDirty[key] = info
	}

	if p.TimestampMs < info.FirstTs {
		info.FirstTs = p.TimestampMs
	}
	if p.TimestampMs >= info.LastTs {
		info.LastTs = p.TimestampMs
		info.LastValue = p.Value
		info.Unit = p.Unit
	}
	info.PointCount++
}

// flushWorker periodically flushes the series index buffer.
func (s *Service) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Ingestion.SeriesFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushSeries()
		case <-s.flushCh:
			s.flushSeries()
		}
	}
}

// evictionWorker periodically trims the recent window.
func (s *Service) evictionWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recent.Evict(s.nowFunc().UnixMilli())
		}
	}
}

// flushSeries writes the buffered series index updates to the metastore.
func (s *Service) flushSeries() {
	s.seriesMu.Lock()
	if len(s.seriesDirty) == 0 {
		s.seriesMu.Unlock()
		return
	}
	dirty := s.seriesDirty
	s.seriesDirty = make(map[string]*types.SeriesInfo)
	s.seriesMu.Unlock()

	infos := make([]*types.SeriesInfo, 0, len(dirty))
	for _, info := range dirty {
		infos = append(infos, info)
	}

	if err := s.meta.UpsertSeriesBatch(s.ctx, infos); err != nil {
		s.stats.Errors.Add(1)
		s.log.Error("series index flush failed", "series", len(infos), "error", err)

		// Merge back so the next flush retries.
		s.seriesMu.Lock()
		for key, info := range dirty {
			if existing, ok := s.seriesDirty[key]; ok {
				mergeSeriesInfo(existing, info)
			} else {
				s.seriesDirty[key] = info
			}
		}
		s.seriesMu.Unlock()
		return
	}

	s.stats.SeriesFlushes.Add(1)
}

// mergeSeriesInfo folds old buffered state into newer state for the
// same series.
func mergeSeriesInfo(dst, src *types.SeriesInfo) {
	if src.FirstTs < dst.FirstTs {
		dst.FirstTs = src.FirstTs
	}
	if src.LastTs > dst.LastTs {
		dst.LastTs = src.LastTs
		dst.LastValue = src.LastValue
		dst.Unit = src.Unit
	}
	dst.PointCount += src.PointCount
}

// ForceFlush triggers an immediate series index flush.
func (s *Service) ForceFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
		// Flush already pending
	}
}

// Recent returns the recent tracker for latest-value queries.
func (s *Service) Recent() *recent.Tracker {
	return s.recent
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{
		Running:          s.running.Load(),
		PointsReceived:   s.stats.PointsReceived.Load(),
		PointsAccepted:   s.stats.PointsAccepted.Load(),
		PointsReplaced:   s.stats.PointsReplaced.Load(),
		PointsRejected:   s.stats.PointsRejected.Load(),
		PointsDropped:    s.stats.PointsDropped.Load(),
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		SeriesFlushes:    s.stats.SeriesFlushes.Load(),
		Errors:           s.stats.Errors.Load(),
	}

	s.seriesMu.Lock()
	stats.SeriesPending = len(s.seriesDirty)
	s.seriesMu.Unlock()

	if s.wal != nil {
		walStats := s.wal.Stats()
		stats.WALSegments = walStats.SegmentsCreated
		stats.WALBytesWritten = walStats.BytesWritten
	}
	if s.pressure != nil {
		stats.BackpressureLevel = s.pressure.CurrentLevel().String()
	}

	return stats
}

// ServiceStats holds combined service statistics.
type ServiceStats struct {
	Running           bool
	PointsReceived    int64
	PointsAccepted    int64
	PointsReplaced    int64
	PointsRejected    int64
	PointsDropped     int64
	BatchesProcessed  int64
	SeriesFlushes     int64
	SeriesPending     int
	Errors            int64
	WALSegments       int64
	WALBytesWritten   int64
	BackpressureLevel string
}
