package recent

import (
	"sort"
	"sync"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
)

// Latest tracks the newest point per (tenant, series). It serves the
// live-telemetry listing without a storage read: the answer is whatever
// was last observed on the ingest path.
type Latest struct {
	mu sync.RWMutex
	// tenant -> series -> newest point
	m map[string]map[string]types.Point
}

// NewLatest creates an empty tracker.
func NewLatest() *Latest {
	return &Latest{
		m: make(map[string]map[string]types.Point),
	}
}

// Observe records a point if it is newer than the stored one for its
// series. Ties on timestamp go to the later ingest, matching the
// storage engine's last-write-wins rule.
func (l *Latest) Observe(p types.Point) {
	l.mu.Lock()
	defer l.mu.Unlock()

	series := l.m[p.TenantID]
	if series == nil {
		series = make(map[string]types.Point)
		l.m[p.TenantID] = series
	}

	cur, ok := series[p.SeriesKey]
	if ok {
		if p.TimestampMs < cur.TimestampMs {
			return
		}
		if p.TimestampMs == cur.TimestampMs && p.IngestedMs < cur.IngestedMs {
			return
		}
	}
	series[p.SeriesKey] = p
}

// Get returns the newest observed point for one series.
func (l *Latest) Get(tenantID, seriesKey string) (types.Point, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.m[tenantID][seriesKey]
	return p, ok
}

// Snapshot returns a tenant's newest points, most recent timestamp first,
// capped at limit (default 100).
func (l *Latest) Snapshot(tenantID string, limit int) []types.Point {
	if limit <= 0 {
		limit = 100
	}

	l.mu.RLock()
	series := l.m[tenantID]
	result := make([]types.Point, 0, len(series))
	for _, p := range series {
		result = append(result, p)
	}
	l.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].TimestampMs != result[j].TimestampMs {
			return result[i].TimestampMs > result[j].TimestampMs
		}
		return result[i].SeriesKey < result[j].SeriesKey
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

// SeriesCount returns the number of tracked series for a tenant.
func (l *Latest) SeriesCount(tenantID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m[tenantID])
}

// DropTenant removes all tracked series for a tenant.
func (l *Latest) DropTenant(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, tenantID)
}

// EvictOlderThan drops tracked values whose timestamp fell behind cutoffMs,
// so series that stopped reporting eventually disappear from the live view.
// Returns the number of evicted series.
func (l *Latest) EvictOlderThan(cutoffMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for tenant, series := range l.m {
		for key, p := range series {
			if p.TimestampMs < cutoffMs {
				delete(series, key)
				evicted++
			}
		}
		if len(series) == 0 {
			delete(l.m, tenant)
		}
	}
	return evicted
}

// Tracker bundles the ring and the latest map behind one ingest-side
// observation point.
type Tracker struct {
	ring   *Ring
	latest *Latest
	window time.Duration
}

// NewTracker creates a tracker holding roughly window worth of points in
// the ring.
func NewTracker(ringCapacity int, window time.Duration) *Tracker {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Tracker{
		ring:   NewRing(ringCapacity),
		latest: NewLatest(),
		window: window,
	}
}

// Observe records an accepted point in both the ring and the latest map.
func (t *Tracker) Observe(p types.Point) {
	t.ring.Push(p)
	t.latest.Observe(p)
}

// Latest returns a tenant's newest points, most recent first.
func (t *Tracker) Latest(tenantID string, limit int) []types.Point {
	return t.latest.Snapshot(tenantID, limit)
}

// Get returns the newest observed point for one series.
func (t *Tracker) Get(tenantID, seriesKey string) (types.Point, bool) {
	return t.latest.Get(tenantID, seriesKey)
}

// Backfill replays the ring for a subscriber, oldest first.
func (t *Tracker) Backfill(filter PointFilter, limit int) []types.Point {
	return t.ring.Query(filter, limit)
}

// Evict trims both structures to the recent window relative to nowMs.
// Returns the number of ring entries evicted.
func (t *Tracker) Evict(nowMs int64) int {
	cutoff := nowMs - t.window.Milliseconds()
	n := t.ring.EvictOlderThan(cutoff)
	t.latest.EvictOlderThan(cutoff)
	return n
}

// Window returns the configured recent window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Stats returns tracker statistics.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Ring: t.ring.Stats(),
	}
}

// TrackerStats holds tracker statistics.
type TrackerStats struct {
	Ring RingStats
}
