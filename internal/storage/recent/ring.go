package recent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
)

// Ring is a thread-safe circular buffer over recently ingested points.
// It backs live-stream backfill: a dashboard subscribing mid-stream replays
// the ring instead of querying the storage engine.
type Ring struct {
	mu       sync.RWMutex
	data     []types.Point
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount atomic.Int64
	dropCount atomic.Int64
}

// NewRing creates a new Ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{
		data:     make([]types.Point, capacity),
		capacity: int64(capacity),
	}
}

// Push adds a point to the ring, overwriting the oldest entry when full.
// The ring is a bounded window, not a queue: losing the oldest entry is
// the intended behavior.
func (r *Ring) Push(p types.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= r.capacity {
		// Overwrite oldest
		r.tail++
		r.count--
		r.dropCount.Add(1)
	}

	idx := r.head % r.capacity
	r.data[idx] = p
	r.head++
	r.count++
	r.pushCount.Add(1)
}

// Len returns the current number of points in the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.count)
}

// Cap returns the capacity of the ring.
func (r *Ring) Cap() int {
	return int(r.capacity)
}

// PointFilter defines criteria for filtering points.
type PointFilter struct {
	TenantID  string // Required: the ring is shared, reads are tenant-scoped
	SeriesKey string
	Since     int64 // Unix milliseconds, 0 = no filter
	Until     int64 // Unix milliseconds, 0 = no filter
}

// Matches returns true if the point matches the filter.
func (f *PointFilter) Matches(p *types.Point) bool {
	if p.TenantID != f.TenantID {
		return false
	}
	if f.SeriesKey != "" && p.SeriesKey != f.SeriesKey {
		return false
	}
	if f.Since > 0 && p.TimestampMs < f.Since {
		return false
	}
	if f.Until > 0 && p.TimestampMs > f.Until {
		return false
	}
	return true
}

// Query returns points matching the filter in insertion order (oldest
// first). An empty tenant matches nothing.
func (r *Ring) Query(filter PointFilter, limit int) []types.Point {
	if filter.TenantID == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	var results []types.Point
	maxResults := limit
	if maxResults <= 0 {
		maxResults = int(r.count)
	}

	for i := int64(0); i < r.count && len(results) < maxResults; i++ {
		idx := (r.tail + i) % r.capacity
		p := &r.data[idx]
		if filter.Matches(p) {
			results = append(results, *p)
		}
	}

	return results
}

// EvictOlderThan removes points with timestamps below cutoffMs from the
// tail. Returns the number of points evicted. Entries are roughly in
// timestamp order (they arrive in ingest order), so eviction stops at the
// first survivor.
func (r *Ring) EvictOlderThan(cutoffMs int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for r.count > 0 {
		idx := r.tail % r.capacity
		if r.data[idx].TimestampMs >= cutoffMs {
			break
		}
		r.data[idx] = types.Point{}
		r.tail++
		r.count--
		evicted++
	}

	return evicted
}

// Clear removes all points from the ring.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.data {
		r.data[i] = types.Point{}
	}

	r.head = 0
	r.tail = 0
	r.count = 0
}

// TimeRange returns the time range of points in the ring.
// Returns (0, 0) if the ring is empty.
func (r *Ring) TimeRange() (oldest, newest int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return 0, 0
	}

	oldestIdx := r.tail % r.capacity
	newestIdx := (r.head - 1) % r.capacity
	if newestIdx < 0 {
		newestIdx += r.capacity
	}

	return r.data[oldestIdx].TimestampMs, r.data[newestIdx].TimestampMs
}

// Duration returns the time span covered by points in the ring.
func (r *Ring) Duration() time.Duration {
	oldest, newest := r.TimeRange()
	if oldest == 0 || newest == 0 {
		return 0
	}
	return time.Duration(newest-oldest) * time.Millisecond
}

// Stats returns ring statistics.
func (r *Ring) Stats() RingStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RingStats{
		Capacity:   int(r.capacity),
		Count:      int(r.count),
		UsageRatio: float64(r.count) / float64(r.capacity),
		PushCount:  r.pushCount.Load(),
		DropCount:  r.dropCount.Load(),
	}
}

// RingStats holds ring statistics.
type RingStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	DropCount  int64
}
