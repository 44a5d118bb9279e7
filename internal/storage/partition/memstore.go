package partition

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/orbiteos/joule/internal/storage/types"
)

// shardCount is the number of locks striping each chunk's series map.
// Must be a power of two.
const shardCount = 64

// Memstore holds the uncompressed representation of writable chunks: every
// point of every OPEN or CLOSED chunk, deduplicated by (tenant, series,
// timestamp). Data enters through Upsert and leaves wholesale when a chunk
// is dropped after compression or expiry.
//
// Storage is bucketed per chunk so eviction is a single map delete, and
// striped by series hash inside each chunk so concurrent bridge pushes for
// different series do not contend.
type Memstore struct {
	widthMs  int64
	capacity int64 // soft capacity in points, 0 = unbounded

	mu     sync.RWMutex
	chunks map[int64]*chunkData

	count        atomic.Int64
	upsertCount  atomic.Int64
	replaceCount atomic.Int64
	staleCount   atomic.Int64
	evictCount   atomic.Int64
}

type chunkData struct {
	startMs int64
	endMs   int64
	count   atomic.Int64
	shards  [shardCount]shard
}

type shard struct {
	mu sync.RWMutex
	// series key -> timestamp -> point
	series map[string]map[int64]types.Point
}

// NewMemstore creates a memstore for chunks of the given width. capacity is
// the expected resident point count used for the usage ratio that drives
// backpressure; 0 disables the ratio.
func NewMemstore(widthMs, capacity int64) *Memstore {
	if widthMs <= 0 {
		widthMs = types.ChunkWidthMs(0)
	}
	return &Memstore{
		widthMs:  widthMs,
		capacity: capacity,
		chunks:   make(map[int64]*chunkData),
	}
}

// seriesID builds the map key for a point's series. TenantID cannot contain
// NUL (validation rejects it), so the separator is unambiguous.
func seriesID(tenantID, seriesKey string) string {
	return tenantID + "\x00" + seriesKey
}

func shardIndex(id string) int {
	return int(xxhash.Sum64String(id) & (shardCount - 1))
}

func (m *Memstore) chunk(startMs int64, create bool) *chunkData {
	m.mu.RLock()
	cd := m.chunks[startMs]
	m.mu.RUnlock()
	if cd != nil || !create {
		return cd
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cd = m.chunks[startMs]; cd != nil {
		return cd
	}
	cd = &chunkData{
		startMs: startMs,
		endMs:   startMs + m.widthMs,
	}
	for i := range cd.shards {
		cd.shards[i].series = make(map[string]map[int64]types.Point)
	}
	m.chunks[startMs] = cd
	return cd
}

// Upsert applies one point with last-write-wins semantics: a point for an
// occupied (tenant, series, timestamp) slot replaces the stored value only
// if it was ingested at the same time or later. Returns true if the point
// replaced an existing one.
func (m *Memstore) Upsert(p types.Point) bool {
	chunkStart := types.ChunkStartFor(p.TimestampMs, m.widthMs)
	cd := m.chunk(chunkStart, true)

	id := seriesID(p.TenantID, p.SeriesKey)
	sh := &cd.shards[shardIndex(id)]

	sh.mu.Lock()
	points := sh.series[id]
	if points == nil {
		points = make(map[int64]types.Point)
		sh.series[id] = points
	}

	existing, ok := points[p.TimestampMs]
	if ok && p.IngestedMs < existing.IngestedMs {
		sh.mu.Unlock()
		m.staleCount.Add(1)
		return false
	}
	points[p.TimestampMs] = p
	sh.mu.Unlock()

	m.upsertCount.Add(1)
	if ok {
		m.replaceCount.Add(1)
		return true
	}
	cd.count.Add(1)
	m.count.Add(1)
	return false
}

// Get returns the point stored for an exact (tenant, series, timestamp) slot.
func (m *Memstore) Get(tenantID, seriesKey string, tsMs int64) (types.Point, bool) {
	cd := m.chunk(types.ChunkStartFor(tsMs, m.widthMs), false)
	if cd == nil {
		return types.Point{}, false
	}

	id := seriesID(tenantID, seriesKey)
	sh := &cd.shards[shardIndex(id)]

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.series[id][tsMs]
	return p, ok
}

// QueryRange returns one series' points with timestamps in [startMs, endMs),
// ascending. Spans chunk boundaries transparently.
func (m *Memstore) QueryRange(tenantID, seriesKey string, startMs, endMs int64) []types.Point {
	if startMs >= endMs {
		return nil
	}

	id := seriesID(tenantID, seriesKey)
	idx := shardIndex(id)

	m.mu.RLock()
	resident := make([]*chunkData, 0, len(m.chunks))
	for _, cd := range m.chunks {
		if cd.startMs < endMs && startMs < cd.endMs {
			resident = append(resident, cd)
		}
	}
	m.mu.RUnlock()

	var result []types.Point
	for _, cd := range resident {
		sh := &cd.shards[idx]
		sh.mu.RLock()
		for ts, p := range sh.series[id] {
			if ts >= startMs && ts < endMs {
				result = append(result, p)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result
}

// SnapshotChunk returns every point of one chunk sorted by
// (tenant, series, timestamp). This is the input order for the columnar
// rewrite: grouped series give the parquet string columns long runs.
func (m *Memstore) SnapshotChunk(chunkStartMs int64) []types.Point {
	cd := m.chunk(chunkStartMs, false)
	if cd == nil {
		return nil
	}

	result := make([]types.Point, 0, cd.count.Load())
	for i := range cd.shards {
		sh := &cd.shards[i]
		sh.mu.RLock()
		for _, points := range sh.series {
			for _, p := range points {
				result = append(result, p)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := &result[i], &result[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.SeriesKey != b.SeriesKey {
			return a.SeriesKey < b.SeriesKey
		}
		return a.TimestampMs < b.TimestampMs
	})
	return result
}

// DropChunk evicts a chunk's points and returns how many were released.
// Called after the compressed file is durable or the chunk expired.
func (m *Memstore) DropChunk(chunkStartMs int64) int64 {
	m.mu.Lock()
	cd := m.chunks[chunkStartMs]
	delete(m.chunks, chunkStartMs)
	m.mu.Unlock()

	if cd == nil {
		return 0
	}
	n := cd.count.Load()
	m.count.Add(-n)
	m.evictCount.Add(n)
	return n
}

// ChunkPointCount returns the resident point count of one chunk.
func (m *Memstore) ChunkPointCount(chunkStartMs int64) int64 {
	cd := m.chunk(chunkStartMs, false)
	if cd == nil {
		return 0
	}
	return cd.count.Load()
}

// ResidentChunks returns the starts of all chunks with resident data,
// ascending.
func (m *Memstore) ResidentChunks() []int64 {
	m.mu.RLock()
	starts := make([]int64, 0, len(m.chunks))
	for start := range m.chunks {
		starts = append(starts, start)
	}
	m.mu.RUnlock()

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// Count returns the total resident point count.
func (m *Memstore) Count() int64 {
	return m.count.Load()
}

// UsageRatio returns resident points over capacity (0.0 when unbounded).
// Backpressure levels derive from this value.
func (m *Memstore) UsageRatio() float64 {
	if m.capacity <= 0 {
		return 0
	}
	return float64(m.count.Load()) / float64(m.capacity)
}

// Stats returns memstore statistics.
func (m *Memstore) Stats() MemstoreStats {
	m.mu.RLock()
	chunks := len(m.chunks)
	m.mu.RUnlock()

	return MemstoreStats{
		Chunks:       chunks,
		Points:       m.count.Load(),
		Capacity:     m.capacity,
		UsageRatio:   m.UsageRatio(),
		UpsertCount:  m.upsertCount.Load(),
		ReplaceCount: m.replaceCount.Load(),
		StaleCount:   m.staleCount.Load(),
		EvictCount:   m.evictCount.Load(),
	}
}

// MemstoreStats holds memstore statistics.
type MemstoreStats struct {
	Chunks       int
	Points       int64
	Capacity     int64
	UsageRatio   float64
	UpsertCount  int64
	ReplaceCount int64
	StaleCount   int64
	EvictCount   int64
}
