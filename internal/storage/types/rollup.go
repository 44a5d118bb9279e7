package types

import "time"

// BucketKey identifies one rollup bucket. It is the unit of dirty-marking
// and finalization.
type BucketKey struct {
	TenantID      string
	SeriesKey     string
	Resolution    Resolution
	BucketStartMs int64 // Unix ms, truncated to the resolution width
}

// BucketEndMs returns the exclusive end of the bucket.
func (k BucketKey) BucketEndMs() int64 {
	return k.BucketStartMs + k.Resolution.Duration().Milliseconds()
}

// String returns a compact identifier used in log lines.
func (k BucketKey) String() string {
	return k.TenantID + "/" + k.SeriesKey + "@" + k.Resolution.String() + ":" +
		time.UnixMilli(k.BucketStartMs).UTC().Format("2006-01-02T15:04")
}

// RollupRow is one persisted rollup bucket. The five aggregate fields are
// exact (recomputed from raw points); the percentiles are DDSketch
// approximations carried for dashboards.
type RollupRow struct {
	// Identity
	TenantID      string
	SeriesKey     string
	Resolution    Resolution
	BucketStartMs int64

	// Exact aggregates
	Count int64
	Sum   float64
	Min   float64 // On ties the first-seen value is kept
	Max   float64 // On ties the first-seen value is kept
	Last  float64 // Value at the max timestamp; ties broken by latest ingestion

	LastTs int64 // Timestamp of the Last value (Unix ms)
	Unit   string

	// Approximate percentiles (nil when the bucket held no values or
	// sketches are disabled)
	P50 *float64
	P95 *float64
	P99 *float64
}

// Key returns the bucket key for this row.
func (r *RollupRow) Key() BucketKey {
	return BucketKey{
		TenantID:      r.TenantID,
		SeriesKey:     r.SeriesKey,
		Resolution:    r.Resolution,
		BucketStartMs: r.BucketStartMs,
	}
}

// Avg returns the mean value, 0 for an empty bucket.
func (r *RollupRow) Avg() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// IsEmpty returns true if no points fell in the bucket.
func (r *RollupRow) IsEmpty() bool {
	return r.Count == 0
}

// BucketStartTime returns the bucket start as a time.Time.
func (r *RollupRow) BucketStartTime() time.Time {
	return time.UnixMilli(r.BucketStartMs)
}

// SetPercentiles sets the percentile values.
func (r *RollupRow) SetPercentiles(p50, p95, p99 float64) {
	r.P50 = &p50
	r.P95 = &p95
	r.P99 = &p99
}

// RollupSegment is the durable record of one finalized rollup window: a
// parquet file holding every finalized bucket of one resolution whose start
// falls inside [WindowStartMs, WindowEndMs), across all tenants. Buckets not
// covered by a segment are provisional and recomputed from raw on read.
type RollupSegment struct {
	Resolution    Resolution
	WindowStartMs int64 // Window start, inclusive (Unix ms); segment identity
	WindowEndMs   int64 // Window end, exclusive (Unix ms)
	FilePath      string
	RowCount      int64
	ByteSize      int64
	CreatedAtMs   int64
}

// Overlaps reports whether [startMs, endMs) intersects the segment window.
func (s *RollupSegment) Overlaps(startMs, endMs int64) bool {
	return s.WindowStartMs < endMs && startMs < s.WindowEndMs
}

// Label returns a compact identifier used in log lines and file names.
func (s *RollupSegment) Label() string {
	return s.Resolution.String() + "_" + time.UnixMilli(s.WindowStartMs).UTC().Format("2006-01-02_15-04")
}

// RollupBatch represents a collection of rollup rows.
type RollupBatch struct {
	Rows []RollupRow
}

// NewRollupBatch creates a new batch with the given capacity.
func NewRollupBatch(capacity int) *RollupBatch {
	return &RollupBatch{
		Rows: make([]RollupRow, 0, capacity),
	}
}

// Add appends a row to the batch.
func (b *RollupBatch) Add(r RollupRow) {
	b.Rows = append(b.Rows, r)
}

// Len returns the number of rows in the batch.
func (b *RollupBatch) Len() int {
	return len(b.Rows)
}

// Clear resets the batch for reuse.
func (b *RollupBatch) Clear() {
	b.Rows = b.Rows[:0]
}
