package rollup

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/orbiteos/joule/internal/storage/types"
)

// Accumulator folds raw points into the aggregates of a single bucket.
// Unlike the shared structures in this package it is not safe for concurrent
// use: every recomputation builds its rows on one goroutine, so the
// accumulator carries no lock.
type Accumulator struct {
	count int64
	sum   float64
	min   float64
	max   float64

	last         float64
	lastTs       int64
	lastIngested int64

	unit string

	// DDSketch for percentiles (nil when disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// NewAccumulator creates an empty accumulator. An accuracy > 0 enables
// DDSketch percentiles with that relative accuracy; 0 disables them.
func NewAccumulator(accuracy float64) *Accumulator {
	a := &Accumulator{
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
		lastTs:   math.MinInt64,
		accuracy: accuracy,
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			a.sketch = sketch
		}
	}

	return a
}

// Add folds one point into the running aggregates.
//
// Min and max keep the first-seen value on ties, so points must be added in
// timestamp order. Last is the value at the highest timestamp; when two
// points carry the same timestamp the one ingested later wins, matching the
// last-write-wins rule of the raw store.
func (a *Accumulator) Add(p *types.Point) {
	a.count++
	a.sum += p.Value

	if p.Value < a.min {
		a.min = p.Value
	}
	if p.Value > a.max {
		a.max = p.Value
	}

	if p.TimestampMs > a.lastTs ||
		(p.TimestampMs == a.lastTs && p.IngestedMs >= a.lastIngested) {
		a.last = p.Value
		a.lastTs = p.TimestampMs
		a.lastIngested = p.IngestedMs
	}

	if p.Unit != "" {
		a.unit = p.Unit
	}

	if a.sketch != nil {
		a.sketch.Add(p.Value)
	}
}

// Count returns the number of points added.
func (a *Accumulator) Count() int64 {
	return a.count
}

// IsEmpty returns true if no points have been added.
func (a *Accumulator) IsEmpty() bool {
	return a.count == 0
}

// Row materializes the bucket row for the given key. Returns false for an
// empty accumulator: empty buckets produce no rows.
func (a *Accumulator) Row(key types.BucketKey) (types.RollupRow, bool) {
	if a.count == 0 {
		return types.RollupRow{}, false
	}

	row := types.RollupRow{
		TenantID:      key.TenantID,
		SeriesKey:     key.SeriesKey,
		Resolution:    key.Resolution,
		BucketStartMs: key.BucketStartMs,
		Count:         a.count,
		Sum:           a.sum,
		Min:           a.min,
		Max:           a.max,
		Last:          a.last,
		LastTs:        a.lastTs,
		Unit:          a.unit,
	}

	if a.sketch != nil {
		p50, err50 := a.sketch.GetValueAtQuantile(0.50)
		p95, err95 := a.sketch.GetValueAtQuantile(0.95)
		p99, err99 := a.sketch.GetValueAtQuantile(0.99)
		if err50 == nil && err95 == nil && err99 == nil {
			row.SetPercentiles(p50, p95, p99)
		}
	}

	return row, true
}

// Reset clears the accumulator for reuse on another bucket.
func (a *Accumulator) Reset() {
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.last = 0
	a.lastTs = math.MinInt64
	a.lastIngested = 0
	a.unit = ""

	if a.sketch != nil {
		// DDSketch has no clear operation; build a fresh one
		sketch, err := ddsketch.NewDefaultDDSketch(a.accuracy)
		if err == nil {
			a.sketch = sketch
		}
	}
}
