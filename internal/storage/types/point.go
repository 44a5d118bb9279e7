package types

import "time"

// Quality indicates the trustworthiness of a measurement.
type Quality int

const (
	// QualityGood is a direct reading from the device.
	QualityGood Quality = iota
	// QualityEstimated is interpolated or derived by a bridge (e.g., meter
	// values reconstructed from partial register reads).
	QualityEstimated
	// QualityBad is a reading the bridge flagged as unreliable. Stored for
	// completeness; dashboards usually filter it out.
	QualityBad
)

// String returns a human-readable representation of the Quality.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityEstimated:
		return "estimated"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// ParseQuality parses a string into a Quality. Unknown strings map to
// QualityGood, matching the bridges that do not report quality at all.
func ParseQuality(s string) Quality {
	switch s {
	case "estimated":
		return QualityEstimated
	case "bad":
		return QualityBad
	default:
		return QualityGood
	}
}

// Point represents a single measurement from a device bridge.
// This is the primary data unit flowing through the storage system.
type Point struct {
	// Identity
	TenantID  string // Owning tenant; never empty on a stored point
	SeriesKey string // Device + metric (e.g., "PV001.power") or site composite (e.g., "site.grid_import_kwh")

	// Timestamp
	TimestampMs int64 // Unix timestamp in milliseconds

	// Value
	Value   float64
	Unit    string // Measurement unit (e.g., "W", "kWh", "%", "EUR/kWh")
	Quality Quality

	// IngestedMs is assigned by the ingestion path and orders duplicate
	// writes: on equal (tenant, series, timestamp) the later ingest wins.
	IngestedMs int64
}

// TimestampTime returns the timestamp as a time.Time.
func (p *Point) TimestampTime() time.Time {
	return time.UnixMilli(p.TimestampMs)
}

// Key returns a unique identifier for this point's series.
func (p *Point) Key() string {
	return p.TenantID + "/" + p.SeriesKey
}

// PointBatch represents a collection of points for batch ingestion.
type PointBatch struct {
	Points []Point
}

// NewPointBatch creates a new batch with the given capacity.
func NewPointBatch(capacity int) *PointBatch {
	return &PointBatch{
		Points: make([]Point, 0, capacity),
	}
}

// Add appends a point to the batch.
func (b *PointBatch) Add(p Point) {
	b.Points = append(b.Points, p)
}

// Len returns the number of points in the batch.
func (b *PointBatch) Len() int {
	return len(b.Points)
}

// Clear resets the batch for reuse.
func (b *PointBatch) Clear() {
	b.Points = b.Points[:0]
}

// SeriesInfo describes one series for the metadata listing endpoint.
type SeriesInfo struct {
	TenantID   string
	SeriesKey  string
	Unit       string
	FirstTs    int64 // Unix ms of the oldest retained point
	LastTs     int64 // Unix ms of the newest point
	LastValue  float64
	PointCount int64
}
