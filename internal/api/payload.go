// Wire payloads for the HTTP surface.
//
// Storage types stay free of JSON concerns; every request and response
// body is converted through the payload structs here, so the wire
// format can evolve without touching the engine.
package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/ingestion"
	"github.com/orbiteos/joule/internal/storage/query"
	"github.com/orbiteos/joule/internal/storage/types"
)

// =============================================================================
// Points
// =============================================================================

// pointPayload is the wire form of a telemetry point.
type pointPayload struct {
	// TenantID is optional on ingest; when present it must match the
	// request tenant. Responses always carry it.
	TenantID    string  `json:"tenant_id,omitempty"`
	SeriesKey   string  `json:"series_key"`
	TimestampMs int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	IngestedMs  int64   `json:"ingested_ms,omitempty"`
}

// toPoint converts a payload to a storage point bound to tenantID.
func (p pointPayload) toPoint(tenantID string) types.Point {
	return types.Point{
		TenantID:    tenantID,
		SeriesKey:   p.SeriesKey,
		TimestampMs: p.TimestampMs,
		Value:       p.Value,
		Unit:        p.Unit,
		Quality:     types.ParseQuality(p.Quality),
	}
}

func fromPoint(p types.Point) pointPayload {
	return pointPayload{
		TenantID:    p.TenantID,
		SeriesKey:   p.SeriesKey,
		TimestampMs: p.TimestampMs,
		Value:       p.Value,
		Unit:        p.Unit,
		Quality:     p.Quality.String(),
		IngestedMs:  p.IngestedMs,
	}
}

func fromPoints(points []types.Point) []pointPayload {
	out := make([]pointPayload, len(points))
	for i, p := range points {
		out[i] = fromPoint(p)
	}
	return out
}

// =============================================================================
// Ingest
// =============================================================================

type ingestRequest struct {
	Points []pointPayload `json:"points"`
}

type ingestResponse struct {
	Received int             `json:"received"`
	Accepted int             `json:"accepted"`
	Replaced int             `json:"replaced"`
	Rejected []rejectPayload `json:"rejected,omitempty"`
}

type rejectPayload struct {
	Index  int    `json:"index"`
	Code   int32  `json:"code"`
	Reason string `json:"reason"`
}

func fromBatchResult(res *ingestion.BatchResult) ingestResponse {
	out := ingestResponse{
		Received: res.Received,
		Accepted: res.Accepted,
		Replaced: res.Replaced,
	}
	for _, rej := range res.Rejected {
		out.Rejected = append(out.Rejected, rejectPayload{
			Index:  rej.Index,
			Code:   rej.Code,
			Reason: rej.Reason(),
		})
	}
	return out
}

// =============================================================================
// Query
// =============================================================================

type rowPayload struct {
	SeriesKey     string  `json:"series_key"`
	BucketStartMs int64   `json:"bucket_start_ms"`
	Count         int64   `json:"count"`
	Sum           float64 `json:"sum"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Avg           float64 `json:"avg"`
	Last          float64 `json:"last"`
	LastTs        int64   `json:"last_ts"`
	Unit          string  `json:"unit,omitempty"`

	P50 *float64 `json:"p50,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

func fromRow(row types.RollupRow) rowPayload {
	return rowPayload{
		SeriesKey:     row.SeriesKey,
		BucketStartMs: row.BucketStartMs,
		Count:         row.Count,
		Sum:           row.Sum,
		Min:           row.Min,
		Max:           row.Max,
		Avg:           row.Avg(),
		Last:          row.Last,
		LastTs:        row.LastTs,
		Unit:          row.Unit,
		P50:           row.P50,
		P95:           row.P95,
		P99:           row.P99,
	}
}

type rangePayload struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Error   string `json:"error"`
}

type queryResponse struct {
	Resolution string         `json:"resolution"`
	Points     []pointPayload `json:"points,omitempty"`
	Rows       []rowPayload   `json:"rows,omitempty"`
	Partial    []rangePayload `json:"partial,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
}

func fromQueryResult(res *query.Result) queryResponse {
	out := queryResponse{
		Resolution: res.Resolution.String(),
		Truncated:  res.Truncated,
	}
	if len(res.Points) > 0 {
		out.Points = fromPoints(res.Points)
	}
	for _, row := range res.Rows {
		out.Rows = append(out.Rows, fromRow(row))
	}
	for _, pe := range res.Partial {
		out.Partial = append(out.Partial, rangePayload{
			StartMs: pe.StartMs,
			EndMs:   pe.EndMs,
			Error:   pe.Err.Error(),
		})
	}
	return out
}

// =============================================================================
// Series
// =============================================================================

type seriesPayload struct {
	SeriesKey   string   `json:"series_key"`
	Unit        string   `json:"unit,omitempty"`
	FirstTs     int64    `json:"first_ts"`
	LastTs      int64    `json:"last_ts"`
	LastValue   float64  `json:"last_value"`
	PointCount  int64    `json:"point_count"`
	Resolutions []string `json:"resolutions"`
}

func fromSeriesMeta(metas []query.SeriesMeta) []seriesPayload {
	out := make([]seriesPayload, len(metas))
	for i, m := range metas {
		out[i] = seriesPayload{
			SeriesKey:   m.SeriesKey,
			Unit:        m.Unit,
			FirstTs:     m.FirstTs,
			LastTs:      m.LastTs,
			LastValue:   m.LastValue,
			PointCount:  m.PointCount,
			Resolutions: m.Resolutions,
		}
	}
	return out
}

// =============================================================================
// Sweeps
// =============================================================================

type sweepPayload struct {
	ChunksExpired   int      `json:"chunks_expired"`
	SegmentsExpired int      `json:"segments_expired"`
	PointsEvicted   int64    `json:"points_evicted"`
	BytesFreed      int64    `json:"bytes_freed"`
	DryRun          bool     `json:"dry_run,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// =============================================================================
// Parameter Parsing
// =============================================================================

// parseTimeMs parses a time query parameter: Unix milliseconds or
// RFC 3339.
func parseTimeMs(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, errors.ErrInvalidTimestamp)
	}
	return t.UnixMilli(), nil
}
