package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbiteos/joule/config"
	"github.com/orbiteos/joule/internal/catalog"
	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage"
	"github.com/orbiteos/joule/internal/storage/ingestion"
	"github.com/orbiteos/joule/internal/storage/query"
	"github.com/orbiteos/joule/internal/storage/types"
)

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// =============================================================================
// Ingest
// =============================================================================

// handleIngest accepts a batch of points for the request tenant. The
// tenant binding is authoritative: points may omit tenant_id, and a
// point naming a different tenant is rejected individually without
// failing the batch.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, config.DefaultMaxBodyBytes)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode ingest request: %v: %w", err, errors.ErrInvalidPayload))
		return
	}

	points := make([]types.Point, 0, len(req.Points))
	reqIndex := make([]int, 0, len(req.Points))
	var rejects []ingestion.PointReject

	for i, pp := range req.Points {
		if pp.TenantID != "" && pp.TenantID != tenant.Code {
			rejects = append(rejects, ingestion.PointReject{
				Index: i,
				Code:  errors.CodeNotAuthorized,
				Err:   fmt.Errorf("point tenant %q: %w", pp.TenantID, errors.ErrNotAuthorized),
			})
			continue
		}
		points = append(points, pp.toPoint(tenant.Code))
		reqIndex = append(reqIndex, i)
	}

	res, err := s.store.Ingest(r.Context(), points)
	if err != nil {
		writeError(w, err)
		return
	}

	// Rejection indices refer to the submitted slice; remap them to
	// positions in the request body.
	rejectedAt := make(map[int]bool, len(res.Rejected))
	for j := range res.Rejected {
		rejectedAt[res.Rejected[j].Index] = true
		res.Rejected[j].Index = reqIndex[res.Rejected[j].Index]
	}
	res.Received = len(req.Points)
	res.Rejected = append(res.Rejected, rejects...)
	sort.Slice(res.Rejected, func(a, b int) bool {
		return res.Rejected[a].Index < res.Rejected[b].Index
	})

	if s.hub != nil && res.Accepted > 0 {
		live := make([]types.Point, 0, res.Accepted)
		for k := range points {
			if !rejectedAt[k] {
				live = append(live, points[k])
			}
		}
		s.hub.Publish(live)
	}

	writeJSON(w, http.StatusOK, fromBatchResult(res))
}

// =============================================================================
// Query
// =============================================================================

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	q := r.URL.Query()

	series := q.Get("series")
	if series == "" {
		writeError(w, fmt.Errorf("series parameter required: %w", errors.ErrMissingField))
		return
	}
	start := q.Get("start")
	if start == "" {
		writeError(w, fmt.Errorf("start parameter required: %w", errors.ErrMissingField))
		return
	}
	startMs, err := parseTimeMs(start)
	if err != nil {
		writeError(w, err)
		return
	}
	endMs := s.nowFunc().UnixMilli()
	if v := q.Get("end"); v != "" {
		if endMs, err = parseTimeMs(v); err != nil {
			writeError(w, err)
			return
		}
	}

	req := query.Request{
		TenantID:  tenant.Code,
		SeriesKey: series,
		StartMs:   startMs,
		EndMs:     endMs,
	}
	if v := q.Get("resolution"); v != "" {
		res, err := types.ParseResolution(v)
		if err != nil {
			writeError(w, fmt.Errorf("resolution %q: %w", v, errors.ErrInvalidResolution))
			return
		}
		req.Resolution = &res
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, fmt.Errorf("limit %q: %w", v, errors.ErrInvalidPayload))
			return
		}
		req.Limit = limit
	}

	res, err := s.store.Query(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromQueryResult(res))
}

// =============================================================================
// Series
// =============================================================================

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("limit %q: %w", v, errors.ErrInvalidPayload))
			return
		}
		limit = n
	}

	metas, err := s.store.ListSeries(r.Context(), tenant.Code, q.Get("prefix"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"series": fromSeriesMeta(metas),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	q := r.URL.Query()

	if key := q.Get("series"); key != "" {
		p, err := s.store.Latest(r.Context(), tenant.Code, key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fromPoint(p))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("limit %q: %w", v, errors.ErrInvalidPayload))
			return
		}
		limit = n
	}
	points := s.store.Recent().Latest(tenant.Code, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"points": fromPoints(points),
	})
}

// =============================================================================
// Catalog
// =============================================================================

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	sites, err := s.catalog.ListSites(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sites": sites})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	code := mux.Vars(r)["code"]

	site, err := s.catalog.SiteByCode(r.Context(), tenant.ID, code)
	if err != nil {
		writeError(w, err)
		return
	}
	devices, err := s.catalog.ListDevices(r.Context(), tenant.ID, site.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"site":    site,
		"devices": devices,
	})
}

// =============================================================================
// Admin
// =============================================================================

type statsResponse struct {
	Store   storage.ServiceStats `json:"store"`
	Catalog catalog.Counts       `json:"catalog"`
	Stream  hubStats             `json:"stream"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.catalog.Count(r.Context())
	if err != nil {
		// Stats stay useful when the catalog is unreachable.
		log.Warn("catalog count failed", "error", err)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Store:   s.store.Stats(),
		Catalog: counts,
		Stream:  s.hub.Stats(),
	})
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.catalog.ListTenants(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

func (s *Server) handleCloseChunks(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CloseChunks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"chunks_closed": n})
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.RunRollup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"segments_written":  res.SegmentsWritten,
		"rows_finalized":    res.RowsFinalized,
		"buckets_refreshed": res.BucketsRefreshed,
		"refresh_paused":    res.RefreshPaused,
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.RunCompression(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunks_compressed":    res.ChunksCompressed,
		"chunks_failed":        res.ChunksFailed,
		"points_evicted":       res.PointsEvicted,
		"wal_segments_deleted": res.WALSegmentsDeleted,
	})
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	run := s.store.RunRetention
	if dryRun {
		run = s.store.DryRunRetention
	}
	res, err := run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := sweepPayload{
		ChunksExpired:   res.ChunksExpired,
		SegmentsExpired: res.SegmentsExpired,
		PointsEvicted:   res.PointsEvicted,
		BytesFreed:      res.BytesFreed,
		DryRun:          dryRun,
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDiskUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.DiskUsage()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]map[string]int64, len(usage))
	for area, u := range usage {
		out[area] = map[string]int64{
			"file_count":  int64(u.FileCount),
			"total_bytes": u.TotalBytes,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"areas": out})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.store.ForceFlush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush scheduled"})
}
