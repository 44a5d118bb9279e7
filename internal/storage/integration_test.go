package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/query"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/testutil"
)

// integrationConfig shortens the compression delay so a test day covers
// the whole chunk lifecycle.
func integrationConfig(dir string) *config.Config {
	cfg := testConfig(dir)
	cfg.Compression.Delay = 30 * time.Minute
	cfg.Rollup.FinalizeGrace = 10 * time.Minute
	return cfg
}

// finalizeDay closes open chunks and runs a rollup sweep far enough past
// the end of the test day that every resolution, daily included,
// finalizes. After this the watermark sits at the end of the day.
func finalizeDay(t *testing.T, svc *Service, clk *fakeClock) {
	t.Helper()
	ctx := context.Background()

	dayEnd := (base/dayMs + 1) * dayMs
	clk.Set(dayEnd + 15*minMs)
	if _, err := svc.CloseChunks(ctx); err != nil {
		t.Fatalf("close chunks: %v", err)
	}
	if _, err := svc.RunRollup(ctx); err != nil {
		t.Fatalf("rollup sweep: %v", err)
	}
}

func TestIntegrationCompressionTransparency(t *testing.T) {
	clk := &fakeClock{}
	clk.Set(base + 10*minMs)
	svc := startService(t, integrationConfig(t.TempDir()), clk)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, []types.Point{
		point("acme", "PV001.power", base+5*minMs, 4200),
		point("acme", "PV001.power", base+35*minMs, 4300),
		point("volta", "PV001.power", base+5*minMs, 999),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	finalizeDay(t, svc, clk)

	req := query.Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + hourMs,
	}
	before, err := svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("query before compression: %v", err)
	}
	if len(before.Points) != 2 {
		t.Fatalf("points before = %d, want 2", len(before.Points))
	}

	if _, err := svc.RunCompression(ctx); err != nil {
		t.Fatalf("compression sweep: %v", err)
	}
	stats := svc.Stats()
	if stats.Compression.ChunksCompressed != 1 {
		t.Fatalf("chunks compressed = %d, want 1", stats.Compression.ChunksCompressed)
	}
	if stats.Memstore.Points != 0 {
		t.Errorf("memstore points = %d, want 0 after eviction", stats.Memstore.Points)
	}

	// The move to parquet must be invisible to readers.
	after, err := svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("query after compression: %v", err)
	}
	if !reflect.DeepEqual(before.Points, after.Points) {
		t.Errorf("compression changed results:\nbefore %+v\nafter  %+v", before.Points, after.Points)
	}

	// Finalization froze the day: backfilling below the watermark is a
	// late write, not silent data loss.
	result, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+40*minMs, 1)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(result.Rejected) != 1 || !errors.Is(result.Rejected[0].Err, errors.ErrLateWrite) {
		t.Errorf("frozen-range write: %+v", result.Rejected)
	}
}

func TestIntegrationRollupExactness(t *testing.T) {
	clk := &fakeClock{}
	clk.Set(base + 10*minMs)
	svc := startService(t, integrationConfig(t.TempDir()), clk)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, []types.Point{
		point("acme", "PV001.power", base+5*minMs, 100),
		point("acme", "PV001.power", base+6*minMs, 200),
		point("acme", "PV001.power", base+7*minMs, 300),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res5m := types.Resolution5m
	req := query.Request{
		TenantID:   "acme",
		SeriesKey:  "PV001.power",
		StartMs:    base,
		EndMs:      base + hourMs,
		Resolution: &res5m,
	}

	result, err := svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	row := result.Rows[0]
	if row.Count != 3 || row.Sum != 600 || row.Min != 100 || row.Max != 300 || row.Last != 300 {
		t.Fatalf("initial aggregates wrong: %+v", row)
	}

	// Re-sending a timestamp replaces its value; the bucket is recomputed
	// from raw, so nothing double-counts.
	if _, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+6*minMs, 250)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	result, err = svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("query after upsert: %v", err)
	}
	row = result.Rows[0]
	if row.Count != 3 || row.Sum != 650 {
		t.Errorf("upsert double-counted: %+v", row)
	}

	// A new timestamp in the same bucket extends it.
	if _, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+8*minMs, 50)}); err != nil {
		t.Fatalf("late point: %v", err)
	}
	result, err = svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("query after late point: %v", err)
	}
	row = result.Rows[0]
	if row.Count != 4 || row.Sum != 700 || row.Min != 50 {
		t.Errorf("late point not folded in: %+v", row)
	}
}

func TestIntegrationLateWriteIntoClosedChunk(t *testing.T) {
	clk := &fakeClock{}
	clk.Set(base + 10*minMs)
	svc := startService(t, integrationConfig(t.TempDir()), clk)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+5*minMs, 100)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	clk.Set(base + hourMs + 5*minMs)
	if _, err := svc.CloseChunks(ctx); err != nil {
		t.Fatalf("close chunks: %v", err)
	}

	// Closed is not frozen: until compression the chunk still takes
	// stragglers, and rollups pick them up.
	result, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+50*minMs, 75)})
	if err != nil {
		t.Fatalf("late ingest: %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("late write into closed chunk rejected: %+v", result.Rejected)
	}

	raw, err := svc.Query(ctx, query.Request{
		TenantID: "acme", SeriesKey: "PV001.power", StartMs: base, EndMs: base + hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(raw.Points) != 2 {
		t.Errorf("points = %d, want 2", len(raw.Points))
	}

	res5m := types.Resolution5m
	rolled, err := svc.Query(ctx, query.Request{
		TenantID: "acme", SeriesKey: "PV001.power",
		StartMs: base, EndMs: base + hourMs, Resolution: &res5m,
	})
	if err != nil {
		t.Fatalf("rollup query: %v", err)
	}
	if len(rolled.Rows) != 2 {
		t.Fatalf("buckets = %d, want 2", len(rolled.Rows))
	}
	if rolled.Rows[1].BucketStartMs != base+50*minMs || rolled.Rows[1].Sum != 75 {
		t.Errorf("late bucket wrong: %+v", rolled.Rows[1])
	}
}

func TestIntegrationRetentionIndependence(t *testing.T) {
	clk := &fakeClock{}
	clk.Set(base + 10*minMs)
	svc := startService(t, integrationConfig(t.TempDir()), clk)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, []types.Point{
		point("acme", "PV001.power", base+5*minMs, 4200),
		point("acme", "PV001.power", base+35*minMs, 4300),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	finalizeDay(t, svc, clk)
	if _, err := svc.RunCompression(ctx); err != nil {
		t.Fatalf("compression sweep: %v", err)
	}

	// Raw ages out an hour from now; the rollups keep their defaults.
	svc.SetRetentionPolicy(config.RetentionConfig{
		Raw:     time.Hour,
		FiveMin: 90 * 24 * time.Hour,
		Hourly:  365 * 24 * time.Hour,
		Daily:   2 * 365 * 24 * time.Hour,
	})

	swept, err := svc.RunRetention(ctx)
	if err != nil {
		t.Fatalf("retention sweep: %v", err)
	}
	if swept.ChunksExpired != 1 {
		t.Fatalf("chunks expired = %d, want 1", swept.ChunksExpired)
	}

	usage, err := svc.DiskUsage()
	if err != nil {
		t.Fatalf("disk usage: %v", err)
	}
	if usage["chunks"].FileCount != 0 {
		t.Errorf("chunk files = %d, want 0 after expiry", usage["chunks"].FileCount)
	}

	raw, err := svc.Query(ctx, query.Request{
		TenantID: "acme", SeriesKey: "PV001.power", StartMs: base, EndMs: base + hourMs,
	})
	if err != nil {
		t.Fatalf("raw query: %v", err)
	}
	if len(raw.Points) != 0 {
		t.Errorf("raw points = %d, want 0 after expiry", len(raw.Points))
	}

	// Expiring raw must not touch the rollups derived from it.
	res5m := types.Resolution5m
	rolled, err := svc.Query(ctx, query.Request{
		TenantID: "acme", SeriesKey: "PV001.power",
		StartMs: base, EndMs: base + hourMs, Resolution: &res5m,
	})
	if err != nil {
		t.Fatalf("rollup query: %v", err)
	}
	if len(rolled.Rows) != 2 {
		t.Fatalf("rollup rows = %d, want 2 after raw expiry", len(rolled.Rows))
	}
	if rolled.Rows[0].Sum != 4200 || rolled.Rows[1].Sum != 4300 {
		t.Errorf("rollup rows corrupted: %+v", rolled.Rows)
	}

	// The expired window stays closed to writes forever.
	result, err := svc.Ingest(ctx, []types.Point{point("acme", "PV001.power", base+20*minMs, 1)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(result.Rejected) != 1 || !errors.Is(result.Rejected[0].Err, errors.ErrLateWrite) {
		t.Errorf("write into expired window: %+v", result.Rejected)
	}
}

func TestIntegrationTenantLifecycleIsolation(t *testing.T) {
	clk := &fakeClock{}
	clk.Set(base + 10*minMs)
	svc := startService(t, integrationConfig(t.TempDir()), clk)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, []types.Point{
		point("acme", "PV001.power", base+5*minMs, 111),
		point("acme", "BAT001.soc", base+6*minMs, 80),
		point("volta", "PV001.power", base+5*minMs, 999),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	finalizeDay(t, svc, clk)
	if _, err := svc.RunCompression(ctx); err != nil {
		t.Fatalf("compression sweep: %v", err)
	}

	// The series index flush runs on the flush worker's goroutine, so
	// wait for it to drain before checking the catalog.
	svc.ForceFlush()
	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		st := svc.Stats()
		return st.Ingestion.SeriesFlushes >= 1 && st.Ingestion.SeriesPending == 0
	}); err != nil {
		t.Fatalf("series flush: %v", err)
	}

	// Raw reads from parquet stay tenant-scoped.
	for _, tc := range []struct {
		tenant string
		value  float64
	}{
		{"acme", 111},
		{"volta", 999},
	} {
		res, err := svc.Query(ctx, query.Request{
			TenantID: tc.tenant, SeriesKey: "PV001.power", StartMs: base, EndMs: base + hourMs,
		})
		if err != nil {
			t.Fatalf("query %s: %v", tc.tenant, err)
		}
		if len(res.Points) != 1 || res.Points[0].Value != tc.value {
			t.Errorf("%s saw %+v", tc.tenant, res.Points)
		}
	}

	// Rollup rows, equally.
	res5m := types.Resolution5m
	rolled, err := svc.Query(ctx, query.Request{
		TenantID: "volta", SeriesKey: "PV001.power",
		StartMs: base, EndMs: base + hourMs, Resolution: &res5m,
	})
	if err != nil {
		t.Fatalf("rollup query: %v", err)
	}
	if len(rolled.Rows) != 1 || rolled.Rows[0].Sum != 999 {
		t.Errorf("volta rollup wrong: %+v", rolled.Rows)
	}

	// The series catalog too.
	series, err := svc.ListSeries(ctx, "volta", "", 0)
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(series) != 1 || series[0].SeriesKey != "PV001.power" {
		t.Errorf("volta series = %+v", series)
	}
}
