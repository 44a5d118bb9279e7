package query

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/parquet"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/rollup"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/store"
)

const (
	minMs  = int64(60_000)
	hourMs = int64(3_600_000)
	dayMs  = 24 * hourMs
)

var base = (int64(1_772_000_000_000)/dayMs)*dayMs + 6*hourMs

type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) Now() time.Time { return time.UnixMilli(c.ms.Load()) }
func (c *fakeClock) Set(ms int64)   { c.ms.Store(ms) }

type fakePolicy struct {
	p config.RetentionConfig
}

func (f *fakePolicy) Policy() config.RetentionConfig { return f.p }

type fakeTenantPolicy struct {
	overrides map[string]config.RetentionConfig
}

func (f *fakeTenantPolicy) TenantRetention(tenantID string) config.RetentionConfig {
	return f.overrides[tenantID]
}

type testEnv struct {
	svc     *Service
	rollups *rollup.Manager
	part    *partition.Manager
	mem     *partition.Memstore
	meta    *store.Store
	rec     *recent.Tracker
	clk     *fakeClock
	cfg     *config.Config
}

func setupQuery(t testing.TB) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Chunk.Width = time.Hour
	cfg.Rollup.FinalizeGrace = 10 * time.Minute
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = ""
	meta, err := store.New(storeCfg)
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	clk := &fakeClock{}
	clk.Set(base)

	mem := partition.NewMemstore(hourMs, 100_000)
	part := partition.NewManager(meta, mem, partition.Options{
		Width:      time.Hour,
		SkewWindow: 5 * time.Minute,
		NowFunc:    clk.Now,
	})
	if err := part.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap partition: %v", err)
	}

	rollups, err := rollup.New(cfg, rollup.Deps{
		Meta:      meta,
		Partition: part,
		NowFunc:   clk.Now,
	})
	if err != nil {
		t.Fatalf("new rollup manager: %v", err)
	}
	if err := rollups.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap rollups: %v", err)
	}

	rec := recent.NewTracker(1024, time.Hour)

	svc, err := New(cfg, Deps{
		Meta:      meta,
		Partition: part,
		Rollups:   rollups,
		Recent:    rec,
		NowFunc:   clk.Now,
	})
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &testEnv{
		svc: svc, rollups: rollups, part: part, mem: mem,
		meta: meta, rec: rec, clk: clk, cfg: cfg,
	}
}

func (env *testEnv) write(t testing.TB, tenant, series string, tsMs int64, value float64) {
	t.Helper()
	p := types.Point{
		TenantID:    tenant,
		SeriesKey:   series,
		TimestampMs: tsMs,
		Value:       value,
		Unit:        "W",
		Quality:     types.QualityGood,
		IngestedMs:  env.clk.ms.Load(),
	}
	if _, err := env.part.Write(context.Background(), p); err != nil {
		t.Fatalf("write point at %d: %v", tsMs, err)
	}
	env.rollups.MarkDirty(tenant, series, tsMs)
}

// compressChunk rewrites a closed chunk the way the compression sweep
// does: snapshot to a parquet file, then the COMPRESSED transition.
func (env *testEnv) compressChunk(t testing.TB, startMs int64) string {
	t.Helper()
	points := env.part.SnapshotChunk(startMs)
	if len(points) == 0 {
		t.Fatalf("no resident points in chunk %d", startMs)
	}

	tenants := make(map[string]int64)
	for i := range points {
		tenants[points[i].TenantID]++
	}

	path := filepath.Join(env.cfg.ChunksDir(), fmt.Sprintf("%d-%d.parquet", startMs, startMs+hourMs))
	rows, size, err := parquet.WritePointsFile(path, points, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("write chunk file: %v", err)
	}
	if _, err := env.part.MarkCompressed(context.Background(), startMs, path, rows, size, tenants); err != nil {
		t.Fatalf("mark compressed: %v", err)
	}
	return path
}

func (env *testEnv) closeChunks(t testing.TB) {
	t.Helper()
	if _, err := env.part.CloseDue(context.Background()); err != nil {
		t.Fatalf("close due: %v", err)
	}
}

func (env *testEnv) indexSeries(t testing.TB, tenant, key string, firstTs, lastTs int64, lastValue float64) {
	t.Helper()
	err := env.meta.UpsertSeriesBatch(context.Background(), []*types.SeriesInfo{{
		TenantID:   tenant,
		SeriesKey:  key,
		Unit:       "W",
		FirstTs:    firstTs,
		LastTs:     lastTs,
		LastValue:  lastValue,
		PointCount: 1,
	}})
	if err != nil {
		t.Fatalf("seed series index: %v", err)
	}
}

func resPtr(r types.Resolution) *types.Resolution { return &r }

func TestQueryServiceNew(t *testing.T) {
	cfg := config.DefaultConfig()

	if _, err := New(cfg, Deps{}); err == nil {
		t.Error("expected error without metastore")
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Path = ""
	meta, err := store.New(storeCfg)
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	defer meta.Close()

	if _, err := New(cfg, Deps{Meta: meta}); err == nil {
		t.Error("expected error without partition manager")
	}
}

func TestQueryRawResident(t *testing.T) {
	env := setupQuery(t)
	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 4200)
	env.write(t, "acme", "PV001.power", base+6*minMs, 4300)
	env.write(t, "acme", "BAT001.soc", base+5*minMs, 80)

	result, err := env.svc.Query(context.Background(), Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Resolution != types.ResolutionRaw {
		t.Errorf("resolution = %s, want raw", result.Resolution)
	}
	if len(result.Points) != 2 {
		t.Fatalf("points = %d, want 2", len(result.Points))
	}
	if result.Points[0].Value != 4200 || result.Points[1].Value != 4300 {
		t.Errorf("wrong points: %+v", result.Points)
	}
	if result.Points[0].TimestampMs >= result.Points[1].TimestampMs {
		t.Error("points not ascending")
	}
}

func TestQueryRawMergesCompressedAndResident(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.write(t, "acme", "PV001.power", base+45*minMs, 200)

	env.clk.Set(base + hourMs + 5*minMs)
	env.closeChunks(t)
	env.compressChunk(t, base)

	env.write(t, "acme", "PV001.power", base+hourMs+2*minMs, 300)

	result, err := env.svc.Query(ctx, Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + 2*hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Points) != 3 {
		t.Fatalf("points = %d, want 3 across file and memory", len(result.Points))
	}
	for i := 1; i < len(result.Points); i++ {
		if result.Points[i-1].TimestampMs >= result.Points[i].TimestampMs {
			t.Fatalf("points not strictly ascending at %d", i)
		}
	}
	if result.Points[0].Value != 100 || result.Points[2].Value != 300 {
		t.Errorf("merge lost values: %+v", result.Points)
	}
	if got := env.svc.Stats().ChunksScanned; got != 1 {
		t.Errorf("chunks scanned = %d, want 1", got)
	}
}

func TestQueryTenantIsolation(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	// Same series key in two tenants, split across a compressed chunk and
	// the resident one.
	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 111)
	env.write(t, "volta", "PV001.power", base+5*minMs+1, 999)

	env.clk.Set(base + hourMs + 5*minMs)
	env.closeChunks(t)
	env.compressChunk(t, base)

	env.write(t, "acme", "PV001.power", base+hourMs+minMs, 222)
	env.write(t, "volta", "PV001.power", base+hourMs+minMs+1, 888)

	result, err := env.svc.Query(ctx, Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + 2*hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Points) != 2 {
		t.Fatalf("points = %d, want 2", len(result.Points))
	}
	for _, p := range result.Points {
		if p.TenantID != "acme" {
			t.Fatalf("tenant leak: got point for %s", p.TenantID)
		}
		if p.Value == 999 || p.Value == 888 {
			t.Fatalf("tenant leak: got other tenant's value %v", p.Value)
		}
	}
}

func TestQueryRawPattern(t *testing.T) {
	env := setupQuery(t)
	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.write(t, "acme", "PV002.power", base+5*minMs, 200)
	env.write(t, "acme", "BAT001.soc", base+6*minMs, 80)

	env.indexSeries(t, "acme", "PV001.power", base+5*minMs, base+5*minMs, 100)
	env.indexSeries(t, "acme", "PV002.power", base+5*minMs, base+5*minMs, 200)
	env.indexSeries(t, "acme", "BAT001.soc", base+6*minMs, base+6*minMs, 80)

	result, err := env.svc.Query(context.Background(), Request{
		TenantID:  "acme",
		SeriesKey: "PV*",
		StartMs:   base,
		EndMs:     base + hourMs,
	})
	if err != nil {
		t.Fatalf("pattern query: %v", err)
	}
	if len(result.Points) != 2 {
		t.Fatalf("points = %d, want 2 for PV*", len(result.Points))
	}
	// Equal timestamps order by series key.
	if result.Points[0].SeriesKey != "PV001.power" || result.Points[1].SeriesKey != "PV002.power" {
		t.Errorf("wrong order: %s, %s", result.Points[0].SeriesKey, result.Points[1].SeriesKey)
	}

	all, err := env.svc.Query(context.Background(), Request{
		TenantID:  "acme",
		SeriesKey: "*",
		StartMs:   base,
		EndMs:     base + hourMs,
	})
	if err != nil {
		t.Fatalf("wildcard query: %v", err)
	}
	if len(all.Points) != 3 {
		t.Errorf("points = %d, want 3 for bare wildcard", len(all.Points))
	}
}

func TestQueryPatternNoMatches(t *testing.T) {
	env := setupQuery(t)

	result, err := env.svc.Query(context.Background(), Request{
		TenantID:  "acme",
		SeriesKey: "EV*",
		StartMs:   base,
		EndMs:     base + hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Points) != 0 || len(result.Rows) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestQueryValidation(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	_, err := env.svc.Query(ctx, Request{SeriesKey: "PV001.power", StartMs: 1, EndMs: 2})
	if !errors.Is(err, errors.ErrUnknownTenant) {
		t.Errorf("missing tenant: got %v", err)
	}

	_, err = env.svc.Query(ctx, Request{TenantID: "acme", SeriesKey: "PV001.power", StartMs: 5, EndMs: 5})
	if !errors.Is(err, errors.ErrInvalidRange) {
		t.Errorf("empty range: got %v", err)
	}

	_, err = env.svc.Query(ctx, Request{TenantID: "acme", SeriesKey: "PV*power", StartMs: 1, EndMs: 2})
	if !errors.Is(err, errors.ErrInvalidSeriesKey) {
		t.Errorf("mid-string wildcard: got %v", err)
	}
}

func TestSelectResolutionAuto(t *testing.T) {
	env := setupQuery(t)

	tests := []struct {
		name    string
		rangeMs int64
		want    types.Resolution
	}{
		{"one hour", hourMs, types.ResolutionRaw},
		{"six hours", 6 * hourMs, types.ResolutionRaw},
		{"one week", 7 * dayMs, types.Resolution5m},
		{"ninety days", 90 * dayMs, types.Resolution1h},
		{"three years", 3 * 365 * dayMs, types.Resolution1d},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.svc.selectResolution(Request{StartMs: base, EndMs: base + tt.rangeMs})
			if got != tt.want {
				t.Errorf("range %v: got %s, want %s", tt.rangeMs, got, tt.want)
			}
		})
	}

	// A pinned resolution wins regardless of range.
	got := env.svc.selectResolution(Request{
		StartMs: base, EndMs: base + hourMs, Resolution: resPtr(types.Resolution1d),
	})
	if got != types.Resolution1d {
		t.Errorf("pinned resolution ignored: got %s", got)
	}
}

func TestQueryRollupProvisional(t *testing.T) {
	env := setupQuery(t)
	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.write(t, "acme", "PV001.power", base+6*minMs, 300)

	result, err := env.svc.Query(context.Background(), Request{
		TenantID:   "acme",
		SeriesKey:  "PV001.power",
		StartMs:    base,
		EndMs:      base + hourMs,
		Resolution: resPtr(types.Resolution5m),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(result.Rows))
	}
	row := result.Rows[0]
	if row.BucketStartMs != base+5*minMs {
		t.Errorf("bucket = %d, want %d", row.BucketStartMs, base+5*minMs)
	}
	if row.Count != 2 || row.Sum != 400 || row.Min != 100 || row.Max != 300 {
		t.Errorf("wrong aggregates: %+v", row)
	}
}

func TestQueryRollupMergesFinalizedAndProvisional(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.write(t, "acme", "PV001.power", base+6*minMs, 200)
	env.write(t, "acme", "PV001.power", base+35*minMs, 300)

	env.clk.Set(base + hourMs + minMs)
	env.closeChunks(t)

	// Past the finalize grace: the first hour's buckets become durable.
	env.clk.Set(base + hourMs + 15*minMs)
	if _, err := env.rollups.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if b := env.rollups.Boundary(types.Resolution5m); b != base+hourMs {
		t.Fatalf("5m boundary = %d, want %d", b, base+hourMs)
	}

	env.clk.Set(base + hourMs + 20*minMs)
	env.write(t, "acme", "PV001.power", base+hourMs+17*minMs, 500)

	result, err := env.svc.Query(ctx, Request{
		TenantID:   "acme",
		SeriesKey:  "PV001.power",
		StartMs:    base,
		EndMs:      base + 2*hourMs,
		Resolution: resPtr(types.Resolution5m),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("rows = %d, want 3 (two finalized, one provisional)", len(result.Rows))
	}

	first := result.Rows[0]
	if first.BucketStartMs != base+5*minMs || first.Count != 2 || first.Sum != 300 {
		t.Errorf("finalized bucket wrong: %+v", first)
	}
	if first.P50 == nil {
		t.Error("finalized bucket lost percentiles")
	}

	last := result.Rows[2]
	if last.BucketStartMs != base+hourMs+15*minMs || last.Count != 1 || last.Sum != 500 {
		t.Errorf("provisional bucket wrong: %+v", last)
	}

	for i := 1; i < len(result.Rows); i++ {
		if result.Rows[i-1].BucketStartMs >= result.Rows[i].BucketStartMs {
			t.Fatal("rows not ascending")
		}
	}
	if got := env.svc.Stats().SegmentsScanned; got != 1 {
		t.Errorf("segments scanned = %d, want 1", got)
	}
}

func TestQueryRawRetentionClamp(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)

	env.clk.Set(base + hourMs + 15*minMs)
	env.closeChunks(t)
	env.compressChunk(t, base)
	env.write(t, "acme", "PV001.power", base+hourMs+10*minMs, 200)

	clamped, err := New(env.cfg, Deps{
		Meta:      env.meta,
		Partition: env.part,
		Rollups:   env.rollups,
		Policy:    &fakePolicy{p: config.RetentionConfig{Raw: time.Hour}},
		NowFunc:   env.clk.Now,
	})
	if err != nil {
		t.Fatalf("new clamped service: %v", err)
	}
	defer clamped.Close()

	// Floor lands inside the second chunk: the first is invisible, the
	// second serves in full, points older than the floor included.
	env.clk.Set(base + 2*hourMs + 30*minMs)

	result, err := clamped.Query(ctx, Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + 2*hourMs,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Points) != 1 {
		t.Fatalf("points = %d, want 1 (aged chunk clamped)", len(result.Points))
	}
	if result.Points[0].Value != 200 {
		t.Errorf("kept wrong point: %+v", result.Points[0])
	}
}

func TestQueryRollupRetentionClamp(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.clk.Set(base + hourMs + minMs)
	env.closeChunks(t)
	env.clk.Set(base + hourMs + 15*minMs)
	if _, err := env.rollups.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	clamped, err := New(env.cfg, Deps{
		Meta:      env.meta,
		Partition: env.part,
		Rollups:   env.rollups,
		Policy:    &fakePolicy{p: config.RetentionConfig{FiveMin: 30 * time.Minute}},
		NowFunc:   env.clk.Now,
	})
	if err != nil {
		t.Fatalf("new clamped service: %v", err)
	}
	defer clamped.Close()

	env.clk.Set(base + 2*hourMs)
	result, err := clamped.Query(ctx, Request{
		TenantID:   "acme",
		SeriesKey:  "PV001.power",
		StartMs:    base,
		EndMs:      base + hourMs,
		Resolution: resPtr(types.Resolution5m),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Rows) != 0 {
		t.Errorf("rows = %d, want 0 (segment past 5m retention)", len(result.Rows))
	}
	if len(result.Partial) != 0 {
		t.Errorf("clamped segment reported as failure: %v", result.Partial)
	}
}

func TestQueryPerTenantRetentionOverride(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.write(t, "volt", "PV001.power", base+5*minMs, 300)

	env.clk.Set(base + hourMs + 15*minMs)
	env.closeChunks(t)
	env.compressChunk(t, base)

	svc, err := New(env.cfg, Deps{
		Meta:      env.meta,
		Partition: env.part,
		Rollups:   env.rollups,
		TenantPolicy: &fakeTenantPolicy{overrides: map[string]config.RetentionConfig{
			"acme": {Raw: time.Hour},
		}},
		NowFunc: env.clk.Now,
	})
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	defer svc.Close()

	env.clk.Set(base + 2*hourMs + 30*minMs)
	req := Request{SeriesKey: "PV001.power", StartMs: base, EndMs: base + hourMs}

	// acme's shortened window hides the aged chunk.
	req.TenantID = "acme"
	result, err := svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("acme query: %v", err)
	}
	if len(result.Points) != 0 {
		t.Errorf("acme points = %d, want 0 (tenant override clamps)", len(result.Points))
	}

	// volt has no override and still sees it under the global policy.
	req.TenantID = "volt"
	result, err = svc.Query(ctx, req)
	if err != nil {
		t.Fatalf("volt query: %v", err)
	}
	if len(result.Points) != 1 || result.Points[0].Value != 300 {
		t.Errorf("volt points = %+v, want the single 300 sample", result.Points)
	}
}

func TestTightenRetention(t *testing.T) {
	base := config.RetentionConfig{Raw: 720 * time.Hour, FiveMin: 2160 * time.Hour}

	got := tightenRetention(base, config.RetentionConfig{
		Raw:     24 * time.Hour,   // shorter: applies
		FiveMin: 9000 * time.Hour, // longer: ignored
		Hourly:  48 * time.Hour,   // base unlimited: applies
	})

	if got.Raw != 24*time.Hour {
		t.Errorf("Raw = %v, want 24h", got.Raw)
	}
	if got.FiveMin != 2160*time.Hour {
		t.Errorf("FiveMin = %v, want unchanged 2160h", got.FiveMin)
	}
	if got.Hourly != 48*time.Hour {
		t.Errorf("Hourly = %v, want 48h", got.Hourly)
	}
	if got.Daily != 0 {
		t.Errorf("Daily = %v, want unlimited", got.Daily)
	}
}

func TestQueryCorruptChunkIsolation(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)
	env.clk.Set(base + hourMs + 10*minMs)
	env.write(t, "acme", "PV001.power", base+hourMs+5*minMs, 200)

	env.clk.Set(base + 2*hourMs + 5*minMs)
	env.closeChunks(t)
	good := env.compressChunk(t, base)
	bad := env.compressChunk(t, base+hourMs)

	if err := os.WriteFile(bad, []byte("definitely not parquet"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	result, err := env.svc.Query(ctx, Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + 2*hourMs,
	})
	if err != nil {
		t.Fatalf("query should survive one corrupt chunk: %v", err)
	}
	if len(result.Points) != 1 || result.Points[0].Value != 100 {
		t.Errorf("good chunk lost: %+v", result.Points)
	}
	if len(result.Partial) != 1 {
		t.Fatalf("partial = %d, want 1", len(result.Partial))
	}
	pe := result.Partial[0]
	if pe.StartMs != base+hourMs || pe.EndMs != base+2*hourMs {
		t.Errorf("wrong failed range: [%d, %d)", pe.StartMs, pe.EndMs)
	}
	if !errors.Is(pe.Err, errors.ErrCorruptChunk) {
		t.Errorf("partial error should wrap ErrCorruptChunk: %v", pe.Err)
	}
	_ = good
}

func TestQueryLimitTruncates(t *testing.T) {
	env := setupQuery(t)
	env.clk.Set(base + 30*minMs)
	for i := int64(0); i < 10; i++ {
		env.write(t, "acme", "PV001.power", base+i*minMs, float64(i))
	}

	result, err := env.svc.Query(context.Background(), Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + hourMs,
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Points) != 5 {
		t.Errorf("points = %d, want 5", len(result.Points))
	}
	if !result.Truncated {
		t.Error("truncated flag not set")
	}
	// The cap keeps the oldest points; the caller pages forward.
	if result.Points[0].TimestampMs != base {
		t.Errorf("first point = %d, want %d", result.Points[0].TimestampMs, base)
	}
}

func TestQueryCancellation(t *testing.T) {
	env := setupQuery(t)
	env.clk.Set(base + 10*minMs)
	env.write(t, "acme", "PV001.power", base+5*minMs, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.svc.Query(ctx, Request{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		StartMs:   base,
		EndMs:     base + hourMs,
	})
	if err == nil {
		t.Fatal("cancelled query returned no error")
	}
	if result != nil {
		t.Errorf("cancelled query returned rows: %+v", result)
	}
}

func TestMapDeadline(t *testing.T) {
	if err := mapDeadline(context.DeadlineExceeded); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("deadline not mapped to ErrTimeout: %v", err)
	}
	if err := mapDeadline(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should pass through: %v", err)
	}
}

func TestLatest(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	// Warm path: the recent tracker has the point.
	env.rec.Observe(types.Point{
		TenantID:    "acme",
		SeriesKey:   "PV001.power",
		TimestampMs: base + 5*minMs,
		Value:       4200,
		Unit:        "W",
		Quality:     types.QualityGood,
	})
	p, err := env.svc.Latest(ctx, "acme", "PV001.power")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if p.Value != 4200 {
		t.Errorf("latest value = %v, want 4200", p.Value)
	}

	// Cold path: only the series index knows it.
	env.indexSeries(t, "acme", "BAT001.soc", base, base+10*minMs, 81.5)
	p, err = env.svc.Latest(ctx, "acme", "BAT001.soc")
	if err != nil {
		t.Fatalf("latest from index: %v", err)
	}
	if p.Value != 81.5 || p.TimestampMs != base+10*minMs {
		t.Errorf("index fallback wrong: %+v", p)
	}

	if _, err := env.svc.Latest(ctx, "acme", "EV007.charge_power"); !errors.Is(err, errors.ErrSeriesNotFound) {
		t.Errorf("unknown series: got %v", err)
	}
}

func TestListSeriesCoverage(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()
	env.clk.Set(base + 2*hourMs)

	env.indexSeries(t, "acme", "PV001.power", base, base+hourMs, 4200)

	metas, err := env.svc.ListSeries(ctx, "acme", "", 0)
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("series = %d, want 1", len(metas))
	}
	// Fresh data is covered at every resolution under default policies.
	if len(metas[0].Resolutions) != 4 {
		t.Errorf("resolutions = %v, want all four", metas[0].Resolutions)
	}

	clamped, err := New(env.cfg, Deps{
		Meta:      env.meta,
		Partition: env.part,
		Policy:    &fakePolicy{p: config.RetentionConfig{Raw: 30 * time.Minute, FiveMin: 24 * time.Hour}},
		NowFunc:   env.clk.Now,
	})
	if err != nil {
		t.Fatalf("new clamped service: %v", err)
	}
	defer clamped.Close()

	metas, err = clamped.ListSeries(ctx, "acme", "", 0)
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	for _, res := range metas[0].Resolutions {
		if res == "raw" {
			t.Errorf("raw should be out of coverage: %v", metas[0].Resolutions)
		}
	}
}

func TestListSeriesTenantScoped(t *testing.T) {
	env := setupQuery(t)
	ctx := context.Background()

	env.indexSeries(t, "acme", "PV001.power", base, base+minMs, 1)
	env.indexSeries(t, "volta", "EV007.charge_power", base, base+minMs, 2)

	metas, err := env.svc.ListSeries(ctx, "acme", "", 0)
	if err != nil {
		t.Fatalf("list series: %v", err)
	}
	if len(metas) != 1 || metas[0].SeriesKey != "PV001.power" {
		t.Errorf("tenant scoping failed: %+v", metas)
	}
}
