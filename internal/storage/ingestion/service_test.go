package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/backpressure"
	"github.com/orbiteos/joule/internal/storage/config"
	"github.com/orbiteos/joule/internal/storage/partition"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/storage/wal"
	"github.com/orbiteos/joule/internal/store"
)

const (
	hourMs = int64(3_600_000)
	// An hour boundary well in the past, of no particular meaning.
	baseMs = int64(472_223) * hourMs
)

type fakeClock struct {
	ms atomic.Int64
}

func newFakeClock(startMs int64) *fakeClock {
	c := &fakeClock{}
	c.ms.Store(startMs)
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.UnixMilli(c.ms.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}

type fakeMarker struct {
	mu    sync.Mutex
	marks []string
}

func (m *fakeMarker) MarkDirty(tenantID, seriesKey string, tsMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = append(m.marks, tenantID+"/"+seriesKey)
}

func (m *fakeMarker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}

type testEnv struct {
	svc    *Service
	mgr    *partition.Manager
	mem    *partition.Memstore
	meta   *store.Store
	marker *fakeMarker
	clk    *fakeClock
}

func setupTestService(t testing.TB, memCapacity int64) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Chunk.Width = time.Hour

	storeCfg := store.DefaultConfig()
	storeCfg.Path = "" // in-memory
	meta, err := store.New(storeCfg)
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	// Clock starts mid-window so the base chunk is the open one
	clk := newFakeClock(baseMs + 30*time.Minute.Milliseconds())
	mem := partition.NewMemstore(hourMs, memCapacity)
	mgr := partition.NewManager(meta, mem, partition.Options{
		Width:      time.Hour,
		SkewWindow: 5 * time.Minute,
		NowFunc:    clk.Now,
	})
	if err := mgr.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	walWriter, err := wal.NewWriter(cfg.WALDir(), wal.Options{
		SyncMode: "sync",
	})
	if err != nil {
		t.Fatalf("create WAL: %v", err)
	}
	t.Cleanup(func() { walWriter.Close() })

	marker := &fakeMarker{}

	svc, err := New(cfg, Deps{
		Meta:      meta,
		Partition: mgr,
		Recent:    recent.NewTracker(1024, 15*time.Minute),
		Pressure:  backpressure.New(cfg, mem),
		WAL:       walWriter,
		Marker:    marker,
		NowFunc:   clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	return &testEnv{svc: svc, mgr: mgr, mem: mem, meta: meta, marker: marker, clk: clk}
}

func testPoint(tenant, series string, tsMs int64, value float64) types.Point {
	return types.Point{
		TenantID:    tenant,
		SeriesKey:   series,
		TimestampMs: tsMs,
		Value:       value,
		Unit:        "W",
	}
}

func TestService_New(t *testing.T) {
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

	mem := partition.NewMemstore(hourMs, 0)
	mgr := partition.NewManager(meta, mem, partition.Options{Width: time.Hour})

	svc, err := New(cfg, Deps{Meta: meta, Partition: mgr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}
}

func TestService_StartStop(t *testing.T) {
	env := setupTestService(t, 0)

	if !env.svc.IsRunning() {
		t.Error("service should be running after Start()")
	}

	// Double start should fail
	if err := env.svc.Start(); err == nil {
		t.Error("expected error on double start")
	}

	if err := env.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if env.svc.IsRunning() {
		t.Error("service should not be running after Stop()")
	}

	// Second stop is a no-op
	if err := env.svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestService_Ingest(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	points := []types.Point{
		testPoint("acme", "PV001.power", now, 4250),
		testPoint("acme", "BAT001.soc", now, 78.5),
		testPoint("globex", "PV001.power", now, 3100),
	}

	result, err := env.svc.Ingest(ctx, points)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if result.Received != 3 || result.Accepted != 3 {
		t.Errorf("expected 3/3 accepted, got %d/%d", result.Accepted, result.Received)
	}
	if len(result.Rejected) != 0 {
		t.Errorf("expected no rejects, got %d", len(result.Rejected))
	}

	if env.mem.Count() != 3 {
		t.Errorf("expected 3 points in memstore, got %d", env.mem.Count())
	}

	stats := env.svc.Stats()
	if stats.PointsReceived != 3 || stats.PointsAccepted != 3 {
		t.Errorf("stats: received=%d accepted=%d", stats.PointsReceived, stats.PointsAccepted)
	}
	if stats.BatchesProcessed != 1 {
		t.Errorf("expected 1 batch processed, got %d", stats.BatchesProcessed)
	}
}

func TestService_IngestPartialRejects(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	points := []types.Point{
		testPoint("acme", "PV001.power", now, 4250),                         // ok
		testPoint("", "PV001.power", now, 1),                                // empty tenant
		testPoint("acme", "", now, 1),                                       // empty series
		testPoint("acme", "PV001.power", now+hourMs, 1),                     // clock skew
		testPoint("acme", "BAT001.soc", now-time.Minute.Milliseconds(), 55), // ok
	}

	result, err := env.svc.Ingest(ctx, points)
	if err != nil {
		t.Fatalf("Ingest should not fail on per-point rejects: %v", err)
	}

	if result.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", result.Accepted)
	}
	if len(result.Rejected) != 3 {
		t.Fatalf("expected 3 rejects, got %d", len(result.Rejected))
	}

	// Rejects carry the offending index and a mapped code
	wantIdx := []int{1, 2, 3}
	for i, rej := range result.Rejected {
		if rej.Index != wantIdx[i] {
			t.Errorf("reject %d: index = %d, want %d", i, rej.Index, wantIdx[i])
		}
		if rej.Err == nil {
			t.Errorf("reject %d: missing error", i)
		}
	}
	if result.Rejected[2].Code != errors.CodeClockSkew {
		t.Errorf("skewed point code = %s, want ClockSkew", errors.CodeName(result.Rejected[2].Code))
	}

	stats := env.svc.Stats()
	if stats.PointsRejected != 3 {
		t.Errorf("expected 3 rejected in stats, got %d", stats.PointsRejected)
	}
}

func TestService_LateWriteRejected(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	if err := env.mgr.AdvanceWatermark(ctx, now-10*time.Minute.Milliseconds()); err != nil {
		t.Fatalf("AdvanceWatermark: %v", err)
	}

	result, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "PV001.power", now-20*time.Minute.Milliseconds(), 1),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.Accepted != 0 || len(result.Rejected) != 1 {
		t.Fatalf("expected 1 reject, got accepted=%d rejects=%d", result.Accepted, len(result.Rejected))
	}
	if result.Rejected[0].Code != errors.CodeLateWrite {
		t.Errorf("code = %s, want LateWrite", errors.CodeName(result.Rejected[0].Code))
	}
}

func TestService_DuplicateOverwrite(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	p := testPoint("acme", "PV001.power", now, 4250)

	if _, err := env.svc.Ingest(ctx, []types.Point{p}); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// Same key, newer server-side ingest time wins
	env.clk.Advance(time.Second)
	p.Value = 4300
	result, err := env.svc.Ingest(ctx, []types.Point{p})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if result.Replaced != 1 {
		t.Errorf("expected 1 replaced, got %d", result.Replaced)
	}

	got, ok := env.mem.Get("acme", "PV001.power", now)
	if !ok {
		t.Fatal("point missing from memstore")
	}
	if got.Value != 4300 {
		t.Errorf("value = %v, want 4300 (last write wins)", got.Value)
	}
	if env.mem.Count() != 1 {
		t.Errorf("expected exactly 1 stored point, got %d", env.mem.Count())
	}
}

func TestService_WALCarriesOnlyAcceptedPoints(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	_, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "PV001.power", now, 4250),
		testPoint("", "PV001.power", now, 1), // rejected
		testPoint("acme", "BAT001.soc", now, 78.5),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stats := env.svc.Stats()
	if stats.WALBytesWritten == 0 {
		t.Error("expected WAL bytes written")
	}

	// All-reject batches leave the WAL untouched
	before := stats.WALBytesWritten
	if _, err := env.svc.Ingest(ctx, []types.Point{testPoint("", "x.y", now, 1)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if after := env.svc.Stats().WALBytesWritten; after != before {
		t.Errorf("WAL grew on all-reject batch: %d -> %d", before, after)
	}
}

func TestService_RecentTracking(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	if _, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "PV001.power", now-1000, 4100),
		testPoint("acme", "PV001.power", now, 4250),
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	p, ok := env.svc.Recent().Get("acme", "PV001.power")
	if !ok {
		t.Fatal("expected latest value")
	}
	if p.Value != 4250 {
		t.Errorf("latest value = %v, want 4250", p.Value)
	}
}

func TestService_DirtyMarks(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	_, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "PV001.power", now, 4250),
		testPoint("", "bad", now, 1), // rejected, no mark
		testPoint("acme", "BAT001.soc", now, 78.5),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if env.marker.count() != 2 {
		t.Errorf("expected 2 dirty marks, got %d", env.marker.count())
	}
}

func TestService_SeriesIndexFlush(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	for i := int64(0); i < 5; i++ {
		if _, err := env.svc.Ingest(ctx, []types.Point{
			testPoint("acme", "PV001.power", now-i*1000, float64(4000+i)),
		}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if _, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "BAT001.soc", now, 78.5),
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	env.svc.flushSeries()

	infos, err := env.meta.ListSeries(ctx, "acme", "", 0)
	if err != nil {
		t.Fatalf("ListSeries: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 series, got %d", len(infos))
	}

	var pv *types.SeriesInfo
	for _, info := range infos {
		if info.SeriesKey == "PV001.power" {
			pv = info
		}
	}
	if pv == nil {
		t.Fatal("PV001.power missing from index")
	}
	if pv.PointCount != 5 {
		t.Errorf("point count = %d, want 5", pv.PointCount)
	}
	if pv.FirstTs != now-4000 || pv.LastTs != now {
		t.Errorf("ts range = [%d, %d], want [%d, %d]", pv.FirstTs, pv.LastTs, now-4000, now)
	}
	if pv.LastValue != 4000 {
		t.Errorf("last value = %v, want 4000", pv.LastValue)
	}
}

func TestService_BackpressureDrop(t *testing.T) {
	// Capacity 10: a handful of writes pushes usage past emergency
	env := setupTestService(t, 10)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	for i := int64(0); i < 10; i++ {
		env.svc.Ingest(ctx, []types.Point{
			testPoint("acme", "PV001.power", now-i*1000, float64(i)),
		})
	}

	_, err := env.svc.Ingest(ctx, []types.Point{
		testPoint("acme", "BAT001.soc", now, 78.5),
	})
	if err == nil {
		t.Fatal("expected throttle error at emergency level")
	}
	if !errors.Is(err, errors.ErrThrottled) {
		t.Errorf("expected ErrThrottled, got: %v", err)
	}

	stats := env.svc.Stats()
	if stats.PointsDropped == 0 {
		t.Error("expected dropped points in stats")
	}
}

func TestService_IngestWhenNotRunning(t *testing.T) {
	env := setupTestService(t, 0)
	env.svc.Stop()

	_, err := env.svc.Ingest(context.Background(), []types.Point{
		testPoint("acme", "PV001.power", env.clk.Now().UnixMilli(), 1),
	})
	if !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got: %v", err)
	}
}

func TestService_EmptyIngest(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	result, err := env.svc.Ingest(ctx, nil)
	if err != nil {
		t.Errorf("empty ingest should succeed: %v", err)
	}
	if result.Received != 0 || result.Accepted != 0 {
		t.Errorf("unexpected result for empty batch: %+v", result)
	}

	if _, err := env.svc.Ingest(ctx, []types.Point{}); err != nil {
		t.Errorf("empty slice ingest should succeed: %v", err)
	}
}

func TestService_ForceFlush(t *testing.T) {
	env := setupTestService(t, 0)

	// Multiple force flushes shouldn't block
	for i := 0; i < 10; i++ {
		env.svc.ForceFlush()
	}
}

func TestService_IngestSingle(t *testing.T) {
	env := setupTestService(t, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	if err := env.svc.IngestSingle(ctx, testPoint("acme", "PV001.power", now, 4250)); err != nil {
		t.Fatalf("IngestSingle: %v", err)
	}

	// A rejected single surfaces its point error
	err := env.svc.IngestSingle(ctx, testPoint("", "PV001.power", now, 1))
	if err == nil {
		t.Fatal("expected error for invalid point")
	}
	if !errors.IsValidation(err) {
		t.Errorf("expected validation error, got: %v", err)
	}
}

func BenchmarkService_Ingest(b *testing.B) {
	env := setupTestService(b, 0)
	ctx := context.Background()

	now := env.clk.Now().UnixMilli()
	points := make([]types.Point, 100)
	for i := range points {
		points[i] = testPoint("acme", "PV001.power", now, float64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range points {
			// Cycle timestamps within the last 25 minutes of the window
			points[j].TimestampMs = now - int64(i*100+j)%(25*60_000)
		}
		env.svc.Ingest(ctx, points)
	}
}
