package recent

import (
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
)

func point(tenant, series string, tsMs int64, value float64) types.Point {
	return types.Point{
		TenantID:    tenant,
		SeriesKey:   series,
		TimestampMs: tsMs,
		Value:       value,
		Unit:        "W",
		IngestedMs:  tsMs,
	}
}

func TestRingPushOverwrites(t *testing.T) {
	r := NewRing(3)

	for i := int64(0); i < 5; i++ {
		r.Push(point("acme", "PV001.power", 1000+i, float64(i)))
	}

	if r.Len() != 3 {
		t.Errorf("expected len 3, got %d", r.Len())
	}

	stats := r.Stats()
	if stats.PushCount != 5 {
		t.Errorf("expected 5 pushes, got %d", stats.PushCount)
	}
	if stats.DropCount != 2 {
		t.Errorf("expected 2 drops, got %d", stats.DropCount)
	}

	// The oldest two fell off
	oldest, newest := r.TimeRange()
	if oldest != 1002 || newest != 1004 {
		t.Errorf("expected range [1002, 1004], got [%d, %d]", oldest, newest)
	}
}

func TestRingQueryTenantScoped(t *testing.T) {
	r := NewRing(16)

	r.Push(point("acme", "PV001.power", 1000, 1))
	r.Push(point("globex", "PV001.power", 1001, 2))
	r.Push(point("acme", "BAT001.soc", 1002, 3))

	got := r.Query(PointFilter{TenantID: "acme"}, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 acme points, got %d", len(got))
	}
	for _, p := range got {
		if p.TenantID != "acme" {
			t.Errorf("leaked point for tenant %s", p.TenantID)
		}
	}

	// Missing tenant filter matches nothing
	if got := r.Query(PointFilter{}, 0); got != nil {
		t.Errorf("expected nil for empty tenant, got %d points", len(got))
	}
}

func TestRingQuerySeriesAndRange(t *testing.T) {
	r := NewRing(16)

	for i := int64(0); i < 10; i++ {
		r.Push(point("acme", "PV001.power", 1000+i, float64(i)))
	}

	got := r.Query(PointFilter{
		TenantID:  "acme",
		SeriesKey: "PV001.power",
		Since:     1003,
		Until:     1006,
	}, 0)

	if len(got) != 4 {
		t.Fatalf("expected 4 points in [1003, 1006], got %d", len(got))
	}
	if got[0].TimestampMs != 1003 || got[3].TimestampMs != 1006 {
		t.Errorf("unexpected bounds: %d..%d", got[0].TimestampMs, got[3].TimestampMs)
	}

	// Limit truncates from the oldest end
	got = r.Query(PointFilter{TenantID: "acme"}, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 limited points, got %d", len(got))
	}
	if got[0].TimestampMs != 1000 {
		t.Errorf("expected oldest first, got %d", got[0].TimestampMs)
	}
}

func TestRingEvictOlderThan(t *testing.T) {
	r := NewRing(16)

	for i := int64(0); i < 10; i++ {
		r.Push(point("acme", "PV001.power", 1000+i, float64(i)))
	}

	evicted := r.EvictOlderThan(1005)
	if evicted != 5 {
		t.Errorf("expected 5 evicted, got %d", evicted)
	}
	if r.Len() != 5 {
		t.Errorf("expected 5 remaining, got %d", r.Len())
	}

	oldest, _ := r.TimeRange()
	if oldest != 1005 {
		t.Errorf("expected oldest 1005, got %d", oldest)
	}
}

func TestLatestObserve(t *testing.T) {
	l := NewLatest()

	l.Observe(point("acme", "PV001.power", 1000, 100))
	l.Observe(point("acme", "PV001.power", 2000, 200))
	l.Observe(point("acme", "PV001.power", 1500, 150)) // older, ignored

	p, ok := l.Get("acme", "PV001.power")
	if !ok {
		t.Fatal("expected point")
	}
	if p.Value != 200 {
		t.Errorf("expected newest value 200, got %v", p.Value)
	}

	// Same timestamp, later ingest wins
	upd := point("acme", "PV001.power", 2000, 250)
	upd.IngestedMs = p.IngestedMs + 1
	l.Observe(upd)
	p, _ = l.Get("acme", "PV001.power")
	if p.Value != 250 {
		t.Errorf("expected re-ingested value 250, got %v", p.Value)
	}
}

func TestLatestSnapshotOrderAndIsolation(t *testing.T) {
	l := NewLatest()

	l.Observe(point("acme", "PV001.power", 3000, 1))
	l.Observe(point("acme", "BAT001.soc", 5000, 2))
	l.Observe(point("acme", "EV001.charge_power", 4000, 3))
	l.Observe(point("globex", "PV001.power", 9000, 4))

	snap := l.Snapshot("acme", 0)
	if len(snap) != 3 {
		t.Fatalf("expected 3 series, got %d", len(snap))
	}

	// Most recent first
	if snap[0].SeriesKey != "BAT001.soc" || snap[1].SeriesKey != "EV001.charge_power" || snap[2].SeriesKey != "PV001.power" {
		t.Errorf("unexpected order: %s, %s, %s", snap[0].SeriesKey, snap[1].SeriesKey, snap[2].SeriesKey)
	}

	// Other tenants never leak in
	for _, p := range snap {
		if p.TenantID != "acme" {
			t.Errorf("leaked point for tenant %s", p.TenantID)
		}
	}

	// Limit applies after sorting
	snap = l.Snapshot("acme", 2)
	if len(snap) != 2 || snap[0].SeriesKey != "BAT001.soc" {
		t.Errorf("limited snapshot wrong: %d entries", len(snap))
	}

	// Unknown tenant yields empty
	if snap := l.Snapshot("hooli", 0); len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %d", len(snap))
	}
}

func TestLatestEvictOlderThan(t *testing.T) {
	l := NewLatest()

	l.Observe(point("acme", "PV001.power", 1000, 1))
	l.Observe(point("acme", "BAT001.soc", 5000, 2))

	evicted := l.EvictOlderThan(2000)
	if evicted != 1 {
		t.Errorf("expected 1 evicted, got %d", evicted)
	}
	if _, ok := l.Get("acme", "PV001.power"); ok {
		t.Error("stale series should be gone")
	}
	if _, ok := l.Get("acme", "BAT001.soc"); !ok {
		t.Error("fresh series should remain")
	}
	if l.SeriesCount("acme") != 1 {
		t.Errorf("expected 1 series, got %d", l.SeriesCount("acme"))
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker(16, 10*time.Minute)

	now := time.Now().UnixMilli()
	tr.Observe(point("acme", "PV001.power", now-20*60_000, 1)) // outside window
	tr.Observe(point("acme", "PV001.power", now, 2))
	tr.Observe(point("acme", "BAT001.soc", now, 3))

	latest := tr.Latest("acme", 0)
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest series, got %d", len(latest))
	}

	backfill := tr.Backfill(PointFilter{TenantID: "acme", SeriesKey: "PV001.power"}, 0)
	if len(backfill) != 2 {
		t.Fatalf("expected 2 ring points, got %d", len(backfill))
	}

	evicted := tr.Evict(now)
	if evicted != 1 {
		t.Errorf("expected 1 ring eviction, got %d", evicted)
	}
	backfill = tr.Backfill(PointFilter{TenantID: "acme", SeriesKey: "PV001.power"}, 0)
	if len(backfill) != 1 {
		t.Errorf("expected 1 ring point after evict, got %d", len(backfill))
	}
}
