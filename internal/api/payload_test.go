package api

import (
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/types"
)

func TestParseTimeMs(t *testing.T) {
	rfc := time.Date(2026, 2, 25, 12, 30, 0, 0, time.UTC)

	for _, tc := range []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1772000000000", 1_772_000_000_000, false},
		{"0", 0, false},
		{"-1", -1, false},
		{"2026-02-25T12:30:00Z", rfc.UnixMilli(), false},
		{"2026-02-25T13:30:00+01:00", rfc.UnixMilli(), false},
		{"yesterday", 0, true},
		{"", 0, true},
		{"2026-02-25", 0, true},
	} {
		got, err := parseTimeMs(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseTimeMs(%q) = %d, want error", tc.in, got)
			} else if !errors.Is(err, errors.ErrInvalidTimestamp) {
				t.Errorf("parseTimeMs(%q) error = %v, want ErrInvalidTimestamp", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTimeMs(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseTimeMs(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPointPayloadConversion(t *testing.T) {
	in := pointPayload{
		SeriesKey:   "PV001.power",
		TimestampMs: 123,
		Value:       4.5,
		Unit:        "W",
		Quality:     "estimated",
	}

	p := in.toPoint("acme")
	if p.TenantID != "acme" {
		t.Errorf("tenant = %q, want the bound tenant", p.TenantID)
	}
	if p.Quality != types.QualityEstimated {
		t.Errorf("quality = %v, want estimated", p.Quality)
	}

	p.IngestedMs = 999
	out := fromPoint(p)
	if out.TenantID != "acme" || out.SeriesKey != "PV001.power" ||
		out.Quality != "estimated" || out.IngestedMs != 999 {
		t.Errorf("round trip = %+v", out)
	}

	// Unknown quality strings degrade to good, matching bridges that do
	// not report quality at all.
	if q := (pointPayload{Quality: "???"}).toPoint("t").Quality; q != types.QualityGood {
		t.Errorf("unknown quality = %v, want good", q)
	}
}

func TestRowPayloadCarriesPercentiles(t *testing.T) {
	row := types.RollupRow{
		SeriesKey:     "PV001.power",
		BucketStartMs: 60_000,
		Count:         4,
		Sum:           100,
		Min:           10,
		Max:           40,
	}

	out := fromRow(row)
	if out.Avg != 25 {
		t.Errorf("avg = %v, want 25", out.Avg)
	}
	if out.P50 != nil || out.P95 != nil || out.P99 != nil {
		t.Errorf("percentiles without a sketch should be omitted: %+v", out)
	}
}
