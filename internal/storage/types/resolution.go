package types

import (
	"fmt"
	"time"
)

// Resolution identifies a data resolution: raw points or one of the
// fixed rollup widths.
type Resolution int

const (
	// ResolutionRaw is the ingest resolution (nominally <= 5s per series).
	// Retention: 30 days
	ResolutionRaw Resolution = iota

	// Resolution5m stores 5-minute rollup buckets.
	// Retention: 90 days
	Resolution5m

	// Resolution1h stores hourly rollup buckets.
	// Retention: 1 year
	Resolution1h

	// Resolution1d stores daily rollup buckets.
	// Retention: 2 years
	Resolution1d
)

// String returns the string representation of the resolution.
func (r Resolution) String() string {
	switch r {
	case ResolutionRaw:
		return "raw"
	case Resolution5m:
		return "5m"
	case Resolution1h:
		return "1h"
	case Resolution1d:
		return "1d"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// IsRollup returns true for the derived resolutions (everything but raw).
func (r Resolution) IsRollup() bool {
	return r != ResolutionRaw
}

// Duration returns the bucket width for this resolution.
// ResolutionRaw has no fixed width and returns 0.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution5m:
		return 5 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// DefaultRetention returns the default retention duration for this resolution.
func (r Resolution) DefaultRetention() time.Duration {
	switch r {
	case ResolutionRaw:
		return 30 * 24 * time.Hour // 30 days
	case Resolution5m:
		return 90 * 24 * time.Hour // 90 days
	case Resolution1h:
		return 365 * 24 * time.Hour // 1 year
	case Resolution1d:
		return 2 * 365 * 24 * time.Hour // 2 years
	default:
		return 0
	}
}

// BucketsPerDay returns the number of buckets in a day for this resolution.
func (r Resolution) BucketsPerDay() int {
	switch r {
	case Resolution5m:
		return 288 // 24 * 12
	case Resolution1h:
		return 24
	case Resolution1d:
		return 1
	default:
		return 0
	}
}

// TruncateToBucket truncates a timestamp to the start of its bucket.
// Buckets are aligned to UTC, matching chunk alignment.
func (r Resolution) TruncateToBucket(ts time.Time) time.Time {
	switch r {
	case Resolution5m:
		return ts.UTC().Truncate(5 * time.Minute)
	case Resolution1h:
		return ts.UTC().Truncate(time.Hour)
	case Resolution1d:
		u := ts.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return ts.UTC()
	}
}

// BucketStartMs truncates a Unix-ms timestamp to its bucket start in Unix ms.
func (r Resolution) BucketStartMs(tsMs int64) int64 {
	if !r.IsRollup() {
		return tsMs
	}
	width := r.Duration().Milliseconds()
	start := (tsMs / width) * width
	if tsMs < 0 && tsMs%width != 0 {
		start -= width
	}
	return start
}

// ParseResolution parses a string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "raw":
		return ResolutionRaw, nil
	case "5m":
		return Resolution5m, nil
	case "1h":
		return Resolution1h, nil
	case "1d":
		return Resolution1d, nil
	default:
		return ResolutionRaw, fmt.Errorf("unknown resolution: %s", s)
	}
}

// AllResolutions returns all resolutions including raw, finest first.
func AllResolutions() []Resolution {
	return []Resolution{ResolutionRaw, Resolution5m, Resolution1h, Resolution1d}
}

// RollupResolutions returns the derived resolutions, finest first.
func RollupResolutions() []Resolution {
	return []Resolution{Resolution5m, Resolution1h, Resolution1d}
}
