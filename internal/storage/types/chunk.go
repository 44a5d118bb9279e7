package types

import (
	"fmt"
	"time"
)

// ChunkState is the lifecycle state of a time partition.
//
// Transitions are one-way:
//
//	OPEN -> CLOSED            (wall clock passes the chunk's end bound)
//	CLOSED -> COMPRESSED      (columnar rewrite after the compression delay)
//	CLOSED -> EXPIRED         (retention, when a chunk ages out before compression)
//	COMPRESSED -> EXPIRED     (retention)
type ChunkState int

const (
	// ChunkOpen is the single chunk covering "now". Accepts writes.
	ChunkOpen ChunkState = iota

	// ChunkClosed is a past chunk still in its late-write window.
	// Accepts writes above the finalized watermark.
	ChunkClosed

	// ChunkCompressed is an immutable columnar chunk on disk.
	ChunkCompressed

	// ChunkExpired is a deleted chunk. Metadata may linger briefly between
	// data deletion and metadata removal; queries never consult it.
	ChunkExpired
)

// String returns the string representation of the state.
func (s ChunkState) String() string {
	switch s {
	case ChunkOpen:
		return "open"
	case ChunkClosed:
		return "closed"
	case ChunkCompressed:
		return "compressed"
	case ChunkExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseChunkState parses a string into a ChunkState.
func ParseChunkState(s string) (ChunkState, error) {
	switch s {
	case "open":
		return ChunkOpen, nil
	case "closed":
		return ChunkClosed, nil
	case "compressed":
		return ChunkCompressed, nil
	case "expired":
		return ChunkExpired, nil
	default:
		return ChunkOpen, fmt.Errorf("unknown chunk state: %s", s)
	}
}

// CanTransition reports whether the state machine permits from -> to.
func (s ChunkState) CanTransition(to ChunkState) bool {
	switch s {
	case ChunkOpen:
		return to == ChunkClosed
	case ChunkClosed:
		return to == ChunkCompressed || to == ChunkExpired
	case ChunkCompressed:
		return to == ChunkExpired
	default:
		return false
	}
}

// Writable reports whether points may still land in a chunk in this state.
func (s ChunkState) Writable() bool {
	return s == ChunkOpen || s == ChunkClosed
}

// ChunkMeta is the durable metadata for one chunk. The chunk's identity is
// its interval start; data bytes live separately (in memory plus WAL while
// writable, as a parquet file once compressed).
type ChunkMeta struct {
	StartMs int64 // Interval start, inclusive (Unix ms); chunk identity
	EndMs   int64 // Interval end, exclusive (Unix ms)
	State   ChunkState

	RowCount int64
	ByteSize int64

	// FilePath is the compressed parquet file, empty until COMPRESSED.
	FilePath string

	CompressedAtMs int64 // 0 until compressed
	UpdatedAtMs    int64
}

// Contains reports whether tsMs falls inside the chunk interval.
func (c *ChunkMeta) Contains(tsMs int64) bool {
	return tsMs >= c.StartMs && tsMs < c.EndMs
}

// Overlaps reports whether [startMs, endMs) intersects the chunk interval.
func (c *ChunkMeta) Overlaps(startMs, endMs int64) bool {
	return c.StartMs < endMs && startMs < c.EndMs
}

// Start returns the interval start as a time.Time.
func (c *ChunkMeta) Start() time.Time {
	return time.UnixMilli(c.StartMs)
}

// End returns the interval end as a time.Time.
func (c *ChunkMeta) End() time.Time {
	return time.UnixMilli(c.EndMs)
}

// Label returns a compact identifier used in log lines and file names.
func (c *ChunkMeta) Label() string {
	return c.Start().UTC().Format("2006-01-02_15-04")
}

// ChunkWidthMs converts a configured chunk width to milliseconds, guarding
// against zero.
func ChunkWidthMs(width time.Duration) int64 {
	ms := width.Milliseconds()
	if ms <= 0 {
		ms = (24 * time.Hour).Milliseconds()
	}
	return ms
}

// ChunkStartFor returns the epoch-aligned chunk start containing tsMs.
// Alignment is anchored at the Unix epoch, not per tenant, so every tenant
// shares the same partition boundaries.
func ChunkStartFor(tsMs int64, widthMs int64) int64 {
	start := (tsMs / widthMs) * widthMs
	if tsMs < 0 && tsMs%widthMs != 0 {
		start -= widthMs
	}
	return start
}
