package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orbiteos/joule/internal/storage/types"
)

func TestEncodeDecode(t *testing.T) {
	points := []types.Point{
		{
			TenantID:    "acme",
			SeriesKey:   "site1/pv/power",
			TimestampMs: 1234567890123,
			Value:       3200.5,
			Unit:        "W",
			Quality:     types.QualityGood,
			IngestedMs:  1234567890500,
		},
		{
			TenantID:    "globex",
			SeriesKey:   "site2/battery/soc",
			TimestampMs: 1234567890456,
			Value:       72,
			Unit:        "%",
			Quality:     types.QualityEstimated,
			IngestedMs:  1234567890999,
		},
	}

	// Encode
	data, err := encodePoints(points)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Decode
	decoded, err := decodePoints(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(points) {
		t.Fatalf("expected %d points, got %d", len(points), len(decoded))
	}

	for i, p := range points {
		d := decoded[i]
		if d.TenantID != p.TenantID {
			t.Errorf("point %d: tenant mismatch", i)
		}
		if d.SeriesKey != p.SeriesKey {
			t.Errorf("point %d: series key mismatch", i)
		}
		if d.TimestampMs != p.TimestampMs {
			t.Errorf("point %d: timestamp mismatch", i)
		}
		if d.Value != p.Value {
			t.Errorf("point %d: value mismatch", i)
		}
		if d.Unit != p.Unit {
			t.Errorf("point %d: unit mismatch", i)
		}
		if d.Quality != p.Quality {
			t.Errorf("point %d: quality mismatch", i)
		}
		if d.IngestedMs != p.IngestedMs {
			t.Errorf("point %d: ingested_ms mismatch", i)
		}
	}
}

func testPoint(i int, now int64) types.Point {
	return types.Point{
		TenantID:    "acme",
		SeriesKey:   "site1/pv/power",
		TimestampMs: now + int64(i),
		Value:       float64(i),
		Unit:        "W",
		IngestedMs:  now + int64(i),
	}
}

func TestWriter_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := time.Now().UnixMilli()

	points := []types.Point{testPoint(0, now), testPoint(1, now)}
	if err := w.Write(points); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 1 {
		t.Errorf("expected 1 record written, got %d", stats.RecordsWritten)
	}

	// Sync and close
	if err := w.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}

func TestWriter_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 1024 // Small segment for testing

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := time.Now().UnixMilli()

	// Write many points to trigger rotation
	for i := 0; i < 100; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments due to rotation, got %d", len(segments))
	}

	stats := w.Stats()
	if stats.SegmentsCreated < 2 {
		t.Errorf("expected at least 2 segments created, got %d", stats.SegmentsCreated)
	}
}

func TestReader_Basic(t *testing.T) {
	tmpDir := t.TempDir()

	// Write points
	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()
	written := []types.Point{
		{TenantID: "acme", SeriesKey: "site1/pv/power", TimestampMs: now, Value: 50, Unit: "W"},
		{TenantID: "acme", SeriesKey: "site1/battery/soc", TimestampMs: now + 1, Value: 70, Unit: "%"},
		{TenantID: "globex", SeriesKey: "site9/grid/power", TimestampMs: now + 2, Value: -30, Unit: "W", Quality: types.QualityBad},
	}

	if err := w.Write(written); err != nil {
		t.Fatalf("Write: %v", err)
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	// Read points
	r, err := NewReader(segmentPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	read, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(read) != len(written) {
		t.Fatalf("expected %d points, got %d", len(written), len(read))
	}

	for i, p := range written {
		if read[i].TenantID != p.TenantID ||
			read[i].SeriesKey != p.SeriesKey ||
			read[i].TimestampMs != p.TimestampMs ||
			read[i].Value != p.Value {
			t.Errorf("point %d mismatch", i)
		}
	}
}

func TestReader_MultipleRecords(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()

	// Write multiple records
	for i := 0; i < 10; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	// Read all
	points, err := ReadSegment(segmentPath)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}

	if len(points) != 10 {
		t.Errorf("expected 10 points, got %d", len(points))
	}
}

func TestReadAllSegments(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 512 // Small for quick rotation

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()

	// Write enough to create multiple segments
	for i := 0; i < 50; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	w.Close()

	// List segments
	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}

	// Read all
	allPoints, err := ReadAllSegments(segments)
	if err != nil {
		t.Fatalf("ReadAllSegments: %v", err)
	}

	if len(allPoints) != 50 {
		t.Errorf("expected 50 points, got %d", len(allPoints))
	}
}

func TestIterator(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()

	// Write multiple records
	for i := 0; i < 5; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	// Use iterator
	it, err := NewIterator(segmentPath)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	count := 0
	for it.Next() {
		p := it.Point()
		if p.Value != float64(count) {
			t.Errorf("expected value=%d, got %f", count, p.Value)
		}
		count++
	}

	if err := it.Err(); err != nil {
		t.Errorf("iterator error: %v", err)
	}

	if count != 5 {
		t.Errorf("expected 5 points, got %d", count)
	}
}

func TestWriter_DeleteSegmentsBelow(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := int64(1_000_000)

	// Write to create multiple segments; timestamps ascend with i.
	for i := 0; i < 50; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := w.ListSegments()
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	initialCount := len(segments)
	if initialCount < 3 {
		t.Skipf("not enough segments created (%d), skipping delete test", initialCount)
	}

	// Everything is below now+100, but the current segment must survive.
	deleted, err := w.DeleteSegmentsBelow(now + 100)
	if err != nil {
		t.Fatalf("DeleteSegmentsBelow: %v", err)
	}
	if deleted != initialCount-1 {
		t.Errorf("expected %d deleted, got %d", initialCount-1, deleted)
	}

	remaining, _ := w.ListSegments()
	if len(remaining) != 1 {
		t.Errorf("expected only current segment remaining, got %d", len(remaining))
	}
	if remaining[0] != w.CurrentSegment() {
		t.Errorf("current segment was deleted")
	}

	// A boundary below every bound deletes nothing.
	deleted, err = w.DeleteSegmentsBelow(now - 100)
	if err != nil {
		t.Fatalf("DeleteSegmentsBelow: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted, got %d", deleted)
	}
}

func TestWriter_Recovery(t *testing.T) {
	tmpDir := t.TempDir()

	now := time.Now().UnixMilli()

	// Write some data
	{
		w, err := NewWriter(tmpDir, DefaultOptions())
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}

		for i := 0; i < 10; i++ {
			if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
				t.Fatalf("Write %d: %v", i, err)
			}
		}

		w.Sync()
		w.Close()
	}

	// Re-open (recovery scenario)
	{
		w, err := NewWriter(tmpDir, DefaultOptions())
		if err != nil {
			t.Fatalf("NewWriter after recovery: %v", err)
		}
		defer w.Close()

		// Should create new segment
		segments, _ := w.ListSegments()
		if len(segments) != 2 {
			t.Errorf("expected 2 segments after recovery, got %d", len(segments))
		}

		// Write more
		if err := w.Write([]types.Point{testPoint(100, now)}); err != nil {
			t.Fatalf("Write after recovery: %v", err)
		}
	}

	// Verify all data
	entries, _ := os.ReadDir(tmpDir)
	var allPaths []string
	for _, e := range entries {
		if !e.IsDir() {
			allPaths = append(allPaths, filepath.Join(tmpDir, e.Name()))
		}
	}

	allPoints, err := ReadAllSegments(allPaths)
	if err != nil {
		t.Fatalf("ReadAllSegments: %v", err)
	}

	if len(allPoints) != 11 {
		t.Errorf("expected 11 points total, got %d", len(allPoints))
	}
}

func TestReader_CorruptTail(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	segmentPath := w.CurrentSegment()
	w.Sync()
	w.Close()

	// Simulate a torn write: append garbage after the valid records.
	f, err := os.OpenFile(segmentPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	f.Write([]byte{0x10, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef, 0x01})
	f.Close()

	points, err := ReadSegment(segmentPath)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("expected 3 valid points despite corrupt tail, got %d", len(points))
	}
}

func TestReader_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	invalidPath := filepath.Join(tmpDir, "invalid.wal")

	// Create invalid file
	if err := os.WriteFile(invalidPath, []byte("invalid content"), 0644); err != nil {
		t.Fatalf("write invalid file: %v", err)
	}

	_, err := NewReader(invalidPath)
	if err == nil {
		t.Error("expected error for invalid file")
	}
}

func BenchmarkWriter_Write(b *testing.B) {
	tmpDir := b.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := time.Now().UnixMilli()
	points := make([]types.Point, 100)
	for i := range points {
		points[i] = testPoint(i, now)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Write(points); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}
}

func BenchmarkReader_ReadAll(b *testing.B) {
	tmpDir := b.TempDir()

	// Write test data
	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}

	now := time.Now().UnixMilli()
	for i := 0; i < 1000; i++ {
		if err := w.Write([]types.Point{testPoint(i, now)}); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}

	segmentPath := w.CurrentSegment()
	w.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, _ := NewReader(segmentPath)
		r.ReadAll()
		r.Close()
	}
}
