package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/orbiteos/joule/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// PageSize is the target page size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// PointRow represents a raw point in Parquet format. Chunk files are sorted
// by (tenant_id, series_key, timestamp_ms) so the string columns compress to
// near nothing under zstd, and the column names line up with what the query
// engine expects from read_parquet.
type PointRow struct {
	TenantID    string  `parquet:"tenant_id,zstd"`
	SeriesKey   string  `parquet:"series_key,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
	Unit        string  `parquet:"unit,zstd"`
	Quality     int32   `parquet:"quality"`
	IngestedMs  int64   `parquet:"ingested_ms"`
}

// BucketRow represents a finalized rollup bucket in Parquet format.
// Percentiles are optional: buckets written with sketches disabled carry
// nulls, not zeros.
type BucketRow struct {
	TenantID      string   `parquet:"tenant_id,zstd"`
	SeriesKey     string   `parquet:"series_key,zstd"`
	Resolution    string   `parquet:"resolution,zstd"`
	BucketStartMs int64    `parquet:"bucket_start_ms"`
	Count         int64    `parquet:"count"`
	Sum           float64  `parquet:"sum"`
	Min           float64  `parquet:"min"`
	Max           float64  `parquet:"max"`
	Last          float64  `parquet:"last"`
	LastTsMs      int64    `parquet:"last_ts_ms"`
	Unit          string   `parquet:"unit,zstd"`
	P50           *float64 `parquet:"p50,optional"`
	P95           *float64 `parquet:"p95,optional"`
	P99           *float64 `parquet:"p99,optional"`
}

// PointToRow converts a Point to a PointRow.
func PointToRow(p *types.Point) PointRow {
	return PointRow{
		TenantID:    p.TenantID,
		SeriesKey:   p.SeriesKey,
		TimestampMs: p.TimestampMs,
		Value:       p.Value,
		Unit:        p.Unit,
		Quality:     int32(p.Quality),
		IngestedMs:  p.IngestedMs,
	}
}

// RowToPoint converts a PointRow to a Point.
func RowToPoint(r *PointRow) types.Point {
	return types.Point{
		TenantID:    r.TenantID,
		SeriesKey:   r.SeriesKey,
		TimestampMs: r.TimestampMs,
		Value:       r.Value,
		Unit:        r.Unit,
		Quality:     types.Quality(r.Quality),
		IngestedMs:  r.IngestedMs,
	}
}

// BucketToRow converts a RollupRow to a BucketRow.
func BucketToRow(b *types.RollupRow) BucketRow {
	return BucketRow{
		TenantID:      b.TenantID,
		SeriesKey:     b.SeriesKey,
		Resolution:    b.Resolution.String(),
		BucketStartMs: b.BucketStartMs,
		Count:         b.Count,
		Sum:           b.Sum,
		Min:           b.Min,
		Max:           b.Max,
		Last:          b.Last,
		LastTsMs:      b.LastTs,
		Unit:          b.Unit,
		P50:           b.P50,
		P95:           b.P95,
		P99:           b.P99,
	}
}

// RowToBucket converts a BucketRow back to a RollupRow. The resolution column
// is written by this package; an unparseable value only appears on a file
// produced elsewhere and maps to raw, which segment validation rejects.
func RowToBucket(r *BucketRow) types.RollupRow {
	res, _ := types.ParseResolution(r.Resolution)
	return types.RollupRow{
		TenantID:      r.TenantID,
		SeriesKey:     r.SeriesKey,
		Resolution:    res,
		BucketStartMs: r.BucketStartMs,
		Count:         r.Count,
		Sum:           r.Sum,
		Min:           r.Min,
		Max:           r.Max,
		Last:          r.Last,
		LastTs:        r.LastTsMs,
		Unit:          r.Unit,
		P50:           r.P50,
		P95:           r.P95,
		P99:           r.P99,
	}
}

// PointWriter writes raw points to a Parquet file.
type PointWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[PointRow]
	rowCount int64
	closed   bool
}

// NewPointWriter creates a new point Parquet writer.
func NewPointWriter(path string, opts Options) (*PointWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[PointRow](f, writerOpts...)

	return &PointWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes points to the Parquet file.
func (w *PointWriter) Write(points []types.Point) error {
	if len(points) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]PointRow, len(points))
	for i := range points {
		rows[i] = PointToRow(&points[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *PointWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *PointWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *PointWriter) Path() string {
	return w.path
}

// BucketWriter writes rollup buckets to a Parquet file.
type BucketWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[BucketRow]
	rowCount int64
	closed   bool
}

// NewBucketWriter creates a new rollup bucket Parquet writer.
func NewBucketWriter(path string, opts Options) (*BucketWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[BucketRow](f, writerOpts...)

	return &BucketWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rollup rows to the Parquet file.
func (w *BucketWriter) Write(rows []types.RollupRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	bucketRows := make([]BucketRow, len(rows))
	for i := range rows {
		bucketRows[i] = BucketToRow(&rows[i])
	}

	n, err := w.writer.Write(bucketRows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *BucketWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *BucketWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *BucketWriter) Path() string {
	return w.path
}

// WritePointsFile writes points to path atomically: the rows go to a
// temporary sibling first and the rename happens only after a successful
// close, so a crash mid-write never leaves a partial chunk file behind.
// Returns the row count and file size of the finished file.
func WritePointsFile(path string, points []types.Point, opts Options) (int64, int64, error) {
	tmp := path + ".tmp"

	w, err := NewPointWriter(tmp, opts)
	if err != nil {
		return 0, 0, err
	}

	if err := w.Write(points); err != nil {
		w.Close()
		os.Remove(tmp)
		return 0, 0, err
	}

	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}

	stat, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("stat temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("rename temp file: %w", err)
	}

	return w.RowCount(), stat.Size(), nil
}

// WriteBucketsFile writes rollup rows to path atomically, mirroring
// WritePointsFile. Returns the row count and file size of the finished file.
func WriteBucketsFile(path string, rows []types.RollupRow, opts Options) (int64, int64, error) {
	tmp := path + ".tmp"

	w, err := NewBucketWriter(tmp, opts)
	if err != nil {
		return 0, 0, err
	}

	if err := w.Write(rows); err != nil {
		w.Close()
		os.Remove(tmp)
		return 0, 0, err
	}

	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}

	stat, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("stat temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, 0, fmt.Errorf("rename temp file: %w", err)
	}

	return w.RowCount(), stat.Size(), nil
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
