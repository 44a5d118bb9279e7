package parquet

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/orbiteos/joule/internal/storage/types"
)

// PointReader reads raw points from a Parquet chunk file.
type PointReader struct {
	file   *os.File
	reader *parquet.GenericReader[PointRow]
	path   string
}

// NewPointReader creates a new point Parquet reader.
func NewPointReader(path string) (*PointReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[PointRow](f)

	return &PointReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n points from the file.
func (r *PointReader) Read(n int) ([]types.Point, error) {
	rows := make([]PointRow, n)
	count, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	points := make([]types.Point, count)
	for i := 0; i < count; i++ {
		points[i] = RowToPoint(&rows[i])
	}

	return points, nil
}

// ReadAll reads all points from the file.
func (r *PointReader) ReadAll() ([]types.Point, error) {
	numRows := r.reader.NumRows()
	rows := make([]PointRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	points := make([]types.Point, n)
	for i := 0; i < n; i++ {
		points[i] = RowToPoint(&rows[i])
	}

	return points, nil
}

// NumRows returns the total number of rows in the file.
func (r *PointReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *PointReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *PointReader) Path() string {
	return r.path
}

// BucketReader reads rollup buckets from a Parquet segment file.
type BucketReader struct {
	file   *os.File
	reader *parquet.GenericReader[BucketRow]
	path   string
}

// NewBucketReader creates a new rollup bucket Parquet reader.
func NewBucketReader(path string) (*BucketReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[BucketRow](f)

	return &BucketReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n rollup rows from the file.
func (r *BucketReader) Read(n int) ([]types.RollupRow, error) {
	rows := make([]BucketRow, n)
	count, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	results := make([]types.RollupRow, count)
	for i := 0; i < count; i++ {
		results[i] = RowToBucket(&rows[i])
	}

	return results, nil
}

// ReadAll reads all rollup rows from the file.
func (r *BucketReader) ReadAll() ([]types.RollupRow, error) {
	numRows := r.reader.NumRows()
	rows := make([]BucketRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil {
		return nil, err
	}

	results := make([]types.RollupRow, n)
	for i := 0; i < n; i++ {
		results[i] = RowToBucket(&rows[i])
	}

	return results, nil
}

// NumRows returns the total number of rows in the file.
func (r *BucketReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *BucketReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *BucketReader) Path() string {
	return r.path
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns size and row count for a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
	}, nil
}
