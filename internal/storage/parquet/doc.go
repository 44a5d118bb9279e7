// Package parquet implements Parquet file reading and writing for chunk data
// and rollup segments.
//
// The package provides:
//   - PointWriter/PointReader for raw measurement points in chunk files
//   - BucketWriter/BucketReader for finalized rollup buckets in segment files
//   - WritePointsFile/WriteBucketsFile for atomic tmp-then-rename file writes
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Type conversion between storage types and Parquet rows
package parquet
