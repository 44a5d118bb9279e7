// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Point: A single tenant-scoped measurement
//   - ChunkMeta: Metadata for a fixed-width time partition and its state machine
//   - Resolution: Data resolution (Raw, 5m, 1h, 1d)
//   - RollupRow: Aggregated statistics for a rollup bucket
package types
