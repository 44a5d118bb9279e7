// Package partition implements time-based chunk partitioning for raw points.
//
// A chunk is a fixed-width time interval aligned to the Unix epoch, shared
// by all tenants. The Manager resolves timestamps to chunks, enforces the
// skew and late-write gates, and drives the one-way chunk state machine;
// the Memstore holds the uncompressed points of every writable chunk.
package partition
