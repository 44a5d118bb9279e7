// Package storage implements the multi-tenant time-series engine behind
// the joule telemetry API.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│  Partition  │────▶│ Compression │
//	│   Service   │     │  (Mem/WAL)  │     │  (Parquet)  │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │
//	                           ▼
//	                    ┌─────────────┐
//	                    │   Rollup    │
//	                    │   Manager   │
//	                    └─────────────┘
//
// The storage engine provides:
//   - Last-write-wins upsert ingestion behind a write-ahead log
//   - Epoch-aligned chunks that close once the skew window passes
//   - Continuous rollups (5m → 1h → 1d) with provisional reads before finalize
//   - Parquet-based columnar storage for cold chunks and rollup segments
//   - DuckDB-backed metadata: chunk states, series index, watermark
//   - DDSketch-based percentile columns on finalized buckets
//   - Per-tenant retention overrides on top of the global policy
//   - Backpressure handling
//
// The Service owns the shared components, replays the WAL on startup, and
// drives the passive managers from background tickers.
package storage
