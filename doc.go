// Package simlog implements a high-throughput buffered logging engine for
// sparse numerical measurements produced by long-running simulations.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Streams   │────▶│   Buffer    │────▶│   Segment   │
//	│ (raw/period)│     │ (lock-free) │     │   Writer    │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	       │                                       │
//	       ▼                                       ▼
//	┌─────────────┐                         ┌─────────────┐
//	│  Aggregate  │                         │ *.seg.zst   │
//	│   Reducer   │                         │ + metadata  │
//	└─────────────┘                         └─────────────┘
//
// Producers record sparse vectors tagged with a simulation epoch on
// independent streams. Records are quantized to fixed-point, framed, and
// handed to a per-stream lock-free ring buffer; a background drain loop
// moves them into zstd-compressed segment files. Periodic streams fold
// records into fixed-length periods before framing, as running state or as
// element-wise sums.
//
// The engine provides:
//   - Non-blocking record path with configurable overflow policies
//   - Fixed-point encoding with abort or clamp overflow handling
//   - Per-stream record order preserved across segment rotation
//   - Periodic reduction (state / accumulator) with gap filling
//   - Crash-tolerant segment format, readable up to the torn tail
//   - A completion marker so consumers know a run's data is final
package simlog
