// Package config provides configuration defaults and utilities
// for the logging engine.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or the Config struct.
package config

import "time"

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the per-stream ring buffer capacity in
	// records. Rounded up to a power of two.
	// Override via config: buffer.capacity
	DefaultBufferCapacity = 4096

	// DefaultOverflowPolicy decides what happens when a producer hits a
	// full buffer. "block" never loses a record; "drop_oldest" and
	// "drop_newest" trade loss for bounded producer latency.
	// Override via config: buffer.policy
	DefaultOverflowPolicy = "block"
)

// =============================================================================
// Quantization Defaults
// =============================================================================

const (
	// DefaultEpochScale is the fixed-point resolution for epochs.
	// 1e-3 resolves simulation time to a thousandth of a unit.
	// Override via config: quantize.epoch_scale
	DefaultEpochScale = 1e-3

	// DefaultValueScale is the fixed-point resolution for measurement
	// values.
	// Override via config: quantize.value_scale
	DefaultValueScale = 1e-6

	// DefaultOverflowMode decides how out-of-range values are handled.
	// "abort" rejects the record; "clamp" saturates to the range limit.
	// Override via config: quantize.overflow_mode
	DefaultOverflowMode = "abort"
)

// =============================================================================
// Segment Defaults
// =============================================================================

const (
	// DefaultMaxSegmentBytes is the uncompressed segment size before
	// rotation.
	// Override via config: segment.max_bytes
	DefaultMaxSegmentBytes = 4 * 1024 * 1024

	// DefaultMaxSegmentRecords is the record count before rotation.
	// Zero disables record-based rotation.
	// Override via config: segment.max_records
	DefaultMaxSegmentRecords = 0

	// DefaultZstdLevel is the segment compression level (1-22).
	// Level 3 is the zstd default: good ratio at high throughput.
	// Override via config: segment.zstd_level
	DefaultZstdLevel = 3
)

// =============================================================================
// Drain Defaults
// =============================================================================

const (
	// DefaultDrainBatchSize is the number of records the drain loop moves
	// from one stream's buffer per pass before visiting the next stream.
	// Override via config: drain.batch_size
	DefaultDrainBatchSize = 256

	// DefaultDrainPollInterval is how long the drain loop sleeps when
	// every buffer is empty.
	// Override via config: drain.poll_interval
	DefaultDrainPollInterval = time.Millisecond
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the diagnostic log level.
	// Override via config: log.level
	DefaultLogLevel = "info"

	// DefaultLogFormat is the diagnostic log format: "text" or "json".
	// Override via config: log.format
	DefaultLogFormat = "text"
)
