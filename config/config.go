package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/simlog/buffer"
	"github.com/xtxerr/simlog/internal/errors"
	"github.com/xtxerr/simlog/quantize"
	"github.com/xtxerr/simlog/segment"
)

// Config represents the complete engine configuration.
type Config struct {
	// Buffer configures the per-stream ring buffers.
	Buffer BufferConfig `yaml:"buffer"`

	// Quantize configures fixed-point encoding.
	Quantize QuantizeConfig `yaml:"quantize"`

	// Segment configures on-disk segment files.
	Segment SegmentConfig `yaml:"segment"`

	// Drain configures the background drain loop.
	Drain DrainConfig `yaml:"drain"`

	// Log configures diagnostic logging.
	Log LogConfig `yaml:"log"`
}

// BufferConfig configures the per-stream ring buffers.
type BufferConfig struct {
	// Capacity is the buffer capacity in records. Rounded up to a power
	// of two.
	Capacity int `yaml:"capacity"`

	// Policy is the overflow policy: block, drop_oldest, drop_newest.
	// Applies to every stream unless overridden at registration.
	Policy string `yaml:"policy"`
}

// QuantizeConfig configures fixed-point encoding.
type QuantizeConfig struct {
	// EpochScale is the epoch resolution. An epoch e is stored as
	// round(e / epoch_scale).
	EpochScale float64 `yaml:"epoch_scale"`

	// ValueScale is the measurement value resolution.
	ValueScale float64 `yaml:"value_scale"`

	// OverflowMode is the out-of-range handling: abort, clamp.
	OverflowMode string `yaml:"overflow_mode"`
}

// SegmentConfig configures on-disk segment files.
type SegmentConfig struct {
	// MaxBytes is the uncompressed segment size before rotation.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxRecords is the record count before rotation. Zero disables
	// record-based rotation.
	MaxRecords int64 `yaml:"max_records"`

	// ZstdLevel is the compression level (1-22).
	ZstdLevel int `yaml:"zstd_level"`

	// SyncOnRotate fsyncs each segment at rotation, not only at close.
	SyncOnRotate bool `yaml:"sync_on_rotate"`
}

// DrainConfig configures the background drain loop.
type DrainConfig struct {
	// BatchSize is the number of records moved from one stream's buffer
	// per pass.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is how long the loop sleeps when every buffer is
	// empty.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LogConfig configures diagnostic logging.
type LogConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is the output format: text, json.
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("parse config file: %v: %w", err, errors.ErrInvalidConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			Capacity: DefaultBufferCapacity,
			Policy:   DefaultOverflowPolicy,
		},
		Quantize: QuantizeConfig{
			EpochScale:   DefaultEpochScale,
			ValueScale:   DefaultValueScale,
			OverflowMode: DefaultOverflowMode,
		},
		Segment: SegmentConfig{
			MaxBytes:   DefaultMaxSegmentBytes,
			MaxRecords: DefaultMaxSegmentRecords,
			ZstdLevel:  DefaultZstdLevel,
		},
		Drain: DrainConfig{
			BatchSize:    DefaultDrainBatchSize,
			PollInterval: DefaultDrainPollInterval,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	if c.Buffer.Capacity <= 0 {
		errs.AddField("buffer.capacity", "must be positive")
	}
	if _, err := buffer.ParsePolicy(c.Buffer.Policy); err != nil {
		errs.AddField("buffer.policy", "must be one of: block, drop_oldest, drop_newest")
	}

	if !(c.Quantize.EpochScale > 0) {
		errs.AddField("quantize.epoch_scale", "must be positive")
	}
	if !(c.Quantize.ValueScale > 0) {
		errs.AddField("quantize.value_scale", "must be positive")
	}
	if _, err := quantize.ParseMode(c.Quantize.OverflowMode); err != nil {
		errs.AddField("quantize.overflow_mode", "must be one of: abort, clamp")
	}

	if c.Segment.MaxBytes <= 0 {
		errs.AddField("segment.max_bytes", "must be positive")
	}
	if c.Segment.MaxRecords < 0 {
		errs.AddField("segment.max_records", "must be non-negative")
	}
	if c.Segment.ZstdLevel < 1 || c.Segment.ZstdLevel > 22 {
		errs.AddField("segment.zstd_level", "must be between 1 and 22")
	}

	if c.Drain.BatchSize <= 0 {
		errs.AddField("drain.batch_size", "must be positive")
	}
	if c.Drain.PollInterval <= 0 {
		errs.AddField("drain.poll_interval", "must be positive")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("log.level", "must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs.AddField("log.format", "must be one of: text, json")
	}

	return errs.Err()
}

// OverflowPolicy returns the parsed buffer policy. The configuration must
// have been validated.
func (c *Config) OverflowPolicy() buffer.OverflowPolicy {
	p, err := buffer.ParsePolicy(c.Buffer.Policy)
	if err != nil {
		return buffer.Block
	}
	return p
}

// OverflowMode returns the parsed quantizer mode. The configuration must
// have been validated.
func (c *Config) OverflowMode() quantize.Mode {
	m, err := quantize.ParseMode(c.Quantize.OverflowMode)
	if err != nil {
		return quantize.Abort
	}
	return m
}

// SegmentOptions returns the segment writer options this configuration
// describes.
func (c *Config) SegmentOptions() segment.Options {
	return segment.Options{
		MaxSegmentBytes:   c.Segment.MaxBytes,
		MaxSegmentRecords: c.Segment.MaxRecords,
		ZstdLevel:         c.Segment.ZstdLevel,
		SyncOnRotate:      c.Segment.SyncOnRotate,
	}
}

// LogLevel returns the parsed log level. Unknown levels map to info.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogJSON reports whether logs should be emitted as JSON.
func (c *Config) LogJSON() bool {
	return c.Log.Format == "json"
}
