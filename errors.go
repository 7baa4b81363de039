package simlog

import (
	"github.com/xtxerr/simlog/internal/errors"
)

// Sentinel errors, re-exported so callers match them with errors.Is against
// this package alone.
var (
	ErrEncodingOverflow = errors.ErrEncodingOverflow
	ErrBufferFull       = errors.ErrBufferFull
	ErrOutOfOrderEpoch  = errors.ErrOutOfOrderEpoch
	ErrStreamClosed     = errors.ErrStreamClosed
	ErrLoggerClosed     = errors.ErrLoggerClosed
	ErrRunFinished      = errors.ErrRunFinished
	ErrStreamNotFound   = errors.ErrStreamNotFound
	ErrSegmentIO        = errors.ErrSegmentIO
	ErrCorruptSegment   = errors.ErrCorruptSegment
	ErrTruncatedSegment = errors.ErrTruncatedSegment
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrInvalidVector    = errors.ErrInvalidVector
	ErrInvalidMetadata  = errors.ErrInvalidMetadata
)
