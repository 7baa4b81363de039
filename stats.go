package simlog

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LoggerStats holds combined engine statistics.
type LoggerStats struct {
	Streams         int
	Records         int64 // records accepted across all streams
	Dropped         int64 // records lost to drop policies
	Buffered        int   // records waiting in ring buffers
	BlockedPushes   int64 // pushes that waited on a full buffer
	EncodeErrors    int64 // records rejected by quantization
	FramesWritten   int64
	SegmentsCreated int64
	BytesWritten    int64 // uncompressed
	BytesOnDisk     int64 // compressed, completed segments
	Errors          int64

	// Drain-side distributions, measured per segment append.
	AppendLatencyP50 time.Duration
	AppendLatencyP95 time.Duration
	AppendLatencyP99 time.Duration
	FrameBytesP50    float64
	FrameBytesP95    float64
	FrameBytesP99    float64
}

// StreamStats holds statistics for one stream.
type StreamStats struct {
	Records       int64 // records accepted
	Dropped       int64 // records lost to drop policies
	Buffered      int   // records waiting in the ring buffer
	BlockedPushes int64 // pushes that waited on a full buffer
	EncodeErrors  int64 // records rejected by quantization
	FramesWritten int64
	Segments      int64
	BytesWritten  int64
	BytesOnDisk   int64
	Errors        int64
	Failed        bool // the stream hit an unrecoverable write error
}

// drainTracker tracks append latency and frame size distributions for the
// drain loop. Only the drain goroutine records observations.
type drainTracker struct {
	mu          sync.Mutex
	appendNanos *ddsketch.DDSketch
	frameBytes  *ddsketch.DDSketch
}

func newDrainTracker() *drainTracker {
	t := &drainTracker{}

	// 1% relative accuracy
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		t.appendNanos = sketch
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		t.frameBytes = sketch
	}
	return t
}

// observe records one segment append.
func (t *drainTracker) observe(d time.Duration, payloadBytes int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.appendNanos != nil {
		t.appendNanos.Add(float64(d.Nanoseconds()))
	}
	if t.frameBytes != nil {
		t.frameBytes.Add(float64(payloadBytes))
	}
}

// fill copies the distribution quantiles into stats.
func (t *drainTracker) fill(stats *LoggerStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.appendNanos != nil && t.appendNanos.GetCount() > 0 {
		if v, err := t.appendNanos.GetValueAtQuantile(0.50); err == nil {
			stats.AppendLatencyP50 = time.Duration(v)
		}
		if v, err := t.appendNanos.GetValueAtQuantile(0.95); err == nil {
			stats.AppendLatencyP95 = time.Duration(v)
		}
		if v, err := t.appendNanos.GetValueAtQuantile(0.99); err == nil {
			stats.AppendLatencyP99 = time.Duration(v)
		}
	}
	if t.frameBytes != nil && t.frameBytes.GetCount() > 0 {
		if v, err := t.frameBytes.GetValueAtQuantile(0.50); err == nil {
			stats.FrameBytesP50 = v
		}
		if v, err := t.frameBytes.GetValueAtQuantile(0.95); err == nil {
			stats.FrameBytesP95 = v
		}
		if v, err := t.frameBytes.GetValueAtQuantile(0.99); err == nil {
			stats.FrameBytesP99 = v
		}
	}
}
