package simlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/simlog/buffer"
	"github.com/xtxerr/simlog/quantize"
	"github.com/xtxerr/simlog/segment"
	"github.com/xtxerr/simlog/sparse"
)

// core is the machinery shared by raw and periodic streams: the quantizers,
// the ring buffer, and the segment writer driven by the drain loop.
type core struct {
	id   uint32
	size int64 // 0 = unconstrained

	epochs quantize.Codec
	values quantize.Codec

	ring   *buffer.Ring[segment.Frame]
	policy buffer.OverflowPolicy

	w *segment.Writer

	records    atomic.Int64
	encodeErrs atomic.Int64

	closing atomic.Bool   // no new records; drain what is queued
	done    chan struct{} // closed by the drain loop once the writer is finalized

	failed atomic.Bool
	errMu  sync.Mutex
	werr   error // first unrecoverable write error

	finalized bool // drain loop only
}

// record quantizes one measurement and queues it for the drain loop.
func (c *core) record(epoch float64, v *sparse.Vector) error {
	if c.closing.Load() {
		return ErrStreamClosed
	}
	if c.failed.Load() {
		return c.writeErr()
	}
	if v == nil {
		return fmt.Errorf("nil vector: %w", ErrInvalidVector)
	}
	if c.size > 0 && v.Size() != c.size {
		return fmt.Errorf("vector size %d, stream expects %d: %w",
			v.Size(), c.size, ErrInvalidVector)
	}

	epochQ, err := c.epochs.Encode(epoch)
	if err != nil {
		c.encodeErrs.Add(1)
		return fmt.Errorf("epoch %v: %w", epoch, err)
	}
	valuesQ, err := c.values.EncodeSlice(make([]int64, 0, v.Len()), v.Values())
	if err != nil {
		c.encodeErrs.Add(1)
		return err
	}
	indices := append([]int64(nil), v.Indices()...)

	return c.push(segment.Frame{EpochQ: epochQ, Indices: indices, ValuesQ: valuesQ})
}

func (c *core) push(f segment.Frame) error {
	pushed, _ := buffer.Push(c.ring, f, c.policy)
	if !pushed {
		return fmt.Errorf("stream %d: %w", c.id, ErrBufferFull)
	}
	c.records.Add(1)
	return nil
}

// fail marks the stream broken after a write error. Later records are
// rejected with the stored error and queued frames are discarded.
func (c *core) fail(err error) {
	c.errMu.Lock()
	if c.werr == nil {
		c.werr = err
	}
	c.errMu.Unlock()
	c.failed.Store(true)
}

func (c *core) writeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.werr
}

// waitDone blocks until the drain loop has finalized the stream's writer.
func (c *core) waitDone(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.failed.Load() {
		return c.writeErr()
	}
	return nil
}

// ensureClosed is the idempotent close used by Logger.Close.
func (c *core) ensureClosed(ctx context.Context) error {
	c.closing.Store(true)
	return c.waitDone(ctx)
}

func (c *core) stats() StreamStats {
	rs := c.ring.Stats()
	ws := c.w.Stats()
	return StreamStats{
		Records:       c.records.Load(),
		Dropped:       rs.DropCount,
		Buffered:      rs.Count,
		BlockedPushes: rs.BlockCount,
		EncodeErrors:  c.encodeErrs.Load(),
		FramesWritten: ws.RecordsWritten,
		Segments:      ws.SegmentsCreated,
		BytesWritten:  ws.BytesWritten,
		BytesOnDisk:   ws.BytesOnDisk,
		Errors:        ws.Errors,
		Failed:        c.failed.Load(),
	}
}

func cloneLabels(labels map[string]any) map[string]any {
	if labels == nil {
		return nil
	}
	out := make(map[string]any, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Stream is a raw measurement stream: every record becomes its own frame,
// in arrival order. Multiple goroutines may record concurrently.
type Stream struct {
	c    *core
	meta segment.StreamMeta
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 {
	return s.c.id
}

// Meta returns a copy of the stream metadata.
func (s *Stream) Meta() segment.StreamMeta {
	m := s.meta
	m.Labels = cloneLabels(s.meta.Labels)
	return m
}

// Labels returns a copy of the stream's label map.
func (s *Stream) Labels() map[string]any {
	return cloneLabels(s.meta.Labels)
}

// Record logs one measurement at the given epoch. The slices are copied;
// the caller may reuse them immediately.
func (s *Stream) Record(epoch float64, indices []int64, values []float64) error {
	v, err := sparse.FromPairs(s.c.size, indices, values)
	if err != nil {
		return err
	}
	return s.c.record(epoch, v)
}

// RecordVector logs one measurement from an already-built vector.
func (s *Stream) RecordVector(epoch float64, v *sparse.Vector) error {
	return s.c.record(epoch, v)
}

// Close stops the stream, waits for queued records to drain to disk, and
// finalizes its segments. Calling Close twice returns ErrStreamClosed.
// The context bounds the wait only; the drain keeps running regardless.
func (s *Stream) Close(ctx context.Context) error {
	if !s.c.closing.CompareAndSwap(false, true) {
		return ErrStreamClosed
	}
	return s.c.waitDone(ctx)
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() StreamStats {
	return s.c.stats()
}
