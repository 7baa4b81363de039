package simlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtxerr/simlog/aggregate"
	"github.com/xtxerr/simlog/segment"
	"github.com/xtxerr/simlog/sparse"
)

// PeriodicStream reduces records into fixed-length periods before they are
// queued for disk: state streams keep the last value per period, accumulator
// streams sum. One frame per period reaches the segments, at the period
// start epoch. Unlike a raw Stream, a periodic stream is fed by a single
// recording goroutine; period order is enforced, not reconstructed.
type PeriodicStream struct {
	c    *core
	red  *aggregate.Reducer
	meta segment.StreamMeta
}

// ID returns the stream identifier.
func (s *PeriodicStream) ID() uint32 {
	return s.c.id
}

// Meta returns a copy of the stream metadata.
func (s *PeriodicStream) Meta() segment.StreamMeta {
	m := s.meta
	m.Labels = cloneLabels(s.meta.Labels)
	return m
}

// Labels returns a copy of the stream's label map.
func (s *PeriodicStream) Labels() map[string]any {
	return cloneLabels(s.meta.Labels)
}

// Kind returns the reduction kind.
func (s *PeriodicStream) Kind() aggregate.Kind {
	return s.red.Kind()
}

// Periodicity returns the period length in epoch units.
func (s *PeriodicStream) Periodicity() float64 {
	return s.red.Periodicity()
}

// Record folds one measurement into its period. The slices are copied; the
// caller may reuse them immediately. Epochs before the current period are
// rejected with ErrOutOfOrderEpoch.
func (s *PeriodicStream) Record(epoch float64, indices []int64, values []float64) error {
	v, err := sparse.FromPairs(s.c.size, indices, values)
	if err != nil {
		return err
	}
	return s.red.Record(epoch, v)
}

// RecordVector folds one measurement from an already-built vector.
func (s *PeriodicStream) RecordVector(epoch float64, v *sparse.Vector) error {
	if v == nil {
		return fmt.Errorf("nil vector: %w", ErrInvalidVector)
	}
	return s.red.Record(epoch, v)
}

// Close finalizes the stream as of finalEpoch, emits the remaining periods,
// waits for them to drain to disk, and finalizes the segments. On a
// non-finite finalEpoch the stream stays open and usable. Calling Close
// twice returns ErrStreamClosed. The context bounds the wait only.
func (s *PeriodicStream) Close(ctx context.Context, finalEpoch float64) error {
	if err := s.red.Close(finalEpoch); err != nil {
		return err
	}
	s.c.closing.Store(true)
	return s.c.waitDone(ctx)
}

// closeDefault closes the stream without a final epoch, for Logger.Close.
// Idempotent: an already-closed reducer is fine.
func (s *PeriodicStream) closeDefault(ctx context.Context) error {
	rerr := s.red.ClosePending()
	if errors.Is(rerr, ErrStreamClosed) {
		rerr = nil
	}
	cerr := s.c.ensureClosed(ctx)
	if rerr != nil {
		return rerr
	}
	return cerr
}

// Stats returns a snapshot of the stream's counters. Records counts the
// measurements folded in, not the periods written out.
func (s *PeriodicStream) Stats() StreamStats {
	st := s.c.stats()
	st.Records = s.red.Stats().RecordsReduced
	return st
}

// ReduceStats returns the reduction counters.
func (s *PeriodicStream) ReduceStats() aggregate.Stats {
	return s.red.Stats()
}
