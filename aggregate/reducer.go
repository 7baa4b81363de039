// Package aggregate reduces the records of a periodic stream to one vector
// per period.
//
// A periodic stream divides the epoch axis into half-open periods
// [i*T, (i+1)*T) of fixed length T. Records land in the period their epoch
// falls in; when a record arrives for a later period, every period before it
// is closed in order and emitted exactly once. A state stream keeps the last
// record of each period and repeats it across empty periods; an accumulator
// stream sums records element-wise and emits an empty vector for empty
// periods.
package aggregate

import (
	"fmt"
	"math"
	"sync"

	"github.com/xtxerr/simlog/internal/errors"
	"github.com/xtxerr/simlog/sparse"
)

// Kind selects how records within one period combine.
type Kind int

const (
	// State keeps the last record of the period.
	State Kind = iota
	// Accumulator sums records element-wise over the period.
	Accumulator
)

// String returns the kind name as stored in stream metadata.
func (k Kind) String() string {
	switch k {
	case State:
		return "state"
	case Accumulator:
		return "accumulator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "state":
		return State, nil
	case "accumulator":
		return Accumulator, nil
	default:
		return State, fmt.Errorf("unknown stream kind %q: %w", s, errors.ErrInvalidConfig)
	}
}

// maxPeriod bounds the period index so float-to-int conversion stays defined.
const maxPeriod = float64(1 << 62)

// EmitFunc receives one closed period. epoch is the period start; the callee
// owns v and may retain or modify it.
type EmitFunc func(epoch float64, v *sparse.Vector) error

// Stats holds reducer statistics.
type Stats struct {
	RecordsReduced int64
	PeriodsEmitted int64
	GapsFilled     int64
	OutOfOrder     int64
}

// Reducer folds records into periods for one stream and emits each period
// exactly once, in order. Records must arrive with non-decreasing period
// index; a record for an earlier period is rejected without disturbing
// reducer state.
type Reducer struct {
	mu sync.Mutex

	kind        Kind
	periodicity float64
	size        int64
	emit        EmitFunc

	initialized bool
	current     int64 // period index, valid once initialized
	pending     *sparse.Vector
	closed      bool

	stats Stats
}

// NewReducer creates a reducer for one periodic stream. size is the stream's
// vector dimension, used for the empty vectors an accumulator emits.
func NewReducer(kind Kind, periodicity float64, size int64, emit EmitFunc) (*Reducer, error) {
	if kind != State && kind != Accumulator {
		return nil, fmt.Errorf("unknown stream kind %d: %w", int(kind), errors.ErrInvalidConfig)
	}
	if !(periodicity > 0) || math.IsInf(periodicity, 0) {
		return nil, fmt.Errorf("periodicity %v: %w", periodicity, errors.ErrInvalidConfig)
	}
	if size <= 0 {
		return nil, fmt.Errorf("vector size %d: %w", size, errors.ErrInvalidConfig)
	}
	if emit == nil {
		return nil, fmt.Errorf("nil emit func: %w", errors.ErrInvalidConfig)
	}
	return &Reducer{
		kind:        kind,
		periodicity: periodicity,
		size:        size,
		emit:        emit,
	}, nil
}

// periodFor returns the period index an epoch falls in.
func (r *Reducer) periodFor(epoch float64) (int64, error) {
	p := math.Floor(epoch / r.periodicity)
	if math.IsNaN(p) || p >= maxPeriod || p <= -maxPeriod {
		return 0, fmt.Errorf("epoch %v out of period range: %w", epoch, errors.ErrEncodingOverflow)
	}
	return int64(p), nil
}

// periodStart returns the epoch a period begins at.
func (r *Reducer) periodStart(p int64) float64 {
	return float64(p) * r.periodicity
}

// Record folds one record into its period. A record for a period after the
// current one first closes every period up to it.
func (r *Reducer) Record(epoch float64, v *sparse.Vector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("record at epoch %v: %w", epoch, errors.ErrStreamClosed)
	}
	if v.Size() != r.size {
		return fmt.Errorf("vector size %d, stream size %d: %w", v.Size(), r.size, errors.ErrInvalidVector)
	}

	p, err := r.periodFor(epoch)
	if err != nil {
		return err
	}

	if !r.initialized {
		r.initialized = true
		r.current = p
		r.pending = v.Dup()
		r.stats.RecordsReduced++
		return nil
	}

	switch {
	case p < r.current:
		r.stats.OutOfOrder++
		return fmt.Errorf("epoch %v in period %d, current period %d: %w",
			epoch, p, r.current, errors.ErrOutOfOrderEpoch)

	case p > r.current:
		if err := r.closeThrough(p); err != nil {
			return err
		}
		r.pending = v.Dup()

	default: // same period
		if r.kind == State {
			r.pending = v.Dup()
		} else if err := r.pending.Add(v); err != nil {
			return err
		}
	}

	r.stats.RecordsReduced++
	return nil
}

// closeThrough emits periods current..p-1 in order and advances current
// to p. The pending vector closes the current period; a state stream repeats
// it across the gap, an accumulator emits empty vectors.
func (r *Reducer) closeThrough(p int64) error {
	for q := r.current; q < p; q++ {
		var out *sparse.Vector
		if r.kind == State || q == r.current {
			out = r.pending.Dup()
		} else {
			out = sparse.New(r.size)
		}
		if err := r.emit(r.periodStart(q), out); err != nil {
			return err
		}
		r.stats.PeriodsEmitted++
		if q != r.current {
			r.stats.GapsFilled++
		}
	}
	r.current = p
	return nil
}

// Close finalizes the stream as of finalEpoch and emits the remaining
// periods. A state stream's value holds through the last period final falls
// in or touches; an accumulator emits only periods that ended at or before
// finalEpoch, so a partial period is never closed with partial sums. A
// reducer that never saw a record emits nothing.
func (r *Reducer) Close(finalEpoch float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrStreamClosed
	}
	if math.IsNaN(finalEpoch) || math.IsInf(finalEpoch, 0) {
		return fmt.Errorf("final epoch %v: %w", finalEpoch, errors.ErrEncodingOverflow)
	}

	if !r.initialized {
		r.closed = true
		return nil
	}

	var end int64 // one past the last period to emit
	switch r.kind {
	case State:
		last, err := r.periodFor(finalEpoch)
		if err != nil {
			return err
		}
		// A final epoch exactly on a period boundary does not extend into
		// the next period.
		if r.periodStart(last) == finalEpoch {
			last--
		}
		if last < r.current {
			last = r.current
		}
		end = last + 1
	case Accumulator:
		var err error
		end, err = r.periodFor(finalEpoch)
		if err != nil {
			return err
		}
	}

	if end > r.current {
		if err := r.closeThrough(end); err != nil {
			return err
		}
	}

	r.closed = true
	r.pending = nil
	return nil
}

// ClosePending finalizes the stream without a final epoch, as of the start
// of the current period: a state stream still emits the period its last
// record fell in; an accumulator drops its partial sum. For shutdown paths
// that have no better final epoch to offer.
func (r *Reducer) ClosePending() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrStreamClosed
	}

	if r.initialized && r.kind == State {
		if err := r.closeThrough(r.current + 1); err != nil {
			return err
		}
	}

	r.closed = true
	r.pending = nil
	return nil
}

// Closed reports whether the reducer has been closed.
func (r *Reducer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Kind returns the reduction kind.
func (r *Reducer) Kind() Kind {
	return r.kind
}

// Periodicity returns the period length.
func (r *Reducer) Periodicity() float64 {
	return r.periodicity
}

// Stats returns reducer statistics.
func (r *Reducer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
