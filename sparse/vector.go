// Package sparse provides an ownership-clean sparse numeric vector.
//
// A Vector holds a fixed logical size plus parallel index/value arrays with
// strictly ascending, unique indices. Vectors are value containers, not views:
// constructors copy caller slices and Dup produces an independent copy, so a
// caller may reuse its arrays immediately after handing them off.
package sparse

import (
	"fmt"
	"sort"

	"github.com/xtxerr/simlog/internal/errors"
)

// Vector is a sparse vector of float64 values with int64 indices.
//
// Invariants: indices are strictly ascending, unique, and each in [0, size);
// len(indices) == len(values). All mutating operations preserve them.
type Vector struct {
	size    int64
	indices []int64
	values  []float64
}

// New returns an empty vector of the given logical size.
func New(size int64) *Vector {
	return &Vector{size: size}
}

// FromPairs builds a vector from parallel index/value slices.
//
// The input slices are copied, never retained. Unsorted input is accepted and
// sorted (stable, so the relative order of equal values is preserved before
// the duplicate check); duplicate or out-of-range indices are rejected.
// A size of 0 disables the range check.
func FromPairs(size int64, indices []int64, values []float64) (*Vector, error) {
	if len(indices) != len(values) {
		return nil, fmt.Errorf("%d indices but %d values: %w",
			len(indices), len(values), errors.ErrInvalidVector)
	}

	idx := make([]int64, len(indices))
	val := make([]float64, len(values))
	copy(idx, indices)
	copy(val, values)

	if !sort.SliceIsSorted(idx, func(i, j int) bool { return idx[i] < idx[j] }) {
		pairSort(idx, val)
	}

	for i, ix := range idx {
		if ix < 0 || (size > 0 && ix >= size) {
			return nil, fmt.Errorf("index %d out of range [0, %d): %w",
				ix, size, errors.ErrInvalidVector)
		}
		if i > 0 && idx[i-1] == ix {
			return nil, fmt.Errorf("duplicate index %d: %w", ix, errors.ErrInvalidVector)
		}
	}

	return &Vector{size: size, indices: idx, values: val}, nil
}

// pairSort sorts idx ascending, carrying val along. Stable so that a later
// duplicate-index error is deterministic.
func pairSort(idx []int64, val []float64) {
	pairs := make([]struct {
		i int64
		v float64
	}, len(idx))
	for k := range idx {
		pairs[k].i = idx[k]
		pairs[k].v = val[k]
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].i < pairs[b].i })
	for k := range pairs {
		idx[k] = pairs[k].i
		val[k] = pairs[k].v
	}
}

// Size returns the logical size of the vector.
func (v *Vector) Size() int64 {
	return v.size
}

// Len returns the number of stored entries.
func (v *Vector) Len() int {
	return len(v.indices)
}

// Indices returns the stored indices in ascending order.
// The returned slice is a read-only view; use Dup for an owned copy.
func (v *Vector) Indices() []int64 {
	return v.indices
}

// Values returns the stored values, parallel to Indices.
// The returned slice is a read-only view; use Dup for an owned copy.
func (v *Vector) Values() []float64 {
	return v.values
}

// Get returns the value at index ix and whether an entry exists.
func (v *Vector) Get(ix int64) (float64, bool) {
	n := len(v.indices)
	i := sort.Search(n, func(k int) bool { return v.indices[k] >= ix })
	if i < n && v.indices[i] == ix {
		return v.values[i], true
	}
	return 0, false
}

// Dup returns an independent copy of the vector.
func (v *Vector) Dup() *Vector {
	d := &Vector{
		size:    v.size,
		indices: make([]int64, len(v.indices)),
		values:  make([]float64, len(v.values)),
	}
	copy(d.indices, v.indices)
	copy(d.values, v.values)
	return d
}

// Add merges other into v element-wise. Entries present in both vectors are
// summed; entries present in either survive, including entries whose sum is
// zero. The receiver is mutated, other is not.
func (v *Vector) Add(other *Vector) error {
	if other == nil {
		return nil
	}
	if v.size != other.size {
		return fmt.Errorf("size mismatch %d vs %d: %w",
			v.size, other.size, errors.ErrInvalidVector)
	}
	if other.Len() == 0 {
		return nil
	}

	idx := make([]int64, 0, len(v.indices)+len(other.indices))
	val := make([]float64, 0, len(v.values)+len(other.values))

	i, j := 0, 0
	for i < len(v.indices) && j < len(other.indices) {
		switch {
		case v.indices[i] < other.indices[j]:
			idx = append(idx, v.indices[i])
			val = append(val, v.values[i])
			i++
		case v.indices[i] > other.indices[j]:
			idx = append(idx, other.indices[j])
			val = append(val, other.values[j])
			j++
		default:
			idx = append(idx, v.indices[i])
			val = append(val, v.values[i]+other.values[j])
			i++
			j++
		}
	}
	idx = append(idx, v.indices[i:]...)
	val = append(val, v.values[i:]...)
	idx = append(idx, other.indices[j:]...)
	val = append(val, other.values[j:]...)

	v.indices = idx
	v.values = val
	return nil
}

// Equal reports whether two vectors have the same size and entries.
func (v *Vector) Equal(other *Vector) bool {
	if other == nil || v.size != other.size || len(v.indices) != len(other.indices) {
		return false
	}
	for i := range v.indices {
		if v.indices[i] != other.indices[i] || v.values[i] != other.values[i] {
			return false
		}
	}
	return true
}

// String returns a compact human-readable form, mainly for tests and logs.
func (v *Vector) String() string {
	return fmt.Sprintf("sparse.Vector(size=%d, nnz=%d)", v.size, len(v.indices))
}
