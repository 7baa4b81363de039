// Package buffer provides the bounded lock-free ring connecting simulation
// producers to the background segment writer.
//
// The ring is a fixed slot arena with atomic head/tail indices and per-slot
// sequence numbers. Pushes and pops never take a lock; producers on the
// simulation hot path only ever CAS the tail. Multiple producers are safe;
// the writer is the single draining consumer, though pop-side operations are
// also CAS-protected so the drop-oldest overflow policy can reclaim slots
// from the producer side.
package buffer

import (
	"sync/atomic"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 4096

// waitPoll bounds how long PopWait sleeps between empty checks when no
// wakeup arrives.
const waitPoll = time.Millisecond

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded lock-free queue. Capacity is rounded up to a power of
// two. The zero value is not usable; call New.
type Ring[T any] struct {
	slots []slot[T]
	mask  uint64

	head atomic.Uint64 // next slot to pop
	tail atomic.Uint64 // next slot to push

	pushCount  atomic.Int64
	popCount   atomic.Int64
	dropCount  atomic.Int64
	blockCount atomic.Int64

	notify chan struct{}
}

// New creates a ring with at least the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	n := uint64(1)
	for n < uint64(capacity) {
		n <<= 1
	}

	r := &Ring[T]{
		slots:  make([]slot[T], n),
		mask:   n - 1,
		notify: make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// TryPush enqueues v without blocking.
// Returns false if the ring is full; the caller's overflow policy decides
// what happens next.
func (r *Ring[T]) TryPush(v T) bool {
	for {
		tail := r.tail.Load()
		s := &r.slots[tail&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(tail)

		if diff == 0 {
			if r.tail.CompareAndSwap(tail, tail+1) {
				s.val = v
				s.seq.Store(tail + 1)
				r.pushCount.Add(1)
				r.wake()
				return true
			}
		} else if diff < 0 {
			return false
		}
		// diff > 0: lost the slot to another producer, reload.
	}
}

// TryPop dequeues the oldest value without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	for {
		head := r.head.Load()
		s := &r.slots[head&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(head+1)

		if diff == 0 {
			if r.head.CompareAndSwap(head, head+1) {
				v := s.val
				s.val = zero
				s.seq.Store(head + r.mask + 1)
				r.popCount.Add(1)
				return v, true
			}
		} else if diff < 0 {
			return zero, false
		}
	}
}

// DropOldest discards the oldest unread value to make room, counting it as
// dropped. Returns false if the ring was already empty.
func (r *Ring[T]) DropOldest() bool {
	var zero T
	for {
		head := r.head.Load()
		s := &r.slots[head&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(head+1)

		if diff == 0 {
			if r.head.CompareAndSwap(head, head+1) {
				s.val = zero
				s.seq.Store(head + r.mask + 1)
				r.dropCount.Add(1)
				return true
			}
		} else if diff < 0 {
			return false
		}
	}
}

// PopWait dequeues the oldest value, blocking up to timeout for one to
// arrive. For the consumer side only.
func (r *Ring[T]) PopWait(timeout time.Duration) (T, bool) {
	if v, ok := r.TryPop(); ok {
		return v, true
	}

	var zero T
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(waitPoll)
	defer timer.Stop()

	for {
		if v, ok := r.TryPop(); ok {
			return v, true
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return zero, false
		}
		if remain > waitPoll {
			remain = waitPoll
		}
		timer.Reset(remain)
		select {
		case <-r.notify:
		case <-timer.C:
		}
	}
}

// wake nudges a blocked PopWait. Non-blocking; a full notify channel means
// a wakeup is already pending.
func (r *Ring[T]) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// noteDrop records values rejected before entering the ring (drop_newest).
func (r *Ring[T]) noteDrop(n int64) {
	r.dropCount.Add(n)
}

// noteBlock records a push that found the ring full and had to wait.
func (r *Ring[T]) noteBlock() {
	r.blockCount.Add(1)
}

// Len returns the current number of queued values. Approximate while
// producers and the consumer are active.
func (r *Ring[T]) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail < head {
		return 0
	}
	n := tail - head
	if n > r.mask+1 {
		n = r.mask + 1
	}
	return int(n)
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.slots)
}

// IsEmpty returns true if the ring has no queued values.
func (r *Ring[T]) IsEmpty() bool {
	return r.Len() == 0
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (r *Ring[T]) UsageRatio() float64 {
	return float64(r.Len()) / float64(r.Cap())
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Capacity:   r.Cap(),
		Count:      r.Len(),
		UsageRatio: r.UsageRatio(),
		PushCount:  r.pushCount.Load(),
		PopCount:   r.popCount.Load(),
		DropCount:  r.dropCount.Load(),
		BlockCount: r.blockCount.Load(),
	}
}

// Stats holds ring statistics.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
	BlockCount int64
}
