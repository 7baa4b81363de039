package buffer

import (
	"fmt"
	"time"
)

// OverflowPolicy selects what a full ring does with an incoming value.
type OverflowPolicy int

const (
	// Block retries with backoff until space frees up. Default: dropping
	// silently understates accumulator sums and breaks last-write-wins for
	// state streams, so data loss must be an explicit opt-in.
	Block OverflowPolicy = iota

	// DropOldest discards the oldest unread value and retries. The freshest
	// data survives a stall.
	DropOldest

	// DropNewest discards the incoming value. Already-queued data survives.
	DropNewest
)

// String returns the string representation of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// ParsePolicy parses a string into an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return Block, nil
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return Block, fmt.Errorf("unknown overflow policy: %s", s)
	}
}

// Backoff bounds for the Block policy.
const (
	blockBackoffMin = time.Microsecond
	blockBackoffMax = time.Millisecond
)

// Push enqueues v according to the overflow policy. It reports whether v
// entered the ring and how many values were dropped to get it there (the
// rejected v itself under DropNewest, displaced older values under
// DropOldest, always zero under Block).
func Push[T any](r *Ring[T], v T, policy OverflowPolicy) (pushed bool, dropped int64) {
	if r.TryPush(v) {
		return true, 0
	}

	switch policy {
	case DropNewest:
		r.noteDrop(1)
		return false, 1

	case DropOldest:
		for {
			if r.DropOldest() {
				dropped++
			}
			if r.TryPush(v) {
				return true, dropped
			}
		}

	default: // Block
		r.noteBlock()
		backoff := blockBackoffMin
		for {
			time.Sleep(backoff)
			if r.TryPush(v) {
				return true, 0
			}
			if backoff < blockBackoffMax {
				backoff *= 2
			}
		}
	}
}
