package simlog

import (
	"context"
	"fmt"
	"time"
)

// pump drains every stream's ring buffer into its segment writer from a
// single goroutine. Serializing the disk side keeps producers lock-free and
// gives each stream strictly arrival-ordered segments.
func (l *Logger) pump(ctx context.Context) {
	defer l.wg.Done()

	l.log.Debug("drain loop started", "poll", l.cfg.Drain.PollInterval)
	for {
		if l.drainPass() {
			continue
		}
		select {
		case <-ctx.Done():
			l.log.Debug("drain loop stopped")
			return
		case <-time.After(l.cfg.Drain.PollInterval):
		}
	}
}

// drainPass services every registered stream once. Reports whether any
// frames moved or a stream finalized, so the caller skips the idle sleep
// while there is work.
func (l *Logger) drainPass() bool {
	l.mu.RLock()
	cores := l.order
	l.mu.RUnlock()

	busy := false
	for _, c := range cores {
		if l.drainCore(c) {
			busy = true
		}
	}
	return busy
}

// drainCore moves up to one batch of frames from the ring to the segment
// writer. A stream whose writer failed keeps draining so block-policy
// producers are released; the frames are discarded and the stored error
// stands.
func (l *Logger) drainCore(c *core) bool {
	if c.finalized {
		// Writer is gone. Discard anything that raced past the closing
		// check so a block-policy producer cannot wedge on a full ring.
		n := 0
		for {
			if _, ok := c.ring.TryPop(); !ok {
				break
			}
			n++
		}
		return n > 0
	}

	busy := false
	for i := 0; i < l.cfg.Drain.BatchSize; i++ {
		f, ok := c.ring.TryPop()
		if !ok {
			break
		}
		busy = true

		if c.failed.Load() {
			continue
		}

		start := time.Now()
		if err := c.w.Append(f); err != nil {
			c.fail(fmt.Errorf("stream %d: %w", c.id, err))
			c.w.Close()
			l.log.Error("stream write failed, discarding queued frames",
				"stream", c.id, "error", err)
			continue
		}
		l.track.observe(time.Since(start), f.EncodedSize())
	}

	if c.closing.Load() && c.ring.IsEmpty() && !c.finalized {
		l.finalizeCore(c)
		busy = true
	}
	return busy
}

// finalizeCore closes the stream's writer and releases close waiters. Runs
// once per stream, from the drain goroutine.
func (l *Logger) finalizeCore(c *core) {
	if !c.failed.Load() {
		if err := c.w.Close(); err != nil {
			c.fail(fmt.Errorf("stream %d: %w", c.id, err))
		}
	}
	c.finalized = true
	close(c.done)
	l.log.Debug("stream finalized", "stream", c.id, "failed", c.failed.Load())
}
