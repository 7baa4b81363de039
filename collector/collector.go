// Package collector turns finished run directories into Parquet exports.
//
// The logging engine leaves a completion marker in a run directory once
// every stream has drained cleanly. The collector waits for that marker,
// decodes each stream's segments back through its metadata scales, and
// writes the measurements to Parquet for analysis. Collection is strictly
// out-of-band: it never touches a directory an engine is still writing.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/simlog/internal/errors"
	"github.com/xtxerr/simlog/internal/logging"
	"github.com/xtxerr/simlog/quantize"
	"github.com/xtxerr/simlog/segment"
)

// ErrRunActive is returned for directories without a completion marker.
var ErrRunActive = fmt.Errorf("run has no completion marker")

// Options configures a Collector.
type Options struct {
	// Filter selects which streams to export. Nil keeps them all.
	Filter func(segment.StreamMeta) bool

	// BatchSize caps the rows handed to a sink per call.
	BatchSize int

	// PollInterval and MaxPollInterval pace WaitDone's marker checks.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	Parquet ParquetOptions
}

// DefaultOptions returns the default collector options.
func DefaultOptions() Options {
	return Options{
		BatchSize:       2048,
		PollInterval:    10 * time.Millisecond,
		MaxPollInterval: 500 * time.Millisecond,
		Parquet:         DefaultParquetOptions(),
	}
}

// Collector exports finished runs. Safe for concurrent use.
type Collector struct {
	opts Options
	log  *slog.Logger
}

// New creates a collector. Zero option fields fall back to defaults.
func New(opts Options) *Collector {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxPollInterval <= 0 {
		opts.MaxPollInterval = def.MaxPollInterval
	}
	if opts.Parquet == (ParquetOptions{}) {
		opts.Parquet = def.Parquet
	}
	return &Collector{opts: opts, log: logging.Component("collector")}
}

// WaitDone blocks until dir holds a completion marker, polling with backoff
// up to MaxPollInterval. The context bounds the wait.
func (c *Collector) WaitDone(ctx context.Context, dir string) error {
	interval := c.opts.PollInterval
	for {
		if segment.DoneExists(dir) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval < c.opts.MaxPollInterval {
			interval *= 2
			if interval > c.opts.MaxPollInterval {
				interval = c.opts.MaxPollInterval
			}
		}
	}
}

// Scan lists the streams a run directory holds, after filtering.
func (c *Collector) Scan(dir string) ([]segment.StreamMeta, error) {
	metas, err := segment.ListMeta(dir)
	if err != nil {
		return nil, err
	}
	if c.opts.Filter == nil {
		return metas, nil
	}
	out := metas[:0]
	for _, m := range metas {
		if c.opts.Filter(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Report summarizes one collected run.
type Report struct {
	Dir       string
	Path      string // output file, when one was written
	Streams   int
	Frames    int64
	Rows      int64
	Truncated int // streams whose final segment was cut short
}

// Sink receives decoded rows, at most BatchSize per call. The slice is
// reused between calls; a sink that retains rows must copy them.
type Sink func(rows []Row) error

// Collect decodes one finished run directory and hands every stream's rows
// to sink, streams in id order, rows in record order. A stream with a
// truncated final segment contributes the rows before the tear and is
// counted in the report.
func (c *Collector) Collect(ctx context.Context, dir string, sink Sink) (*Report, error) {
	if !segment.DoneExists(dir) {
		return nil, fmt.Errorf("dir %s: %w", dir, ErrRunActive)
	}

	metas, err := c.Scan(dir)
	if err != nil {
		return nil, err
	}

	rep := &Report{Dir: dir, Streams: len(metas)}
	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.collectStream(dir, meta, sink, rep); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// CollectParquet exports one finished run directory to a Parquet file at
// outPath.
func (c *Collector) CollectParquet(ctx context.Context, dir, outPath string) (*Report, error) {
	if !segment.DoneExists(dir) {
		return nil, fmt.Errorf("dir %s: %w", dir, ErrRunActive)
	}

	w, err := NewWriter(outPath, c.opts.Parquet)
	if err != nil {
		return nil, err
	}

	rep, err := c.Collect(ctx, dir, w.Write)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	rep.Path = outPath
	c.log.Info("run collected", "dir", dir, "out", outPath,
		"streams", rep.Streams, "frames", rep.Frames, "truncated", rep.Truncated)
	return rep, nil
}

// collectStream decodes one stream's segments and feeds its rows to sink.
func (c *Collector) collectStream(dir string, meta segment.StreamMeta, sink Sink, rep *Report) error {
	epochs, err := quantize.NewCodec(meta.EpochScale, quantize.Abort)
	if err != nil {
		return err
	}
	values, err := quantize.NewCodec(meta.ValueScale, quantize.Abort)
	if err != nil {
		return err
	}

	labels := ""
	if len(meta.Labels) > 0 {
		b, err := json.Marshal(meta.Labels)
		if err != nil {
			return fmt.Errorf("marshal labels for stream %d: %v: %w",
				meta.StreamID, err, errors.ErrInvalidMetadata)
		}
		labels = string(b)
	}

	frames, truncated, err := segment.ReadStream(dir, meta.StreamID)
	if err != nil {
		return err
	}
	if truncated {
		rep.Truncated++
		c.log.Warn("stream tail truncated", "dir", dir, "stream", meta.StreamID,
			"frames", len(frames))
	}

	batch := make([]Row, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(batch); err != nil {
			return err
		}
		rep.Rows += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for _, f := range frames {
		batch = append(batch, Row{
			StreamID:    meta.StreamID,
			Epoch:       epochs.Decode(f.EpochQ),
			Indices:     f.Indices,
			Values:      values.DecodeSlice(nil, f.ValuesQ),
			Labels:      labels,
			Kind:        meta.Kind,
			Periodicity: meta.Periodicity,
		})
		if len(batch) >= c.opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	rep.Frames += int64(len(frames))
	return nil
}

// CollectMany exports several runs concurrently, one Parquet file per run
// named after its directory.
func (c *Collector) CollectMany(ctx context.Context, dirs []string, outDir string) ([]*Report, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %v: %w", err, errors.ErrSegmentIO)
	}

	reports := make([]*Report, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			out := filepath.Join(outDir, filepath.Base(dir)+".parquet")
			rep, err := c.CollectParquet(ctx, dir, out)
			if err != nil {
				return fmt.Errorf("collect %s: %w", dir, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Cleanup deletes a collected run's segment files, and its stream metadata
// unless keepMeta is set. The completion marker stays, so the directory
// remains recognizably finished. Call it only after a successful collect;
// the export is the data's only home afterwards.
func (c *Collector) Cleanup(dir string, keepMeta bool) error {
	if !segment.DoneExists(dir) {
		return fmt.Errorf("dir %s: %w", dir, ErrRunActive)
	}

	segs, err := filepath.Glob(filepath.Join(dir, "*"+segment.Suffix))
	if err != nil {
		return fmt.Errorf("list segments in %s: %v: %w", dir, err, errors.ErrSegmentIO)
	}
	for _, p := range segs {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove %s: %v: %w", p, err, errors.ErrSegmentIO)
		}
	}
	if !keepMeta {
		if err := os.RemoveAll(filepath.Join(dir, segment.StreamsDir)); err != nil {
			return fmt.Errorf("remove metadata in %s: %v: %w", dir, err, errors.ErrSegmentIO)
		}
	}
	c.log.Info("run directory cleaned", "dir", dir,
		"segments", len(segs), "kept_meta", keepMeta)
	return nil
}
