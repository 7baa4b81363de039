package simlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/simlog/aggregate"
	"github.com/xtxerr/simlog/buffer"
	"github.com/xtxerr/simlog/config"
	"github.com/xtxerr/simlog/internal/logging"
	"github.com/xtxerr/simlog/quantize"
	"github.com/xtxerr/simlog/segment"
)

// Logger is the stream registry for one run directory. It owns a background
// drain goroutine that moves queued frames to disk; streams registered on it
// share that goroutine and the run's configuration.
type Logger struct {
	dir string
	cfg *config.Config
	log *slog.Logger

	mu       sync.RWMutex
	raw      map[uint32]*Stream
	periodic map[uint32]*PeriodicStream
	order    []*core // registration order; append-only
	nextID   uint32
	closed   bool

	track *drainTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates a logger writing to dir, creating the directory if needed.
// A nil cfg uses DefaultConfig. A directory already holding a completion
// marker is from a finished run and cannot be reopened.
func Open(dir string, cfg *config.Config) (*Logger, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir %s: %v: %w", dir, err, ErrSegmentIO)
	}
	if segment.DoneExists(dir) {
		return nil, fmt.Errorf("dir %s: %w", dir, ErrRunFinished)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		dir:      dir,
		cfg:      cfg,
		log:      logging.Component("logger"),
		raw:      make(map[uint32]*Stream),
		periodic: make(map[uint32]*PeriodicStream),
		nextID:   1,
		track:    newDrainTracker(),
		cancel:   cancel,
	}

	l.wg.Add(1)
	go l.pump(ctx)

	l.log.Info("logger opened", "dir", dir)
	return l, nil
}

// Dir returns the run directory.
func (l *Logger) Dir() string {
	return l.dir
}

// StreamOptions override the run configuration for one stream. Zero fields
// fall back to the configured defaults.
type StreamOptions struct {
	// VectorSize bounds the index space [0, VectorSize). Zero leaves raw
	// streams unconstrained; periodic streams require it.
	VectorSize int64

	EpochScale float64
	ValueScale float64

	// OverflowMode selects what out-of-range values do: "abort" or "clamp".
	OverflowMode string

	// Policy selects what a full buffer does: "block", "drop_oldest" or
	// "drop_newest".
	Policy string

	BufferCapacity int
}

func (l *Logger) resolveOptions(opts StreamOptions) (StreamOptions, error) {
	if opts.VectorSize < 0 {
		return opts, fmt.Errorf("vector size %d: %w", opts.VectorSize, ErrInvalidConfig)
	}
	if opts.EpochScale == 0 {
		opts.EpochScale = l.cfg.Quantize.EpochScale
	}
	if opts.ValueScale == 0 {
		opts.ValueScale = l.cfg.Quantize.ValueScale
	}
	if opts.OverflowMode == "" {
		opts.OverflowMode = l.cfg.Quantize.OverflowMode
	}
	if opts.Policy == "" {
		opts.Policy = l.cfg.Buffer.Policy
	}
	if opts.BufferCapacity == 0 {
		opts.BufferCapacity = l.cfg.Buffer.Capacity
	}
	if opts.BufferCapacity < 0 {
		return opts, fmt.Errorf("buffer capacity %d: %w", opts.BufferCapacity, ErrInvalidConfig)
	}
	return opts, nil
}

// newCore builds the quantizers, ring and segment writer for one stream.
// Caller holds l.mu.
func (l *Logger) newCore(id uint32, opts StreamOptions) (*core, error) {
	mode, err := quantize.ParseMode(opts.OverflowMode)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	policy, err := buffer.ParsePolicy(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	epochs, err := quantize.NewCodec(opts.EpochScale, mode)
	if err != nil {
		return nil, err
	}
	values, err := quantize.NewCodec(opts.ValueScale, mode)
	if err != nil {
		return nil, err
	}
	w, err := segment.NewWriter(l.dir, id, l.cfg.SegmentOptions())
	if err != nil {
		return nil, err
	}

	return &core{
		id:     id,
		size:   opts.VectorSize,
		epochs: epochs,
		values: values,
		ring:   buffer.New[segment.Frame](opts.BufferCapacity),
		policy: policy,
		w:      w,
		done:   make(chan struct{}),
	}, nil
}

// RegisterStream adds a raw stream: every record is written through as its
// own frame. Labels are copied into the stream's on-disk metadata.
func (l *Logger) RegisterStream(labels map[string]any, opts StreamOptions) (*Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoggerClosed
	}
	opts, err := l.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	id := l.nextID
	c, err := l.newCore(id, opts)
	if err != nil {
		return nil, err
	}

	meta := segment.StreamMeta{
		StreamID:   id,
		Labels:     cloneLabels(labels),
		EpochScale: opts.EpochScale,
		ValueScale: opts.ValueScale,
		VectorSize: opts.VectorSize,
	}
	if err := segment.WriteMeta(l.dir, meta); err != nil {
		return nil, err
	}

	s := &Stream{c: c, meta: meta}
	l.raw[id] = s
	l.order = append(l.order, c)
	l.nextID++

	l.log.Debug("stream registered", "stream", id, "size", opts.VectorSize)
	return s, nil
}

// RegisterPeriodicStream adds a stream reduced into fixed-length periods
// before hitting disk. Periodic streams need a fixed vector size; records
// within one period are folded by kind (state keeps the last value,
// accumulator sums).
func (l *Logger) RegisterPeriodicStream(labels map[string]any, kind aggregate.Kind, periodicity float64, opts StreamOptions) (*PeriodicStream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLoggerClosed
	}
	opts, err := l.resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if opts.VectorSize <= 0 {
		return nil, fmt.Errorf("periodic stream needs a vector size: %w", ErrInvalidConfig)
	}

	id := l.nextID
	c, err := l.newCore(id, opts)
	if err != nil {
		return nil, err
	}
	red, err := aggregate.NewReducer(kind, periodicity, opts.VectorSize, c.record)
	if err != nil {
		return nil, err
	}

	meta := segment.StreamMeta{
		StreamID:    id,
		Labels:      cloneLabels(labels),
		EpochScale:  opts.EpochScale,
		ValueScale:  opts.ValueScale,
		VectorSize:  opts.VectorSize,
		Periodicity: periodicity,
		Kind:        kind.String(),
	}
	if err := segment.WriteMeta(l.dir, meta); err != nil {
		return nil, err
	}

	s := &PeriodicStream{c: c, red: red, meta: meta}
	l.periodic[id] = s
	l.order = append(l.order, c)
	l.nextID++

	l.log.Debug("periodic stream registered",
		"stream", id, "kind", kind, "periodicity", periodicity)
	return s, nil
}

// Stream returns the raw stream with the given id.
func (l *Logger) Stream(id uint32) (*Stream, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.raw[id]
	if !ok {
		return nil, fmt.Errorf("stream %d: %w", id, ErrStreamNotFound)
	}
	return s, nil
}

// PeriodicStream returns the periodic stream with the given id.
func (l *Logger) PeriodicStream(id uint32) (*PeriodicStream, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.periodic[id]
	if !ok {
		return nil, fmt.Errorf("periodic stream %d: %w", id, ErrStreamNotFound)
	}
	return s, nil
}

// Close drains and finalizes every stream, then marks the run complete.
// Streams already closed individually are fine; still-open periodic streams
// are closed at the start of their current period. The completion marker is
// written only if every stream finalized cleanly within ctx; on error the
// marker is withheld and the drain goroutine keeps flushing in the
// background so queued data still reaches disk.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoggerClosed
	}
	l.closed = true
	raws := make([]*Stream, 0, len(l.raw))
	for _, s := range l.raw {
		raws = append(raws, s)
	}
	periodics := make([]*PeriodicStream, 0, len(l.periodic))
	for _, s := range l.periodic {
		periodics = append(periodics, s)
	}
	l.mu.Unlock()

	var g errgroup.Group
	for _, s := range periodics {
		s := s
		g.Go(func() error { return s.closeDefault(ctx) })
	}
	for _, s := range raws {
		s := s
		g.Go(func() error { return s.c.ensureClosed(ctx) })
	}
	err := g.Wait()

	if err != nil {
		l.log.Warn("close incomplete, completion marker withheld", "error", err)
		return err
	}

	l.cancel()
	l.wg.Wait()

	if err := segment.WriteDone(l.dir); err != nil {
		return err
	}
	l.log.Info("run closed", "dir", l.dir, "streams", len(raws)+len(periodics))
	return nil
}

// Stats returns a snapshot of the engine's combined counters.
func (l *Logger) Stats() LoggerStats {
	l.mu.RLock()
	perStream := make([]StreamStats, 0, len(l.raw)+len(l.periodic))
	for _, s := range l.raw {
		perStream = append(perStream, s.Stats())
	}
	for _, s := range l.periodic {
		perStream = append(perStream, s.Stats())
	}
	l.mu.RUnlock()

	var st LoggerStats
	st.Streams = len(perStream)
	for _, cs := range perStream {
		st.Records += cs.Records
		st.Dropped += cs.Dropped
		st.Buffered += cs.Buffered
		st.BlockedPushes += cs.BlockedPushes
		st.EncodeErrors += cs.EncodeErrors
		st.FramesWritten += cs.FramesWritten
		st.SegmentsCreated += cs.Segments
		st.BytesWritten += cs.BytesWritten
		st.BytesOnDisk += cs.BytesOnDisk
		st.Errors += cs.Errors
	}
	l.track.fill(&st)
	return st
}
