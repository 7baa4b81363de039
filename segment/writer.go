// Package segment implements the on-disk format of a logger directory:
// compressed per-stream segment files, stream metadata JSON, and the
// completion marker.
//
// Each segment file is a single zstd stream. Decompressed, it contains:
//   - Header: 8 bytes magic + 4 bytes version
//   - Frames: [4 bytes length][4 bytes crc32][payload]
//
// Frames are self-delimiting, so a segment is forward-readable without an
// index, and rotation always happens on a frame boundary.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/simlog/internal/errors"
)

const (
	segMagic        = 0x534C475345470001 // "SLGSEG" + version 1
	segVersion      = 1
	headerSize      = 12 // 8 bytes magic + 4 bytes version
	frameHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// Suffix is carried by every segment file name: <stream_id>.<seq>.seg.zst.
const Suffix = ".seg.zst"

// Options configures a segment writer.
type Options struct {
	// MaxSegmentBytes is the uncompressed payload size of a segment before
	// rotation. Default: 4MB.
	MaxSegmentBytes int64

	// MaxSegmentRecords rotates after this many records per segment.
	// 0 disables record-count rotation.
	MaxSegmentRecords int64

	// ZstdLevel is the zstd compression level (1-19). Default: 3.
	ZstdLevel int

	// SyncOnRotate fsyncs each segment as rotation completes it. The final
	// segment is synced on Close either way.
	SyncOnRotate bool
}

// DefaultOptions returns default segment writer options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentBytes:   4 * 1024 * 1024,
		MaxSegmentRecords: 0,
		ZstdLevel:         3,
	}
}

// WriterStats holds segment writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64 // uncompressed, including frame headers
	BytesOnDisk     int64 // compressed, completed segments only
	Errors          int64
}

// Writer appends frames to one stream's segment files, rotating at the
// configured thresholds. Segments are created lazily: a stream that never
// records produces metadata but no segment files.
type Writer struct {
	mu sync.Mutex

	dir      string
	streamID uint32
	opts     Options

	seq        int64
	file       *os.File
	zw         *zstd.Encoder
	path       string
	segBytes   int64
	segRecords int64

	buf    []byte
	closed bool

	stats WriterStats
}

// NewWriter creates a segment writer for one stream.
func NewWriter(dir string, streamID uint32, opts Options) (*Writer, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultOptions().MaxSegmentBytes
	}
	if opts.ZstdLevel <= 0 {
		opts.ZstdLevel = DefaultOptions().ZstdLevel
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment dir: %v: %w", err, errors.ErrSegmentIO)
	}

	return &Writer{
		dir:      dir,
		streamID: streamID,
		opts:     opts,
	}, nil
}

// Append writes one frame to the stream's open segment, rotating first if
// the frame would push the segment past a threshold.
func (w *Writer) Append(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("append to stream %d: %w", w.streamID, errors.ErrStreamClosed)
	}

	w.buf = encodeFrame(w.buf[:0], f)
	recordSize := int64(frameHeaderSize + len(w.buf))

	if w.file != nil && w.needRotate(recordSize) {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return err
		}
	}
	if w.file == nil {
		if err := w.openSegmentLocked(); err != nil {
			w.stats.Errors++
			return err
		}
	}

	if err := w.writeFrameLocked(w.buf); err != nil {
		w.stats.Errors++
		return err
	}

	w.segBytes += recordSize
	w.segRecords++
	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize
	return nil
}

// needRotate reports whether appending recordSize more bytes should rotate
// first. A segment holding at least one record never splits a frame.
func (w *Writer) needRotate(recordSize int64) bool {
	if w.segRecords == 0 {
		return false
	}
	if w.segBytes+recordSize > w.opts.MaxSegmentBytes {
		return true
	}
	return w.opts.MaxSegmentRecords > 0 && w.segRecords >= w.opts.MaxSegmentRecords
}

func (w *Writer) writeFrameLocked(payload []byte) error {
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.zw.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header to %s: %v: %w", w.path, err, errors.ErrSegmentIO)
	}
	if _, err := w.zw.Write(payload); err != nil {
		return fmt.Errorf("write frame to %s: %v: %w", w.path, err, errors.ErrSegmentIO)
	}
	return nil
}

func (w *Writer) openSegmentLocked() error {
	name := fmt.Sprintf("%d.%d%s", w.streamID, w.seq, Suffix)
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %v: %w", path, err, errors.ErrSegmentIO)
	}

	zw, err := zstd.NewWriter(f,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.opts.ZstdLevel)))
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("init compressor for %s: %v: %w", path, err, errors.ErrSegmentIO)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], segMagic)
	binary.LittleEndian.PutUint32(header[8:12], segVersion)
	if _, err := zw.Write(header[:]); err != nil {
		zw.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header to %s: %v: %w", path, err, errors.ErrSegmentIO)
	}

	w.file = f
	w.zw = zw
	w.path = path
	w.segBytes = headerSize
	w.segRecords = 0
	w.stats.SegmentsCreated++
	return nil
}

// closeSegmentLocked finalizes the open segment file, if any.
func (w *Writer) closeSegmentLocked(sync bool) error {
	if w.file == nil {
		return nil
	}

	var firstErr error
	if err := w.zw.Close(); err != nil {
		firstErr = fmt.Errorf("finish segment %s: %v: %w", w.path, err, errors.ErrSegmentIO)
	}
	if sync && firstErr == nil {
		if err := w.file.Sync(); err != nil {
			firstErr = fmt.Errorf("sync segment %s: %v: %w", w.path, err, errors.ErrSegmentIO)
		}
	}
	if fi, err := w.file.Stat(); err == nil {
		w.stats.BytesOnDisk += fi.Size()
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close segment %s: %v: %w", w.path, err, errors.ErrSegmentIO)
	}

	w.file = nil
	w.zw = nil
	return firstErr
}

func (w *Writer) rotateLocked() error {
	if err := w.closeSegmentLocked(w.opts.SyncOnRotate); err != nil {
		return err
	}
	w.seq++
	return nil
}

// Rotate forces rotation: the current segment is completed and the next
// append starts a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.rotateLocked()
}

// Flush pushes buffered compressed data to the file so a concurrent reader
// can see every frame appended so far. The segment stays open.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zw == nil {
		return nil
	}
	if err := w.zw.Flush(); err != nil {
		w.stats.Errors++
		return fmt.Errorf("flush segment %s: %v: %w", w.path, err, errors.ErrSegmentIO)
	}
	return nil
}

// Close finalizes the open segment and stops the writer. Idempotent. The
// final segment is synced regardless of SyncOnRotate.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.closeSegmentLocked(true); err != nil {
		w.stats.Errors++
		return err
	}
	return nil
}

// CurrentSegment returns the path of the most recently opened segment, or
// "" if the writer has not created one yet.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// List returns one stream's segment file paths in sequence order.
func List(dir string, streamID uint32) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segments: %v: %w", err, errors.ErrSegmentIO)
	}

	type segFile struct {
		path string
		seq  int64
	}
	var segments []segFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		var sid uint32
		var seq int64
		if _, err := fmt.Sscanf(entry.Name(), "%d.%d"+Suffix, &sid, &seq); err != nil {
			continue
		}
		if sid != streamID {
			continue
		}
		segments = append(segments, segFile{path: filepath.Join(dir, entry.Name()), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].seq < segments[j].seq })

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}
