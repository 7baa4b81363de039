package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/simlog/internal/errors"
)

// maxFramePayload bounds a frame payload as a corruption guard.
const maxFramePayload = 64 * 1024 * 1024

// Reader reads frames from one segment file.
//
// Stream-level decompression failures are reported as ErrTruncatedSegment:
// once compressed, a torn tail from a killed process and a damaged stream
// cannot be told apart. Structural failures inside an intact stream (frame
// CRC, impossible lengths, bad magic) are ErrCorruptSegment. Callers decide
// what truncation means from the segment's position; see ReadStream.
type Reader struct {
	path string
	file *os.File
	zr   *zstd.Decoder

	stats ReaderStats
}

// ReaderStats holds segment reader statistics.
type ReaderStats struct {
	FramesRead int64
	BytesRead  int64 // uncompressed
}

// NewReader opens a segment file and validates its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %v: %w", err, errors.ErrSegmentIO)
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("init decompressor: %v: %w", err, errors.ErrSegmentIO)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("read header: %v: %w", err, errors.ErrTruncatedSegment)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != segMagic {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("bad magic %x: %w", magic, errors.ErrCorruptSegment)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != segVersion {
		zr.Close()
		f.Close()
		return nil, fmt.Errorf("unsupported version %d: %w", version, errors.ErrCorruptSegment)
	}

	return &Reader{path: path, file: f, zr: zr}, nil
}

// Next returns the next frame. It returns io.EOF at a clean end of segment,
// ErrTruncatedSegment if the segment ends mid-frame, and ErrCorruptSegment
// on integrity failures.
func (r *Reader) Next() (Frame, error) {
	var f Frame

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.zr, header[:]); err != nil {
		if err == io.EOF {
			return f, io.EOF
		}
		return f, fmt.Errorf("read frame header: %v: %w", err, errors.ErrTruncatedSegment)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxFramePayload {
		return f, fmt.Errorf("frame payload %d too large: %w", length, errors.ErrCorruptSegment)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.zr, payload); err != nil {
		return f, fmt.Errorf("read frame payload: %v: %w", err, errors.ErrTruncatedSegment)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return f, fmt.Errorf("frame CRC mismatch: expected %08x, got %08x: %w",
			expectedCRC, actual, errors.ErrCorruptSegment)
	}

	f, err := decodeFrame(payload)
	if err != nil {
		return f, err
	}

	r.stats.FramesRead++
	r.stats.BytesRead += int64(frameHeaderSize) + int64(length)
	return f, nil
}

// ReadAll reads frames until the end of the segment. On error, the frames
// read so far are returned alongside it, preserving record order up to the
// failure point.
func (r *Reader) ReadAll() ([]Frame, error) {
	var frames []Frame
	for {
		f, err := r.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadStream reads every frame of one stream in record order, concatenating
// its segments in sequence order. A truncated FINAL segment is tolerated:
// the frames before the tear are returned with truncated=true. Truncation or
// corruption anywhere else is an error, as only the segment open at
// process-kill time can legitimately be cut short.
func ReadStream(dir string, streamID uint32) (frames []Frame, truncated bool, err error) {
	paths, err := List(dir, streamID)
	if err != nil {
		return nil, false, err
	}

	for i, path := range paths {
		final := i == len(paths)-1

		r, err := NewReader(path)
		if err != nil {
			if final && errors.Is(err, errors.ErrTruncatedSegment) {
				return frames, true, nil
			}
			return nil, false, fmt.Errorf("segment %s: %w", path, err)
		}

		fs, rerr := r.ReadAll()
		r.Close()
		frames = append(frames, fs...)

		if rerr != nil {
			if final && errors.Is(rerr, errors.ErrTruncatedSegment) {
				return frames, true, nil
			}
			return nil, false, fmt.Errorf("segment %s: %w", path, rerr)
		}
	}

	return frames, false, nil
}
