package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/simlog/internal/errors"
)

// Frame encoding format (binary, little-endian):
// - EpochQ (8 bytes, quantized epoch)
// - Index count (4 bytes) + indices (8 bytes each)
// - Value count (4 bytes) + quantized values (8 bytes each)
//
// The two counts must agree; the redundancy lets the decoder reject a
// structurally damaged frame before touching the value list.

// Frame is one quantized record as stored in a segment.
type Frame struct {
	EpochQ  int64
	Indices []int64
	ValuesQ []int64
}

// maxFrameEntries bounds the decoded entry count as a corruption guard.
const maxFrameEntries = 1 << 28

// EncodedSize returns the payload size in bytes for a frame.
func (f Frame) EncodedSize() int {
	return 8 + 4 + 8*len(f.Indices) + 4 + 8*len(f.ValuesQ)
}

// encodeFrame appends the frame payload to buf.
func encodeFrame(buf []byte, f Frame) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(f.EpochQ))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Indices)))
	for _, ix := range f.Indices {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ix))
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.ValuesQ)))
	for _, q := range f.ValuesQ {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(q))
	}

	return buf
}

// decodeFrame decodes a frame payload. Trailing bytes are rejected.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame

	if len(data) < 12 {
		return f, fmt.Errorf("payload too short (%d bytes): %w", len(data), errors.ErrCorruptSegment)
	}

	f.EpochQ = int64(binary.LittleEndian.Uint64(data[0:8]))
	offset := 8

	nIdx := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if nIdx > maxFrameEntries || offset+8*nIdx+4 > len(data) {
		return f, fmt.Errorf("index count %d exceeds payload: %w", nIdx, errors.ErrCorruptSegment)
	}
	if nIdx > 0 {
		f.Indices = make([]int64, nIdx)
		for i := range f.Indices {
			f.Indices[i] = int64(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
	}

	nVal := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if nVal != nIdx {
		return f, fmt.Errorf("count mismatch: %d indices, %d values: %w", nIdx, nVal, errors.ErrCorruptSegment)
	}
	if offset+8*nVal != len(data) {
		return f, fmt.Errorf("payload length %d does not match %d entries: %w",
			len(data), nVal, errors.ErrCorruptSegment)
	}
	if nVal > 0 {
		f.ValuesQ = make([]int64, nVal)
		for i := range f.ValuesQ {
			f.ValuesQ[i] = int64(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}
	}

	return f, nil
}
