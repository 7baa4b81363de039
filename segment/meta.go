package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xtxerr/simlog/internal/errors"
)

const (
	// StreamsDir is the metadata subdirectory of a logger directory.
	StreamsDir = "streams"

	// DoneMarker is the completion marker file. Zero bytes; its presence is
	// the sole signal that every stream is closed and fully flushed.
	DoneMarker = "_DONE"
)

// Stream kinds as stored in metadata. Raw streams carry no kind.
const (
	KindState       = "state"
	KindAccumulator = "accumulator"
)

// StreamMeta is the per-stream metadata JSON under streams/<id>.json.
// It holds everything a consumer needs to decode the stream's segments
// without opening them.
type StreamMeta struct {
	StreamID    uint32         `json:"stream_id"`
	Labels      map[string]any `json:"labels,omitempty"`
	EpochScale  float64        `json:"epoch_scale"`
	ValueScale  float64        `json:"value_scale"`
	VectorSize  int64          `json:"vector_size,omitempty"`
	Periodicity float64        `json:"periodicity,omitempty"`
	Kind        string         `json:"kind,omitempty"`
}

// IsPeriodic reports whether the stream was registered with a period kind.
func (m StreamMeta) IsPeriodic() bool {
	return m.Kind != ""
}

// Validate checks the invariants a decodable stream requires.
func (m StreamMeta) Validate() error {
	if m.StreamID == 0 {
		return fmt.Errorf("stream_id missing: %w", errors.ErrInvalidMetadata)
	}
	if !(m.EpochScale > 0) {
		return fmt.Errorf("stream %d: epoch_scale %v: %w", m.StreamID, m.EpochScale, errors.ErrInvalidMetadata)
	}
	if !(m.ValueScale > 0) {
		return fmt.Errorf("stream %d: value_scale %v: %w", m.StreamID, m.ValueScale, errors.ErrInvalidMetadata)
	}
	switch m.Kind {
	case "":
		if m.Periodicity != 0 {
			return fmt.Errorf("stream %d: periodicity without kind: %w", m.StreamID, errors.ErrInvalidMetadata)
		}
	case KindState, KindAccumulator:
		if !(m.Periodicity > 0) {
			return fmt.Errorf("stream %d: periodicity %v: %w", m.StreamID, m.Periodicity, errors.ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("stream %d: kind %q: %w", m.StreamID, m.Kind, errors.ErrInvalidMetadata)
	}
	return nil
}

// MetaPath returns the metadata file path for a stream.
func MetaPath(dir string, streamID uint32) string {
	return filepath.Join(dir, StreamsDir, fmt.Sprintf("%d.json", streamID))
}

// WriteMeta writes a stream's metadata JSON. Called exactly once per stream,
// at registration.
func WriteMeta(dir string, m StreamMeta) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, StreamsDir), 0755); err != nil {
		return fmt.Errorf("create streams dir: %v: %w", err, errors.ErrSegmentIO)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for stream %d: %v: %w", m.StreamID, err, errors.ErrInvalidMetadata)
	}
	data = append(data, '\n')

	path := MetaPath(dir, m.StreamID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	return f.Close()
}

// ReadMeta reads and validates one metadata file.
func ReadMeta(path string) (StreamMeta, error) {
	var m StreamMeta

	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %v: %w", path, err, errors.ErrInvalidMetadata)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ListMeta reads all stream metadata in a logger directory, sorted by
// stream id. Segments are not opened.
func ListMeta(dir string) ([]StreamMeta, error) {
	entries, err := os.ReadDir(filepath.Join(dir, StreamsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list metadata: %v: %w", err, errors.ErrSegmentIO)
	}

	var metas []StreamMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m, err := ReadMeta(filepath.Join(dir, StreamsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].StreamID < metas[j].StreamID })
	return metas, nil
}

// WriteDone writes the completion marker. It must be called only after
// every registered stream has been closed and flushed.
func WriteDone(dir string) error {
	path := filepath.Join(dir, DoneMarker)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %v: %w", path, err, errors.ErrSegmentIO)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %v: %w", path, err, errors.ErrSegmentIO)
	}

	// Make the marker itself durable before anyone polls for it.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// DoneExists reports whether a logger directory carries the completion
// marker.
func DoneExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DoneMarker))
	return err == nil
}
