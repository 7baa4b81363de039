package collector

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/simlog"
	"github.com/xtxerr/simlog/aggregate"
	"github.com/xtxerr/simlog/config"
	"github.com/xtxerr/simlog/segment"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func approxEq(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// buildRun writes a finished run with one raw stream (rawRecords frames)
// and one periodic state stream (2 period frames).
func buildRun(t *testing.T, rawRecords int) (dir string, rawID, perID uint32) {
	t.Helper()

	dir = t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Drain.PollInterval = time.Millisecond

	l, err := simlog.Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	raw, err := l.RegisterStream(map[string]any{"name": "energy"}, simlog.StreamOptions{})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}
	for i := 0; i < rawRecords; i++ {
		if err := raw.Record(float64(i), []int64{0, 7}, []float64{float64(i), -1.5}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	per, err := l.RegisterPeriodicStream(map[string]any{"name": "heat"},
		aggregate.State, 1.0, simlog.StreamOptions{VectorSize: 4})
	if err != nil {
		t.Fatalf("RegisterPeriodicStream: %v", err)
	}
	for k := 0; k < 8; k++ {
		if err := per.Record(float64(k)*0.25, []int64{1}, []float64{float64(k)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return dir, raw.ID(), per.ID()
}

func TestWaitDone(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := segment.WriteDone(dir); err != nil {
			t.Errorf("WriteDone: %v", err)
		}
	}()

	if err := c.WaitDone(testContext(t), dir); err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
}

func TestWaitDone_ContextExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New(Options{})
	if err := c.WaitDone(ctx, t.TempDir()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCollect_ActiveRun(t *testing.T) {
	c := New(Options{})
	active := t.TempDir()

	sink := func([]Row) error { return nil }
	if _, err := c.Collect(testContext(t), active, sink); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.parquet")
	if _, err := c.CollectParquet(testContext(t), active, out); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("export created for an active run: %v", err)
	}
}

func TestCollect(t *testing.T) {
	const rawRecords = 20
	dir, rawID, perID := buildRun(t, rawRecords)
	out := filepath.Join(t.TempDir(), "run.parquet")

	c := New(Options{BatchSize: 7}) // force mid-stream flushes
	rep, err := c.CollectParquet(testContext(t), dir, out)
	if err != nil {
		t.Fatalf("CollectParquet: %v", err)
	}

	if rep.Streams != 2 {
		t.Errorf("expected 2 streams, got %d", rep.Streams)
	}
	if rep.Truncated != 0 {
		t.Errorf("clean run reports %d truncated streams", rep.Truncated)
	}
	wantFrames := int64(rawRecords + 2)
	if rep.Frames != wantFrames || rep.Rows != wantFrames {
		t.Errorf("expected %d frames/rows, got %d/%d", wantFrames, rep.Frames, rep.Rows)
	}

	rows, err := ReadRows(out)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if int64(len(rows)) != wantFrames {
		t.Fatalf("expected %d rows, got %d", wantFrames, len(rows))
	}

	// Streams are exported in id order, frames in stream order.
	for i := 0; i < rawRecords; i++ {
		r := rows[i]
		if r.StreamID != rawID {
			t.Fatalf("row %d: stream %d, want %d", i, r.StreamID, rawID)
		}
		if !approxEq(r.Epoch, float64(i), 1e-9) {
			t.Fatalf("row %d: epoch %v", i, r.Epoch)
		}
		if len(r.Indices) != 2 || r.Indices[0] != 0 || r.Indices[1] != 7 {
			t.Fatalf("row %d: indices %v", i, r.Indices)
		}
		if !approxEq(r.Values[0], float64(i), 1e-6) || !approxEq(r.Values[1], -1.5, 1e-6) {
			t.Fatalf("row %d: values %v", i, r.Values)
		}
		if !strings.Contains(r.Labels, `"name":"energy"`) {
			t.Fatalf("row %d: labels %q", i, r.Labels)
		}
		if r.Kind != "" || r.Periodicity != 0 {
			t.Fatalf("row %d: raw stream carries reduction fields: %q/%v", i, r.Kind, r.Periodicity)
		}
	}

	perRows := rows[rawRecords:]
	wantValues := []float64{3.0, 7.0} // last record of each period
	for p, r := range perRows {
		if r.StreamID != perID {
			t.Fatalf("periodic row %d: stream %d", p, r.StreamID)
		}
		if !approxEq(r.Epoch, float64(p), 1e-9) {
			t.Fatalf("periodic row %d: epoch %v", p, r.Epoch)
		}
		if len(r.Indices) != 1 || r.Indices[0] != 1 || !approxEq(r.Values[0], wantValues[p], 1e-6) {
			t.Fatalf("periodic row %d: %v=%v", p, r.Indices, r.Values)
		}
		if r.Kind != "state" || r.Periodicity != 1.0 {
			t.Fatalf("periodic row %d: kind %q periodicity %v", p, r.Kind, r.Periodicity)
		}
	}
}

func TestCollect_Filter(t *testing.T) {
	dir, rawID, _ := buildRun(t, 5)
	out := filepath.Join(t.TempDir(), "raw-only.parquet")

	c := New(Options{
		Filter: func(m segment.StreamMeta) bool { return !m.IsPeriodic() },
	})
	rep, err := c.CollectParquet(testContext(t), dir, out)
	if err != nil {
		t.Fatalf("CollectParquet: %v", err)
	}
	if rep.Streams != 1 || rep.Frames != 5 {
		t.Errorf("expected 1 stream with 5 frames, got %d/%d", rep.Streams, rep.Frames)
	}

	rows, err := ReadRows(out)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	for i, r := range rows {
		if r.StreamID != rawID {
			t.Fatalf("row %d: filtered stream leaked: %d", i, r.StreamID)
		}
	}
}

func TestCollectRows(t *testing.T) {
	const rawRecords = 20
	dir, _, _ := buildRun(t, rawRecords)

	c := New(Options{BatchSize: 7})
	var got []Row
	maxBatch := 0
	rep, err := c.Collect(testContext(t), dir, func(rows []Row) error {
		if len(rows) > maxBatch {
			maxBatch = len(rows)
		}
		got = append(got, rows...)
		return nil
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if maxBatch > 7 {
		t.Errorf("sink saw a batch of %d rows", maxBatch)
	}
	want := int64(rawRecords + 2)
	if rep.Rows != want || int64(len(got)) != want {
		t.Fatalf("expected %d rows, report says %d, sink got %d", want, rep.Rows, len(got))
	}
	if rep.Path != "" {
		t.Errorf("sink collection reports an output path: %q", rep.Path)
	}
}

func TestCollect_SinkError(t *testing.T) {
	dir, _, _ := buildRun(t, 3)

	c := New(Options{})
	boom := errors.New("sink rejected")
	_, err := c.Collect(testContext(t), dir, func([]Row) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}

func TestCollect_TruncatedTail(t *testing.T) {
	const rawRecords = 30
	dir, rawID, _ := buildRun(t, rawRecords)

	segs, err := segment.List(dir, rawID)
	if err != nil || len(segs) == 0 {
		t.Fatalf("List: %v, %v", segs, err)
	}
	last := segs[len(segs)-1]
	fi, err := os.Stat(last)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(last, fi.Size()/2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	out := filepath.Join(t.TempDir(), "torn.parquet")
	c := New(Options{})
	rep, err := c.CollectParquet(testContext(t), dir, out)
	if err != nil {
		t.Fatalf("CollectParquet: %v", err)
	}

	if rep.Truncated != 1 {
		t.Fatalf("expected 1 truncated stream, got %d", rep.Truncated)
	}
	rawRows := rep.Rows - 2 // the periodic stream is intact
	if rawRows < 0 || rawRows >= rawRecords {
		t.Errorf("expected a partial raw tail, got %d of %d rows", rawRows, rawRecords)
	}
	rows, err := ReadRows(out)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if int64(len(rows)) != rep.Rows {
		t.Errorf("export holds %d rows, report says %d", len(rows), rep.Rows)
	}
}

func TestCollectMany(t *testing.T) {
	dir1, _, _ := buildRun(t, 4)
	dir2, _, _ := buildRun(t, 6)
	outDir := t.TempDir()

	c := New(Options{})
	reports, err := c.CollectMany(testContext(t), []string{dir1, dir2}, outDir)
	if err != nil {
		t.Fatalf("CollectMany: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	for i, rep := range reports {
		if rep == nil {
			t.Fatalf("report %d missing", i)
		}
		if _, err := os.Stat(rep.Path); err != nil {
			t.Errorf("report %d: export missing: %v", i, err)
		}
	}
	if reports[0].Frames != 4+2 || reports[1].Frames != 6+2 {
		t.Errorf("unexpected frame counts: %d/%d", reports[0].Frames, reports[1].Frames)
	}
}

func TestCleanup(t *testing.T) {
	dir, rawID, _ := buildRun(t, 3)
	out := filepath.Join(t.TempDir(), "run.parquet")

	c := New(Options{})
	if _, err := c.CollectParquet(testContext(t), dir, out); err != nil {
		t.Fatalf("CollectParquet: %v", err)
	}
	if err := c.Cleanup(dir, false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if segs, err := segment.List(dir, rawID); err != nil || len(segs) != 0 {
		t.Errorf("segments survived cleanup: %v, %v", segs, err)
	}
	if _, err := os.Stat(filepath.Join(dir, segment.StreamsDir)); !os.IsNotExist(err) {
		t.Errorf("metadata survived cleanup: %v", err)
	}
	if !segment.DoneExists(dir) {
		t.Error("completion marker removed by cleanup")
	}

	// keepMeta leaves the stream metadata behind for later inspection.
	dir2, _, _ := buildRun(t, 2)
	if err := c.Cleanup(dir2, true); err != nil {
		t.Fatalf("Cleanup keepMeta: %v", err)
	}
	if metas, err := segment.ListMeta(dir2); err != nil || len(metas) != 2 {
		t.Errorf("expected 2 kept metas, got %d, %v", len(metas), err)
	}

	// A directory without a marker is left alone.
	active := t.TempDir()
	if err := c.Cleanup(active, false); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive, got %v", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("active directory removed: %v", err)
	}
}

func TestWriter_CloseThenWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.parquet")
	w, err := NewWriter(path, DefaultParquetOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rows := []Row{{StreamID: 1, Epoch: 0.5, Indices: []int64{0}, Values: []float64{1.0}}}
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 1 {
		t.Errorf("expected 1 row, got %d", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(rows); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
