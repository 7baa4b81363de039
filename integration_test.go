package simlog

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/simlog/aggregate"
	"github.com/xtxerr/simlog/segment"
)

func TestRoundTrip(t *testing.T) {
	l, dir := openLogger(t, nil)

	s, err := l.RegisterStream(map[string]any{"name": "positions"},
		StreamOptions{EpochScale: 1e-3, ValueScale: 1e-6})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		epoch := float64(i) * 0.001
		// Unsorted input with an index far beyond any fixed size.
		indices := []int64{123456789, int64(i)}
		values := []float64{-0.5, float64(i) * 1.25}
		if err := s.Record(epoch, indices, values); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readDecoded(t, dir, s.ID())
	if len(got) != n {
		t.Fatalf("expected %d frames, got %d", n, len(got))
	}
	for i, m := range got {
		if !approxEq(m.epoch, float64(i)*0.001, 1e-9) {
			t.Fatalf("frame %d: epoch %v", i, m.epoch)
		}
		if len(m.indices) != 2 || m.indices[0] != int64(i) || m.indices[1] != 123456789 {
			t.Fatalf("frame %d: indices not ascending: %v", i, m.indices)
		}
		if !approxEq(m.values[0], float64(i)*1.25, 1e-6) || !approxEq(m.values[1], -0.5, 1e-6) {
			t.Fatalf("frame %d: values %v", i, m.values)
		}
	}
}

func TestRoundTrip_SlicesNotRetained(t *testing.T) {
	l, dir := openLogger(t, nil)

	s, err := l.RegisterStream(nil, StreamOptions{})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	indices := []int64{0}
	values := []float64{42.0}
	if err := s.Record(0.0, indices, values); err != nil {
		t.Fatalf("Record: %v", err)
	}
	indices[0] = 7
	values[0] = -1.0

	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readDecoded(t, dir, s.ID())
	if len(got) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(got))
	}
	if got[0].indices[0] != 0 || !approxEq(got[0].values[0], 42.0, 1e-6) {
		t.Errorf("caller mutation leaked into the stream: %+v", got[0])
	}
}

func TestOrderAcrossRotation(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.MaxBytes = 256
	l, dir := openLogger(t, cfg)

	s, err := l.RegisterStream(nil, StreamOptions{})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if err := s.Record(float64(i), []int64{0, 1}, []float64{float64(i), 0.5}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segs, err := segment.List(dir, s.ID())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(segs))
	}
	if got := s.Stats().Segments; got != int64(len(segs)) {
		t.Errorf("stats report %d segments, disk has %d", got, len(segs))
	}

	got := readDecoded(t, dir, s.ID())
	if len(got) != n {
		t.Fatalf("expected %d frames, got %d", n, len(got))
	}
	for i, m := range got {
		if !approxEq(m.epoch, float64(i), 1e-9) {
			t.Fatalf("frame %d out of order: epoch %v", i, m.epoch)
		}
	}
}

func TestBlockPolicyNeverDrops(t *testing.T) {
	l, dir := openLogger(t, nil)

	s, err := l.RegisterStream(nil, StreamOptions{BufferCapacity: 4, Policy: "block"})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		if err := s.Record(float64(i), []int64{3}, []float64{1.0}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := s.Stats()
	if st.Dropped != 0 {
		t.Errorf("block policy dropped %d records", st.Dropped)
	}
	if st.FramesWritten != n {
		t.Errorf("expected %d frames written, got %d", n, st.FramesWritten)
	}

	got := readDecoded(t, dir, s.ID())
	if len(got) != n {
		t.Fatalf("expected %d frames, got %d", n, len(got))
	}
	for i, m := range got {
		if !approxEq(m.epoch, float64(i), 1e-9) {
			t.Fatalf("frame %d out of order: epoch %v", i, m.epoch)
		}
	}
}

func TestDropOldest_Conservation(t *testing.T) {
	cfg := testConfig()
	cfg.Drain.PollInterval = 100 * time.Millisecond
	l, dir := openLogger(t, cfg)

	s, err := l.RegisterStream(nil, StreamOptions{BufferCapacity: 8, Policy: "drop_oldest"})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if err := s.Record(float64(i), []int64{0}, []float64{float64(i)}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := s.Stats()
	if st.Records != n {
		t.Errorf("drop_oldest rejected a record: %d accepted", st.Records)
	}
	if st.FramesWritten+st.Dropped != n {
		t.Errorf("conservation broken: %d written + %d dropped != %d",
			st.FramesWritten, st.Dropped, n)
	}
	t.Logf("drop_oldest: %d written, %d dropped", st.FramesWritten, st.Dropped)

	got := readDecoded(t, dir, s.ID())
	if int64(len(got)) != st.FramesWritten {
		t.Fatalf("disk has %d frames, stats say %d", len(got), st.FramesWritten)
	}
	for i := 1; i < len(got); i++ {
		if got[i].epoch <= got[i-1].epoch {
			t.Fatalf("surviving frames out of order at %d: %v <= %v",
				i, got[i].epoch, got[i-1].epoch)
		}
	}
	// The freshest record always survives a drop-oldest stall.
	if len(got) > 0 && !approxEq(got[len(got)-1].epoch, n-1, 1e-9) {
		t.Errorf("newest record lost: last epoch %v", got[len(got)-1].epoch)
	}
}

func TestDropNewest_Accounting(t *testing.T) {
	cfg := testConfig()
	cfg.Drain.PollInterval = 100 * time.Millisecond
	l, dir := openLogger(t, cfg)

	s, err := l.RegisterStream(nil, StreamOptions{BufferCapacity: 8, Policy: "drop_newest"})
	if err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}

	const n = 200
	accepted := int64(0)
	rejected := int64(0)
	for i := 0; i < n; i++ {
		err := s.Record(float64(i), []int64{0}, []float64{float64(i)})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBufferFull):
			rejected++
		default:
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if accepted+rejected != n {
		t.Fatalf("lost track of %d records", n-accepted-rejected)
	}
	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := s.Stats()
	if st.Records != accepted {
		t.Errorf("stats count %d records, caller saw %d accepted", st.Records, accepted)
	}
	if st.Dropped != rejected {
		t.Errorf("stats count %d dropped, caller saw %d rejected", st.Dropped, rejected)
	}
	if st.FramesWritten != accepted {
		t.Errorf("expected every accepted record on disk: %d != %d", st.FramesWritten, accepted)
	}
	t.Logf("drop_newest: %d accepted, %d rejected", accepted, rejected)

	got := readDecoded(t, dir, s.ID())
	if int64(len(got)) != accepted {
		t.Fatalf("disk has %d frames, expected %d", len(got), accepted)
	}
	for i := 1; i < len(got); i++ {
		if got[i].epoch <= got[i-1].epoch {
			t.Fatalf("frames out of order at %d", i)
		}
	}
}

func TestConcurrentStreams(t *testing.T) {
	l, dir := openLogger(t, nil)

	const streams = 3
	const perStream = 300

	raws := make([]*Stream, streams)
	for i := range raws {
		s, err := l.RegisterStream(map[string]any{"worker": i}, StreamOptions{})
		if err != nil {
			t.Fatalf("RegisterStream: %v", err)
		}
		raws[i] = s
	}
	per, err := l.RegisterPeriodicStream(nil, aggregate.State, 1.0, StreamOptions{VectorSize: 4})
	if err != nil {
		t.Fatalf("RegisterPeriodicStream: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, streams+1)
	for si, s := range raws {
		si, s := si, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perStream; i++ {
				err := s.Record(float64(i), []int64{int64(si)}, []float64{float64(i)})
				if err != nil {
					errCh <- fmt.Errorf("stream %d record %d: %v", s.ID(), i, err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Four records per period, periods 0..9.
		for k := 0; k < 40; k++ {
			err := per.Record(float64(k)*0.25, []int64{0}, []float64{float64(k)})
			if err != nil {
				errCh <- fmt.Errorf("periodic record %d: %v", k, err)
				return
			}
		}
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	if err := l.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for si, s := range raws {
		got := readDecoded(t, dir, s.ID())
		if len(got) != perStream {
			t.Fatalf("stream %d: expected %d frames, got %d", s.ID(), perStream, len(got))
		}
		for i, m := range got {
			if !approxEq(m.epoch, float64(i), 1e-9) {
				t.Fatalf("stream %d frame %d out of order", s.ID(), i)
			}
			if len(m.indices) != 1 || m.indices[0] != int64(si) {
				t.Fatalf("stream %d frame %d: wrong payload %v", s.ID(), i, m.indices)
			}
		}
	}

	// The periodic stream folded 40 records into periods 0..9; the logger's
	// default close emits through the period holding the last record.
	got := readDecoded(t, dir, per.ID())
	if len(got) != 10 {
		t.Fatalf("periodic stream: expected 10 frames, got %d", len(got))
	}
	for p, m := range got {
		if !approxEq(m.epoch, float64(p), 1e-9) {
			t.Fatalf("period %d: epoch %v", p, m.epoch)
		}
		want := float64(4*p + 3) // last record in the period
		if !approxEq(m.values[0], want, 1e-6) {
			t.Fatalf("period %d: value %v, want %v", p, m.values[0], want)
		}
	}

	st := l.Stats()
	if st.Streams != streams+1 {
		t.Errorf("expected %d streams, got %d", streams+1, st.Streams)
	}
	wantRecords := int64(streams*perStream + 40)
	if st.Records != wantRecords {
		t.Errorf("expected %d records, got %d", wantRecords, st.Records)
	}
}
