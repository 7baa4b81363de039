package quantize

import (
	"math"
	"testing"

	"github.com/xtxerr/simlog/internal/errors"
)

func TestNewCodecRejectsBadScale(t *testing.T) {
	for _, scale := range []float64{0, -1e-3, math.Inf(1), math.NaN()} {
		if _, err := NewCodec(scale, Abort); err == nil {
			t.Errorf("expected error for scale %v", scale)
		}
	}
}

func TestRoundTripWithinHalfScale(t *testing.T) {
	c, err := NewCodec(1e-3, Abort)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	inputs := []float64{0, 0.0014, -0.0014, 1.0, -273.15, 12345.6789, 1e9}
	for _, x := range inputs {
		q, err := c.Encode(x)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", x, err)
		}
		got := c.Decode(q)
		if math.Abs(got-x) > c.Scale()/2 {
			t.Errorf("round trip %v -> %d -> %v exceeds half scale", x, q, got)
		}
	}
}

func TestEncodeRounds(t *testing.T) {
	c, _ := NewCodec(1.0, Abort)

	tests := []struct {
		in   float64
		want int64
	}{
		{0.4, 0},
		{0.5, 1},
		{-0.5, -1},
		{1.49, 1},
		{-2.51, -3},
	}
	for _, tt := range tests {
		got, err := c.Encode(tt.in)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Encode(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestEncodeOverflowAborts(t *testing.T) {
	c, _ := NewCodec(1e-6, Abort)

	for _, x := range []float64{1e300, -1e300, math.Inf(1), math.Inf(-1)} {
		if _, err := c.Encode(x); !errors.Is(err, errors.ErrEncodingOverflow) {
			t.Errorf("Encode(%v): expected ErrEncodingOverflow, got %v", x, err)
		}
	}
}

func TestEncodeOverflowClamps(t *testing.T) {
	c, _ := NewCodec(1e-6, Clamp)

	q, err := c.Encode(1e300)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if q != math.MaxInt64 {
		t.Errorf("expected MaxInt64, got %d", q)
	}

	q, err = c.Encode(math.Inf(-1))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if q != math.MinInt64 {
		t.Errorf("expected MinInt64, got %d", q)
	}
}

func TestEncodeNaNAlwaysFails(t *testing.T) {
	for _, mode := range []Mode{Abort, Clamp} {
		c, _ := NewCodec(1.0, mode)
		if _, err := c.Encode(math.NaN()); !errors.Is(err, errors.ErrEncodingOverflow) {
			t.Errorf("mode %s: expected ErrEncodingOverflow for NaN, got %v", mode, err)
		}
	}
}

func TestEncodeSliceLeavesDstOnError(t *testing.T) {
	c, _ := NewCodec(1e-6, Abort)

	dst := []int64{7}
	out, err := c.EncodeSlice(dst, []float64{1.0, 1e300})
	if !errors.Is(err, errors.ErrEncodingOverflow) {
		t.Fatalf("expected ErrEncodingOverflow, got %v", err)
	}
	if len(out) != 1 || out[0] != 7 {
		t.Errorf("expected dst unchanged on error, got %v", out)
	}
}

func TestEncodeDecodeSlices(t *testing.T) {
	c, _ := NewCodec(0.5, Abort)

	src := []float64{1.0, 2.5, -3.0}
	enc, err := c.EncodeSlice(nil, src)
	if err != nil {
		t.Fatalf("EncodeSlice failed: %v", err)
	}
	dec := c.DecodeSlice(nil, enc)
	for i := range src {
		if math.Abs(dec[i]-src[i]) > c.Scale()/2 {
			t.Errorf("slice round trip at %d: %v -> %v", i, src[i], dec[i])
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"abort", Abort, true},
		{"clamp", Clamp, true},
		{"saturate", Abort, false},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseMode(%q): expected %v, got %v err=%v", tt.in, tt.want, got, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseMode(%q): expected error", tt.in)
		}
	}
}
