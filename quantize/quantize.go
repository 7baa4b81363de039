// Package quantize implements fixed-point encoding of float64 measurements.
//
// A Codec converts between floating-point quantities and int64 fixed-point
// representation using a per-stream scale factor: Encode computes
// round(x/scale), Decode computes q*scale. Codecs are stateless across
// records, so encoding never depends on record order.
package quantize

import (
	"fmt"
	"math"

	"github.com/xtxerr/simlog/internal/errors"
)

// Mode selects how Encode treats values outside the representable range.
type Mode int

const (
	// Abort fails the encode with ErrEncodingOverflow. This is the default:
	// silent clamping corrupts downstream analytics.
	Abort Mode = iota

	// Clamp saturates to the nearest representable value. NaN is still
	// rejected; it has no meaningful saturation.
	Clamp
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case Abort:
		return "abort"
	case Clamp:
		return "clamp"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseMode parses a string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "abort":
		return Abort, nil
	case "clamp":
		return Clamp, nil
	default:
		return Abort, fmt.Errorf("unknown quantize mode: %s", s)
	}
}

// limit is 2^63 as a float64, exactly representable. A rounded quotient q
// is encodable iff -limit <= q < limit.
const limit = float64(1 << 63)

// Codec is a fixed-point codec for one scale factor.
type Codec struct {
	scale float64
	mode  Mode
}

// NewCodec returns a codec for the given scale. Scale must be positive
// and finite.
func NewCodec(scale float64, mode Mode) (Codec, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return Codec{}, errors.NewInvalidValue("scale", scale, "must be positive and finite")
	}
	return Codec{scale: scale, mode: mode}, nil
}

// Scale returns the codec's scale factor.
func (c Codec) Scale() float64 {
	return c.scale
}

// Mode returns the codec's overflow mode.
func (c Codec) Mode() Mode {
	return c.mode
}

// Encode converts x to fixed point. Values whose rounded quotient falls
// outside int64 fail with ErrEncodingOverflow in Abort mode and saturate in
// Clamp mode. NaN always fails.
func (c Codec) Encode(x float64) (int64, error) {
	if math.IsNaN(x) {
		return 0, fmt.Errorf("NaN at scale %g: %w", c.scale, errors.ErrEncodingOverflow)
	}

	q := math.Round(x / c.scale)
	if q >= limit {
		if c.mode == Clamp {
			return math.MaxInt64, nil
		}
		return 0, fmt.Errorf("value %g at scale %g: %w", x, c.scale, errors.ErrEncodingOverflow)
	}
	if q < -limit {
		if c.mode == Clamp {
			return math.MinInt64, nil
		}
		return 0, fmt.Errorf("value %g at scale %g: %w", x, c.scale, errors.ErrEncodingOverflow)
	}
	return int64(q), nil
}

// EncodeSlice appends the encoded form of each element of src to dst and
// returns the extended slice. On error dst is returned unchanged.
func (c Codec) EncodeSlice(dst []int64, src []float64) ([]int64, error) {
	out := dst
	for _, x := range src {
		q, err := c.Encode(x)
		if err != nil {
			return dst, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Decode converts a fixed-point quantity back to float64.
func (c Codec) Decode(q int64) float64 {
	return float64(q) * c.scale
}

// DecodeSlice appends the decoded form of each element of src to dst.
func (c Codec) DecodeSlice(dst []float64, src []int64) []float64 {
	for _, q := range src {
		dst = append(dst, c.Decode(q))
	}
	return dst
}
