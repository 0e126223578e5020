package sample

import (
	"fmt"
	"io"

	"github.com/cronokirby/saferith"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

const maxIterations = 255

var ErrMaxIterations = fmt.Errorf("sample: failed to generate after %d iterations", maxIterations)

func mustReadBits(rand io.Reader, buf []byte) {
	for i := 0; i < maxIterations; i++ {
		if _, err := io.ReadFull(rand, buf); err == nil {
			return
		}
	}
	panic(ErrMaxIterations)
}

// Scalar returns a uniformly distributed scalar, possibly zero.
//
// SafeScalarBytes of randomness are reduced modulo the group order, so the bias is negligible.
func Scalar(rand io.Reader, group curve.Curve) curve.Scalar {
	buf := make([]byte, group.SafeScalarBytes())
	mustReadBits(rand, buf)
	return group.NewScalar().SetNat(new(saferith.Nat).SetBytes(buf))
}

// ScalarUnit returns a uniformly distributed non-zero scalar.
func ScalarUnit(rand io.Reader, group curve.Curve) curve.Scalar {
	for i := 0; i < maxIterations; i++ {
		s := Scalar(rand, group)
		if !s.IsZero() {
			return s
		}
	}
	panic(ErrMaxIterations)
}

// ScalarPointPair returns a non-zero scalar x along with X = x⋅G.
func ScalarPointPair(rand io.Reader, group curve.Curve) (curve.Scalar, curve.Point) {
	s := ScalarUnit(rand, group)
	return s, s.ActOnBase()
}

// Bytes returns n random bytes.
func Bytes(rand io.Reader, n int) []byte {
	buf := make([]byte, n)
	mustReadBits(rand, buf)
	return buf
}
