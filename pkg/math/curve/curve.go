package curve

import (
	"encoding"

	"github.com/cronokirby/saferith"
)

// Curve represents the prime order group an elliptic curve defines.
//
// Scalars are integers modulo the group order, and Points are elements of the group.
type Curve interface {
	// NewPoint returns the identity element.
	NewPoint() Point
	// NewBasePoint returns the standard generator of the group.
	NewBasePoint() Point
	// NewScalar returns the scalar 0.
	NewScalar() Scalar
	// Name returns the name of the curve.
	Name() string
	// ScalarBits returns the number of bits needed to represent a scalar.
	ScalarBits() int
	// SafeScalarBytes returns the number of random bytes needed to sample a scalar
	// with negligible bias.
	SafeScalarBytes() int
	// Order returns the order of the group, as a modulus.
	Order() *saferith.Modulus
}

// Scalar represents an integer modulo the order of a group.
//
// Methods mutate the receiver and return it, to allow chaining.
type Scalar interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	// Curve returns the group this scalar belongs to.
	Curve() Curve
	// Add sets s = s + that, returning s.
	Add(Scalar) Scalar
	// Sub sets s = s - that, returning s.
	Sub(Scalar) Scalar
	// Mul sets s = s * that, returning s.
	Mul(Scalar) Scalar
	// Invert sets s = 1/s, returning s. The inverse of 0 is 0.
	Invert() Scalar
	// Negate sets s = -s, returning s.
	Negate() Scalar
	// Equal checks whether or not two scalars are equal.
	Equal(Scalar) bool
	// IsZero checks whether or not this scalar is 0.
	IsZero() bool
	// Set copies that into s, returning s.
	Set(Scalar) Scalar
	// SetNat sets s to x modulo the group order, returning s.
	SetNat(*saferith.Nat) Scalar
	// SetUInt32 sets s to x, returning s.
	SetUInt32(uint32) Scalar
	// Act computes s * P.
	Act(Point) Point
	// ActOnBase computes s * G.
	ActOnBase() Point
}

// Point represents an element of an elliptic curve group.
//
// Methods return fresh points and never mutate their arguments.
type Point interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	// Curve returns the group this point belongs to.
	Curve() Curve
	// Add returns p + that.
	Add(Point) Point
	// Sub returns p - that.
	Sub(Point) Point
	// Negate returns -p.
	Negate() Point
	// Set copies that into p, returning p.
	Set(Point) Point
	// Equal checks whether or not two points are equal.
	Equal(Point) bool
	// IsIdentity checks whether or not this is the identity element.
	IsIdentity() bool
	// XBytes returns the big-endian affine x coordinate, padded to the field size.
	// The identity has no x coordinate, and returns nil.
	XBytes() []byte
	// YBytes returns the big-endian affine y coordinate, padded to the field size.
	YBytes() []byte
}
