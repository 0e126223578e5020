package curve

import (
	"errors"
	"fmt"

	"github.com/cronokirby/saferith"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var secp256k1OrderNat, _ = new(saferith.Nat).SetHex("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141")
var secp256k1Order = saferith.ModulusFromNat(secp256k1OrderNat)

// Secp256k1 is the curve used by Bitcoin and Ethereum, and the only group this
// module shares secrets over.
type Secp256k1 struct{}

func (Secp256k1) NewPoint() Point {
	return new(Secp256k1Point)
}

func (c Secp256k1) NewBasePoint() Point {
	return c.NewScalar().SetUInt32(1).ActOnBase()
}

func (Secp256k1) NewScalar() Scalar {
	return new(Secp256k1Scalar)
}

func (Secp256k1) Name() string {
	return "secp256k1"
}

func (Secp256k1) ScalarBits() int {
	return 256
}

// SafeScalarBytes is 32 bytes for the scalar plus 16 bytes of statistical slack.
func (Secp256k1) SafeScalarBytes() int {
	return 48
}

func (Secp256k1) Order() *saferith.Modulus {
	return secp256k1Order
}

// Secp256k1Scalar is a scalar modulo the order of secp256k1.
type Secp256k1Scalar struct {
	value secp256k1.ModNScalar
}

func secp256k1CastScalar(generic Scalar) *Secp256k1Scalar {
	out, ok := generic.(*Secp256k1Scalar)
	if !ok {
		panic(fmt.Sprintf("failed to convert to secp256k1Scalar: %v", generic))
	}
	return out
}

func (*Secp256k1Scalar) Curve() Curve {
	return Secp256k1{}
}

// MarshalBinary returns the 32 byte big-endian encoding of s.
func (s *Secp256k1Scalar) MarshalBinary() ([]byte, error) {
	data := s.value.Bytes()
	return data[:], nil
}

// UnmarshalBinary requires exactly 32 bytes, encoding an integer below the group order.
func (s *Secp256k1Scalar) UnmarshalBinary(data []byte) error {
	if len(data) != 32 {
		return fmt.Errorf("invalid length for secp256k1 scalar: %d", len(data))
	}
	var exactData [32]byte
	copy(exactData[:], data)
	if s.value.SetBytes(&exactData) != 0 {
		return errors.New("invalid bytes for secp256k1 scalar")
	}
	return nil
}

func (s *Secp256k1Scalar) Add(that Scalar) Scalar {
	other := secp256k1CastScalar(that)

	s.value.Add(&other.value)
	return s
}

func (s *Secp256k1Scalar) Sub(that Scalar) Scalar {
	other := secp256k1CastScalar(that)

	var negated secp256k1.ModNScalar
	negated.NegateVal(&other.value)
	s.value.Add(&negated)
	return s
}

func (s *Secp256k1Scalar) Mul(that Scalar) Scalar {
	other := secp256k1CastScalar(that)

	s.value.Mul(&other.value)
	return s
}

func (s *Secp256k1Scalar) Invert() Scalar {
	s.value.InverseNonConst()
	return s
}

func (s *Secp256k1Scalar) Negate() Scalar {
	s.value.Negate()
	return s
}

func (s *Secp256k1Scalar) Equal(that Scalar) bool {
	other := secp256k1CastScalar(that)

	return s.value.Equals(&other.value)
}

func (s *Secp256k1Scalar) IsZero() bool {
	return s.value.IsZero()
}

func (s *Secp256k1Scalar) Set(that Scalar) Scalar {
	other := secp256k1CastScalar(that)

	s.value.Set(&other.value)
	return s
}

func (s *Secp256k1Scalar) SetNat(x *saferith.Nat) Scalar {
	reduced := new(saferith.Nat).Mod(x, secp256k1Order)
	s.value.SetByteSlice(reduced.Bytes())
	return s
}

func (s *Secp256k1Scalar) SetUInt32(x uint32) Scalar {
	s.value.SetInt(x)
	return s
}

func (s *Secp256k1Scalar) Act(that Point) Point {
	other := secp256k1CastPoint(that)
	out := new(Secp256k1Point)
	secp256k1.ScalarMultNonConst(&s.value, &other.value, &out.value)
	return out
}

func (s *Secp256k1Scalar) ActOnBase() Point {
	out := new(Secp256k1Point)
	secp256k1.ScalarBaseMultNonConst(&s.value, &out.value)
	return out
}

// PrivateKey returns s as a secp256k1 private key, for ECDSA signing.
func (s *Secp256k1Scalar) PrivateKey() *secp256k1.PrivateKey {
	return secp256k1.NewPrivateKey(&s.value)
}

// Secp256k1Point is an element of the secp256k1 group, in Jacobian coordinates.
type Secp256k1Point struct {
	value secp256k1.JacobianPoint
}

func secp256k1CastPoint(generic Point) *Secp256k1Point {
	out, ok := generic.(*Secp256k1Point)
	if !ok {
		panic(fmt.Sprintf("failed to convert to secp256k1Point: %v", generic))
	}
	return out
}

func (*Secp256k1Point) Curve() Curve {
	return Secp256k1{}
}

// affine returns a normalized affine copy of p, and whether p is the identity.
func (p *Secp256k1Point) affine() (secp256k1.JacobianPoint, bool) {
	var out secp256k1.JacobianPoint
	out.Set(&p.value)
	out.Z.Normalize()
	if out.Z.IsZero() {
		return out, true
	}
	out.ToAffine()
	if out.X.IsZero() && out.Y.IsZero() {
		return out, true
	}
	return out, false
}

// MarshalBinary returns the 33 byte SEC1 compressed encoding of p.
func (p *Secp256k1Point) MarshalBinary() ([]byte, error) {
	a, identity := p.affine()
	if identity {
		return nil, errors.New("secp256k1Point.MarshalBinary: tried to marshal identity")
	}
	out := make([]byte, 33)
	out[0] = secp256k1.PubKeyFormatCompressedEven
	if a.Y.IsOdd() {
		out[0] = secp256k1.PubKeyFormatCompressedOdd
	}
	a.X.PutBytesUnchecked(out[1:])
	return out, nil
}

// UnmarshalBinary accepts both compressed (33 byte) and uncompressed (65 byte) SEC1 encodings.
func (p *Secp256k1Point) UnmarshalBinary(data []byte) error {
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return fmt.Errorf("secp256k1Point.UnmarshalBinary: %w", err)
	}
	pub.AsJacobian(&p.value)
	return nil
}

func (p *Secp256k1Point) Add(that Point) Point {
	other := secp256k1CastPoint(that)

	out := new(Secp256k1Point)
	secp256k1.AddNonConst(&p.value, &other.value, &out.value)
	return out
}

func (p *Secp256k1Point) Sub(that Point) Point {
	return p.Add(that.Negate())
}

func (p *Secp256k1Point) Negate() Point {
	out := new(Secp256k1Point)
	out.value.Set(&p.value)
	out.value.Y.Normalize()
	out.value.Y.Negate(1)
	out.value.Y.Normalize()
	return out
}

func (p *Secp256k1Point) Set(that Point) Point {
	other := secp256k1CastPoint(that)

	p.value.Set(&other.value)
	return p
}

func (p *Secp256k1Point) Equal(that Point) bool {
	other := secp256k1CastPoint(that)

	a, aIdentity := p.affine()
	b, bIdentity := other.affine()
	if aIdentity || bIdentity {
		return aIdentity == bIdentity
	}
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}

func (p *Secp256k1Point) IsIdentity() bool {
	_, identity := p.affine()
	return identity
}

func (p *Secp256k1Point) XBytes() []byte {
	a, identity := p.affine()
	if identity {
		return nil
	}
	out := make([]byte, 32)
	a.X.PutBytesUnchecked(out)
	return out
}

func (p *Secp256k1Point) YBytes() []byte {
	a, identity := p.affine()
	if identity {
		return nil
	}
	out := make([]byte, 32)
	a.Y.PutBytesUnchecked(out)
	return out
}

// PublicKey returns p as a secp256k1 public key, for ECDSA verification.
// It returns nil for the identity.
func (p *Secp256k1Point) PublicKey() *secp256k1.PublicKey {
	a, identity := p.affine()
	if identity {
		return nil
	}
	return secp256k1.NewPublicKey(&a.X, &a.Y)
}
