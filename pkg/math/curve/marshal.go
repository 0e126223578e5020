package curve

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// decodeHex decodes a big-endian hex integer, padding it on the left to size bytes.
// Leading zeros may be omitted, as they are by most JSON producers of keys.
func decodeHex(h string, size int) ([]byte, error) {
	h = strings.TrimPrefix(strings.ToLower(h), "0x")
	if len(h) == 0 {
		return nil, errors.New("empty hex string")
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	for len(raw) > size && raw[0] == 0 {
		raw = raw[1:]
	}
	if len(raw) > size {
		return nil, fmt.Errorf("hex value longer than %d bytes", size)
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out, nil
}

// MinimalHex returns the lowercase hex encoding of a big-endian integer without leading zeros.
// Zero encodes as "0".
func MinimalHex(data []byte) string {
	h := strings.TrimLeft(hex.EncodeToString(data), "0")
	if h == "" {
		return "0"
	}
	return h
}

// ScalarToHex returns the minimal lowercase hex encoding of s.
// It is the form used for share indexes in JSON documents and map keys.
func ScalarToHex(s Scalar) string {
	data, _ := s.MarshalBinary()
	return MinimalHex(data)
}

// ScalarFromHex parses a big-endian hex scalar, which must be smaller than the group order.
func ScalarFromHex(group Curve, h string) (Scalar, error) {
	data, err := decodeHex(h, 32)
	if err != nil {
		return nil, fmt.Errorf("curve.ScalarFromHex: %w", err)
	}
	s := group.NewScalar()
	if err = s.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("curve.ScalarFromHex: %w", err)
	}
	return s, nil
}

// PointFromCoordinates builds a point from hex affine coordinates, checking it lies on the curve.
func PointFromCoordinates(group Curve, x, y string) (Point, error) {
	xb, err := decodeHex(x, 32)
	if err != nil {
		return nil, fmt.Errorf("curve.PointFromCoordinates: x: %w", err)
	}
	yb, err := decodeHex(y, 32)
	if err != nil {
		return nil, fmt.Errorf("curve.PointFromCoordinates: y: %w", err)
	}
	uncompressed := make([]byte, 0, 65)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, xb...)
	uncompressed = append(uncompressed, yb...)
	p := group.NewPoint()
	if err = p.UnmarshalBinary(uncompressed); err != nil {
		return nil, fmt.Errorf("curve.PointFromCoordinates: %w", err)
	}
	return p, nil
}

// PointToHex returns the hex SEC1 compressed encoding of p.
func PointToHex(p Point) (string, error) {
	data, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

// PointFromHex parses a hex SEC1 point, compressed or not.
func PointFromHex(group Curve, h string) (Point, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, fmt.Errorf("curve.PointFromHex: %w", err)
	}
	p := group.NewPoint()
	if err = p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("curve.PointFromHex: %w", err)
	}
	return p, nil
}

// MarshallableScalar wraps a Scalar so it encodes as a hex string in JSON,
// and as its 32 raw bytes in binary formats such as CBOR.
type MarshallableScalar struct {
	Scalar Scalar
}

func NewMarshallableScalar(s Scalar) *MarshallableScalar {
	return &MarshallableScalar{Scalar: s}
}

func (m *MarshallableScalar) MarshalJSON() ([]byte, error) {
	if m.Scalar == nil {
		return nil, errors.New("curve.MarshallableScalar: nil scalar")
	}
	return json.Marshal(ScalarToHex(m.Scalar))
}

func (m *MarshallableScalar) UnmarshalJSON(data []byte) error {
	var h string
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("curve.MarshallableScalar: %w", err)
	}
	s, err := ScalarFromHex(Secp256k1{}, h)
	if err != nil {
		return err
	}
	m.Scalar = s
	return nil
}

func (m *MarshallableScalar) MarshalBinary() ([]byte, error) {
	if m.Scalar == nil {
		return nil, errors.New("curve.MarshallableScalar: nil scalar")
	}
	return m.Scalar.MarshalBinary()
}

func (m *MarshallableScalar) UnmarshalBinary(data []byte) error {
	s := Secp256k1{}.NewScalar()
	if err := s.UnmarshalBinary(data); err != nil {
		return err
	}
	m.Scalar = s
	return nil
}

// MarshallablePoint wraps a Point so it encodes as {"x": hex, "y": hex} in JSON,
// and as its compressed form in binary formats such as CBOR.
type MarshallablePoint struct {
	Point Point
}

func NewMarshallablePoint(p Point) *MarshallablePoint {
	return &MarshallablePoint{Point: p}
}

type jsonPoint struct {
	X string `json:"x"`
	Y string `json:"y"`
}

func (m *MarshallablePoint) MarshalJSON() ([]byte, error) {
	if m.Point == nil || m.Point.IsIdentity() {
		return nil, errors.New("curve.MarshallablePoint: cannot encode identity")
	}
	return json.Marshal(jsonPoint{
		X: MinimalHex(m.Point.XBytes()),
		Y: MinimalHex(m.Point.YBytes()),
	})
}

func (m *MarshallablePoint) UnmarshalJSON(data []byte) error {
	var jp jsonPoint
	if err := json.Unmarshal(data, &jp); err != nil {
		return fmt.Errorf("curve.MarshallablePoint: %w", err)
	}
	p, err := PointFromCoordinates(Secp256k1{}, jp.X, jp.Y)
	if err != nil {
		return err
	}
	m.Point = p
	return nil
}

func (m *MarshallablePoint) MarshalBinary() ([]byte, error) {
	if m.Point == nil {
		return nil, errors.New("curve.MarshallablePoint: nil point")
	}
	return m.Point.MarshalBinary()
}

func (m *MarshallablePoint) UnmarshalBinary(data []byte) error {
	p := Secp256k1{}.NewPoint()
	if err := p.UnmarshalBinary(data); err != nil {
		return err
	}
	m.Point = p
	return nil
}
