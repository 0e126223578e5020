package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
)

var group = curve.Secp256k1{}

// Share is the evaluation of a sharing polynomial at ShareIndex.
type Share struct {
	ShareIndex curve.Scalar
	Share      curve.Scalar
}

// NewShare copies index and value into a Share.
func NewShare(index, value curve.Scalar) Share {
	return Share{
		ShareIndex: group.NewScalar().Set(index),
		Share:      group.NewScalar().Set(value),
	}
}

// ShareFromEvaluation converts a polynomial evaluation into a Share.
func ShareFromEvaluation(e polynomial.Evaluation) Share {
	return NewShare(e.X, e.Y)
}

// Evaluation returns the share as a point of its polynomial.
func (s Share) Evaluation() polynomial.Evaluation {
	return polynomial.Evaluation{X: s.ShareIndex, Y: s.Share}
}

// IndexHex is the key of the share in every index keyed map.
func (s Share) IndexHex() string {
	return curve.ScalarToHex(s.ShareIndex)
}

// PublicKey is the point the share value commits to. Metadata for a share is stored
// under this point, and written with the share as the signing key.
func (s Share) PublicKey() curve.Point {
	return s.Share.ActOnBase()
}

// PublicShare returns the commitment to s.
func (s Share) PublicShare() PublicShare {
	return PublicShare{
		ShareIndex:      group.NewScalar().Set(s.ShareIndex),
		ShareCommitment: s.PublicKey(),
	}
}

func (s Share) Clone() Share {
	return NewShare(s.ShareIndex, s.Share)
}

type shareJSON struct {
	ShareIndex string `json:"shareIndex"`
	Share      string `json:"share"`
}

func (s Share) MarshalJSON() ([]byte, error) {
	if s.ShareIndex == nil || s.Share == nil {
		return nil, errors.New("metadata.Share: incomplete share")
	}
	return json.Marshal(shareJSON{
		ShareIndex: curve.ScalarToHex(s.ShareIndex),
		Share:      curve.ScalarToHex(s.Share),
	})
}

func (s *Share) UnmarshalJSON(data []byte) error {
	var raw shareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.Share: %w", err)
	}
	index, err := curve.ScalarFromHex(group, raw.ShareIndex)
	if err != nil {
		return fmt.Errorf("metadata.Share: shareIndex: %w", err)
	}
	value, err := curve.ScalarFromHex(group, raw.Share)
	if err != nil {
		return fmt.Errorf("metadata.Share: share: %w", err)
	}
	s.ShareIndex, s.Share = index, value
	return nil
}

// ShareStore is a share together with the polynomial it was issued under.
// It is the unit a holder persists or transmits.
type ShareStore struct {
	Share        Share  `json:"share"`
	PolynomialID string `json:"polynomialID"`
}

func (s *ShareStore) Clone() *ShareStore {
	return &ShareStore{Share: s.Share.Clone(), PolynomialID: s.PolynomialID}
}

// MarshalCanonical returns the canonical JSON encoding of s.
func (s *ShareStore) MarshalCanonical() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalShareStore parses a ShareStore from JSON.
func UnmarshalShareStore(data []byte) (*ShareStore, error) {
	var s ShareStore
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Share.Share == nil || s.Share.ShareIndex == nil {
		return nil, errors.New("metadata.UnmarshalShareStore: missing share")
	}
	return &s, nil
}

// PublicShare is the commitment ShareCommitment = share⋅G of a share.
type PublicShare struct {
	ShareIndex      curve.Scalar
	ShareCommitment curve.Point
}

type publicShareJSON struct {
	ShareIndex      string                   `json:"shareIndex"`
	ShareCommitment *curve.MarshallablePoint `json:"shareCommitment"`
}

func (p PublicShare) MarshalJSON() ([]byte, error) {
	return json.Marshal(publicShareJSON{
		ShareIndex:      curve.ScalarToHex(p.ShareIndex),
		ShareCommitment: curve.NewMarshallablePoint(p.ShareCommitment),
	})
}

func (p *PublicShare) UnmarshalJSON(data []byte) error {
	var raw publicShareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.PublicShare: %w", err)
	}
	index, err := curve.ScalarFromHex(group, raw.ShareIndex)
	if err != nil {
		return fmt.Errorf("metadata.PublicShare: shareIndex: %w", err)
	}
	if raw.ShareCommitment == nil {
		return errors.New("metadata.PublicShare: missing shareCommitment")
	}
	p.ShareIndex, p.ShareCommitment = index, raw.ShareCommitment.Point
	return nil
}

func (p PublicShare) Clone() PublicShare {
	return PublicShare{
		ShareIndex:      group.NewScalar().Set(p.ShareIndex),
		ShareCommitment: group.NewPoint().Set(p.ShareCommitment),
	}
}

// KeyOf returns the storage key of a point, its zero padded hex x-coordinate.
func KeyOf(p curve.Point) string {
	return hex.EncodeToString(p.XBytes())
}
