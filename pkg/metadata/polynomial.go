package metadata

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
)

// PolyIDSeparator joins the commitment x-coordinates of a PolynomialID.
const PolyIDSeparator = "|"

// PublicPolynomial holds the commitments a₀⋅G, …, aₜ⋅G of a sharing polynomial.
type PublicPolynomial struct {
	exponent *polynomial.Exponent
}

// NewPublicPolynomial wraps published commitments, constant first.
func NewPublicPolynomial(commitments []curve.Point) (*PublicPolynomial, error) {
	exponent, err := polynomial.NewExponent(group, commitments)
	if err != nil {
		return nil, err
	}
	return &PublicPolynomial{exponent: exponent}, nil
}

// PublicPolynomialOf returns the commitments to p.
func PublicPolynomialOf(p *polynomial.Polynomial) *PublicPolynomial {
	return &PublicPolynomial{exponent: polynomial.NewPolynomialExponent(p)}
}

// PolynomialID identifies a sharing epoch: the commitment x-coordinates in minimal hex, joined by "|".
func (p *PublicPolynomial) PolynomialID() string {
	coefficients := p.exponent.Coefficients()
	parts := make([]string, len(coefficients))
	for i, c := range coefficients {
		parts[i] = curve.MinimalHex(c.XBytes())
	}
	return strings.Join(parts, PolyIDSeparator)
}

// Threshold is the number of shares needed to reconstruct, the degree plus one.
func (p *PublicPolynomial) Threshold() int {
	return p.exponent.Degree() + 1
}

// Commitments returns a copy of the commitments.
func (p *PublicPolynomial) Commitments() []curve.Point {
	return p.exponent.Coefficients()
}

// PublicKey is the commitment to the secret.
func (p *PublicPolynomial) PublicKey() curve.Point {
	return p.exponent.Constant()
}

// CommitmentAt returns f(index)⋅G.
func (p *PublicPolynomial) CommitmentAt(index curve.Scalar) curve.Point {
	return p.exponent.Evaluate(index)
}

// Verify reports whether share lies on the committed polynomial.
func (p *PublicPolynomial) Verify(share Share) bool {
	return p.exponent.Verify(share.ShareIndex, share.Share)
}

func (p *PublicPolynomial) Clone() *PublicPolynomial {
	return &PublicPolynomial{exponent: p.exponent.Copy()}
}

type publicPolynomialJSON struct {
	PolynomialCommitments []*curve.MarshallablePoint `json:"polynomialCommitments"`
}

func (p *PublicPolynomial) MarshalJSON() ([]byte, error) {
	coefficients := p.exponent.Coefficients()
	raw := publicPolynomialJSON{PolynomialCommitments: make([]*curve.MarshallablePoint, len(coefficients))}
	for i, c := range coefficients {
		raw.PolynomialCommitments[i] = curve.NewMarshallablePoint(c)
	}
	return json.Marshal(raw)
}

func (p *PublicPolynomial) UnmarshalJSON(data []byte) error {
	var raw publicPolynomialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.PublicPolynomial: %w", err)
	}
	points := make([]curve.Point, len(raw.PolynomialCommitments))
	for i, c := range raw.PolynomialCommitments {
		if c == nil {
			return errors.New("metadata.PublicPolynomial: null commitment")
		}
		points[i] = c.Point
	}
	exponent, err := polynomial.NewExponent(group, points)
	if err != nil {
		return fmt.Errorf("metadata.PublicPolynomial: %w", err)
	}
	p.exponent = exponent
	return nil
}
