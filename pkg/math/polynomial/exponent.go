package polynomial

import (
	"errors"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

// Exponent represents a polynomial whose coefficients are points on an elliptic curve.
type Exponent struct {
	group        curve.Curve
	coefficients []curve.Point
}

// NewPolynomialExponent generates a Exponent polynomial F(X) = [secret + a1*X + ... + at*X^t]•G,
// with coefficients in G, and degree t.
func NewPolynomialExponent(polynomial *Polynomial) *Exponent {
	p := &Exponent{
		group:        polynomial.group,
		coefficients: make([]curve.Point, len(polynomial.coefficients)),
	}
	for i, c := range polynomial.coefficients {
		p.coefficients[i] = c.ActOnBase()
	}
	return p
}

// NewExponent builds an Exponent from published commitments, constant first.
func NewExponent(group curve.Curve, coefficients []curve.Point) (*Exponent, error) {
	if len(coefficients) == 0 {
		return nil, errors.New("polynomial.NewExponent: no coefficients")
	}
	p := &Exponent{
		group:        group,
		coefficients: make([]curve.Point, len(coefficients)),
	}
	for i, c := range coefficients {
		p.coefficients[i] = group.NewPoint().Set(c)
	}
	return p, nil
}

// Evaluate returns F(index) using Horner's method.
//
// Evaluating at 0 returns the constant, which is public.
func (p *Exponent) Evaluate(index curve.Scalar) curve.Point {
	result := p.group.NewPoint()
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		// B_n-1 = [x]B_n  + A_n-1
		result = index.Act(result).Add(p.coefficients[i])
	}
	return result
}

// Degree is the highest power of the polynomial.
func (p *Exponent) Degree() int {
	return len(p.coefficients) - 1
}

// Constant returns the constant coefficient of the polynomial 'in the exponent'
func (p *Exponent) Constant() curve.Point {
	return p.coefficients[0]
}

// Coefficients returns a copy of the commitments, constant first.
func (p *Exponent) Coefficients() []curve.Point {
	out := make([]curve.Point, len(p.coefficients))
	for i, c := range p.coefficients {
		out[i] = p.group.NewPoint().Set(c)
	}
	return out
}

func (p *Exponent) Copy() *Exponent {
	q, _ := NewExponent(p.group, p.coefficients)
	return q
}

func (p *Exponent) Equal(other *Exponent) bool {
	if len(p.coefficients) != len(other.coefficients) {
		return false
	}
	for i := 0; i < len(p.coefficients); i++ {
		if !p.coefficients[i].Equal(other.coefficients[i]) {
			return false
		}
	}
	return true
}

// Verify reports whether value is the evaluation at index of the polynomial committed to by p.
func (p *Exponent) Verify(index, value curve.Scalar) bool {
	return value.ActOnBase().Equal(p.Evaluate(index))
}
