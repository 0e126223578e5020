package polynomial

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

// Polynomial represents f(X) = a₀ + a₁⋅X + … + aₜ⋅Xᵗ.
type Polynomial struct {
	group        curve.Curve
	coefficients []curve.Scalar
}

// Evaluation is a point (x, f(x)) on a polynomial.
type Evaluation struct {
	X curve.Scalar
	Y curve.Scalar
}

// NewPolynomial generates a Polynomial f(X) = secret + a₁⋅X + … + aₜ⋅Xᵗ,
// with coefficients in ℤₚ, and degree t.
func NewPolynomial(group curve.Curve, degree int, constant curve.Scalar) *Polynomial {
	polynomial := &Polynomial{
		group:        group,
		coefficients: make([]curve.Scalar, degree+1),
	}

	// if the constant is nil, we interpret it as 0.
	if constant == nil {
		constant = group.NewScalar()
	}
	polynomial.coefficients[0] = group.NewScalar().Set(constant)

	for i := 1; i <= degree; i++ {
		polynomial.coefficients[i] = sample.Scalar(rand.Reader, group)
	}

	return polynomial
}

// NewPolynomialFromCoefficients returns the polynomial with the given coefficients, constant first.
func NewPolynomialFromCoefficients(group curve.Curve, coefficients []curve.Scalar) *Polynomial {
	p := &Polynomial{
		group:        group,
		coefficients: make([]curve.Scalar, len(coefficients)),
	}
	for i, c := range coefficients {
		p.coefficients[i] = group.NewScalar().Set(c)
	}
	return p
}

// NewRandomPolynomial returns a random polynomial of the given degree with constant term secret,
// which also passes through every predetermined evaluation.
//
// The free points needed to fix the polynomial are drawn at random indexes, then the whole
// polynomial is interpolated. At most degree evaluations may be predetermined, otherwise the
// polynomial would already be fully determined and the secret could not be chosen.
func NewRandomPolynomial(group curve.Curve, degree int, secret curve.Scalar, predetermined ...Evaluation) (*Polynomial, error) {
	if len(predetermined) > degree {
		return nil, fmt.Errorf("polynomial.NewRandomPolynomial: %d predetermined shares for degree %d", len(predetermined), degree)
	}
	if len(predetermined) == 0 {
		return NewPolynomial(group, degree, secret), nil
	}

	points := make([]Evaluation, 0, degree+1)
	points = append(points, Evaluation{X: group.NewScalar(), Y: group.NewScalar().Set(secret)})
	points = append(points, predetermined...)
	for len(points) < degree+1 {
		x := sample.ScalarUnit(rand.Reader, group)
		if containsX(points, x) {
			continue
		}
		points = append(points, Evaluation{X: x, Y: sample.Scalar(rand.Reader, group)})
	}
	return InterpolatePolynomial(group, points)
}

func containsX(points []Evaluation, x curve.Scalar) bool {
	for _, p := range points {
		if p.X.Equal(x) {
			return true
		}
	}
	return false
}

// Evaluate evaluates a polynomial in a given variable index
// We use Horner's method: https://en.wikipedia.org/wiki/Horner%27s_method
func (p *Polynomial) Evaluate(index curve.Scalar) curve.Scalar {
	if index.IsZero() {
		panic("attempt to leak secret")
	}

	result := p.group.NewScalar()
	// reverse order
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		// bₙ₋₁ = bₙ * x + aₙ₋₁
		result.Mul(index).Add(p.coefficients[i])
	}
	return result
}

// GenerateShares evaluates p at every index, keyed by the minimal hex encoding of the index.
func (p *Polynomial) GenerateShares(indexes []curve.Scalar) (map[string]Evaluation, error) {
	shares := make(map[string]Evaluation, len(indexes))
	for _, index := range indexes {
		if index.IsZero() {
			return nil, errors.New("polynomial.GenerateShares: zero index")
		}
		key := curve.ScalarToHex(index)
		if _, ok := shares[key]; ok {
			return nil, fmt.Errorf("polynomial.GenerateShares: duplicate index %s", key)
		}
		shares[key] = Evaluation{X: p.group.NewScalar().Set(index), Y: p.Evaluate(index)}
	}
	return shares, nil
}

// Constant returns a reference to the constant coefficient of the polynomial.
func (p *Polynomial) Constant() curve.Scalar {
	return p.coefficients[0]
}

// Degree is the highest power of the Polynomial.
func (p *Polynomial) Degree() uint32 {
	return uint32(len(p.coefficients)) - 1
}

// Coefficients returns a copy of the coefficients, constant first.
func (p *Polynomial) Coefficients() []curve.Scalar {
	out := make([]curve.Scalar, len(p.coefficients))
	for i, c := range p.coefficients {
		out[i] = p.group.NewScalar().Set(c)
	}
	return out
}

// Equal compares coefficients, treating trailing zero coefficients as absent.
func (p *Polynomial) Equal(q *Polynomial) bool {
	n := len(p.coefficients)
	if len(q.coefficients) > n {
		n = len(q.coefficients)
	}
	for i := 0; i < n; i++ {
		a, b := p.group.NewScalar(), p.group.NewScalar()
		if i < len(p.coefficients) {
			a.Set(p.coefficients[i])
		}
		if i < len(q.coefficients) {
			b.Set(q.coefficients[i])
		}
		if !a.Equal(b) {
			return false
		}
	}
	return true
}
