package polynomial

import (
	"errors"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

var (
	ErrNoPoints       = errors.New("polynomial: no points to interpolate")
	ErrDuplicateIndex = errors.New("polynomial: duplicate interpolation index")
)

// LagrangeCoefficient returns the Lagrange basis polynomial lⱼ evaluated at target,
// for xⱼ in the interpolation domain.
//
// The following formula is taken from
// https://en.wikipedia.org/wiki/Lagrange_polynomial
//
//	          ∏ₘ≠ⱼ (target - xₘ)
//	lⱼ(t) =	---------------------
//	          ∏ₘ≠ⱼ (xⱼ - xₘ)
//
// The domain must not contain duplicates; xⱼ is skipped by value.
func LagrangeCoefficient(group curve.Curve, interpolationDomain []curve.Scalar, xJ, target curve.Scalar) curve.Scalar {
	numerator := group.NewScalar().SetUInt32(1)
	denominator := group.NewScalar().SetUInt32(1)
	tmp := group.NewScalar()
	for _, xM := range interpolationDomain {
		if xM.Equal(xJ) {
			continue
		}
		// numerator *= target - xₘ
		tmp.Set(target).Sub(xM)
		numerator.Mul(tmp)
		// denominator *= xⱼ - xₘ
		tmp.Set(xJ).Sub(xM)
		denominator.Mul(tmp)
	}
	return denominator.Invert().Mul(numerator)
}

// Lagrange returns the Lagrange coefficients at 0 for every index of the domain,
// in the same order.
func Lagrange(group curve.Curve, interpolationDomain []curve.Scalar) []curve.Scalar {
	return LagrangeAt(group, interpolationDomain, group.NewScalar())
}

// LagrangeAt returns the Lagrange coefficients at target for every index of the domain,
// in the same order.
func LagrangeAt(group curve.Curve, interpolationDomain []curve.Scalar, target curve.Scalar) []curve.Scalar {
	coefficients := make([]curve.Scalar, len(interpolationDomain))
	for j, xJ := range interpolationDomain {
		coefficients[j] = LagrangeCoefficient(group, interpolationDomain, xJ, target)
	}
	return coefficients
}

func domainOf(points []Evaluation) ([]curve.Scalar, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}
	domain := make([]curve.Scalar, len(points))
	for i, p := range points {
		for _, x := range domain[:i] {
			if x.Equal(p.X) {
				return nil, ErrDuplicateIndex
			}
		}
		domain[i] = p.X
	}
	return domain, nil
}

// InterpolateAt returns f(target) for the unique polynomial f of degree len(points)-1
// passing through every point.
func InterpolateAt(group curve.Curve, points []Evaluation, target curve.Scalar) (curve.Scalar, error) {
	domain, err := domainOf(points)
	if err != nil {
		return nil, err
	}
	result := group.NewScalar()
	for j, p := range points {
		l := LagrangeCoefficient(group, domain, domain[j], target)
		result.Add(l.Mul(p.Y))
	}
	return result, nil
}

// InterpolateSecret returns f(0), the shared secret.
func InterpolateSecret(group curve.Curve, points []Evaluation) (curve.Scalar, error) {
	return InterpolateAt(group, points, group.NewScalar())
}

// InterpolatePolynomial reconstructs every coefficient of the unique polynomial of degree
// len(points)-1 passing through every point.
func InterpolatePolynomial(group curve.Curve, points []Evaluation) (*Polynomial, error) {
	domain, err := domainOf(points)
	if err != nil {
		return nil, err
	}
	coefficients := make([]curve.Scalar, len(points))
	for i := range coefficients {
		coefficients[i] = group.NewScalar()
	}
	for j, p := range points {
		// basis = ∏ₘ≠ⱼ (X - xₘ), built one linear factor at a time
		basis := []curve.Scalar{group.NewScalar().SetUInt32(1)}
		denominator := group.NewScalar().SetUInt32(1)
		for m, xM := range domain {
			if m == j {
				continue
			}
			next := make([]curve.Scalar, len(basis)+1)
			for k := range next {
				next[k] = group.NewScalar()
			}
			negXM := group.NewScalar().Set(xM).Negate()
			for k, c := range basis {
				next[k+1].Add(c)
				next[k].Add(group.NewScalar().Set(c).Mul(negXM))
			}
			basis = next
			denominator.Mul(group.NewScalar().Set(domain[j]).Sub(xM))
		}
		factor := denominator.Invert().Mul(p.Y)
		for k, c := range basis {
			coefficients[k].Add(group.NewScalar().Set(c).Mul(factor))
		}
	}
	return NewPolynomialFromCoefficients(group, coefficients), nil
}

// InterpolatePointAt returns F(target) for the unique polynomial in the exponent passing
// through (xᵢ, Pᵢ). It is the public counterpart of InterpolateAt.
func InterpolatePointAt(group curve.Curve, domain []curve.Scalar, points []curve.Point, target curve.Scalar) (curve.Point, error) {
	if len(domain) == 0 || len(domain) != len(points) {
		return nil, ErrNoPoints
	}
	result := group.NewPoint()
	for j, xJ := range domain {
		l := LagrangeCoefficient(group, domain, xJ, target)
		result = result.Add(l.Act(points[j]))
	}
	return result, nil
}
