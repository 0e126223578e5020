package polynomial

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

func TestLagrange(t *testing.T) {
	group := curve.Secp256k1{}

	N := 10
	allIDs := make([]curve.Scalar, N)
	for i := range allIDs {
		allIDs[i] = sample.ScalarUnit(rand.Reader, group)
	}
	coefsEven := Lagrange(group, allIDs)
	coefsOdd := Lagrange(group, allIDs[:N-1])
	sumEven := group.NewScalar()
	sumOdd := group.NewScalar()
	one := group.NewScalar().SetUInt32(1)
	for _, c := range coefsEven {
		sumEven.Add(c)
	}
	for _, c := range coefsOdd {
		sumOdd.Add(c)
	}
	assert.True(t, sumEven.Equal(one))
	assert.True(t, sumOdd.Equal(one))
}

func TestLagrangeAtDomainPoint(t *testing.T) {
	group := curve.Secp256k1{}
	domain := []curve.Scalar{group.NewScalar().SetUInt32(1), group.NewScalar().SetUInt32(2)}

	coefs := LagrangeAt(group, domain, domain[1])
	assert.True(t, coefs[0].IsZero())
	assert.True(t, coefs[1].Equal(group.NewScalar().SetUInt32(1)))
}

// the {1, 99} point set combines server and user parts of a hierarchical share.
func TestLagrangeHierarchicalSet(t *testing.T) {
	group := curve.Secp256k1{}
	domain := []curve.Scalar{group.NewScalar().SetUInt32(1), group.NewScalar().SetUInt32(99)}
	coefs := Lagrange(group, domain)

	ninetyEight := group.NewScalar().SetUInt32(98)
	l1 := group.NewScalar().SetUInt32(99).Mul(group.NewScalar().Set(ninetyEight).Invert())
	l99 := group.NewScalar().Set(ninetyEight).Invert().Negate()
	assert.True(t, coefs[0].Equal(l1))
	assert.True(t, coefs[1].Equal(l99))
}

func TestInterpolateAtMatchesEvaluate(t *testing.T) {
	group := curve.Secp256k1{}
	poly := NewPolynomial(group, 2, sample.Scalar(rand.Reader, group))
	points := make([]Evaluation, 0, 3)
	for i := uint32(1); i <= 3; i++ {
		x := group.NewScalar().SetUInt32(i)
		points = append(points, Evaluation{X: x, Y: poly.Evaluate(x)})
	}
	target := sample.ScalarUnit(rand.Reader, group)
	got, err := InterpolateAt(group, points, target)
	require.NoError(t, err)
	assert.True(t, poly.Evaluate(target).Equal(got))
}

func TestInterpolatePointAt(t *testing.T) {
	group := curve.Secp256k1{}
	poly := NewPolynomial(group, 1, sample.Scalar(rand.Reader, group))
	exp := NewPolynomialExponent(poly)

	domain := []curve.Scalar{group.NewScalar().SetUInt32(1), group.NewScalar().SetUInt32(7)}
	points := []curve.Point{exp.Evaluate(domain[0]), exp.Evaluate(domain[1])}

	got, err := InterpolatePointAt(group, domain, points, group.NewScalar())
	require.NoError(t, err)
	assert.True(t, got.Equal(exp.Constant()))
}
