package polynomial

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

func TestExponent_Evaluate(t *testing.T) {
	group := curve.Secp256k1{}

	for x := 0; x < 5; x++ {
		N := 100
		var secret curve.Scalar
		if x%2 == 0 {
			secret = sample.Scalar(rand.Reader, group)
		}
		poly := NewPolynomial(group, N, secret)
		polyExp := NewPolynomialExponent(poly)

		randomIndex := sample.ScalarUnit(rand.Reader, group)

		lhs := poly.Evaluate(randomIndex).ActOnBase()
		rhs := polyExp.Evaluate(randomIndex)

		assert.Truef(t, lhs.Equal(rhs), fmt.Sprint("base eval differs from horner ", x))
		assert.True(t, polyExp.Verify(randomIndex, poly.Evaluate(randomIndex)))
	}
}

func TestExponent_Copy(t *testing.T) {
	group := curve.Secp256k1{}
	poly := NewPolynomial(group, 3, sample.Scalar(rand.Reader, group))
	exp := NewPolynomialExponent(poly)

	other, err := NewExponent(group, exp.Coefficients())
	require.NoError(t, err)
	assert.True(t, exp.Equal(other))
	assert.True(t, exp.Equal(exp.Copy()))
	assert.Equal(t, 3, exp.Degree())
	assert.True(t, exp.Constant().Equal(poly.Constant().ActOnBase()))

	_, err = NewExponent(group, nil)
	assert.Error(t, err)
}
