package sample

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

func TestScalarUnit(t *testing.T) {
	group := curve.Secp256k1{}
	a := ScalarUnit(rand.Reader, group)
	b := ScalarUnit(rand.Reader, group)
	assert.False(t, a.IsZero())
	assert.False(t, a.Equal(b), "two samples should differ")
}

func TestScalarPointPair(t *testing.T) {
	group := curve.Secp256k1{}
	x, X := ScalarPointPair(rand.Reader, group)
	assert.True(t, x.ActOnBase().Equal(X))
}

func TestScalarDeterministicReader(t *testing.T) {
	group := curve.Secp256k1{}
	seed := bytes.Repeat([]byte{0xAB}, 2*group.SafeScalarBytes())
	a := Scalar(bytes.NewReader(seed), group)
	b := Scalar(bytes.NewReader(seed), group)
	assert.True(t, a.Equal(b))
}

func TestMustReadBitsPanicsOnShortReader(t *testing.T) {
	assert.PanicsWithValue(t, ErrMaxIterations, func() {
		Bytes(bytes.NewReader(nil), 8)
	})
}
