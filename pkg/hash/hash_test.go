package hash

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

func TestHash_WriteAny(t *testing.T) {
	testFunc := func(vs ...interface{}) error {
		h := New("test")
		for _, v := range vs {
			if err := h.WriteAny(v); err != nil {
				return err
			}
		}
		return nil
	}
	assert.NoError(t, testFunc(sample.Scalar(rand.Reader, curve.Secp256k1{})))
	assert.NoError(t, testFunc(sample.ScalarUnit(rand.Reader, curve.Secp256k1{}).ActOnBase()))
	assert.NoError(t, testFunc([]byte{1, 4, 6}, "label", uint64(7)))
	assert.Error(t, testFunc(curve.Secp256k1{}.NewPoint()), "identity cannot be encoded")
	assert.Panics(t, func() { _ = testFunc(3.5) })
}

func TestHash_WriteAny_Collision(t *testing.T) {
	testFunc := func(vs ...interface{}) []byte {
		h := New("test")
		require.NoError(t, h.WriteAny(vs...))
		return h.Sum()
	}
	h1 := testFunc([]byte("ab"), []byte("c"))
	h2 := testFunc([]byte("a"), []byte("bc"))
	assert.NotEqual(t, h1, h2)

	h3 := testFunc("ab")
	h4 := testFunc([]byte("ab"))
	assert.NotEqual(t, h3, h4)

	assert.NotEqual(t, New("a").Sum(), New("b").Sum())
}

func TestHash_Clone(t *testing.T) {
	h := New("clone")
	require.NoError(t, h.WriteAny("x"))
	c := h.Clone()
	require.NoError(t, c.WriteAny("y"))
	assert.NotEqual(t, h.Sum(), c.Sum())
	assert.Len(t, h.Sum(), DigestLengthBytes)
}

func TestKeccak256(t *testing.T) {
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(Keccak256()))
	assert.Equal(t, Keccak256([]byte("hello world")), Keccak256([]byte("hello "), []byte("world")))
}
