package serviceprovider

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

type staticKeys map[string]curve.Point

func (s staticKeys) PublicKey(_ context.Context, label string) (curve.Point, error) {
	return s[label], nil
}

func TestLocal(t *testing.T) {
	key, pub := sample.ScalarPointPair(rand.Reader, curve.Secp256k1{})
	sp := NewLocal(key, WithVerifier("google", "alice@example.com"))

	got, err := sp.PostboxPub()
	require.NoError(t, err)
	assert.True(t, got.Equal(pub))

	enc, err := sp.Encrypt(pub, []byte("share"))
	require.NoError(t, err)
	plain, err := sp.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "share", string(plain))

	sig, err := sp.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.NoError(t, Verify(pub, []byte("msg"), sig))
	assert.Error(t, Verify(pub, []byte("other"), sig))

	verifier, id := sp.VerifierNameVerifierID()
	assert.Equal(t, "google", verifier)
	assert.Equal(t, "alice@example.com", id)

	_, err = sp.TSSPubKey(context.Background(), "default", 0)
	assert.ErrorIs(t, err, ErrNoTSSKeys)
}

func TestLocalWithoutPostboxKey(t *testing.T) {
	sp := NewLocal(nil)
	_, err := sp.PostboxKey()
	assert.ErrorIs(t, err, ErrNoPostboxKey)
	_, err = sp.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPostboxKey)
}

func TestTSSPubKeyUsesLabel(t *testing.T) {
	_, dkgPub := sample.ScalarPointPair(rand.Reader, curve.Secp256k1{})
	keys := staticKeys{Label("google", "alice", "default", 1): dkgPub}
	sp := NewLocal(sample.ScalarUnit(rand.Reader, curve.Secp256k1{}),
		WithVerifier("google", "alice"),
		WithTSS(keys, NodeDetails{Threshold: 1}))

	got, err := sp.TSSPubKey(context.Background(), "default", 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(dkgPub))

	assert.Equal(t, "google\x15alice\x15default\x161", Label("google", "alice", "default", 1))
}
