package ecies

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

func TestEncryptDecrypt(t *testing.T) {
	group := curve.Secp256k1{}
	priv, pub := sample.ScalarPointPair(rand.Reader, group)

	msg := []byte(`{"share":"abc"}`)
	enc, err := Encrypt(pub, msg)
	require.NoError(t, err)
	assert.Len(t, enc.EphemPublicKey, 130)
	assert.Len(t, enc.IV, 32)
	assert.Len(t, enc.MAC, 64)

	got, err := Decrypt(priv, enc)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecryptWrongKey(t *testing.T) {
	group := curve.Secp256k1{}
	_, pub := sample.ScalarPointPair(rand.Reader, group)
	other := sample.ScalarUnit(rand.Reader, group)

	enc, err := Encrypt(pub, []byte("secret"))
	require.NoError(t, err)
	_, err = Decrypt(other, enc)
	assert.Error(t, err)
}

func TestDecryptTampered(t *testing.T) {
	group := curve.Secp256k1{}
	priv, pub := sample.ScalarPointPair(rand.Reader, group)

	enc, err := Encrypt(pub, []byte("secret"))
	require.NoError(t, err)

	tampered := enc.Clone()
	if tampered.Ciphertext[0] == '0' {
		tampered.Ciphertext = "1" + tampered.Ciphertext[1:]
	} else {
		tampered.Ciphertext = "0" + tampered.Ciphertext[1:]
	}
	_, err = Decrypt(priv, tampered)
	assert.Error(t, err)

	truncated := enc.Clone()
	truncated.MAC = truncated.MAC[:10]
	_, err = Decrypt(priv, truncated)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decrypt(priv, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncryptIdentity(t *testing.T) {
	_, err := Encrypt(curve.Secp256k1{}.NewPoint(), []byte("x"))
	assert.Error(t, err)
}
