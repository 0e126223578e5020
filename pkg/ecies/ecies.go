// Package ecies encrypts share material to secp256k1 public keys.
//
// Ciphertexts are produced by go-ethereum's ECIES (AES-128-CTR, HMAC-SHA-256) and split into
// the four hex fields that are persisted in metadata and factor encryptions.
package ecies

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	gethecies "github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

const (
	ephemeralKeyLength = 65
	ivLength           = 16
	macLength          = 32
)

var ErrMalformed = errors.New("ecies: malformed encrypted message")

// EncryptedMessage is an ECIES ciphertext with each component hex encoded.
type EncryptedMessage struct {
	Ciphertext     string `json:"ciphertext"`
	EphemPublicKey string `json:"ephemPublicKey"`
	IV             string `json:"iv"`
	MAC            string `json:"mac"`
}

// Encrypt encrypts msg to the public key pub.
func Encrypt(pub curve.Point, msg []byte) (*EncryptedMessage, error) {
	if pub == nil || pub.IsIdentity() {
		return nil, errors.New("ecies.Encrypt: invalid public key")
	}
	compressed, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ecies.Encrypt: %w", err)
	}
	ecdsaPub, err := gethcrypto.DecompressPubkey(compressed)
	if err != nil {
		return nil, fmt.Errorf("ecies.Encrypt: %w", err)
	}
	ct, err := gethecies.Encrypt(rand.Reader, gethecies.ImportECDSAPublic(ecdsaPub), msg, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies.Encrypt: %w", err)
	}
	if len(ct) < ephemeralKeyLength+ivLength+macLength {
		return nil, ErrMalformed
	}
	body := ct[ephemeralKeyLength : len(ct)-macLength]
	return &EncryptedMessage{
		EphemPublicKey: hex.EncodeToString(ct[:ephemeralKeyLength]),
		IV:             hex.EncodeToString(body[:ivLength]),
		Ciphertext:     hex.EncodeToString(body[ivLength:]),
		MAC:            hex.EncodeToString(ct[len(ct)-macLength:]),
	}, nil
}

// Decrypt decrypts m with the private key priv, authenticating it first.
func Decrypt(priv curve.Scalar, m *EncryptedMessage) ([]byte, error) {
	if m == nil {
		return nil, ErrMalformed
	}
	raw, err := m.bytes()
	if err != nil {
		return nil, err
	}
	keyBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ecies.Decrypt: %w", err)
	}
	ecdsaPriv, err := gethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("ecies.Decrypt: %w", err)
	}
	msg, err := gethecies.ImportECDSA(ecdsaPriv).Decrypt(raw, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ecies.Decrypt: %w", err)
	}
	return msg, nil
}

// bytes reassembles the ciphertext layout R || iv || ct || mac.
func (m *EncryptedMessage) bytes() ([]byte, error) {
	parts := make([][]byte, 4)
	for i, field := range []string{m.EphemPublicKey, m.IV, m.Ciphertext, m.MAC} {
		b, err := hex.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		parts[i] = b
	}
	if len(parts[0]) != ephemeralKeyLength || len(parts[1]) != ivLength || len(parts[3]) != macLength {
		return nil, ErrMalformed
	}
	out := make([]byte, 0, len(parts[0])+len(parts[1])+len(parts[2])+len(parts[3]))
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Clone returns a copy of m.
func (m *EncryptedMessage) Clone() *EncryptedMessage {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
