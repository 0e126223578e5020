// Package storage is the contract of the remote key/value metadata store.
//
// Values are stored under the hex x-coordinate of the writer's public key, and every
// write is signed by the matching private key. Writes that change the metadata of a
// threshold key go through SetMetadataBulk, which compare-and-swaps the nonce of the
// lock key so that concurrent writers cannot both commit against the same state.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/tkey/tkey-sub000/pkg/hash"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrKeyNotFound is the KEY_NOT_FOUND result: nothing was ever written at the key.
	ErrKeyNotFound = errors.New("storage: KEY_NOT_FOUND")
	// ErrNonceMismatch reports that the expected nonce of a bulk write was stale.
	ErrNonceMismatch = errors.New("storage: nonce mismatch")
	// ErrInvalidSignature reports a write whose signature does not verify.
	ErrInvalidSignature = errors.New("storage: invalid signature")
)

// ShareDeletedMessage marks a key whose share was explicitly deleted.
const ShareDeletedMessage = "SHARE_DELETED"

// Write is a value signed by the owner of the key it is stored under.
type Write struct {
	// PubKey is the SEC1 compressed public key of the writer.
	PubKey []byte
	Data   []byte
	// Signature is a DER encoded ECDSA signature over keccak256(Data).
	Signature []byte
}

// Lock names the nonce a bulk write must find to be accepted.
type Lock struct {
	Key      string
	Expected uint64
}

// Layer is a metadata store.
type Layer interface {
	// GetMetadata returns the value at key, or ErrKeyNotFound.
	GetMetadata(ctx context.Context, key string) ([]byte, error)
	// SetMetadata stores a single signed value, without touching any nonce.
	SetMetadata(ctx context.Context, write Write) error
	// SetMetadataBulk stores every write atomically if the nonce of lock.Key equals
	// lock.Expected, and sets that nonce to lock.Expected+1. Otherwise nothing is written
	// and ErrNonceMismatch is returned. Later writes to the same key win.
	SetMetadataBulk(ctx context.Context, lock Lock, writes []Write) error
	// Nonce returns the current nonce of a lock key, 0 if it was never written.
	Nonce(ctx context.Context, key string) (uint64, error)
}

// NewWrite signs data with priv.
func NewWrite(priv curve.Scalar, data []byte) (Write, error) {
	key, ok := priv.(*curve.Secp256k1Scalar)
	if !ok || priv.IsZero() {
		return Write{}, errors.New("storage.NewWrite: invalid private key")
	}
	sk := key.PrivateKey()
	return Write{
		PubKey:    sk.PubKey().SerializeCompressed(),
		Data:      data,
		Signature: ecdsa.Sign(sk, hash.Keccak256(data)).Serialize(),
	}, nil
}

// Key returns the storage key of the write, the hex x-coordinate of its public key.
func (w Write) Key() (string, error) {
	pub, err := secp256k1.ParsePubKey(w.PubKey)
	if err != nil {
		return "", fmt.Errorf("storage.Write: %w", err)
	}
	x := pub.X().Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(x):], x)
	return hex.EncodeToString(padded), nil
}

// Verify checks the signature of the write.
func (w Write) Verify() error {
	pub, err := secp256k1.ParsePubKey(w.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := ecdsa.ParseDERSignature(w.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(hash.Keccak256(w.Data), pub) {
		return ErrInvalidSignature
	}
	return nil
}

// Entry is a verified write, ready to be stored.
type Entry struct {
	Key  string
	Data []byte
}

// Prepare verifies every write and returns the resulting entries, deduplicated by key
// with the last write winning, in order of first appearance.
func Prepare(writes []Write) ([]Entry, error) {
	entries := make([]Entry, 0, len(writes))
	position := make(map[string]int, len(writes))
	for i, w := range writes {
		if err := w.Verify(); err != nil {
			return nil, fmt.Errorf("write %d: %w", i, err)
		}
		key, err := w.Key()
		if err != nil {
			return nil, fmt.Errorf("write %d: %w", i, err)
		}
		if p, ok := position[key]; ok {
			entries[p].Data = w.Data
			continue
		}
		position[key] = len(entries)
		entries = append(entries, Entry{Key: key, Data: w.Data})
	}
	return entries, nil
}

type message struct {
	Message   string `json:"message"`
	DateAdded int64  `json:"dateAdded"`
}

// ShareDeletedMarker returns the value written at the key of a deleted share.
func ShareDeletedMarker(now time.Time) []byte {
	data, _ := json.Marshal(message{Message: ShareDeletedMessage, DateAdded: now.Unix()})
	return data
}

// IsShareDeleted reports whether a stored value is the SHARE_DELETED marker.
func IsShareDeleted(data []byte) bool {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	return m.Message == ShareDeletedMessage
}
