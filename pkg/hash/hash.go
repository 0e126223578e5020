package hash

import (
	"fmt"
	"io"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/zeebo/blake3"
)

// DigestLengthBytes is the length of Sum.
const DigestLengthBytes = 32

// Hash is a domain separated transcript hash, used to derive identifiers that every
// participant of a protocol run can recompute, such as RSS session IDs.
//
// Internally, this is a wrapper around blake3, but any hash function with
// an easily extendable output would work as well.
type Hash struct {
	h *blake3.Hasher
}

// New creates a Hash whose state is initialized with the given domain.
func New(domain string) *Hash {
	hash := &Hash{h: blake3.New()}
	_ = writeWithDomain(hash.h, BytesWithDomain{TheDomain: "domain", Bytes: []byte(domain)})
	return hash
}

// Digest returns a reader for the current output of the function.
//
// This finalizes the current state of the hash, and returns what's
// essentially a stream of random bytes.
func (hash *Hash) Digest() io.Reader {
	return hash.h.Digest()
}

// Sum returns a slice of length DigestLengthBytes resulting from the current hash state.
// If a different length is required, use io.ReadFull(hash.Digest(), out) instead.
func (hash *Hash) Sum() []byte {
	out := make([]byte, DigestLengthBytes)
	if _, err := io.ReadFull(hash.Digest(), out); err != nil {
		panic(fmt.Sprintf("hash.ReadBytes: internal hash failure: %v", err))
	}
	return out
}

// WriteAny takes many different data types and writes them to the hash state.
//
// Currently supported types:
//
//   - []byte
//   - string
//   - uint64
//   - curve.Scalar
//   - curve.Point
//   - hash.WriterToWithDomain
func (hash *Hash) WriteAny(data ...interface{}) error {
	for _, d := range data {
		var toWrite WriterToWithDomain
		switch t := d.(type) {
		case []byte:
			toWrite = BytesWithDomain{TheDomain: "[]byte", Bytes: t}
		case string:
			toWrite = BytesWithDomain{TheDomain: "string", Bytes: []byte(t)}
		case uint64:
			toWrite = BytesWithDomain{TheDomain: "uint64", Bytes: []byte(fmt.Sprintf("%d", t))}
		case curve.Scalar:
			b, err := t.MarshalBinary()
			if err != nil {
				return fmt.Errorf("hash.Hash: write curve.Scalar: %w", err)
			}
			toWrite = BytesWithDomain{TheDomain: "curve.Scalar", Bytes: b}
		case curve.Point:
			b, err := t.MarshalBinary()
			if err != nil {
				return fmt.Errorf("hash.Hash: write curve.Point: %w", err)
			}
			toWrite = BytesWithDomain{TheDomain: "curve.Point", Bytes: b}
		case WriterToWithDomain:
			toWrite = t
		default:
			panic(fmt.Sprintf("hash.Hash: unsupported type %T", d))
		}
		if err := writeWithDomain(hash.h, toWrite); err != nil {
			return fmt.Errorf("hash.Hash: write %s: %w", toWrite.Domain(), err)
		}
	}
	return nil
}

// Clone returns a copy of the Hash in its current state.
func (hash *Hash) Clone() *Hash {
	return &Hash{h: hash.h.Clone()}
}
