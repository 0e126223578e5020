package hash

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the legacy Keccak-256 digest of the concatenation of data,
// as used by Ethereum. It is not the standardized SHA3-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
