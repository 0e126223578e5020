package rss

import (
	"fmt"
	"sort"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/metadata"
)

// Parts are the decrypted halves of a hierarchical encoding.
type Parts struct {
	User curve.Scalar
	// Servers maps a node index to its share of the server part.
	Servers map[int]curve.Scalar
}

// DecryptParts decrypts enc with the factor key. Server slots that are empty or do not
// decrypt are left out.
func DecryptParts(factorKey curve.Scalar, enc metadata.HierarchicalEncoding) (*Parts, error) {
	user, err := decryptScalar(factorKey, enc.UserEnc)
	if err != nil {
		return nil, fmt.Errorf("rss: user part: %w", err)
	}
	parts := &Parts{User: user, Servers: map[int]curve.Scalar{}}
	for i, serverEnc := range enc.ServerEncs {
		if serverEnc == nil {
			continue
		}
		if s, err := decryptScalar(factorKey, serverEnc); err == nil {
			parts.Servers[i+1] = s
		}
	}
	return parts, nil
}

// Available returns the indexes of the decrypted server parts, in increasing order.
func (p *Parts) Available() []int {
	out := make([]int, 0, len(p.Servers))
	for i := range p.Servers {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Share combines the user part with the server part interpolated from servers.
func (p *Parts) Share(servers []int) (curve.Scalar, error) {
	if len(servers) == 0 {
		return nil, ErrNotEnoughServers
	}
	points := make([]polynomial.Evaluation, 0, len(servers))
	for _, m := range servers {
		s, ok := p.Servers[m]
		if !ok {
			return nil, fmt.Errorf("rss: no server part of node %d", m)
		}
		points = append(points, polynomial.Evaluation{X: scalarOf(m), Y: s})
	}
	server, err := polynomial.InterpolateSecret(group, points)
	if err != nil {
		return nil, err
	}
	return CombineHierarchical(server, p.User), nil
}

// DecryptDirect decrypts a direct encoding.
func DecryptDirect(factorKey curve.Scalar, enc metadata.DirectEncoding) (curve.Scalar, error) {
	return decryptScalar(factorKey, enc.UserEnc)
}

func decryptScalar(key curve.Scalar, enc *ecies.EncryptedMessage) (curve.Scalar, error) {
	if enc == nil {
		return nil, fmt.Errorf("%w: missing ciphertext", ErrInvalidRequest)
	}
	plain, err := ecies.Decrypt(key, enc)
	if err != nil {
		return nil, err
	}
	return DecodeScalar(plain)
}
