// Package rss refreshes and imports TSS shares with the help of a committee of remote
// nodes, without any party learning the TSS secret.
//
// Every node holds a Shamir share of the DKG key of each label. For a target index x the
// new degree 1 TSS polynomial is g(x) = (1-x)⋅secret + x⋅k', where k' is the DKG key of the
// new label. The result is encoded hierarchically, as a degree 1 polynomial through the
// points 1 (server part) and 99 (user part) whose value at 0 is g(x): the nodes return
// encryptions of their shares of the server part, masked by a random value the client
// shares to them, and the client keeps the user part.
package rss

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var group = curve.Secp256k1{}

// Indexes of the two points of a hierarchical encoding.
const (
	ServerIndex = 1
	UserIndex   = 99
)

var (
	ErrUnknownLabel     = errors.New("rss: no key share for label")
	ErrNotSelected      = errors.New("rss: node not selected for this session")
	ErrUnauthorized     = errors.New("rss: invalid auth signature")
	ErrInvalidRequest   = errors.New("rss: invalid request")
	ErrNotEnoughServers = errors.New("rss: fewer selected servers than the threshold")
)

// KeyShare carries the share of one node of the DKG key of a label, encrypted to the node.
// Commitments are the commitments to the sharing polynomial, constant first, so that the
// node can verify its share.
type KeyShare struct {
	Label       string                     `json:"label"`
	Commitments []*curve.MarshallablePoint `json:"commitments"`
	Share       *ecies.EncryptedMessage    `json:"share"`
}

// RefreshRequest asks one node for its server parts of the shares at TargetIndexes.
type RefreshRequest struct {
	SessionID string `json:"sessionID"`
	// OldLabel names the key of the current TSS polynomial. It is empty for an import.
	OldLabel string `json:"oldLabel,omitempty"`
	NewLabel string `json:"newLabel"`
	// InputIndex is the TSS index of the client's share, 0 for an import.
	InputIndex    int                        `json:"inputIndex"`
	TargetIndexes []int                      `json:"targetIndexes"`
	FactorPubs    []*curve.MarshallablePoint `json:"factorPubs"`
	// Masks holds, per target, this node's share of the client's mask, encrypted to the node.
	Masks           []*ecies.EncryptedMessage `json:"masks"`
	SelectedServers []int                     `json:"selectedServers"`
	// AuthSignature signs the verifier name and ID of the labels, see AuthMessage.
	AuthSignature []byte `json:"authSignature,omitempty"`
}

// RefreshResponse holds the encrypted server parts, aligned with the request's targets.
type RefreshResponse struct {
	ServerEncs []*ecies.EncryptedMessage `json:"serverEncs"`
}

// Transport reaches the nodes of a committee, addressed by their 1 based index.
type Transport interface {
	StoreKeyShare(ctx context.Context, node int, share *KeyShare) error
	PublicKey(ctx context.Context, node int, label string) (curve.Point, error)
	Refresh(ctx context.Context, node int, req *RefreshRequest) (*RefreshResponse, error)
}

// AuthMessage is the message a verifier signs to let a user refresh its keys.
func AuthMessage(verifier, verifierID string) []byte {
	return []byte(verifier + "\u0015" + verifierID)
}

func (r *RefreshRequest) validate() error {
	if r.NewLabel == "" {
		return fmt.Errorf("%w: missing new label", ErrInvalidRequest)
	}
	if (r.InputIndex == 0) != (r.OldLabel == "") {
		return fmt.Errorf("%w: input index and old label disagree", ErrInvalidRequest)
	}
	if r.InputIndex < 0 || r.InputIndex == ServerIndex {
		return fmt.Errorf("%w: input index %d", ErrInvalidRequest, r.InputIndex)
	}
	if len(r.TargetIndexes) == 0 || len(r.TargetIndexes) != len(r.FactorPubs) || len(r.TargetIndexes) != len(r.Masks) {
		return fmt.Errorf("%w: %d targets, %d factor pubs, %d masks", ErrInvalidRequest,
			len(r.TargetIndexes), len(r.FactorPubs), len(r.Masks))
	}
	for i, x := range r.TargetIndexes {
		if x <= ServerIndex {
			return fmt.Errorf("%w: target index %d", ErrInvalidRequest, x)
		}
		if r.FactorPubs[i] == nil || r.Masks[i] == nil {
			return fmt.Errorf("%w: target %d incomplete", ErrInvalidRequest, i)
		}
	}
	return nil
}

// serverCoefficient is the weight of the old DKG key in the secret: the Lagrange
// coefficient of index 1 at 0 over {1, inputIndex}. An import has no old key.
func serverCoefficient(inputIndex int) curve.Scalar {
	if inputIndex == 0 {
		return group.NewScalar()
	}
	domain := []curve.Scalar{scalarOf(ServerIndex), scalarOf(inputIndex)}
	return polynomial.LagrangeCoefficient(group, domain, domain[0], group.NewScalar())
}

// userCoefficient is the Lagrange coefficient of inputIndex at 0 over {1, inputIndex}.
func userCoefficient(inputIndex int) curve.Scalar {
	domain := []curve.Scalar{scalarOf(ServerIndex), scalarOf(inputIndex)}
	return polynomial.LagrangeCoefficient(group, domain, domain[1], group.NewScalar())
}

// oneMinus returns 1 - x.
func oneMinus(x int) curve.Scalar {
	return scalarOf(1).Sub(scalarOf(x))
}

// serverWeight is 98/99, the factor that lets the server part at 1 and the user part at 99
// interpolate to the share at 0.
func serverWeight() curve.Scalar {
	return scalarOf(UserIndex - ServerIndex).Mul(scalarOf(UserIndex).Invert())
}

// CombineHierarchical returns the share encoded by a server part at 1 and a user part at 99.
func CombineHierarchical(server, user curve.Scalar) curve.Scalar {
	domain := []curve.Scalar{scalarOf(ServerIndex), scalarOf(UserIndex)}
	coefficients := polynomial.Lagrange(group, domain)
	return coefficients[0].Mul(server).Add(coefficients[1].Mul(user))
}

func scalarOf(i int) curve.Scalar {
	return group.NewScalar().SetUInt32(uint32(i))
}

// EncodeScalar is the plaintext form of a scalar inside an encrypted message.
func EncodeScalar(s curve.Scalar) []byte {
	data, _ := s.MarshalBinary()
	return []byte(hex.EncodeToString(data))
}

// DecodeScalar parses a plaintext produced by EncodeScalar.
func DecodeScalar(data []byte) (curve.Scalar, error) {
	return curve.ScalarFromHex(group, string(data))
}
