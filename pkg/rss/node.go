package rss

import (
	"context"
	"fmt"
	"strings"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"go.uber.org/zap"
)

// Node is one member of the RSS committee.
type Node struct {
	index int
	// key decrypts the key shares and masks sent to the node.
	key    curve.Scalar
	store  KeyStore
	logger *zap.Logger
	// verifiers maps a verifier name to the key that signs its users' auth messages.
	// When empty, requests are not authenticated.
	verifiers map[string]curve.Point
}

// NodeOption configures a Node.
type NodeOption func(*Node)

func WithNodeLogger(logger *zap.Logger) NodeOption {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithVerifierKey requires refresh requests for users of verifier to be signed by pub.
func WithVerifierKey(verifier string, pub curve.Point) NodeOption {
	return func(n *Node) {
		n.verifiers[verifier] = pub
	}
}

// NewNode returns the node at index, holding key.
func NewNode(index int, key curve.Scalar, store KeyStore, opts ...NodeOption) *Node {
	n := &Node{
		index:     index,
		key:       key,
		store:     store,
		logger:    zap.NewNop(),
		verifiers: map[string]curve.Point{},
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.Int("node", index))
	return n
}

func (n *Node) Index() int {
	return n.index
}

// PublicKey is the key shares and masks are encrypted to.
func (n *Node) PublicKey() curve.Point {
	return n.key.ActOnBase()
}

// StoreKeyShare decrypts, verifies and stores the node's share of a DKG key.
func (n *Node) StoreKeyShare(ctx context.Context, share *KeyShare) error {
	if share == nil || share.Share == nil || len(share.Commitments) == 0 {
		return fmt.Errorf("%w: incomplete key share", ErrInvalidRequest)
	}
	commitments := make([]curve.Point, len(share.Commitments))
	for i, c := range share.Commitments {
		if c == nil {
			return fmt.Errorf("%w: null commitment", ErrInvalidRequest)
		}
		commitments[i] = c.Point
	}
	exponent, err := polynomial.NewExponent(group, commitments)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	plain, err := ecies.Decrypt(n.key, share.Share)
	if err != nil {
		return fmt.Errorf("rss.Node: decrypt key share: %w", err)
	}
	value, err := DecodeScalar(plain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	record := &KeyRecord{Label: share.Label, Index: n.index, Share: value, Commitments: exponent}
	if err = record.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err = n.store.Put(ctx, record); err != nil {
		return err
	}
	n.logger.Debug("stored key share", zap.String("label", share.Label))
	return nil
}

// KeyPublicKey returns the DKG public key of label.
func (n *Node) KeyPublicKey(ctx context.Context, label string) (curve.Point, error) {
	record, err := n.store.Get(ctx, label)
	if err != nil {
		return nil, err
	}
	return record.PublicKey(), nil
}

// Refresh returns, for every target x, the encryption to the target's factor key of
// (98/99)⋅((1-x)⋅L₁⋅σ + x⋅σ') + ρ, where σ and σ' are the node's shares of the old and new
// DKG keys, L₁ the weight of the old key in the secret and ρ the node's share of the mask.
func (n *Node) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if !containsInt(req.SelectedServers, n.index) {
		return nil, ErrNotSelected
	}
	if err := n.authenticate(req); err != nil {
		return nil, err
	}

	fresh, err := n.store.Get(ctx, req.NewLabel)
	if err != nil {
		return nil, fmt.Errorf("new label: %w", err)
	}
	oldPart := group.NewScalar()
	if req.InputIndex != 0 {
		old, err := n.store.Get(ctx, req.OldLabel)
		if err != nil {
			return nil, fmt.Errorf("old label: %w", err)
		}
		oldPart = serverCoefficient(req.InputIndex).Mul(old.Share)
	}

	weight := serverWeight()
	out := &RefreshResponse{ServerEncs: make([]*ecies.EncryptedMessage, len(req.TargetIndexes))}
	for i, x := range req.TargetIndexes {
		plain, err := ecies.Decrypt(n.key, req.Masks[i])
		if err != nil {
			return nil, fmt.Errorf("rss.Node: decrypt mask: %w", err)
		}
		mask, err := DecodeScalar(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: mask: %v", ErrInvalidRequest, err)
		}
		value := oneMinus(x).Mul(oldPart)
		value.Add(scalarOf(x).Mul(fresh.Share))
		value.Mul(weight).Add(mask)
		if out.ServerEncs[i], err = ecies.Encrypt(req.FactorPubs[i].Point, EncodeScalar(value)); err != nil {
			return nil, fmt.Errorf("rss.Node: %w", err)
		}
	}
	n.logger.Info("served refresh",
		zap.String("request_id", req.SessionID),
		zap.Int("targets", len(req.TargetIndexes)))
	return out, nil
}

func (n *Node) authenticate(req *RefreshRequest) error {
	if len(n.verifiers) == 0 {
		return nil
	}
	verifier, verifierID, ok := identityOf(req.NewLabel)
	if !ok {
		return fmt.Errorf("%w: malformed label", ErrInvalidRequest)
	}
	if req.OldLabel != "" {
		if v, id, ok := identityOf(req.OldLabel); !ok || v != verifier || id != verifierID {
			return fmt.Errorf("%w: labels of different users", ErrInvalidRequest)
		}
	}
	pub, ok := n.verifiers[verifier]
	if !ok {
		return fmt.Errorf("%w: unknown verifier %q", ErrUnauthorized, verifier)
	}
	if err := serviceprovider.Verify(pub, AuthMessage(verifier, verifierID), req.AuthSignature); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// identityOf extracts verifier and verifier ID from a label.
func identityOf(label string) (string, string, bool) {
	parts := strings.Split(label, "\u0015")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
