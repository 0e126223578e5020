// Package serviceprovider is the identity collaborator of a threshold key: it holds the
// postbox key, encrypts the provider share at rest, signs on behalf of the user and
// knows the topology of the RSS nodes.
package serviceprovider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/hash"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

var (
	ErrNoPostboxKey = errors.New("serviceprovider: postbox key unavailable")
	ErrNoTSSKeys    = errors.New("serviceprovider: no TSS key source configured")
)

// Label names one DKG key of the RSS nodes: verifier, verifier ID, tag and TSS nonce.
func Label(verifier, verifierID, tag string, nonce uint64) string {
	return verifier + "\u0015" + verifierID + "\u0015" + tag + "\u0016" + strconv.FormatUint(nonce, 10)
}

// NodeDetails addresses the RSS nodes. Endpoints and PubKeys are aligned, node i has index i+1.
type NodeDetails struct {
	Endpoints []string
	PubKeys   []curve.Point
	Threshold int
}

// ServiceProvider is consumed by the key engine and the TSS subsystem.
type ServiceProvider interface {
	// PostboxKey is the stable identity key of the user.
	PostboxKey() (curve.Scalar, error)
	PostboxPub() (curve.Point, error)
	// Encrypt encrypts msg to pub.
	Encrypt(pub curve.Point, msg []byte) (*ecies.EncryptedMessage, error)
	// Decrypt decrypts a message encrypted to the postbox key.
	Decrypt(msg *ecies.EncryptedMessage) ([]byte, error)
	// Sign returns a DER ECDSA signature over keccak256(msg) by the postbox key.
	Sign(msg []byte) ([]byte, error)
	VerifierNameVerifierID() (string, string)
	// TSSPubKey returns the public DKG key of the RSS nodes for a tag at a TSS nonce.
	TSSPubKey(ctx context.Context, tag string, nonce uint64) (curve.Point, error)
	RSSNodeDetails(ctx context.Context) (NodeDetails, error)
}

// TSSKeySource resolves the public DKG key of a label.
type TSSKeySource interface {
	PublicKey(ctx context.Context, label string) (curve.Point, error)
}

// Local is a ServiceProvider holding the postbox key in memory.
type Local struct {
	postboxKey curve.Scalar
	verifier   string
	verifierID string
	tssKeys    TSSKeySource
	nodes      NodeDetails
}

// LocalOption configures a Local provider.
type LocalOption func(*Local)

// WithVerifier sets the verifier name and the user's ID under that verifier.
func WithVerifier(verifier, verifierID string) LocalOption {
	return func(l *Local) {
		l.verifier, l.verifierID = verifier, verifierID
	}
}

// WithTSS wires the RSS node committee.
func WithTSS(keys TSSKeySource, nodes NodeDetails) LocalOption {
	return func(l *Local) {
		l.tssKeys, l.nodes = keys, nodes
	}
}

var _ ServiceProvider = (*Local)(nil)

// NewLocal returns a provider for postboxKey, which may be nil when the user has no login.
func NewLocal(postboxKey curve.Scalar, opts ...LocalOption) *Local {
	l := &Local{postboxKey: postboxKey, verifier: "local", verifierID: "local"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) PostboxKey() (curve.Scalar, error) {
	if l.postboxKey == nil || l.postboxKey.IsZero() {
		return nil, ErrNoPostboxKey
	}
	return l.postboxKey, nil
}

func (l *Local) PostboxPub() (curve.Point, error) {
	key, err := l.PostboxKey()
	if err != nil {
		return nil, err
	}
	return key.ActOnBase(), nil
}

func (l *Local) Encrypt(pub curve.Point, msg []byte) (*ecies.EncryptedMessage, error) {
	return ecies.Encrypt(pub, msg)
}

func (l *Local) Decrypt(msg *ecies.EncryptedMessage) ([]byte, error) {
	key, err := l.PostboxKey()
	if err != nil {
		return nil, err
	}
	return ecies.Decrypt(key, msg)
}

func (l *Local) Sign(msg []byte) ([]byte, error) {
	key, err := l.PostboxKey()
	if err != nil {
		return nil, err
	}
	return Sign(key, msg)
}

func (l *Local) VerifierNameVerifierID() (string, string) {
	return l.verifier, l.verifierID
}

func (l *Local) TSSPubKey(ctx context.Context, tag string, nonce uint64) (curve.Point, error) {
	if l.tssKeys == nil {
		return nil, ErrNoTSSKeys
	}
	return l.tssKeys.PublicKey(ctx, Label(l.verifier, l.verifierID, tag, nonce))
}

func (l *Local) RSSNodeDetails(context.Context) (NodeDetails, error) {
	if l.tssKeys == nil {
		return NodeDetails{}, ErrNoTSSKeys
	}
	return l.nodes, nil
}

// Sign returns a DER ECDSA signature over keccak256(msg).
func Sign(key curve.Scalar, msg []byte) ([]byte, error) {
	sk, ok := key.(*curve.Secp256k1Scalar)
	if !ok || key.IsZero() {
		return nil, errors.New("serviceprovider.Sign: invalid key")
	}
	return ecdsa.Sign(sk.PrivateKey(), hash.Keccak256(msg)).Serialize(), nil
}

// Verify checks a signature produced by Sign.
func Verify(pub curve.Point, msg, signature []byte) error {
	p, ok := pub.(*curve.Secp256k1Point)
	if !ok || pub.IsIdentity() {
		return errors.New("serviceprovider.Verify: invalid public key")
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("serviceprovider.Verify: %w", err)
	}
	if !sig.Verify(hash.Keccak256(msg), p.PublicKey()) {
		return errors.New("serviceprovider.Verify: signature mismatch")
	}
	return nil
}
