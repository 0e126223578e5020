package rss

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/hash"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Client runs refresh sessions against a committee.
type Client struct {
	transport Transport
	nodes     serviceprovider.NodeDetails
	logger    *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(transport Transport, nodes serviceprovider.NodeDetails, opts ...ClientOption) *Client {
	c := &Client{transport: transport, nodes: nodes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RefreshParams describes one refresh or import.
type RefreshParams struct {
	// OldLabel and InputIndex are empty for an import.
	OldLabel   string
	NewLabel   string
	InputIndex int
	// InputShare is the client's TSS share at InputIndex.
	InputShare curve.Scalar
	// ImportKey is the secret of an import.
	ImportKey       curve.Scalar
	TargetIndexes   []int
	FactorPubs      []curve.Point
	SelectedServers []int
	AuthSignature   []byte
}

// Refresh returns one hierarchical FactorEnc per target. The server slots of nodes that
// were not selected stay nil.
func (c *Client) Refresh(ctx context.Context, p RefreshParams) ([]*metadata.FactorEnc, error) {
	contribution, err := c.validate(p)
	if err != nil {
		return nil, err
	}

	sessionID, err := sessionIDOf(p)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("request_id", sessionID))

	factorPubs := make([]*curve.MarshallablePoint, len(p.FactorPubs))
	for i, pub := range p.FactorPubs {
		factorPubs[i] = curve.NewMarshallablePoint(pub)
	}
	userEncs := make([]*ecies.EncryptedMessage, len(p.TargetIndexes))
	// masks[m][j] is node m's share of the mask of target j
	masks := make(map[int][]*ecies.EncryptedMessage, len(p.SelectedServers))
	for _, m := range p.SelectedServers {
		masks[m] = make([]*ecies.EncryptedMessage, len(p.TargetIndexes))
	}
	for j, x := range p.TargetIndexes {
		mask := sample.ScalarUnit(rand.Reader, group)
		maskPoly := polynomial.NewPolynomial(group, c.nodes.Threshold-1, mask)

		// v = 99⋅r - 98⋅(1-x)⋅U
		user := scalarOf(UserIndex).Mul(mask)
		user.Sub(scalarOf(UserIndex - ServerIndex).Mul(oneMinus(x)).Mul(contribution))
		if userEncs[j], err = ecies.Encrypt(p.FactorPubs[j], EncodeScalar(user)); err != nil {
			return nil, fmt.Errorf("rss.Client: %w", err)
		}
		for _, m := range p.SelectedServers {
			share := maskPoly.Evaluate(scalarOf(m))
			if masks[m][j], err = ecies.Encrypt(c.nodes.PubKeys[m-1], EncodeScalar(share)); err != nil {
				return nil, fmt.Errorf("rss.Client: %w", err)
			}
		}
	}

	serverEncs := make([][]*ecies.EncryptedMessage, len(p.TargetIndexes))
	for j := range serverEncs {
		serverEncs[j] = make([]*ecies.EncryptedMessage, len(c.nodes.PubKeys))
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range p.SelectedServers {
		m := m
		req := &RefreshRequest{
			SessionID:       sessionID,
			OldLabel:        p.OldLabel,
			NewLabel:        p.NewLabel,
			InputIndex:      p.InputIndex,
			TargetIndexes:   p.TargetIndexes,
			FactorPubs:      factorPubs,
			Masks:           masks[m],
			SelectedServers: p.SelectedServers,
			AuthSignature:   p.AuthSignature,
		}
		eg.Go(func() error {
			resp, err := c.transport.Refresh(egCtx, m, req)
			if err != nil {
				return fmt.Errorf("node %d: %w", m, err)
			}
			if len(resp.ServerEncs) != len(p.TargetIndexes) {
				return fmt.Errorf("node %d: %d server encryptions for %d targets", m, len(resp.ServerEncs), len(p.TargetIndexes))
			}
			// each goroutine writes its own column
			for j, enc := range resp.ServerEncs {
				serverEncs[j][m-1] = enc
			}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		logger.Warn("refresh failed", zap.Error(err))
		return nil, fmt.Errorf("rss.Client: %w", err)
	}

	out := make([]*metadata.FactorEnc, len(p.TargetIndexes))
	for j, x := range p.TargetIndexes {
		out[j] = &metadata.FactorEnc{
			TSSIndex: x,
			Encoding: metadata.HierarchicalEncoding{UserEnc: userEncs[j], ServerEncs: serverEncs[j]},
		}
	}
	logger.Info("refreshed TSS shares",
		zap.Int("targets", len(p.TargetIndexes)),
		zap.Ints("servers", p.SelectedServers))
	return out, nil
}

// validate checks p and returns the client's additive contribution to the secret.
func (c *Client) validate(p RefreshParams) (curve.Scalar, error) {
	n := len(c.nodes.PubKeys)
	if c.nodes.Threshold < 1 || c.nodes.Threshold > n {
		return nil, fmt.Errorf("%w: threshold %d for %d nodes", ErrInvalidRequest, c.nodes.Threshold, n)
	}
	if len(p.SelectedServers) < c.nodes.Threshold {
		return nil, ErrNotEnoughServers
	}
	seen := map[int]bool{}
	for _, m := range p.SelectedServers {
		if m < 1 || m > n || seen[m] {
			return nil, fmt.Errorf("%w: selected server %d", ErrInvalidRequest, m)
		}
		seen[m] = true
	}
	if len(p.TargetIndexes) == 0 || len(p.TargetIndexes) != len(p.FactorPubs) {
		return nil, fmt.Errorf("%w: %d targets for %d factor pubs", ErrInvalidRequest, len(p.TargetIndexes), len(p.FactorPubs))
	}
	for _, x := range p.TargetIndexes {
		if x <= ServerIndex {
			return nil, fmt.Errorf("%w: target index %d", ErrInvalidRequest, x)
		}
	}
	if p.InputIndex == 0 {
		if p.ImportKey == nil || p.ImportKey.IsZero() {
			return nil, fmt.Errorf("%w: missing import key", ErrInvalidRequest)
		}
		return group.NewScalar().Set(p.ImportKey), nil
	}
	if p.InputShare == nil || p.InputIndex == ServerIndex || p.InputIndex < 0 {
		return nil, fmt.Errorf("%w: input share at %d", ErrInvalidRequest, p.InputIndex)
	}
	return userCoefficient(p.InputIndex).Mul(p.InputShare), nil
}

// sessionIDOf hashes the public parameters of a session with a random request ID.
func sessionIDOf(p RefreshParams) (string, error) {
	h := hash.New("rss.Refresh")
	if err := h.WriteAny(p.OldLabel, p.NewLabel, uint64(p.InputIndex), uuid.NewString()); err != nil {
		return "", err
	}
	for j, x := range p.TargetIndexes {
		if err := h.WriteAny(uint64(x), p.FactorPubs[j]); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum()[:16]), nil
}
