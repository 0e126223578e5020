package rss

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dealer stands in for the distributed key generation of the committee: it draws the key
// of a label the first time it is asked for, and deals verifiable shares of it to every node.
type Dealer struct {
	mutex     sync.Mutex
	transport Transport
	nodePubs  []curve.Point
	threshold int
	logger    *zap.Logger
}

var _ serviceprovider.TSSKeySource = (*Dealer)(nil)

// NewDealer deals to the nodes whose public keys are nodePubs, node i+1 holding nodePubs[i].
func NewDealer(transport Transport, nodePubs []curve.Point, threshold int, logger *zap.Logger) *Dealer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dealer{transport: transport, nodePubs: nodePubs, threshold: threshold, logger: logger}
}

// PublicKey returns the DKG public key of label as reported by the first reachable node,
// dealing it first if needed.
func (d *Dealer) PublicKey(ctx context.Context, label string) (curve.Point, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var lastErr error
	for node := 1; node <= len(d.nodePubs); node++ {
		pub, err := d.transport.PublicKey(ctx, node, label)
		switch {
		case err == nil:
			return pub, nil
		case errors.Is(err, ErrUnknownLabel):
			return d.deal(ctx, label)
		default:
			lastErr = err
		}
	}
	return nil, fmt.Errorf("rss.Dealer: no node reachable: %w", lastErr)
}

func (d *Dealer) deal(ctx context.Context, label string) (curve.Point, error) {
	if d.threshold < 1 || d.threshold > len(d.nodePubs) {
		return nil, fmt.Errorf("rss.Dealer: threshold %d for %d nodes", d.threshold, len(d.nodePubs))
	}
	poly := polynomial.NewPolynomial(group, d.threshold-1, sample.ScalarUnit(rand.Reader, group))
	exponent := polynomial.NewPolynomialExponent(poly)
	commitments := make([]*curve.MarshallablePoint, 0, d.threshold)
	for _, c := range exponent.Coefficients() {
		commitments = append(commitments, curve.NewMarshallablePoint(c))
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, pub := range d.nodePubs {
		node, pub := i+1, pub
		eg.Go(func() error {
			enc, err := ecies.Encrypt(pub, EncodeScalar(poly.Evaluate(scalarOf(node))))
			if err != nil {
				return err
			}
			share := &KeyShare{Label: label, Commitments: commitments, Share: enc}
			if err = d.transport.StoreKeyShare(ctx, node, share); err != nil {
				return fmt.Errorf("node %d: %w", node, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("rss.Dealer: %w", err)
	}
	d.logger.Info("dealt key", zap.String("label", label), zap.Int("nodes", len(d.nodePubs)))
	return exponent.Constant(), nil
}
