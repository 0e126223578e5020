// Package test holds fixtures shared by package tests: one storage layer and one RSS
// committee, reachable in process.
package test

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/rss"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"github.com/tkey/tkey-sub000/pkg/storage/memory"
	"go.uber.org/zap/zaptest"
)

const (
	Verifier   = "google"
	VerifierID = "alice@example.com"
)

// Network is a storage layer and an RSS committee whose nodes can be stopped.
type Network struct {
	Layer   *memory.Store
	Nodes   []*rss.Node
	Details serviceprovider.NodeDetails
	Dealer  *rss.Dealer

	local *rss.LocalTransport
	mtx   sync.Mutex
	down  map[int]bool
}

var _ rss.Transport = (*Network)(nil)

// NewNetwork starts a committee of n nodes with the given threshold.
func NewNetwork(t testing.TB, n, threshold int, opts ...rss.NodeOption) *Network {
	logger := zaptest.NewLogger(t)
	net := &Network{
		Layer:   memory.New(logger),
		Details: serviceprovider.NodeDetails{Threshold: threshold},
		down:    map[int]bool{},
	}
	for i := 1; i <= n; i++ {
		key := sample.ScalarUnit(rand.Reader, curve.Secp256k1{})
		nodeOpts := append([]rss.NodeOption{rss.WithNodeLogger(logger)}, opts...)
		node := rss.NewNode(i, key, rss.NewMemoryKeyStore(), nodeOpts...)
		net.Nodes = append(net.Nodes, node)
		net.Details.PubKeys = append(net.Details.PubKeys, node.PublicKey())
		net.Details.Endpoints = append(net.Details.Endpoints, fmt.Sprintf("local://%d", i))
	}
	net.local = rss.NewLocalTransport(net.Nodes...)
	net.Dealer = rss.NewDealer(net, net.Details.PubKeys, threshold, logger)
	return net
}

// Provider returns a service provider for postboxKey, registered with the committee.
func (n *Network) Provider(postboxKey curve.Scalar) *serviceprovider.Local {
	return serviceprovider.NewLocal(postboxKey,
		serviceprovider.WithVerifier(Verifier, VerifierID),
		serviceprovider.WithTSS(n.Dealer, n.Details))
}

// Stop makes node unreachable until Start.
func (n *Network) Stop(node int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.down[node] = true
}

func (n *Network) Start(node int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.down, node)
}

func (n *Network) reachable(node int) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.down[node] {
		return fmt.Errorf("test.Network: node %d is down", node)
	}
	return nil
}

func (n *Network) StoreKeyShare(ctx context.Context, node int, share *rss.KeyShare) error {
	if err := n.reachable(node); err != nil {
		return err
	}
	return n.local.StoreKeyShare(ctx, node, share)
}

func (n *Network) PublicKey(ctx context.Context, node int, label string) (curve.Point, error) {
	if err := n.reachable(node); err != nil {
		return nil, err
	}
	return n.local.PublicKey(ctx, node, label)
}

func (n *Network) Refresh(ctx context.Context, node int, req *rss.RefreshRequest) (*rss.RefreshResponse, error) {
	if err := n.reachable(node); err != nil {
		return nil, err
	}
	return n.local.Refresh(ctx, node, req)
}
