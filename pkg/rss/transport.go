package rss

import (
	"context"
	"fmt"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

// LocalTransport calls in-process nodes directly.
type LocalTransport struct {
	nodes map[int]*Node
}

var _ Transport = (*LocalTransport)(nil)

func NewLocalTransport(nodes ...*Node) *LocalTransport {
	t := &LocalTransport{nodes: make(map[int]*Node, len(nodes))}
	for _, n := range nodes {
		t.nodes[n.Index()] = n
	}
	return t
}

func (t *LocalTransport) node(index int) (*Node, error) {
	n, ok := t.nodes[index]
	if !ok {
		return nil, fmt.Errorf("rss.LocalTransport: no node %d", index)
	}
	return n, nil
}

func (t *LocalTransport) StoreKeyShare(ctx context.Context, node int, share *KeyShare) error {
	n, err := t.node(node)
	if err != nil {
		return err
	}
	return n.StoreKeyShare(ctx, share)
}

func (t *LocalTransport) PublicKey(ctx context.Context, node int, label string) (curve.Point, error) {
	n, err := t.node(node)
	if err != nil {
		return nil, err
	}
	return n.KeyPublicKey(ctx, label)
}

func (t *LocalTransport) Refresh(ctx context.Context, node int, req *RefreshRequest) (*RefreshResponse, error) {
	n, err := t.node(node)
	if err != nil {
		return nil, err
	}
	return n.Refresh(ctx, req)
}
