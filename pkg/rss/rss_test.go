package rss

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"go.uber.org/zap/zaptest"
)

type committee struct {
	nodes     []*Node
	transport Transport
	details   serviceprovider.NodeDetails
	dealer    *Dealer
	client    *Client
}

func newCommittee(t *testing.T, n, threshold int, opts ...NodeOption) *committee {
	logger := zaptest.NewLogger(t)
	c := &committee{details: serviceprovider.NodeDetails{Threshold: threshold}}
	for i := 1; i <= n; i++ {
		key := sample.ScalarUnit(rand.Reader, group)
		node := NewNode(i, key, NewMemoryKeyStore(), append(opts, WithNodeLogger(logger))...)
		c.nodes = append(c.nodes, node)
		c.details.PubKeys = append(c.details.PubKeys, node.PublicKey())
	}
	c.useTransport(NewLocalTransport(c.nodes...))
	return c
}

func (c *committee) useTransport(transport Transport) {
	c.transport = transport
	c.dealer = NewDealer(transport, c.details.PubKeys, c.details.Threshold, nil)
	c.client = NewClient(transport, c.details)
}

func label(tag string, nonce uint64) string {
	return serviceprovider.Label("google", "alice@example.com", tag, nonce)
}

// decode recovers the shares of encs with the matching factor keys and the given servers.
func decode(t *testing.T, encs []*metadata.FactorEnc, factorKeys []curve.Scalar, servers []int) []polynomial.Evaluation {
	out := make([]polynomial.Evaluation, len(encs))
	for i, enc := range encs {
		h, ok := enc.Encoding.(metadata.HierarchicalEncoding)
		require.True(t, ok)
		parts, err := DecryptParts(factorKeys[i], h)
		require.NoError(t, err)
		share, err := parts.Share(servers)
		require.NoError(t, err)
		out[i] = polynomial.Evaluation{X: scalarOf(enc.TSSIndex), Y: share}
	}
	return out
}

func factorKeys(n int) ([]curve.Scalar, []curve.Point) {
	keys := make([]curve.Scalar, n)
	pubs := make([]curve.Point, n)
	for i := range keys {
		keys[i], pubs[i] = sample.ScalarPointPair(rand.Reader, group)
	}
	return keys, pubs
}

func TestCombineHierarchical(t *testing.T) {
	poly := polynomial.NewPolynomial(group, 1, sample.Scalar(rand.Reader, group))
	server := poly.Evaluate(scalarOf(ServerIndex))
	user := poly.Evaluate(scalarOf(UserIndex))
	assert.True(t, CombineHierarchical(server, user).Equal(poly.Constant()))
}

func TestEncodeScalar(t *testing.T) {
	s := sample.Scalar(rand.Reader, group)
	encoded := EncodeScalar(s)
	assert.Len(t, encoded, 64)
	decoded, err := DecodeScalar(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(s))
}

func TestImportThenRefresh(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 5, 3)

	key := sample.ScalarUnit(rand.Reader, group)
	first := label("default", 0)
	fresh, err := c.dealer.PublicKey(ctx, first)
	require.NoError(t, err)

	keys, pubs := factorKeys(2)
	encs, err := c.client.Refresh(ctx, RefreshParams{
		NewLabel:        first,
		ImportKey:       key,
		TargetIndexes:   []int{2, 3},
		FactorPubs:      pubs,
		SelectedServers: []int{1, 2, 3},
	})
	require.NoError(t, err)
	require.Len(t, encs, 2)
	for _, enc := range encs {
		h := enc.Encoding.(metadata.HierarchicalEncoding)
		require.Len(t, h.ServerEncs, 5)
		assert.Nil(t, h.ServerEncs[3])
		assert.Nil(t, h.ServerEncs[4])
	}

	shares := decode(t, encs, keys, []int{1, 2, 3})
	secret, err := polynomial.InterpolateSecret(group, shares)
	require.NoError(t, err)
	require.True(t, secret.Equal(key))

	// g(x) = (1-x)⋅K + x⋅k'
	for _, s := range shares {
		expected := scalarOf(1).Sub(s.X).Act(key.ActOnBase())
		expected = expected.Add(s.X.Act(fresh))
		assert.True(t, s.Y.ActOnBase().Equal(expected))
	}

	// a refresh from the share at 2 keeps the secret
	second := label("default", 1)
	_, err = c.dealer.PublicKey(ctx, second)
	require.NoError(t, err)
	keys2, pubs2 := factorKeys(2)
	encs2, err := c.client.Refresh(ctx, RefreshParams{
		OldLabel:        first,
		NewLabel:        second,
		InputIndex:      2,
		InputShare:      shares[0].Y,
		TargetIndexes:   []int{2, 4},
		FactorPubs:      pubs2,
		SelectedServers: []int{2, 4, 5},
	})
	require.NoError(t, err)
	shares2 := decode(t, encs2, keys2, []int{5, 2, 4})
	secret2, err := polynomial.InterpolateSecret(group, shares2)
	require.NoError(t, err)
	assert.True(t, secret2.Equal(key))
	assert.False(t, shares2[0].Y.Equal(shares[0].Y))
}

func TestRefreshRejects(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 3, 2)
	_, pubs := factorKeys(1)
	params := RefreshParams{
		NewLabel:        label("t", 0),
		ImportKey:       sample.ScalarUnit(rand.Reader, group),
		TargetIndexes:   []int{2},
		FactorPubs:      pubs,
		SelectedServers: []int{1},
	}

	_, err := c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrNotEnoughServers)

	params.SelectedServers = []int{1, 1}
	_, err = c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	params.SelectedServers = []int{1, 2}
	params.TargetIndexes = []int{1}
	_, err = c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	params.TargetIndexes = []int{2}
	_, err = c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrUnknownLabel, "label was never dealt")
}

func TestNodeRejectsUnselected(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 3, 2)
	_, err := c.dealer.PublicKey(ctx, label("t", 0))
	require.NoError(t, err)

	_, pubs := factorKeys(1)
	mask, err := ecies.Encrypt(c.nodes[2].PublicKey(), EncodeScalar(sample.Scalar(rand.Reader, group)))
	require.NoError(t, err)
	req := &RefreshRequest{
		SessionID:       "session",
		NewLabel:        label("t", 0),
		TargetIndexes:   []int{2},
		FactorPubs:      []*curve.MarshallablePoint{curve.NewMarshallablePoint(pubs[0])},
		Masks:           []*ecies.EncryptedMessage{mask},
		SelectedServers: []int{1, 2},
	}
	_, err = c.nodes[2].Refresh(ctx, req)
	assert.ErrorIs(t, err, ErrNotSelected)

	req.SelectedServers = []int{1, 3}
	resp, err := c.nodes[2].Refresh(ctx, req)
	require.NoError(t, err)
	assert.Len(t, resp.ServerEncs, 1)
}

func TestNodeAuthentication(t *testing.T) {
	ctx := context.Background()
	verifierKey, verifierPub := sample.ScalarPointPair(rand.Reader, group)
	c := newCommittee(t, 3, 2, WithVerifierKey("google", verifierPub))
	_, err := c.dealer.PublicKey(ctx, label("t", 0))
	require.NoError(t, err)

	_, pubs := factorKeys(1)
	params := RefreshParams{
		NewLabel:        label("t", 0),
		ImportKey:       sample.ScalarUnit(rand.Reader, group),
		TargetIndexes:   []int{2},
		FactorPubs:      pubs,
		SelectedServers: []int{1, 3},
	}
	_, err = c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrUnauthorized)

	other, _ := sample.ScalarPointPair(rand.Reader, group)
	params.AuthSignature, err = serviceprovider.Sign(other, AuthMessage("google", "alice@example.com"))
	require.NoError(t, err)
	_, err = c.client.Refresh(ctx, params)
	assert.ErrorIs(t, err, ErrUnauthorized)

	params.AuthSignature, err = serviceprovider.Sign(verifierKey, AuthMessage("google", "alice@example.com"))
	require.NoError(t, err)
	_, err = c.client.Refresh(ctx, params)
	assert.NoError(t, err)
}

func TestDealerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 4, 3)
	first, err := c.dealer.PublicKey(ctx, label("t", 0))
	require.NoError(t, err)
	again, err := c.dealer.PublicKey(ctx, label("t", 0))
	require.NoError(t, err)
	assert.True(t, first.Equal(again))

	for _, n := range c.nodes {
		pub, err := n.KeyPublicKey(ctx, label("t", 0))
		require.NoError(t, err)
		assert.True(t, pub.Equal(first))
	}
	_, err = c.nodes[0].KeyPublicKey(ctx, label("t", 1))
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestHTTPTransport(t *testing.T) {
	ctx := context.Background()
	c := newCommittee(t, 3, 2)
	endpoints := make([]string, len(c.nodes))
	servers := make([]*Server, len(c.nodes))
	for i, n := range c.nodes {
		servers[i] = NewServer(n, zaptest.NewLogger(t))
		ts := httptest.NewServer(servers[i].Handler())
		t.Cleanup(ts.Close)
		endpoints[i] = ts.URL
	}
	c.useTransport(NewHTTPTransport(endpoints, nil))

	_, err := c.transport.PublicKey(ctx, 1, label("t", 0))
	require.ErrorIs(t, err, ErrUnknownLabel)

	_, err = c.dealer.PublicKey(ctx, label("t", 0))
	require.NoError(t, err)

	key := sample.ScalarUnit(rand.Reader, group)
	keys, pubs := factorKeys(2)
	encs, err := c.client.Refresh(ctx, RefreshParams{
		NewLabel:        label("t", 0),
		ImportKey:       key,
		TargetIndexes:   []int{2, 3},
		FactorPubs:      pubs,
		SelectedServers: []int{2, 3},
	})
	require.NoError(t, err)
	secret, err := polynomial.InterpolateSecret(group, decode(t, encs, keys, []int{2, 3}))
	require.NoError(t, err)
	assert.True(t, secret.Equal(key))

	families, err := servers[1].Registry().Gather()
	require.NoError(t, err)
	var refreshes float64
	for _, f := range families {
		if f.GetName() == "rss_node_refreshes_total" {
			for _, m := range f.GetMetric() {
				refreshes += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), refreshes)
}

func TestBadgerKeyStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadgerKeyStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	poly := polynomial.NewPolynomial(group, 1, sample.ScalarUnit(rand.Reader, group))
	record := &KeyRecord{
		Label:       label("t", 0),
		Index:       2,
		Share:       poly.Evaluate(scalarOf(2)),
		Commitments: polynomial.NewPolynomialExponent(poly),
	}
	require.NoError(t, record.Verify())
	require.NoError(t, store.Put(ctx, record))
	assert.ErrorIs(t, store.Put(ctx, record), ErrRecordExists)

	got, err := store.Get(ctx, record.Label)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Index)
	assert.True(t, got.Share.Equal(record.Share))
	assert.True(t, got.PublicKey().Equal(poly.Constant().ActOnBase()))

	_, err = store.Get(ctx, label("t", 1))
	assert.ErrorIs(t, err, ErrUnknownLabel)
}
