package tss

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/internal/test"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/pool"
	"github.com/tkey/tkey-sub000/pkg/rss"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"github.com/tkey/tkey-sub000/pkg/tkey"
	"go.uber.org/zap/zaptest"
)

const tag = "default"

type fixture struct {
	net     *test.Network
	postbox curve.Scalar
	device  *metadata.ShareStore
}

func newFixture(t *testing.T) *fixture {
	return newCommitteeFixture(t, 5, 3)
}

func newCommitteeFixture(t *testing.T, n, threshold int) *fixture {
	return &fixture{
		net:     test.NewNetwork(t, n, threshold),
		postbox: sample.ScalarUnit(rand.Reader, group),
	}
}

// newKey returns a TSS key on a freshly created threshold key.
func (f *fixture) newKey(t *testing.T, opts ...tkey.Option) *ThresholdKey {
	opts = append([]tkey.Option{
		tkey.WithLogger(zaptest.NewLogger(t)),
		tkey.WithDeviceStorage(func(_ context.Context, s *metadata.ShareStore) error {
			f.device = s
			return nil
		}),
	}, opts...)
	tk := tkey.New(f.net.Provider(f.postbox), f.net.Layer, opts...)
	_, err := tk.Initialize(context.Background(), tkey.InitializeOptions{})
	require.NoError(t, err)
	_, err = tk.PrivKey()
	require.NoError(t, err)
	return New(tk, WithTransport(f.net))
}

// reload opens the stored key again with the device share.
func (f *fixture) reload(t *testing.T) *ThresholdKey {
	k := f.open(t)
	_, err := k.ReconstructKey(context.Background())
	require.NoError(t, err)
	return k
}

// open loads the stored key and holds the device share, without reconstructing.
func (f *fixture) open(t *testing.T) *ThresholdKey {
	tk := tkey.New(f.net.Provider(f.postbox), f.net.Layer, tkey.WithLogger(zaptest.NewLogger(t)))
	_, err := tk.Initialize(context.Background(), tkey.InitializeOptions{})
	require.NoError(t, err)
	require.NoError(t, tk.InputShareStore(f.device))
	return New(tk, WithTransport(f.net))
}

func factor() (curve.Scalar, curve.Point) {
	return sample.ScalarPointPair(rand.Reader, group)
}

func interpolate(t *testing.T, points map[int]curve.Scalar) curve.Scalar {
	evaluations := make([]polynomial.Evaluation, 0, len(points))
	for i, s := range points {
		evaluations = append(evaluations, polynomial.Evaluation{X: indexScalar(i), Y: s})
	}
	secret, err := polynomial.InterpolateSecret(group, evaluations)
	require.NoError(t, err)
	return secret
}

func TestInitializeNewTSSKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	factorKey, factorPub := factor()

	res, err := k.InitializeNewTSSKey(ctx, tag, nil, factorPub, 2)
	require.NoError(t, err)

	index, share, err := k.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.True(t, share.Equal(res.Share))

	meta, err := k.Metadata()
	require.NoError(t, err)
	data := meta.TSSData(tag)
	require.NotNil(t, data)
	assert.EqualValues(t, 0, data.Nonce)
	assert.True(t, share.ActOnBase().Equal(shareCommitment(data, 2)))
	assert.True(t, data.PolyCommits[0].Equal(res.PubKey))

	// index 1 is the nodes' key
	nodesPub, err := f.net.Dealer.PublicKey(ctx, serviceprovider.Label(test.Verifier, test.VerifierID, tag, 0))
	require.NoError(t, err)
	assert.True(t, nodesPub.Equal(shareCommitment(data, 1)))

	pub, err := k.TSSPubKey(tag, 0)
	require.NoError(t, err)
	assert.True(t, pub.Equal(res.PubKey))

	_, err = k.InitializeNewTSSKey(ctx, tag, nil, factorPub, 2)
	assert.ErrorIs(t, err, tkey.ErrDuplicateTag)

	other, _ := factor()
	_, _, err = k.GetTSSShare(ctx, tag, other, GetShareOptions{})
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter)

	// the state survives a reload
	again := f.reload(t)
	_, reloaded, err := again.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	require.NoError(t, err)
	assert.True(t, reloaded.Equal(share))
}

func TestRefreshPreservesSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pl := pool.NewPool(2)
	t.Cleanup(pl.TearDown)
	k := New(f.newKey(t).ThresholdKey, WithTransport(f.net), WithPool(pl))

	key2, pub2 := factor()
	res, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)

	key3, pub3 := factor()
	require.NoError(t, k.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{}))

	meta, err := k.Metadata()
	require.NoError(t, err)
	data := meta.TSSData(tag)
	assert.EqualValues(t, 1, data.Nonce)
	assert.Len(t, data.FactorPubs, 2)
	assert.True(t, data.PolyCommits[0].Equal(res.PubKey))
	for _, enc := range data.FactorEncs {
		assert.IsType(t, metadata.HierarchicalEncoding{}, enc.Encoding)
	}

	i2, s2, err := k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, i2)
	assert.False(t, s2.Equal(res.Share))
	i3, s3, err := k.GetTSSShare(ctx, tag, key3, GetShareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, i3)
	secret := interpolate(t, map[int]curve.Scalar{2: s2, 3: s3})
	assert.True(t, secret.ActOnBase().Equal(res.PubKey))

	// rotate through a subset of the nodes, moving factor 3 to index 4
	require.NoError(t, k.RefreshTSSShares(ctx, tag, key3, []curve.Point{pub2, pub3}, []int{2, 4},
		ServerOptions{SelectedServers: []int{2, 3, 5}}))
	_, n2, err := k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	require.NoError(t, err)
	i4, n4, err := k.GetTSSShare(ctx, tag, key3, GetShareOptions{Threshold: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, i4)
	assert.True(t, interpolate(t, map[int]curve.Scalar{2: n2, 4: n4}).Equal(secret))
}

func TestImportAndExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)

	imported := sample.ScalarUnit(rand.Reader, group)
	key2, pub2 := factor()
	key3, pub3 := factor()
	require.NoError(t, k.ImportTSSKey(ctx, "imported", imported, []curve.Point{pub2, pub3}, []int{2, 3}, ServerOptions{}))

	pub, err := k.TSSPubKey("imported", 0)
	require.NoError(t, err)
	assert.True(t, pub.Equal(imported.ActOnBase()))
	_, s2, err := k.GetTSSShare(ctx, "imported", key2, GetShareOptions{})
	require.NoError(t, err)
	_, s3, err := k.GetTSSShare(ctx, "imported", key3, GetShareOptions{})
	require.NoError(t, err)
	assert.True(t, interpolate(t, map[int]curve.Scalar{2: s2, 3: s3}).Equal(imported))

	exported, err := k.UNSAFEExportTSSKey(ctx, "imported", key3, ServerOptions{})
	require.NoError(t, err)
	assert.True(t, exported.Equal(imported))

	meta, err := k.Metadata()
	require.NoError(t, err)
	data := meta.TSSData("imported")
	assert.EqualValues(t, 2, data.Nonce)
	assert.Len(t, data.FactorPubs, 2)
	_, _, err = k.GetTSSShare(ctx, "imported", key2, GetShareOptions{})
	assert.NoError(t, err)

	err = k.ImportTSSKey(ctx, "imported", imported, []curve.Point{pub2}, []int{2}, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrDuplicateTag)
	err = k.ImportTSSKey(ctx, "zero", group.NewScalar(), []curve.Point{pub2}, []int{2}, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter)
	err = k.ImportTSSKey(ctx, "mismatch", imported, []curve.Point{pub2, pub3}, []int{2}, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter)
}

func TestAccountNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)

	zero, err := k.ComputeAccountNonce(0)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	_, err = k.ComputeAccountNonce(1)
	assert.ErrorIs(t, err, tkey.ErrInvalidState, "no salt before the first TSS key")

	factorKey, factorPub := factor()
	res, err := k.InitializeNewTSSKey(ctx, tag, nil, factorPub, 2)
	require.NoError(t, err)

	nonce, err := k.ComputeAccountNonce(3)
	require.NoError(t, err)
	assert.False(t, nonce.IsZero())
	again, err := k.ComputeAccountNonce(3)
	require.NoError(t, err)
	assert.True(t, nonce.Equal(again))
	other, err := k.ComputeAccountNonce(4)
	require.NoError(t, err)
	assert.False(t, nonce.Equal(other))

	_, share, err := k.GetTSSShare(ctx, tag, factorKey, GetShareOptions{AccountIndex: 3})
	require.NoError(t, err)
	assert.True(t, share.Equal(group.NewScalar().Set(res.Share).Add(nonce)))

	pub, err := k.TSSPubKey(tag, 3)
	require.NoError(t, err)
	assert.True(t, pub.Equal(res.PubKey.Add(nonce.ActOnBase())))

	// a second tag reuses the salt
	_, pub2 := factor()
	_, err = k.InitializeNewTSSKey(ctx, "second", nil, pub2, 2)
	require.NoError(t, err)
	same, err := k.ComputeAccountNonce(3)
	require.NoError(t, err)
	assert.True(t, nonce.Equal(same))
}

func TestWrongCommitment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	factorKey, factorPub := factor()
	_, err := k.InitializeNewTSSKey(ctx, tag, nil, factorPub, 2)
	require.NoError(t, err)

	forged, err := ecies.Encrypt(factorPub, rss.EncodeScalar(sample.Scalar(rand.Reader, group)))
	require.NoError(t, err)
	require.NoError(t, k.UpdateMetadata(ctx, "forge", func(m *metadata.Metadata) error {
		m.TSSData(tag).FactorEncs[metadata.FactorPubID(factorPub)].Encoding = metadata.DirectEncoding{UserEnc: forged}
		return nil
	}))
	_, _, err = k.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	assert.ErrorIs(t, err, tkey.ErrWrongCommitment)
}

func TestNoMatchingCombination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	key2, pub2 := factor()
	_, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)
	_, pub3 := factor()
	require.NoError(t, k.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{}))

	forged, err := ecies.Encrypt(pub2, rss.EncodeScalar(sample.Scalar(rand.Reader, group)))
	require.NoError(t, err)
	require.NoError(t, k.UpdateMetadata(ctx, "forge", func(m *metadata.Metadata) error {
		enc := m.TSSData(tag).FactorEncs[metadata.FactorPubID(pub2)]
		h := enc.Encoding.(metadata.HierarchicalEncoding)
		h.UserEnc = forged
		enc.Encoding = h
		return nil
	}))
	_, _, err = k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	assert.ErrorIs(t, err, tkey.ErrNoMatchingCombination)
}

func TestStoppedNodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	key2, pub2 := factor()
	_, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)
	// deal the key of the next nonce while every node is up
	_, err = f.net.Dealer.PublicKey(ctx, serviceprovider.Label(test.Verifier, test.VerifierID, tag, 1))
	require.NoError(t, err)

	f.net.Stop(4)
	f.net.Stop(5)
	_, pub3 := factor()
	err = k.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{})
	assert.Error(t, err)
	meta, err := k.Metadata()
	require.NoError(t, err)
	assert.EqualValues(t, 0, meta.TSSData(tag).Nonce, "a failed refresh changes nothing")

	require.NoError(t, k.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{SelectedServers: []int{1, 2, 3}}))
	_, _, err = k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	assert.NoError(t, err)
}

func TestFactorManagement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	key2, pub2 := factor()
	res, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)

	err = k.DeleteFactorPub(ctx, tag, key2, pub2, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter, "last factor")

	copyKey, copyPub := factor()
	require.NoError(t, k.CopyFactorPub(ctx, tag, key2, copyPub))
	index, share, err := k.GetTSSShare(ctx, tag, copyKey, GetShareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.True(t, share.Equal(res.Share))
	assert.ErrorIs(t, k.CopyFactorPub(ctx, tag, key2, copyPub), tkey.ErrInvalidParameter)

	indexes, err := k.FactorIndexes(tag)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{metadata.FactorPubID(pub2): 2, metadata.FactorPubID(copyPub): 2}, indexes)

	require.NoError(t, k.DeleteFactorPub(ctx, tag, copyKey, pub2, ServerOptions{}))
	_, _, err = k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter)
	_, after, err := k.GetTSSShare(ctx, tag, copyKey, GetShareOptions{})
	require.NoError(t, err)
	assert.False(t, after.Equal(res.Share))

	_, missing := factor()
	assert.ErrorIs(t, k.DeleteFactorPub(ctx, tag, copyKey, missing, ServerOptions{}), tkey.ErrInvalidParameter)
}

func TestManualSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t, tkey.WithManualSync(true))
	require.NoError(t, k.SyncLocalMetadataTransitions(ctx))

	factorKey, factorPub := factor()
	_, err := k.InitializeNewTSSKey(ctx, tag, nil, factorPub, 2)
	require.NoError(t, err)
	assert.Positive(t, k.PendingTransitions())

	stale := f.reload(t)
	_, err = stale.TSSPubKey(tag, 0)
	assert.ErrorIs(t, err, tkey.ErrInvalidParameter)

	require.NoError(t, k.SyncLocalMetadataTransitions(ctx))
	assert.Zero(t, k.PendingTransitions())
	fresh := f.reload(t)
	_, _, err = fresh.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	assert.NoError(t, err)
}

func TestRequiresReconstructedKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	k := f.newKey(t)
	key2, pub2 := factor()
	_, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)
	before, err := k.Metadata()
	require.NoError(t, err)

	locked := f.open(t)
	_, err = locked.PrivKey()
	require.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)

	_, pub3 := factor()
	_, err = locked.InitializeNewTSSKey(ctx, "other", nil, pub3, 2)
	assert.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)
	err = locked.ImportTSSKey(ctx, "imported", sample.ScalarUnit(rand.Reader, group), []curve.Point{pub3}, []int{2}, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)
	assert.ErrorIs(t, locked.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{}), tkey.ErrPrivateKeyUnavailable)
	assert.ErrorIs(t, locked.CopyFactorPub(ctx, tag, key2, pub3), tkey.ErrPrivateKeyUnavailable)
	assert.ErrorIs(t, locked.DeleteFactorPub(ctx, tag, key2, pub2, ServerOptions{}), tkey.ErrPrivateKeyUnavailable)
	err = locked.RefreshTSSShares(ctx, tag, key2, []curve.Point{pub2}, []int{3}, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)
	_, err = locked.UNSAFEExportTSSKey(ctx, tag, key2, ServerOptions{})
	assert.ErrorIs(t, err, tkey.ErrPrivateKeyUnavailable)

	// reading a share needs only the factor key
	_, _, err = locked.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	assert.NoError(t, err)

	after := f.reload(t)
	meta, err := after.Metadata()
	require.NoError(t, err)
	assert.Equal(t, before.Nonce, meta.Nonce, "nothing was stored")
	assert.Nil(t, meta.TSSData("other"))
	assert.Nil(t, meta.TSSData("imported"))
}

func TestCommitteeThreshold(t *testing.T) {
	ctx := context.Background()
	f := newCommitteeFixture(t, 5, 2)
	k := f.newKey(t)
	key2, pub2 := factor()
	res, err := k.InitializeNewTSSKey(ctx, tag, nil, pub2, 2)
	require.NoError(t, err)

	key3, pub3 := factor()
	require.NoError(t, k.AddFactorPub(ctx, tag, key2, pub3, 3, ServerOptions{SelectedServers: []int{1, 2}}))

	i2, s2, err := k.GetTSSShare(ctx, tag, key2, GetShareOptions{})
	require.NoError(t, err)
	i3, s3, err := k.GetTSSShare(ctx, tag, key3, GetShareOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, i2)
	assert.Equal(t, 3, i3)
	assert.True(t, interpolate(t, map[int]curve.Scalar{2: s2, 3: s3}).ActOnBase().Equal(res.PubKey))

	// asking for more parts than were produced finds nothing
	_, _, err = k.GetTSSShare(ctx, tag, key3, GetShareOptions{Threshold: 3})
	assert.ErrorIs(t, err, tkey.ErrNoMatchingCombination)
}

func TestCombinations(t *testing.T) {
	got := combinations([]int{1, 2, 3, 4}, 3)
	assert.Equal(t, [][]int{{1, 2, 3}, {1, 2, 4}, {1, 3, 4}, {2, 3, 4}, {1, 2, 3, 4}}, got)
	assert.Len(t, combinations([]int{1, 2, 3, 4, 5}, 1), 31)
	assert.Empty(t, combinations([]int{1, 2}, 3))
}
