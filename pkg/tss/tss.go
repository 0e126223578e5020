// Package tss manages threshold signing keys on top of a threshold key.
//
// Each tag names an independent signing key, shared with a degree 1 polynomial f. The
// share at index 1 is the DKG key of the RSS nodes for the tag's current nonce and never
// leaves them; every other index is a client share, stored in the metadata encrypted to
// one or more factor keys. The metadata holds the commitments A0 = f(0)⋅G and A1, so that
// any share can be verified without the secret.
package tss

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"

	"github.com/cronokirby/saferith"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/hash"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/pool"
	"github.com/tkey/tkey-sub000/pkg/rss"
	"github.com/tkey/tkey-sub000/pkg/tkey"
	"go.uber.org/zap"
)

var group = curve.Secp256k1{}

const (
	// ModuleName is the TkeyStore namespace of the subsystem.
	ModuleName = "tss"
	// AccountSaltID names the account salt in the TkeyStore.
	AccountSaltID = "accountSalt"

	accountSaltSize = 32
)

// ThresholdKey is a threshold key with TSS capabilities.
type ThresholdKey struct {
	*tkey.ThresholdKey

	transport rss.Transport
	pool      *pool.Pool
	logger    *zap.Logger
}

// Option configures a ThresholdKey.
type Option func(*ThresholdKey)

// WithTransport sets how RSS nodes are reached. Refreshes and imports need one.
func WithTransport(transport rss.Transport) Option {
	return func(t *ThresholdKey) {
		t.transport = transport
	}
}

// WithPool runs the search for a matching server combination on pl.
func WithPool(pl *pool.Pool) Option {
	return func(t *ThresholdKey) {
		t.pool = pl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *ThresholdKey) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New extends key. The logger defaults to the key's own.
func New(key *tkey.ThresholdKey, opts ...Option) *ThresholdKey {
	t := &ThresholdKey{ThresholdKey: key, logger: key.Logger()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// InitResult is returned by InitializeNewTSSKey.
type InitResult struct {
	// Share is the device share at the requested index.
	Share  curve.Scalar
	PubKey curve.Point
}

// InitializeNewTSSKey creates the signing key of tag. The key is shared between the
// nodes' DKG key at index 1 and deviceShare at deviceIndex; a nil deviceShare is drawn
// at random. The device share is stored encrypted to factorPub.
func (t *ThresholdKey) InitializeNewTSSKey(ctx context.Context, tag string, deviceShare curve.Scalar, factorPub curve.Point, deviceIndex int) (*InitResult, error) {
	const op = "InitializeNewTSSKey"
	if err := t.requireKey(op); err != nil {
		return nil, err
	}
	meta, err := t.Metadata()
	if err != nil {
		return nil, err
	}
	if data := meta.TSSData(tag); data != nil && len(data.FactorPubs) > 0 {
		return nil, tkey.Ef(tkey.KindDuplicateTag, op, "tag %q already has a TSS key", tag)
	}
	if err = validateTarget(op, deviceIndex); err != nil {
		return nil, err
	}
	if factorPub == nil || factorPub.IsIdentity() {
		return nil, tkey.Ef(tkey.KindInvalidParameter, op, "missing factor pub")
	}
	if deviceShare == nil {
		deviceShare = sample.ScalarUnit(rand.Reader, group)
	}

	tss1Pub, err := t.ServiceProvider().TSSPubKey(ctx, tag, 0)
	if err != nil {
		return nil, tkey.E(tkey.KindStorage, op, err)
	}
	a0, err := polynomial.InterpolatePointAt(group,
		[]curve.Scalar{indexScalar(1), indexScalar(deviceIndex)},
		[]curve.Point{tss1Pub, deviceShare.ActOnBase()},
		group.NewScalar())
	if err != nil {
		return nil, tkey.E(tkey.KindInvalidParameter, op, err)
	}
	a1 := tss1Pub.Sub(a0)

	enc, err := ecies.Encrypt(factorPub, rss.EncodeScalar(deviceShare))
	if err != nil {
		return nil, tkey.E(tkey.KindCrypto, op, err)
	}
	salt, err := t.newAccountSalt(meta)
	if err != nil {
		return nil, err
	}
	nonce := uint64(0)
	err = t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		err := m.AddTSSData(tag, metadata.TSSUpdate{
			Nonce:       &nonce,
			PolyCommits: []curve.Point{a0, a1},
			FactorPubs:  []curve.Point{factorPub},
			FactorEncs: map[string]*metadata.FactorEnc{
				metadata.FactorPubID(factorPub): {TSSIndex: deviceIndex, Encoding: metadata.DirectEncoding{UserEnc: enc}},
			},
		})
		if err != nil {
			return tkey.E(tkey.KindCorruption, op, err)
		}
		if salt != nil {
			m.SetTkeyStoreItem(ModuleName, AccountSaltID, salt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("initialized TSS key", zap.String("tag", tag), zap.Int("deviceIndex", deviceIndex))
	return &InitResult{Share: group.NewScalar().Set(deviceShare), PubKey: a0}, nil
}

// requireKey fails unless the threshold key has been reconstructed. Changes to TSS
// state are only made by a client that holds the key.
func (t *ThresholdKey) requireKey(op string) error {
	if _, err := t.PrivKey(); err != nil {
		return tkey.E(tkey.KindPrivateKeyUnavailable, op, err)
	}
	return nil
}

// newAccountSalt returns a fresh salt encrypted to the threshold key, or nil if meta
// already has one.
func (t *ThresholdKey) newAccountSalt(meta *metadata.Metadata) (*ecies.EncryptedMessage, error) {
	if _, ok := meta.TkeyStoreItem(ModuleName, AccountSaltID); ok {
		return nil, nil
	}
	salt := hex.EncodeToString(sample.Bytes(rand.Reader, accountSaltSize))
	return t.Encrypt([]byte(salt))
}

// GetShareOptions configures GetTSSShare.
type GetShareOptions struct {
	// AccountIndex selects a derived key; 0 is the key itself.
	AccountIndex uint64
	// Threshold is the smallest number of server parts combined for a hierarchical
	// share. It defaults to the threshold of the RSS committee.
	Threshold int
}

// GetTSSShare decrypts the share of tag held by factorKey and verifies it against the
// commitments. It returns the share's index and value, offset by the account nonce.
func (t *ThresholdKey) GetTSSShare(ctx context.Context, tag string, factorKey curve.Scalar, opts GetShareOptions) (int, curve.Scalar, error) {
	const op = "GetTSSShare"
	meta, err := t.Metadata()
	if err != nil {
		return 0, nil, err
	}
	data, err := tssData(op, meta, tag)
	if err != nil {
		return 0, nil, err
	}
	enc, ok := data.FactorEncs[metadata.FactorPubID(factorKey.ActOnBase())]
	if !ok {
		return 0, nil, tkey.Ef(tkey.KindInvalidParameter, op, "factor key not registered for tag %q", tag)
	}
	expected := shareCommitment(data, enc.TSSIndex)

	var share curve.Scalar
	switch e := enc.Encoding.(type) {
	case metadata.DirectEncoding:
		if share, err = rss.DecryptDirect(factorKey, e); err != nil {
			return 0, nil, tkey.E(tkey.KindCrypto, op, err)
		}
		if !share.ActOnBase().Equal(expected) {
			return 0, nil, tkey.Ef(tkey.KindWrongCommitment, op, "share at %d", enc.TSSIndex)
		}
	case metadata.HierarchicalEncoding:
		if share, err = t.combine(ctx, op, factorKey, e, expected, opts.Threshold); err != nil {
			return 0, nil, err
		}
	default:
		return 0, nil, tkey.Ef(tkey.KindCorruption, op, "unknown encoding %T", e)
	}

	if opts.AccountIndex > 0 {
		nonce, err := t.ComputeAccountNonce(opts.AccountIndex)
		if err != nil {
			return 0, nil, err
		}
		share.Add(nonce)
	}
	return enc.TSSIndex, share, nil
}

// combine tries every combination of at least threshold server parts, smallest first,
// and returns the first share matching expected. A threshold <= 0 is the committee's.
func (t *ThresholdKey) combine(ctx context.Context, op string, factorKey curve.Scalar, enc metadata.HierarchicalEncoding, expected curve.Point, threshold int) (curve.Scalar, error) {
	parts, err := rss.DecryptParts(factorKey, enc)
	if err != nil {
		return nil, tkey.E(tkey.KindCrypto, op, err)
	}
	if threshold <= 0 {
		nodes, err := t.ServiceProvider().RSSNodeDetails(ctx)
		if err != nil {
			return nil, tkey.E(tkey.KindInvalidState, op, err)
		}
		if threshold = nodes.Threshold; threshold <= 0 {
			return nil, tkey.Ef(tkey.KindInvalidState, op, "RSS committee has no threshold")
		}
	}
	candidates := combinations(parts.Available(), threshold)
	shares := make([]curve.Scalar, len(candidates))
	match := t.pool.FirstMatch(len(candidates), func(i int) bool {
		share, err := parts.Share(candidates[i])
		if err != nil || !share.ActOnBase().Equal(expected) {
			return false
		}
		shares[i] = share
		return true
	})
	if match < 0 {
		return nil, tkey.Ef(tkey.KindNoMatchingCombination, op, "%d server parts, %d combinations", len(parts.Servers), len(candidates))
	}
	t.logger.Debug("combined hierarchical share", zap.Ints("servers", candidates[match]))
	return shares[match], nil
}

// combinations returns the subsets of items with at least k elements, by increasing size.
func combinations(items []int, k int) [][]int {
	if k < 1 {
		k = 1
	}
	var out [][]int
	var walk func(start int, current []int, size int)
	walk = func(start int, current []int, size int) {
		if len(current) == size {
			out = append(out, append([]int(nil), current...))
			return
		}
		for i := start; i < len(items); i++ {
			walk(i+1, append(current, items[i]), size)
		}
	}
	for size := k; size <= len(items); size++ {
		walk(0, nil, size)
	}
	return out
}

// ComputeAccountNonce returns the offset of account index: zero for index 0, otherwise
// keccak256(decimal index ‖ salt) mod n. Keys without a salt only have account 0.
func (t *ThresholdKey) ComputeAccountNonce(index uint64) (curve.Scalar, error) {
	const op = "ComputeAccountNonce"
	if index == 0 {
		return group.NewScalar(), nil
	}
	salt, err := t.GetTKeyStoreItem(ModuleName, AccountSaltID)
	if tkey.KindOf(err) == tkey.KindShareNotFound {
		return nil, tkey.Ef(tkey.KindInvalidState, op, "key has no account salt")
	}
	if err != nil {
		return nil, err
	}
	digest := hash.Keccak256([]byte(strconv.FormatUint(index, 10)), salt)
	return group.NewScalar().SetNat(new(saferith.Nat).SetBytes(digest)), nil
}

// TSSPubKey returns the public key of account index of tag.
func (t *ThresholdKey) TSSPubKey(tag string, accountIndex uint64) (curve.Point, error) {
	const op = "TSSPubKey"
	meta, err := t.Metadata()
	if err != nil {
		return nil, err
	}
	data, err := tssData(op, meta, tag)
	if err != nil {
		return nil, err
	}
	pub := group.NewPoint().Set(data.PolyCommits[0])
	if accountIndex == 0 {
		return pub, nil
	}
	nonce, err := t.ComputeAccountNonce(accountIndex)
	if err != nil {
		return nil, err
	}
	return pub.Add(nonce.ActOnBase()), nil
}

// FactorIndexes maps the factor pubs of tag to their TSS index.
func (t *ThresholdKey) FactorIndexes(tag string) (map[string]int, error) {
	meta, err := t.Metadata()
	if err != nil {
		return nil, err
	}
	data, err := tssData("FactorIndexes", meta, tag)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(data.FactorEncs))
	for id, enc := range data.FactorEncs {
		out[id] = enc.TSSIndex
	}
	return out, nil
}

func tssData(op string, meta *metadata.Metadata, tag string) (*metadata.TSSData, error) {
	data := meta.TSSData(tag)
	if data == nil || len(data.PolyCommits) != 2 {
		return nil, tkey.Ef(tkey.KindInvalidParameter, op, "no TSS key for tag %q", tag)
	}
	return data, nil
}

// shareCommitment is A0 + A1⋅index.
func shareCommitment(data *metadata.TSSData, index int) curve.Point {
	return data.PolyCommits[0].Add(indexScalar(index).Act(data.PolyCommits[1]))
}

func indexScalar(i int) curve.Scalar {
	return group.NewScalar().SetUInt32(uint32(i))
}

func validateTarget(op string, index int) error {
	if index < 2 {
		return tkey.Ef(tkey.KindInvalidParameter, op, "invalid TSS index %d", index)
	}
	return nil
}
