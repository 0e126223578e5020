// Package tkey is the key engine of a threshold key: a secp256k1 private key Shamir shared
// between a service provider share (index 1), a device share (index 2) and any further
// shares the user creates.
//
// The engine keeps the versioned metadata of the key, reconstructs the private key from
// threshold many shares, and reshares the key to add or remove holders. Every write to the
// storage layer compare-and-swaps the metadata nonce, so that two instances racing on the
// same key cannot both commit.
//
// A ThresholdKey is not safe for concurrent use.
package tkey

import (
	"context"
	"crypto/rand"
	"errors"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var group = curve.Secp256k1{}

// State is the lifecycle state of a ThresholdKey.
type State int

const (
	Uninitialized State = iota
	// Initializing means metadata is known but the private key is not reconstructed.
	Initializing
	Ready
	// Wiped is terminal.
	Wiped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Wiped:
		return "wiped"
	}
	return "unknown"
}

// ThresholdKey is one threshold key, as seen by one holder.
type ThresholdKey struct {
	sp     serviceprovider.ServiceProvider
	layer  storage.Layer
	logger *zap.Logger
	config Config

	state   State
	meta    *metadata.Metadata
	privKey curve.Scalar
	// shares maps a PolynomialID to the held shares of that epoch, by index hex.
	shares map[string]map[string]*metadata.ShareStore
	// pending holds the writes of manual sync mode, oldest first.
	pending []pendingWrite

	pendingModules []Module
	modules        map[string]Module
	moduleOrder    []string
	middlewares    []namedMiddleware
	deviceStorage  DeviceStorage
}

// KeyDetails summarises the public state of the key.
type KeyDetails struct {
	PubKey curve.Point
	// RequiredShares is how many more shares of the latest epoch are needed to reconstruct.
	RequiredShares    int
	Threshold         int
	TotalShares       int
	ShareDescriptions map[string][]string
}

// New returns an uninitialized ThresholdKey.
func New(sp serviceprovider.ServiceProvider, layer storage.Layer, opts ...Option) *ThresholdKey {
	t := &ThresholdKey{
		sp:      sp,
		layer:   layer,
		logger:  zap.NewNop(),
		shares:  map[string]map[string]*metadata.ShareStore{},
		modules: map[string]Module{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.config.EnableLogging {
		t.logger = zap.NewNop()
	}
	for _, m := range t.pendingModules {
		// names are checked again on registration; a clash here is a programming error
		if err := t.RegisterModule(m); err != nil {
			panic(err)
		}
	}
	t.pendingModules = nil
	return t
}

func (t *ThresholdKey) State() State {
	return t.state
}

func (t *ThresholdKey) Config() Config {
	return t.config
}

func (t *ThresholdKey) Logger() *zap.Logger {
	return t.logger
}

func (t *ThresholdKey) ServiceProvider() serviceprovider.ServiceProvider {
	return t.sp
}

func (t *ThresholdKey) StorageLayer() storage.Layer {
	return t.layer
}

// Metadata returns a copy of the current metadata.
func (t *ThresholdKey) Metadata() (*metadata.Metadata, error) {
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, "Metadata", nil)
	}
	return t.meta.Clone(), nil
}

// PrivKey returns the reconstructed private key.
func (t *ThresholdKey) PrivKey() (curve.Scalar, error) {
	if t.privKey == nil {
		return nil, E(KindPrivateKeyUnavailable, "PrivKey", nil)
	}
	return group.NewScalar().Set(t.privKey), nil
}

// InitializeOptions configures Initialize.
type InitializeOptions struct {
	// NeverInitializeNewKey makes Initialize fail with MetadataUndefined instead of creating a key.
	NeverInitializeNewKey bool
	// InputShareStore is used instead of the share stored under the postbox key.
	InputShareStore *metadata.ShareStore
	// NewKey configures the key created when none exists.
	NewKey NewKeyOptions
}

// NewKeyOptions configures InitializeNewKey.
type NewKeyOptions struct {
	// DeterminedShare pins a third share to this value.
	DeterminedShare curve.Scalar
	// ImportedKey is shared instead of a fresh random key.
	ImportedKey curve.Scalar
}

// NewKeyResult is returned by InitializeNewKey.
type NewKeyResult struct {
	KeyDetails  *KeyDetails
	DeviceShare *metadata.ShareStore
	// DeterminedShareIndex is set when NewKeyOptions.DeterminedShare was.
	DeterminedShareIndex curve.Scalar
}

// Initialize loads the key of the user. When no key exists, or the existing one was
// wiped, a new key is created.
//
// Unless a new key was created, the key is left Initializing: more shares must be input
// before ReconstructKey succeeds.
func (t *ThresholdKey) Initialize(ctx context.Context, opts InitializeOptions) (*KeyDetails, error) {
	const op = "Initialize"
	if t.state != Uninitialized {
		return nil, Ef(KindInvalidState, op, "key is %s", t.state)
	}

	shareStore := opts.InputShareStore
	fromPostbox := shareStore == nil
	if fromPostbox {
		key, err := t.sp.PostboxKey()
		if err != nil {
			return nil, E(KindInvalidParameter, op, err)
		}
		plain, err := t.fetch(ctx, op, metadata.KeyOf(key.ActOnBase()), t.sp.Decrypt)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound), errors.Is(err, ErrShareDeleted):
			return t.initializeMissing(ctx, op, opts, err)
		case err != nil:
			return nil, err
		}
		if shareStore, err = metadata.UnmarshalShareStore(plain); err != nil {
			return nil, E(KindCorruption, op, err)
		}
	} else {
		shareStore = shareStore.Clone()
	}

	latest, meta, err := t.CatchupToLatestShare(ctx, shareStore, "")
	if err != nil {
		if fromPostbox && errors.Is(err, ErrShareDeleted) {
			return t.initializeMissing(ctx, op, opts, err)
		}
		return nil, err
	}
	t.meta = meta
	t.state = Initializing
	t.holdShare(latest)
	t.logger.Info("initialized threshold key",
		zap.String("polyID", latest.PolynomialID),
		zap.Uint64("nonce", meta.Nonce))

	if err = t.initializeModules(ctx); err != nil {
		return nil, err
	}
	return t.KeyDetails()
}

func (t *ThresholdKey) initializeMissing(ctx context.Context, op string, opts InitializeOptions, cause error) (*KeyDetails, error) {
	if opts.NeverInitializeNewKey {
		return nil, E(KindMetadataUndefined, op, cause)
	}
	res, err := t.InitializeNewKey(ctx, opts.NewKey)
	if err != nil {
		return nil, err
	}
	return res.KeyDetails, nil
}

// InitializeNewKey creates a key shared 2 out of 2 between the service provider (index 1)
// and the device (index 2), plus a third share pinned to DeterminedShare if given.
func (t *ThresholdKey) InitializeNewKey(ctx context.Context, opts NewKeyOptions) (*NewKeyResult, error) {
	const op = "InitializeNewKey"
	if t.state != Uninitialized && t.state != Wiped {
		return nil, Ef(KindInvalidState, op, "key is %s", t.state)
	}
	postboxKey, err := t.sp.PostboxKey()
	if err != nil {
		return nil, E(KindInvalidParameter, op, err)
	}

	var secret curve.Scalar
	if opts.ImportedKey != nil {
		if opts.ImportedKey.IsZero() {
			return nil, Ef(KindInvalidParameter, op, "imported key is zero")
		}
		secret = group.NewScalar().Set(opts.ImportedKey)
	} else {
		secret = sample.ScalarUnit(rand.Reader, group)
	}

	indexes := []curve.Scalar{indexOf(1), indexOf(2)}
	var (
		predetermined []polynomial.Evaluation
		determinedIdx curve.Scalar
	)
	if opts.DeterminedShare != nil {
		determinedIdx = randomIndex(indexes)
		indexes = append(indexes, determinedIdx)
		predetermined = append(predetermined, polynomial.Evaluation{X: determinedIdx, Y: opts.DeterminedShare})
	}
	poly, err := polynomial.NewRandomPolynomial(group, 1, secret, predetermined...)
	if err != nil {
		return nil, E(KindInvalidParameter, op, err)
	}
	evaluations, err := poly.GenerateShares(indexes)
	if err != nil {
		return nil, E(KindInvalidParameter, op, err)
	}

	pub := metadata.PublicPolynomialOf(poly)
	polyID := pub.PolynomialID()
	stores := shareStoresOf(evaluations, polyID)

	next := metadata.New(secret.ActOnBase())
	if next.Nonce, err = t.layer.Nonce(ctx, metadata.KeyOf(next.PubKey)); err != nil {
		return nil, E(KindStorage, op, err)
	}
	if err = next.AddPolynomial(pub, publicSharesOf(stores)); err != nil {
		return nil, E(KindCorruption, op, err)
	}

	postboxStore := stores[curve.ScalarToHex(indexOf(1))]
	postboxData, err := postboxStore.MarshalCanonical()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	transitions := []transition{{
		key:       metadata.KeyOf(postboxKey.ActOnBase()),
		signer:    postboxKey,
		encryptTo: postboxKey.ActOnBase(),
		data:      postboxData,
	}}
	for _, idx := range sortedKeys(stores) {
		transitions = append(transitions, metadataTransition(stores[idx].Share, next))
	}

	// the previous state of a wiped key is dropped
	t.meta, t.privKey, t.pending = nil, nil, nil
	t.shares = map[string]map[string]*metadata.ShareStore{}
	if err = t.commit(ctx, op, next, transitions); err != nil {
		return nil, err
	}
	t.privKey = secret
	t.state = Ready
	for _, s := range stores {
		t.holdShare(s)
	}
	t.logger.Info("created threshold key", zap.String("polyID", polyID), zap.Int("shares", len(stores)))

	deviceShare := stores[curve.ScalarToHex(indexOf(2))]
	if err = t.StoreDeviceShare(ctx, deviceShare); err != nil {
		return nil, err
	}
	if err = t.initializeModules(ctx); err != nil {
		return nil, err
	}
	details, err := t.KeyDetails()
	if err != nil {
		return nil, err
	}
	return &NewKeyResult{
		KeyDetails:           details,
		DeviceShare:          deviceShare.Clone(),
		DeterminedShareIndex: determinedIdx,
	}, nil
}

// ReconstructKey interpolates the private key from the held shares.
//
// Epochs are walked from the latest back. Shares of older epochs are caught up to the
// latest one; a share that cannot be caught up, because it was deleted or dropped from
// later epochs, is skipped.
func (t *ThresholdKey) ReconstructKey(ctx context.Context) (curve.Scalar, error) {
	const op = "ReconstructKey"
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	latestID, err := t.meta.LatestPolynomialID()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	latest := t.meta.PublicPolynomials[latestID]
	threshold := latest.Threshold()
	required := make(map[string]bool)
	for _, idx := range t.meta.ShareIndexesForPolynomial(latestID) {
		required[idx] = true
	}

	collected := make(map[string]*metadata.ShareStore, threshold)
	for i := len(t.meta.PolyIDList) - 1; i >= 0 && len(collected) < threshold; i-- {
		polyID := t.meta.PolyIDList[i]
		held := t.shares[polyID]
		for _, idx := range sortedKeys(held) {
			if len(collected) == threshold {
				break
			}
			if !required[idx] || collected[idx] != nil {
				continue
			}
			share := held[idx]
			if polyID != latestID {
				caught, _, err := t.CatchupToLatestShare(ctx, share, latestID)
				if err != nil {
					t.logger.Debug("skipping share", zap.String("shareIndex", idx), zap.String("polyID", polyID), zap.Error(err))
					continue
				}
				if caught.PolynomialID != latestID {
					continue
				}
				share = caught
			}
			if !latest.Verify(share.Share) {
				t.logger.Warn("share does not verify against latest polynomial", zap.String("shareIndex", idx))
				continue
			}
			t.holdShare(share)
			collected[idx] = share
		}
	}
	if len(collected) < threshold {
		return nil, Ef(KindNotEnoughShares, op, "have %d of %d shares", len(collected), threshold)
	}

	points := make([]polynomial.Evaluation, 0, threshold)
	for _, idx := range sortedKeys(collected) {
		points = append(points, collected[idx].Share.Evaluation())
	}
	secret, err := polynomial.InterpolateSecret(group, points)
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	if !secret.ActOnBase().Equal(t.meta.PubKey) {
		return nil, Ef(KindCorruption, op, "reconstructed key does not match public key")
	}
	t.privKey = secret
	t.state = Ready
	t.logger.Info("reconstructed threshold key", zap.String("polyID", latestID))
	return group.NewScalar().Set(secret), nil
}

// KeyDetails summarises the public state of the key.
func (t *ThresholdKey) KeyDetails() (*KeyDetails, error) {
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, "KeyDetails", nil)
	}
	latest, err := t.meta.LatestPublicPolynomial()
	if err != nil {
		return nil, E(KindCorruption, "KeyDetails", err)
	}
	latestID := latest.PolynomialID()
	required := latest.Threshold() - len(t.shares[latestID])
	if required < 0 {
		required = 0
	}
	descriptions := make(map[string][]string, len(t.meta.ShareDescriptions))
	for k, v := range t.meta.ShareDescriptions {
		descriptions[k] = append([]string(nil), v...)
	}
	return &KeyDetails{
		PubKey:            group.NewPoint().Set(t.meta.PubKey),
		RequiredShares:    required,
		Threshold:         latest.Threshold(),
		TotalShares:       len(t.meta.ShareIndexesForPolynomial(latestID)),
		ShareDescriptions: descriptions,
	}, nil
}

// holdShare adds a share to the held collection, overwriting any share of the same index and epoch.
func (t *ThresholdKey) holdShare(s *metadata.ShareStore) {
	if t.shares[s.PolynomialID] == nil {
		t.shares[s.PolynomialID] = map[string]*metadata.ShareStore{}
	}
	t.shares[s.PolynomialID][s.Share.IndexHex()] = s.Clone()
}

func indexOf(i uint32) curve.Scalar {
	return group.NewScalar().SetUInt32(i)
}

// randomIndex returns a random non-zero index not in used.
func randomIndex(used []curve.Scalar) curve.Scalar {
	for {
		idx := sample.ScalarUnit(rand.Reader, group)
		clash := false
		for _, u := range used {
			if u.Equal(idx) {
				clash = true
				break
			}
		}
		if !clash {
			return idx
		}
	}
}

func shareStoresOf(evaluations map[string]polynomial.Evaluation, polyID string) map[string]*metadata.ShareStore {
	stores := make(map[string]*metadata.ShareStore, len(evaluations))
	for idx, e := range evaluations {
		stores[idx] = &metadata.ShareStore{Share: metadata.ShareFromEvaluation(e), PolynomialID: polyID}
	}
	return stores
}

func publicSharesOf(stores map[string]*metadata.ShareStore) []metadata.PublicShare {
	out := make([]metadata.PublicShare, 0, len(stores))
	for _, idx := range sortedKeys(stores) {
		out = append(out, stores[idx].Share.PublicShare())
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
