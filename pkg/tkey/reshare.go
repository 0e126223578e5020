package tkey

import (
	"context"
	"time"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

// RefreshResult holds every share of the new epoch, by index hex.
type RefreshResult struct {
	PolynomialID string
	ShareStores  map[string]*metadata.ShareStore
}

// GenerateShareResult is returned by GenerateNewShare.
type GenerateShareResult struct {
	NewShareIndex curve.Scalar
	RefreshResult
}

// RefreshShares reshares the private key at newIndexes with a fresh polynomial of the
// given threshold.
//
// Holders of an index present in both the epoch prevPolyID and the new one receive their
// new share through the relay stored under their old share. Old shares whose index was
// dropped are marked SHARE_DELETED. The service provider share, index 1, cannot be dropped.
func (t *ThresholdKey) RefreshShares(ctx context.Context, threshold int, newIndexes []curve.Scalar, prevPolyID string) (*RefreshResult, error) {
	return t.refresh(ctx, "RefreshShares", threshold, newIndexes, prevPolyID, nil)
}

func (t *ThresholdKey) refresh(ctx context.Context, op string, threshold int, newIndexes []curve.Scalar, prevPolyID string, mutate func(*metadata.Metadata)) (*RefreshResult, error) {
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	if t.privKey == nil {
		return nil, E(KindPrivateKeyUnavailable, op, nil)
	}
	if threshold < 1 || threshold > len(newIndexes) {
		return nil, Ef(KindInvalidParameter, op, "threshold %d for %d shares", threshold, len(newIndexes))
	}
	keepsProvider := false
	for _, idx := range newIndexes {
		if idx.Equal(indexOf(1)) {
			keepsProvider = true
		}
	}
	if !keepsProvider {
		return nil, Ef(KindInvalidParameter, op, "share 1 must be kept")
	}
	if prevPolyID == "" {
		var err error
		if prevPolyID, err = t.meta.LatestPolynomialID(); err != nil {
			return nil, E(KindCorruption, op, err)
		}
	}

	issued, err := t.issuedIndexes(op)
	if err != nil {
		return nil, err
	}
	kept := map[string]bool{}
	for _, idx := range t.meta.ShareIndexesForPolynomial(prevPolyID) {
		kept[idx] = true
	}
	for _, idx := range newIndexes {
		h := curve.ScalarToHex(idx)
		if _, ok := issued[h]; ok && !kept[h] {
			return nil, Ef(KindInvalidParameter, op, "share %s was deleted in an earlier epoch", h)
		}
	}

	oldStores, err := t.shareStoresOfEpoch(op, prevPolyID)
	if err != nil {
		return nil, err
	}
	poly, err := polynomial.NewRandomPolynomial(group, threshold-1, t.privKey)
	if err != nil {
		return nil, E(KindInvalidParameter, op, err)
	}
	evaluations, err := poly.GenerateShares(newIndexes)
	if err != nil {
		return nil, E(KindInvalidParameter, op, err)
	}
	pub := metadata.PublicPolynomialOf(poly)
	polyID := pub.PolynomialID()
	newStores := shareStoresOf(evaluations, polyID)

	next := t.meta.Clone()
	next.SetScopedStore(nil)
	if err = next.AddPolynomial(pub, publicSharesOf(newStores)); err != nil {
		return nil, E(KindCorruption, op, err)
	}
	if mutate != nil {
		mutate(next)
	}
	if err = t.runMiddlewares(op, next, oldStores, newStores); err != nil {
		return nil, err
	}

	relay := make(map[string]*ecies.EncryptedMessage)
	for idx, old := range oldStores {
		fresh, ok := newStores[idx]
		if !ok {
			continue
		}
		data, err := fresh.MarshalCanonical()
		if err != nil {
			return nil, E(KindCorruption, op, err)
		}
		if relay[metadata.KeyOf(old.Share.PublicKey())], err = ecies.Encrypt(old.Share.PublicKey(), data); err != nil {
			return nil, E(KindCrypto, op, err)
		}
	}
	relayed := next.Clone()
	relayed.SetScopedStore(relay)

	transitions := make([]transition, 0, len(oldStores)+len(newStores))
	for _, idx := range sortedKeys(oldStores) {
		if _, ok := newStores[idx]; ok {
			transitions = append(transitions, metadataTransition(oldStores[idx].Share, relayed))
		} else {
			transitions = append(transitions, deletedTransition(oldStores[idx].Share))
		}
	}
	for _, idx := range sortedKeys(newStores) {
		transitions = append(transitions, metadataTransition(newStores[idx].Share, next))
	}
	if err = t.commit(ctx, op, next, transitions); err != nil {
		return nil, err
	}
	for _, s := range newStores {
		t.holdShare(s)
	}
	t.logger.Info("reshared threshold key",
		zap.String("op", op),
		zap.String("polyID", polyID),
		zap.Int("threshold", threshold),
		zap.Int("shares", len(newStores)))

	out := make(map[string]*metadata.ShareStore, len(newStores))
	for idx, s := range newStores {
		out[idx] = s.Clone()
	}
	return &RefreshResult{PolynomialID: polyID, ShareStores: out}, nil
}

// GenerateNewShare reshares the key to the current indexes plus a fresh random one.
func (t *ThresholdKey) GenerateNewShare(ctx context.Context) (*GenerateShareResult, error) {
	const op = "GenerateNewShare"
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	latest, err := t.meta.LatestPublicPolynomial()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	indexes, err := t.latestIndexes(op)
	if err != nil {
		return nil, err
	}
	issued, err := t.issuedIndexes(op)
	if err != nil {
		return nil, err
	}
	used := make([]curve.Scalar, 0, len(issued))
	for _, h := range sortedKeys(issued) {
		used = append(used, issued[h])
	}
	newIndex := randomIndex(used)
	res, err := t.refresh(ctx, op, latest.Threshold(), append(indexes, newIndex), latest.PolynomialID(), nil)
	if err != nil {
		return nil, err
	}
	return &GenerateShareResult{NewShareIndex: newIndex, RefreshResult: *res}, nil
}

// DeleteShare reshares the key without the share at index. The service provider share
// cannot be deleted, nor can a share whose removal leaves fewer than threshold shares.
func (t *ThresholdKey) DeleteShare(ctx context.Context, index curve.Scalar) (*RefreshResult, error) {
	const op = "DeleteShare"
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	if index.Equal(indexOf(1)) {
		return nil, Ef(KindInvalidParameter, op, "the service provider share cannot be deleted")
	}
	latest, err := t.meta.LatestPublicPolynomial()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	indexHex := curve.ScalarToHex(index)
	if _, ok := t.meta.PublicShare(latest.PolynomialID(), indexHex); !ok {
		return nil, Ef(KindShareNotFound, op, "no share %s in latest epoch", indexHex)
	}
	indexes, err := t.latestIndexes(op)
	if err != nil {
		return nil, err
	}
	remaining := make([]curve.Scalar, 0, len(indexes)-1)
	for _, idx := range indexes {
		if !idx.Equal(index) {
			remaining = append(remaining, idx)
		}
	}
	if len(remaining) < latest.Threshold() {
		return nil, Ef(KindInvalidParameter, op, "%d shares would remain for threshold %d", len(remaining), latest.Threshold())
	}
	return t.refresh(ctx, op, latest.Threshold(), remaining, latest.PolynomialID(), func(m *metadata.Metadata) {
		delete(m.ShareDescriptions, indexHex)
	})
}

// CriticalDeleteTKey marks every share of the latest epoch and the service provider
// share as deleted. The key is Wiped afterwards: it cannot be reconstructed again, and
// a new key is created on the next Initialize. Queued transitions are pushed in the same
// write.
func (t *ThresholdKey) CriticalDeleteTKey(ctx context.Context) error {
	const op = "CriticalDeleteTKey"
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	if t.privKey == nil {
		return E(KindPrivateKeyUnavailable, op, nil)
	}
	stores, err := t.latestShareStores(op)
	if err != nil {
		return err
	}
	transitions := make([]transition, 0, len(stores)+1)
	for _, idx := range sortedKeys(stores) {
		transitions = append(transitions, deletedTransition(stores[idx].Share))
	}
	if postboxKey, err := t.sp.PostboxKey(); err == nil {
		transitions = append(transitions, transition{
			key:     metadata.KeyOf(postboxKey.ActOnBase()),
			signer:  postboxKey,
			deleted: true,
		})
	}

	writes := append([]pendingWrite(nil), t.pending...)
	for _, tr := range transitions {
		w, err := storage.NewWrite(tr.signer, storage.ShareDeletedMarker(time.Now()))
		if err != nil {
			return E(KindCrypto, op, err)
		}
		writes = append(writes, pendingWrite{key: tr.key, write: w})
	}
	if err = t.push(ctx, op, t.meta, writes); err != nil {
		return err
	}
	t.logger.Warn("threshold key deleted", zap.Int("shares", len(stores)))
	t.meta, t.privKey, t.pending = nil, nil, nil
	t.shares = map[string]map[string]*metadata.ShareStore{}
	t.state = Wiped
	return nil
}

func (t *ThresholdKey) latestIndexes(op string) ([]curve.Scalar, error) {
	latestID, err := t.meta.LatestPolynomialID()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	hexes := t.meta.ShareIndexesForPolynomial(latestID)
	out := make([]curve.Scalar, len(hexes))
	for i, h := range hexes {
		if out[i], err = curve.ScalarFromHex(group, h); err != nil {
			return nil, E(KindCorruption, op, err)
		}
	}
	return out, nil
}

// issuedIndexes returns every share index of every epoch, by index hex.
func (t *ThresholdKey) issuedIndexes(op string) (map[string]curve.Scalar, error) {
	out := map[string]curve.Scalar{}
	for _, polyID := range t.meta.PolyIDList {
		for _, h := range t.meta.ShareIndexesForPolynomial(polyID) {
			if _, ok := out[h]; ok {
				continue
			}
			idx, err := curve.ScalarFromHex(group, h)
			if err != nil {
				return nil, E(KindCorruption, op, err)
			}
			out[h] = idx
		}
	}
	return out, nil
}
