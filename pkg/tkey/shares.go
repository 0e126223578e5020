package tkey

import (
	"context"
	"errors"

	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"go.uber.org/zap"
)

// CatchupToLatestShare follows the reshare relay starting at shareStore: the metadata
// stored under a share may hold that share's value in a newer epoch, whose metadata may
// in turn relay further. It returns the newest share reached and the metadata stored
// under it. When polyID is set, it stops as soon as a share of that epoch is reached.
func (t *ThresholdKey) CatchupToLatestShare(ctx context.Context, shareStore *metadata.ShareStore, polyID string) (*metadata.ShareStore, *metadata.Metadata, error) {
	const op = "CatchupToLatestShare"
	current := shareStore.Clone()
	visited := map[string]bool{}
	for {
		key := metadata.KeyOf(current.Share.PublicKey())
		if visited[key] {
			return nil, nil, Ef(KindCorruption, op, "relay cycle at share %s", current.Share.IndexHex())
		}
		visited[key] = true

		meta, err := t.fetchMetadata(ctx, op, current.Share)
		if err != nil {
			return nil, nil, err
		}
		if polyID != "" && current.PolynomialID == polyID {
			return current, meta, nil
		}
		next, err := meta.EncryptedShare(current)
		if errors.Is(err, metadata.ErrNoEncryptedShare) {
			return current, meta, nil
		}
		if err != nil {
			return nil, nil, E(KindCrypto, op, err)
		}
		pub, ok := meta.PublicPolynomials[next.PolynomialID]
		if !ok || !pub.Verify(next.Share) || !next.Share.ShareIndex.Equal(current.Share.ShareIndex) {
			return nil, nil, Ef(KindCorruption, op, "relayed share %s does not verify", next.Share.IndexHex())
		}
		current = next
	}
}

// InputShareStore adds a share to the held shares. A share of a known epoch must match
// its public share.
func (t *ThresholdKey) InputShareStore(shareStore *metadata.ShareStore) error {
	const op = "InputShareStore"
	if t.meta != nil {
		if err := verifyShareStore(t.meta, shareStore); err != nil {
			return E(KindWrongCommitment, op, err)
		}
	}
	t.holdShare(shareStore)
	return nil
}

// InputShareStoreSafe catches the share up before holding it. If the share leads to
// metadata of a newer epoch, that metadata is adopted when autoUpdate is set; otherwise
// InvalidState is returned.
func (t *ThresholdKey) InputShareStoreSafe(ctx context.Context, shareStore *metadata.ShareStore, autoUpdate bool) error {
	const op = "InputShareStoreSafe"
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	latest, meta, err := t.CatchupToLatestShare(ctx, shareStore, "")
	if err != nil {
		return err
	}
	if !meta.PubKey.Equal(t.meta.PubKey) {
		return Ef(KindInvalidParameter, op, "share belongs to another key")
	}
	if len(meta.PolyIDList) > len(t.meta.PolyIDList) {
		if !autoUpdate {
			return Ef(KindInvalidState, op, "share leads to newer metadata")
		}
		if len(t.pending) > 0 {
			return Ef(KindInvalidState, op, "cannot adopt newer metadata with %d unsynced writes", len(t.pending))
		}
		t.logger.Info("adopting newer metadata", zap.Uint64("nonce", meta.Nonce), zap.Int("epochs", len(meta.PolyIDList)))
		t.meta = meta
	}
	if err = verifyShareStore(t.meta, latest); err != nil {
		return E(KindWrongCommitment, op, err)
	}
	t.holdShare(latest)
	return nil
}

func verifyShareStore(meta *metadata.Metadata, s *metadata.ShareStore) error {
	pub, ok := meta.PublicPolynomials[s.PolynomialID]
	if !ok {
		return nil
	}
	if !pub.Verify(s.Share) {
		return errors.New("share does not lie on its polynomial")
	}
	if _, ok := meta.PublicShare(s.PolynomialID, s.Share.IndexHex()); !ok {
		return errors.New("share index not issued in its epoch")
	}
	return nil
}

// OutputShareStore returns the share at index of the epoch polyID, the latest one if
// empty. A share that is not held is evaluated from the reconstructed polynomial.
func (t *ThresholdKey) OutputShareStore(index curve.Scalar, polyID string) (*metadata.ShareStore, error) {
	const op = "OutputShareStore"
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	if polyID == "" {
		var err error
		if polyID, err = t.meta.LatestPolynomialID(); err != nil {
			return nil, E(KindCorruption, op, err)
		}
	}
	idx := curve.ScalarToHex(index)
	if _, ok := t.meta.PublicShare(polyID, idx); !ok {
		return nil, Ef(KindShareNotFound, op, "no share %s in epoch %s", idx, polyID)
	}
	if s, ok := t.shares[polyID][idx]; ok {
		return s.Clone(), nil
	}
	poly, err := t.reconstructPolynomial(op, polyID)
	if err != nil {
		return nil, err
	}
	return &metadata.ShareStore{
		Share:        metadata.NewShare(index, poly.Evaluate(index)),
		PolynomialID: polyID,
	}, nil
}

// reconstructPolynomial interpolates the polynomial of an epoch from held shares.
func (t *ThresholdKey) reconstructPolynomial(op, polyID string) (*polynomial.Polynomial, error) {
	pub, ok := t.meta.PublicPolynomials[polyID]
	if !ok {
		return nil, Ef(KindShareNotFound, op, "unknown epoch %s", polyID)
	}
	held := t.shares[polyID]
	threshold := pub.Threshold()
	if len(held) < threshold {
		return nil, Ef(KindNotEnoughShares, op, "have %d of %d shares of epoch", len(held), threshold)
	}
	points := make([]polynomial.Evaluation, 0, threshold)
	for _, idx := range sortedKeys(held)[:threshold] {
		points = append(points, held[idx].Share.Evaluation())
	}
	poly, err := polynomial.InterpolatePolynomial(group, points)
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	if metadata.PublicPolynomialOf(poly).PolynomialID() != polyID {
		return nil, Ef(KindCorruption, op, "held shares do not interpolate epoch %s", polyID)
	}
	return poly, nil
}

// latestShareStores returns every share of the latest epoch.
func (t *ThresholdKey) latestShareStores(op string) (map[string]*metadata.ShareStore, error) {
	latestID, err := t.meta.LatestPolynomialID()
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	return t.shareStoresOfEpoch(op, latestID)
}

func (t *ThresholdKey) shareStoresOfEpoch(op, polyID string) (map[string]*metadata.ShareStore, error) {
	indexes := t.meta.ShareIndexesForPolynomial(polyID)
	held := t.shares[polyID]
	stores := make(map[string]*metadata.ShareStore, len(indexes))
	var poly *polynomial.Polynomial
	for _, idx := range indexes {
		if s, ok := held[idx]; ok {
			stores[idx] = s.Clone()
			continue
		}
		if poly == nil {
			var err error
			if poly, err = t.reconstructPolynomial(op, polyID); err != nil {
				return nil, err
			}
		}
		index, err := curve.ScalarFromHex(group, idx)
		if err != nil {
			return nil, E(KindCorruption, op, err)
		}
		stores[idx] = &metadata.ShareStore{
			Share:        metadata.NewShare(index, poly.Evaluate(index)),
			PolynomialID: polyID,
		}
	}
	return stores, nil
}

// AddShareDescription attaches a JSON description to the share at indexHex. Unless sync
// is set the change is only stored with the next write.
func (t *ThresholdKey) AddShareDescription(ctx context.Context, indexHex, description string, sync bool) error {
	const op = "AddShareDescription"
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	if !json.Valid([]byte(description)) {
		return Ef(KindInvalidParameter, op, "description is not JSON")
	}
	if !sync {
		t.meta.AddShareDescription(indexHex, description)
		return nil
	}
	return t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		m.AddShareDescription(indexHex, description)
		return nil
	})
}

// DeleteShareDescription removes a description from the share at indexHex.
func (t *ThresholdKey) DeleteShareDescription(ctx context.Context, indexHex, description string, sync bool) error {
	const op = "DeleteShareDescription"
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	if !sync {
		if !t.meta.DeleteShareDescription(indexHex, description) {
			return Ef(KindShareNotFound, op, "no such description for share %s", indexHex)
		}
		return nil
	}
	return t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		if !m.DeleteShareDescription(indexHex, description) {
			return Ef(KindShareNotFound, op, "no such description for share %s", indexHex)
		}
		return nil
	})
}
