package tss

import (
	"context"
	"crypto/rand"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/rss"
	"github.com/tkey/tkey-sub000/pkg/serviceprovider"
	"github.com/tkey/tkey-sub000/pkg/tkey"
	"go.uber.org/zap"
)

// ServerOptions selects the RSS nodes of a refresh.
type ServerOptions struct {
	// SelectedServers are 1 based node indexes. Every node is selected when empty.
	SelectedServers []int
	// AuthSignature is the verifier's signature over rss.AuthMessage, for nodes that
	// authenticate refreshes.
	AuthSignature []byte
}

type refreshInput struct {
	tag string
	// share is the client share at index; index is 0 for an import, with key set.
	share curve.Scalar
	index int
	key   curve.Scalar

	factorPubs    []curve.Point
	targetIndexes []int
	server        ServerOptions
}

// RefreshTSSShares reshares the key of tag to factorPubs at targetIndexes, using the
// share held by factorKey. The secret is unchanged; the nonce of the tag increases.
func (t *ThresholdKey) RefreshTSSShares(ctx context.Context, tag string, factorKey curve.Scalar, factorPubs []curve.Point, targetIndexes []int, server ServerOptions) error {
	const op = "RefreshTSSShares"
	if err := t.requireKey(op); err != nil {
		return err
	}
	index, share, err := t.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	if err != nil {
		return err
	}
	return t.refresh(ctx, op, refreshInput{
		tag:           tag,
		share:         share,
		index:         index,
		factorPubs:    factorPubs,
		targetIndexes: targetIndexes,
		server:        server,
	})
}

// AddFactorPub gives newFactorPub a share at newIndex, keeping every existing factor.
func (t *ThresholdKey) AddFactorPub(ctx context.Context, tag string, factorKey curve.Scalar, newFactorPub curve.Point, newIndex int, server ServerOptions) error {
	const op = "AddFactorPub"
	if err := t.requireKey(op); err != nil {
		return err
	}
	pubs, indexes, err := t.factors(op, tag)
	if err != nil {
		return err
	}
	if newFactorPub == nil || newFactorPub.IsIdentity() {
		return tkey.Ef(tkey.KindInvalidParameter, op, "missing factor pub")
	}
	for _, pub := range pubs {
		if pub.Equal(newFactorPub) {
			return tkey.Ef(tkey.KindInvalidParameter, op, "factor pub already registered")
		}
	}
	return t.RefreshTSSShares(ctx, tag, factorKey, append(pubs, newFactorPub), append(indexes, newIndex), server)
}

// DeleteFactorPub reshares the key of tag to every factor but deletePub. The last
// factor cannot be deleted.
func (t *ThresholdKey) DeleteFactorPub(ctx context.Context, tag string, factorKey curve.Scalar, deletePub curve.Point, server ServerOptions) error {
	const op = "DeleteFactorPub"
	if err := t.requireKey(op); err != nil {
		return err
	}
	pubs, indexes, err := t.factors(op, tag)
	if err != nil {
		return err
	}
	keptPubs := make([]curve.Point, 0, len(pubs))
	keptIndexes := make([]int, 0, len(pubs))
	for i, pub := range pubs {
		if !pub.Equal(deletePub) {
			keptPubs = append(keptPubs, pub)
			keptIndexes = append(keptIndexes, indexes[i])
		}
	}
	switch {
	case len(keptPubs) == len(pubs):
		return tkey.Ef(tkey.KindInvalidParameter, op, "factor pub not registered")
	case len(keptPubs) == 0:
		return tkey.Ef(tkey.KindInvalidParameter, op, "cannot delete the last factor")
	}
	return t.RefreshTSSShares(ctx, tag, factorKey, keptPubs, keptIndexes, server)
}

// CopyFactorPub encrypts the share held by factorKey to newFactorPub, at the same index.
// The nodes are not involved and the nonce is unchanged.
func (t *ThresholdKey) CopyFactorPub(ctx context.Context, tag string, factorKey curve.Scalar, newFactorPub curve.Point) error {
	const op = "CopyFactorPub"
	if err := t.requireKey(op); err != nil {
		return err
	}
	pubs, _, err := t.factors(op, tag)
	if err != nil {
		return err
	}
	if newFactorPub == nil || newFactorPub.IsIdentity() {
		return tkey.Ef(tkey.KindInvalidParameter, op, "missing factor pub")
	}
	for _, pub := range pubs {
		if pub.Equal(newFactorPub) {
			return tkey.Ef(tkey.KindInvalidParameter, op, "factor pub already registered")
		}
	}
	index, share, err := t.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	if err != nil {
		return err
	}
	enc, err := ecies.Encrypt(newFactorPub, rss.EncodeScalar(share))
	if err != nil {
		return tkey.E(tkey.KindCrypto, op, err)
	}
	return t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		data := m.TSSData(tag)
		encs := make(map[string]*metadata.FactorEnc, len(data.FactorEncs)+1)
		for id, e := range data.FactorEncs {
			encs[id] = e
		}
		encs[metadata.FactorPubID(newFactorPub)] = &metadata.FactorEnc{
			TSSIndex: index,
			Encoding: metadata.DirectEncoding{UserEnc: enc},
		}
		err := m.AddTSSData(tag, metadata.TSSUpdate{
			FactorPubs: append(data.FactorPubs, newFactorPub),
			FactorEncs: encs,
		})
		if err != nil {
			return tkey.E(tkey.KindCorruption, op, err)
		}
		return nil
	})
}

// ImportTSSKey shares key under tag, to factorPubs at targetIndexes. The tag must not
// have a key yet.
func (t *ThresholdKey) ImportTSSKey(ctx context.Context, tag string, key curve.Scalar, factorPubs []curve.Point, targetIndexes []int, server ServerOptions) error {
	const op = "ImportTSSKey"
	if err := t.requireKey(op); err != nil {
		return err
	}
	meta, err := t.Metadata()
	if err != nil {
		return err
	}
	if data := meta.TSSData(tag); data != nil && len(data.FactorPubs) > 0 {
		return tkey.Ef(tkey.KindDuplicateTag, op, "tag %q already has a TSS key", tag)
	}
	if key == nil || key.IsZero() {
		return tkey.Ef(tkey.KindInvalidParameter, op, "imported key is zero")
	}
	return t.refresh(ctx, op, refreshInput{
		tag:           tag,
		key:           key,
		factorPubs:    factorPubs,
		targetIndexes: targetIndexes,
		server:        server,
	})
}

// UNSAFEExportTSSKey reconstructs the secret of tag in the clear. It adds a temporary
// factor, combines its share with the one of factorKey, and removes the temporary
// factor again, which costs two refreshes.
func (t *ThresholdKey) UNSAFEExportTSSKey(ctx context.Context, tag string, factorKey curve.Scalar, server ServerOptions) (curve.Scalar, error) {
	const op = "UNSAFEExportTSSKey"
	if err := t.requireKey(op); err != nil {
		return nil, err
	}
	index, _, err := t.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	if err != nil {
		return nil, err
	}
	tempIndex := 2
	if index == 2 {
		tempIndex = 3
	}
	tempKey, tempPub := sample.ScalarPointPair(rand.Reader, group)
	if err = t.AddFactorPub(ctx, tag, factorKey, tempPub, tempIndex, server); err != nil {
		return nil, err
	}

	index, share, err := t.GetTSSShare(ctx, tag, factorKey, GetShareOptions{})
	if err != nil {
		return nil, err
	}
	_, tempShare, err := t.GetTSSShare(ctx, tag, tempKey, GetShareOptions{})
	if err != nil {
		return nil, err
	}
	secret, err := polynomial.InterpolateSecret(group, []polynomial.Evaluation{
		{X: indexScalar(index), Y: share},
		{X: indexScalar(tempIndex), Y: tempShare},
	})
	if err != nil {
		return nil, tkey.E(tkey.KindCorruption, op, err)
	}
	if err = t.DeleteFactorPub(ctx, tag, factorKey, tempPub, server); err != nil {
		return nil, err
	}
	t.logger.Warn("exported TSS key", zap.String("tag", tag))
	return secret, nil
}

// refresh runs the RSS protocol and stores the new commitments and encryptions.
func (t *ThresholdKey) refresh(ctx context.Context, op string, in refreshInput) error {
	if err := t.requireKey(op); err != nil {
		return err
	}
	if len(in.factorPubs) == 0 || len(in.factorPubs) != len(in.targetIndexes) {
		return tkey.Ef(tkey.KindInvalidParameter, op, "%d factor pubs for %d indexes", len(in.factorPubs), len(in.targetIndexes))
	}
	seen := map[string]bool{}
	for i, pub := range in.factorPubs {
		if err := validateTarget(op, in.targetIndexes[i]); err != nil {
			return err
		}
		if pub == nil || pub.IsIdentity() {
			return tkey.Ef(tkey.KindInvalidParameter, op, "missing factor pub")
		}
		id := metadata.FactorPubID(pub)
		if seen[id] {
			return tkey.Ef(tkey.KindInvalidParameter, op, "duplicate factor pub %s", id)
		}
		seen[id] = true
	}
	if t.transport == nil {
		return tkey.Ef(tkey.KindInvalidState, op, "no RSS transport")
	}
	meta, err := t.Metadata()
	if err != nil {
		return err
	}

	sp := t.ServiceProvider()
	verifier, verifierID := sp.VerifierNameVerifierID()
	data := meta.TSSData(in.tag)
	var (
		newNonce uint64
		oldLabel string
		a0       curve.Point
	)
	switch {
	case in.index != 0:
		if data == nil || len(data.PolyCommits) != 2 {
			return tkey.Ef(tkey.KindInvalidParameter, op, "no TSS key for tag %q", in.tag)
		}
		oldLabel = serviceprovider.Label(verifier, verifierID, in.tag, data.Nonce)
		newNonce = data.Nonce + 1
		a0 = data.PolyCommits[0]
	case data != nil:
		newNonce = data.Nonce + 1
		a0 = in.key.ActOnBase()
	default:
		a0 = in.key.ActOnBase()
	}

	nodes, err := sp.RSSNodeDetails(ctx)
	if err != nil {
		return tkey.E(tkey.KindInvalidState, op, err)
	}
	newPub, err := sp.TSSPubKey(ctx, in.tag, newNonce)
	if err != nil {
		return tkey.E(tkey.KindStorage, op, err)
	}
	selected := in.server.SelectedServers
	if len(selected) == 0 {
		for i := range nodes.PubKeys {
			selected = append(selected, i+1)
		}
	}

	client := rss.NewClient(t.transport, nodes, rss.WithClientLogger(t.logger))
	encs, err := client.Refresh(ctx, rss.RefreshParams{
		OldLabel:        oldLabel,
		NewLabel:        serviceprovider.Label(verifier, verifierID, in.tag, newNonce),
		InputIndex:      in.index,
		InputShare:      in.share,
		ImportKey:       in.key,
		TargetIndexes:   in.targetIndexes,
		FactorPubs:      in.factorPubs,
		SelectedServers: selected,
		AuthSignature:   in.server.AuthSignature,
	})
	if err != nil {
		return tkey.E(tkey.KindStorage, op, err)
	}

	factorEncs := make(map[string]*metadata.FactorEnc, len(encs))
	for i, enc := range encs {
		factorEncs[metadata.FactorPubID(in.factorPubs[i])] = enc
	}
	salt, err := t.newAccountSalt(meta)
	if err != nil {
		return err
	}
	err = t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		err := m.AddTSSData(in.tag, metadata.TSSUpdate{
			Nonce:       &newNonce,
			PolyCommits: []curve.Point{a0, newPub.Sub(a0)},
			FactorPubs:  in.factorPubs,
			FactorEncs:  factorEncs,
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
		return err
	}
	t.logger.Info("refreshed TSS shares",
		zap.String("op", op),
		zap.String("tag", in.tag),
		zap.Uint64("nonce", newNonce),
		zap.Ints("indexes", in.targetIndexes))
	return nil
}

// factors returns the factor pubs of tag and their indexes, aligned.
func (t *ThresholdKey) factors(op, tag string) ([]curve.Point, []int, error) {
	meta, err := t.Metadata()
	if err != nil {
		return nil, nil, err
	}
	data, err := tssData(op, meta, tag)
	if err != nil {
		return nil, nil, err
	}
	indexes := make([]int, len(data.FactorPubs))
	for i, pub := range data.FactorPubs {
		enc, ok := data.FactorEncs[metadata.FactorPubID(pub)]
		if !ok {
			return nil, nil, tkey.Ef(tkey.KindCorruption, op, "factor pub without encryption")
		}
		indexes[i] = enc.TSSIndex
	}
	return data.FactorPubs, indexes, nil
}
