package tkey

import (
	"context"
	"errors"
	"time"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

// transition is one value to store. Exactly one of meta, data and deleted is set.
// Metadata is encoded when sealed, with the nonce it will have once committed.
type transition struct {
	key    string
	signer curve.Scalar
	// encryptTo is nil for values stored in the clear.
	encryptTo curve.Point
	meta      *metadata.Metadata
	data      []byte
	deleted   bool
}

// pendingWrite is a sealed transition. plain is kept so that reads of manual sync mode
// see their own writes.
type pendingWrite struct {
	key   string
	write storage.Write
	plain []byte
}

func metadataTransition(share metadata.Share, meta *metadata.Metadata) transition {
	return transition{
		key:       metadata.KeyOf(share.PublicKey()),
		signer:    share.Share,
		encryptTo: share.PublicKey(),
		meta:      meta,
	}
}

func deletedTransition(share metadata.Share) transition {
	return transition{
		key:     metadata.KeyOf(share.PublicKey()),
		signer:  share.Share,
		deleted: true,
	}
}

func (t *ThresholdKey) seal(tr transition, nonce uint64) (pendingWrite, error) {
	var (
		plain []byte
		err   error
	)
	switch {
	case tr.meta != nil:
		snapshot := tr.meta.Clone()
		snapshot.Nonce = nonce
		plain, err = snapshot.MarshalCanonical()
	case tr.deleted:
		plain = storage.ShareDeletedMarker(time.Now())
	default:
		plain = tr.data
	}
	if err != nil {
		return pendingWrite{}, err
	}

	data := plain
	if tr.encryptTo != nil {
		enc, err := t.sp.Encrypt(tr.encryptTo, plain)
		if err != nil {
			return pendingWrite{}, err
		}
		if data, err = json.Marshal(enc); err != nil {
			return pendingWrite{}, err
		}
	}
	w, err := storage.NewWrite(tr.signer, data)
	if err != nil {
		return pendingWrite{}, err
	}
	return pendingWrite{key: tr.key, write: w, plain: plain}, nil
}

// commit makes next the current metadata once transitions are stored. next must carry
// the last synced nonce. In manual sync mode the transitions are only queued.
func (t *ThresholdKey) commit(ctx context.Context, op string, next *metadata.Metadata, transitions []transition) error {
	nonce := next.Nonce + 1
	sealed := make([]pendingWrite, 0, len(transitions))
	for _, tr := range transitions {
		pw, err := t.seal(tr, nonce)
		if err != nil {
			return E(KindCrypto, op, err)
		}
		sealed = append(sealed, pw)
	}

	if t.config.ManualSync {
		t.pending = append(t.pending, sealed...)
		t.meta = next
		t.logger.Debug("queued local transitions", zap.String("op", op), zap.Int("writes", len(sealed)))
		return nil
	}
	if err := t.push(ctx, op, next, sealed); err != nil {
		return err
	}
	next.Nonce = nonce
	t.meta = next
	return nil
}

func (t *ThresholdKey) push(ctx context.Context, op string, meta *metadata.Metadata, sealed []pendingWrite) error {
	writes := make([]storage.Write, len(sealed))
	for i, pw := range sealed {
		writes[i] = pw.write
	}
	lock := storage.Lock{Key: metadata.KeyOf(meta.PubKey), Expected: meta.Nonce}
	err := t.layer.SetMetadataBulk(ctx, lock, writes)
	switch {
	case errors.Is(err, storage.ErrNonceMismatch):
		t.logger.Warn("metadata write lost the nonce race", zap.String("op", op), zap.Uint64("nonce", meta.Nonce))
		return E(KindLockAcquisitionFailed, op, err)
	case err != nil:
		return E(KindStorage, op, err)
	}
	t.logger.Debug("stored metadata", zap.String("op", op), zap.Int("writes", len(writes)), zap.Uint64("nonce", meta.Nonce+1))
	return nil
}

// SyncLocalMetadataTransitions pushes the writes queued in manual sync mode as one
// compare-and-swap. On LockAcquisitionFailed the queue is kept; the caller should
// ReloadMetadata and redo its operations.
func (t *ThresholdKey) SyncLocalMetadataTransitions(ctx context.Context) error {
	const op = "SyncLocalMetadataTransitions"
	if len(t.pending) == 0 {
		return nil
	}
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	if err := t.push(ctx, op, t.meta, t.pending); err != nil {
		return err
	}
	t.meta.Nonce++
	t.pending = nil
	return nil
}

// PendingTransitions returns the number of writes waiting for SyncLocalMetadataTransitions.
func (t *ThresholdKey) PendingTransitions() int {
	return len(t.pending)
}

// fetch reads and decrypts the value at key. Values queued in manual sync mode shadow
// the stored ones. A SHARE_DELETED marker is reported as ErrShareDeleted.
func (t *ThresholdKey) fetch(ctx context.Context, op, key string, decrypt func(*ecies.EncryptedMessage) ([]byte, error)) ([]byte, error) {
	for i := len(t.pending) - 1; i >= 0; i-- {
		if t.pending[i].key == key {
			plain := t.pending[i].plain
			if storage.IsShareDeleted(plain) {
				return nil, E(KindShareDeleted, op, nil)
			}
			return plain, nil
		}
	}

	data, err := t.layer.GetMetadata(ctx, key)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return nil, err
	case err != nil:
		return nil, E(KindStorage, op, err)
	case storage.IsShareDeleted(data):
		return nil, E(KindShareDeleted, op, nil)
	}
	var enc ecies.EncryptedMessage
	if err = json.Unmarshal(data, &enc); err != nil {
		return nil, E(KindCorruption, op, err)
	}
	plain, err := decrypt(&enc)
	if err != nil {
		return nil, E(KindCrypto, op, err)
	}
	return plain, nil
}

func (t *ThresholdKey) fetchMetadata(ctx context.Context, op string, share metadata.Share) (*metadata.Metadata, error) {
	plain, err := t.fetch(ctx, op, metadata.KeyOf(share.PublicKey()), func(m *ecies.EncryptedMessage) ([]byte, error) {
		return ecies.Decrypt(share.Share, m)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, E(KindMetadataUndefined, op, err)
	}
	if err != nil {
		return nil, err
	}
	meta, err := metadata.Unmarshal(plain)
	if err != nil {
		return nil, E(KindCorruption, op, err)
	}
	return meta, nil
}

// ReloadMetadata drops queued transitions and fetches the current metadata through the
// held shares, catching them up. It is how a caller recovers from LockAcquisitionFailed.
func (t *ThresholdKey) ReloadMetadata(ctx context.Context) error {
	const op = "ReloadMetadata"
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	t.pending = nil

	var fresh *metadata.Metadata
	for i := len(t.meta.PolyIDList) - 1; i >= 0; i-- {
		held := t.shares[t.meta.PolyIDList[i]]
		for _, idx := range sortedKeys(held) {
			latest, meta, err := t.CatchupToLatestShare(ctx, held[idx], "")
			if err != nil {
				t.logger.Debug("cannot reload through share", zap.String("shareIndex", idx), zap.Error(err))
				continue
			}
			t.holdShare(latest)
			if fresh == nil || len(meta.PolyIDList) > len(fresh.PolyIDList) ||
				(len(meta.PolyIDList) == len(fresh.PolyIDList) && meta.Nonce > fresh.Nonce) {
				fresh = meta
			}
		}
	}
	if fresh == nil {
		return Ef(KindShareNotFound, op, "no held share resolves to metadata")
	}
	t.meta = fresh
	t.logger.Info("reloaded metadata", zap.Uint64("nonce", fresh.Nonce), zap.Int("epochs", len(fresh.PolyIDList)))
	return nil
}

// UpdateMetadata applies update to a copy of the metadata and stores the result under
// every share of the latest epoch. The current metadata is only replaced once the write
// succeeds, or is queued in manual sync mode.
func (t *ThresholdKey) UpdateMetadata(ctx context.Context, op string, update func(*metadata.Metadata) error) error {
	if t.meta == nil {
		return E(KindMetadataUndefined, op, nil)
	}
	stores, err := t.latestShareStores(op)
	if err != nil {
		return err
	}
	next := t.meta.Clone()
	if err = update(next); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return E(KindInvalidParameter, op, err)
	}
	transitions := make([]transition, 0, len(stores))
	for _, idx := range sortedKeys(stores) {
		transitions = append(transitions, metadataTransition(stores[idx].Share, next))
	}
	return t.commit(ctx, op, next, transitions)
}

// SyncShareMetadata is UpdateMetadata for modules.
func (t *ThresholdKey) SyncShareMetadata(ctx context.Context, update func(*metadata.Metadata) error) error {
	if update == nil {
		update = func(*metadata.Metadata) error { return nil }
	}
	return t.UpdateMetadata(ctx, "SyncShareMetadata", update)
}
