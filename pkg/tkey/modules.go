package tkey

import (
	"context"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/metadata"
)

// Module is a pluggable extension of a threshold key.
type Module interface {
	Name() string
	// SetModuleReferences hands the module its capabilities. It is called once, on registration.
	SetModuleReferences(host Host)
	// Initialize is called once the key's metadata is known.
	Initialize(ctx context.Context) error
}

// Host is what a module may do with the threshold key it is registered on.
type Host interface {
	// Metadata returns a copy of the current metadata.
	Metadata() (*metadata.Metadata, error)
	GenerateNewShare(ctx context.Context) (*GenerateShareResult, error)
	InputShareStore(shareStore *metadata.ShareStore) error
	InputShareStoreSafe(ctx context.Context, shareStore *metadata.ShareStore, autoUpdate bool) error
	OutputShareStore(index curve.Scalar, polyID string) (*metadata.ShareStore, error)
	AddShareDescription(ctx context.Context, indexHex, description string, sync bool) error
	// SyncShareMetadata applies update to the metadata and stores it.
	SyncShareMetadata(ctx context.Context, update func(*metadata.Metadata) error) error
	AddRefreshMiddleware(module string, fn RefreshMiddleware)
	SetDeviceStorage(fn DeviceStorage)
	// Encrypt encrypts msg to the public key of the threshold key.
	Encrypt(msg []byte) (*ecies.EncryptedMessage, error)
	// Decrypt needs the reconstructed private key.
	Decrypt(msg *ecies.EncryptedMessage) ([]byte, error)
}

var _ Host = (*ThresholdKey)(nil)

// RefreshMiddleware re-derives the general store of a module during a reshare. oldShares
// and newShares map index hex to the shares of the previous and the new epoch. Returning
// nil removes the module's store.
type RefreshMiddleware func(store []byte, oldShares, newShares map[string]*metadata.ShareStore) ([]byte, error)

type namedMiddleware struct {
	module string
	fn     RefreshMiddleware
}

// DeviceStorage persists the device share of a new key.
type DeviceStorage func(ctx context.Context, shareStore *metadata.ShareStore) error

// RegisterModule adds a module and hands it its capabilities. Names must be unique.
func (t *ThresholdKey) RegisterModule(m Module) error {
	if _, ok := t.modules[m.Name()]; ok {
		return Ef(KindInvalidParameter, "RegisterModule", "module %q already registered", m.Name())
	}
	t.modules[m.Name()] = m
	t.moduleOrder = append(t.moduleOrder, m.Name())
	m.SetModuleReferences(t)
	return nil
}

// Module returns a registered module.
func (t *ThresholdKey) Module(name string) (Module, bool) {
	m, ok := t.modules[name]
	return m, ok
}

func (t *ThresholdKey) initializeModules(ctx context.Context) error {
	for _, name := range t.moduleOrder {
		if err := t.modules[name].Initialize(ctx); err != nil {
			return Ef(KindInvalidState, "Initialize", "module %s: %w", name, err)
		}
	}
	return nil
}

// AddRefreshMiddleware registers fn for module. Middlewares run in registration order;
// registering again for the same module replaces the function in place.
func (t *ThresholdKey) AddRefreshMiddleware(module string, fn RefreshMiddleware) {
	for i := range t.middlewares {
		if t.middlewares[i].module == module {
			t.middlewares[i].fn = fn
			return
		}
	}
	t.middlewares = append(t.middlewares, namedMiddleware{module: module, fn: fn})
}

func (t *ThresholdKey) runMiddlewares(op string, next *metadata.Metadata, oldShares, newShares map[string]*metadata.ShareStore) error {
	for _, mw := range t.middlewares {
		store := []byte(next.GeneralStore[mw.module])
		out, err := mw.fn(store, cloneStores(oldShares), cloneStores(newShares))
		if err != nil {
			return Ef(KindInvalidState, op, "refresh middleware %s: %w", mw.module, err)
		}
		if out == nil {
			next.DeleteGeneralStore(mw.module)
			continue
		}
		next.GeneralStore[mw.module] = out
	}
	return nil
}

func cloneStores(in map[string]*metadata.ShareStore) map[string]*metadata.ShareStore {
	out := make(map[string]*metadata.ShareStore, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func (t *ThresholdKey) SetDeviceStorage(fn DeviceStorage) {
	t.deviceStorage = fn
}

// StoreDeviceShare hands shareStore to the device storage callback, if any.
func (t *ThresholdKey) StoreDeviceShare(ctx context.Context, shareStore *metadata.ShareStore) error {
	if t.deviceStorage == nil {
		return nil
	}
	if err := t.deviceStorage(ctx, shareStore.Clone()); err != nil {
		return E(KindStorage, "StoreDeviceShare", err)
	}
	return nil
}

func (t *ThresholdKey) Encrypt(msg []byte) (*ecies.EncryptedMessage, error) {
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, "Encrypt", nil)
	}
	enc, err := ecies.Encrypt(t.meta.PubKey, msg)
	if err != nil {
		return nil, E(KindCrypto, "Encrypt", err)
	}
	return enc, nil
}

func (t *ThresholdKey) Decrypt(msg *ecies.EncryptedMessage) ([]byte, error) {
	if t.privKey == nil {
		return nil, E(KindPrivateKeyUnavailable, "Decrypt", nil)
	}
	plain, err := ecies.Decrypt(t.privKey, msg)
	if err != nil {
		return nil, E(KindCrypto, "Decrypt", err)
	}
	return plain, nil
}

// SetTKeyStoreItem stores data for a module, encrypted to the threshold key.
func (t *ThresholdKey) SetTKeyStoreItem(ctx context.Context, module, id string, data []byte) error {
	const op = "SetTKeyStoreItem"
	enc, err := t.Encrypt(data)
	if err != nil {
		return err
	}
	return t.UpdateMetadata(ctx, op, func(m *metadata.Metadata) error {
		m.SetTkeyStoreItem(module, id, enc)
		return nil
	})
}

// GetTKeyStoreItem returns an item stored with SetTKeyStoreItem.
func (t *ThresholdKey) GetTKeyStoreItem(module, id string) ([]byte, error) {
	const op = "GetTKeyStoreItem"
	if t.meta == nil {
		return nil, E(KindMetadataUndefined, op, nil)
	}
	enc, ok := t.meta.TkeyStoreItem(module, id)
	if !ok {
		return nil, Ef(KindShareNotFound, op, "no item %s/%s", module, id)
	}
	return t.Decrypt(enc)
}
