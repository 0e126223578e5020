package rss

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"go.uber.org/zap"
)

// KeyRecord is what a node keeps of the DKG key of a label.
type KeyRecord struct {
	Label string
	// Index is the node's index in the committee, Share its evaluation of the key's polynomial.
	Index       int
	Share       curve.Scalar
	Commitments *polynomial.Exponent
}

// PublicKey is the DKG public key of the label.
func (r *KeyRecord) PublicKey() curve.Point {
	return r.Commitments.Constant()
}

// Verify checks the share against the commitments.
func (r *KeyRecord) Verify() error {
	if !r.Commitments.Verify(scalarOf(r.Index), r.Share) {
		return fmt.Errorf("rss: share of node %d for %q does not match its commitments", r.Index, r.Label)
	}
	return nil
}

type keyRecordMarshal struct {
	Label       string
	Index       int
	Share       curve.Scalar
	Commitments []cbor.RawMessage
}

func (r *KeyRecord) MarshalBinary() ([]byte, error) {
	commitments := r.Commitments.Coefficients()
	cs := make([]cbor.RawMessage, 0, len(commitments))
	for _, c := range commitments {
		data, err := cbor.Marshal(c)
		if err != nil {
			return nil, err
		}
		cs = append(cs, data)
	}
	return cbor.Marshal(&keyRecordMarshal{
		Label:       r.Label,
		Index:       r.Index,
		Share:       r.Share,
		Commitments: cs,
	})
}

func (r *KeyRecord) UnmarshalBinary(data []byte) error {
	rm := &keyRecordMarshal{Share: group.NewScalar()}
	if err := cbor.Unmarshal(data, rm); err != nil {
		return err
	}
	commitments := make([]curve.Point, 0, len(rm.Commitments))
	for _, raw := range rm.Commitments {
		p := group.NewPoint()
		if err := cbor.Unmarshal(raw, p); err != nil {
			return err
		}
		commitments = append(commitments, p)
	}
	exponent, err := polynomial.NewExponent(group, commitments)
	if err != nil {
		return err
	}
	r.Label, r.Index, r.Share, r.Commitments = rm.Label, rm.Index, rm.Share, exponent
	return nil
}

// KeyStore persists the key records of a node.
type KeyStore interface {
	// Get returns ErrUnknownLabel when there is no record for label.
	Get(ctx context.Context, label string) (*KeyRecord, error)
	// Put refuses to replace an existing record.
	Put(ctx context.Context, record *KeyRecord) error
}

var ErrRecordExists = errors.New("rss: key record already exists")

// MemoryKeyStore keeps records in a map.
type MemoryKeyStore struct {
	mutex   sync.RWMutex
	records map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{records: map[string][]byte{}}
}

func (s *MemoryKeyStore) Get(_ context.Context, label string) (*KeyRecord, error) {
	s.mutex.RLock()
	data, ok := s.records[label]
	s.mutex.RUnlock()
	if !ok {
		return nil, ErrUnknownLabel
	}
	var r KeyRecord
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MemoryKeyStore) Put(_ context.Context, record *KeyRecord) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.records[record.Label]; ok {
		return ErrRecordExists
	}
	s.records[record.Label] = data
	return nil
}

var keyPrefix = []byte("rss/key/")

// BadgerKeyStore persists CBOR encoded records in BadgerDB.
type BadgerKeyStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadgerKeyStore opens a store in dir, in memory if dir is empty.
func OpenBadgerKeyStore(dir string, logger *zap.Logger) (*BadgerKeyStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("rss.OpenBadgerKeyStore: %w", err)
	}
	return &BadgerKeyStore{db: db, logger: logger}, nil
}

func (s *BadgerKeyStore) Close() error {
	return s.db.Close()
}

func (s *BadgerKeyStore) Get(_ context.Context, label string) (*KeyRecord, error) {
	var r KeyRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(append([]byte(nil), keyPrefix...), label...))
		if err != nil {
			return err
		}
		return item.Value(r.UnmarshalBinary)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrUnknownLabel
	}
	if err != nil {
		return nil, fmt.Errorf("rss.BadgerKeyStore: %w", err)
	}
	return &r, nil
}

func (s *BadgerKeyStore) Put(_ context.Context, record *KeyRecord) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	key := append(append([]byte(nil), keyPrefix...), record.Label...)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrRecordExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil && !errors.Is(err, ErrRecordExists) {
		return fmt.Errorf("rss.BadgerKeyStore: %w", err)
	}
	if err == nil {
		s.logger.Debug("stored key record", zap.String("label", record.Label), zap.Int("node", record.Index))
	}
	return err
}
