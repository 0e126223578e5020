// Package badgerdb is a storage.Layer persisted in BadgerDB.
//
// A bulk write reads the lock nonce and writes every value in one read-write
// transaction, so a concurrent writer either sees the new nonce or fails to commit.
package badgerdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

var (
	valuePrefix = []byte("metadata/")
	noncePrefix = []byte("nonce/")
)

// Store wraps an open badger database.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ storage.Layer = (*Store)(nil)

// Open opens (or creates) a database in dir. An empty dir opens an in-memory database.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerdb.Open: %w", err)
	}
	logger.Info("opened badger metadata store", zap.String("dir", dir), zap.Bool("inMemory", dir == ""))
	return &Store{db: db, logger: logger}, nil
}

// New wraps an already open database.
func New(db *badger.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func prefixed(prefix []byte, key string) []byte {
	return append(append([]byte(nil), prefix...), key...)
}

func (s *Store) GetMetadata(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(valuePrefix, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badgerdb.GetMetadata: %w", err)
	}
	return value, nil
}

func (s *Store) SetMetadata(_ context.Context, write storage.Write) error {
	entries, err := storage.Prepare([]storage.Write{write})
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefixed(valuePrefix, entries[0].Key), entries[0].Data)
	})
	if err != nil {
		return fmt.Errorf("badgerdb.SetMetadata: %w", err)
	}
	return nil
}

func readNonce(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get(prefixed(noncePrefix, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt nonce for %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) SetMetadataBulk(_ context.Context, lock storage.Lock, writes []storage.Write) error {
	entries, err := storage.Prepare(writes)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		current, err := readNonce(txn, lock.Key)
		if err != nil {
			return err
		}
		if current != lock.Expected {
			return storage.ErrNonceMismatch
		}
		for _, e := range entries {
			if err := txn.Set(prefixed(valuePrefix, e.Key), e.Data); err != nil {
				return err
			}
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], lock.Expected+1)
		return txn.Set(prefixed(noncePrefix, lock.Key), next[:])
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNonceMismatch), errors.Is(err, badger.ErrConflict):
		s.logger.Debug("rejecting bulk write", zap.String("lock", lock.Key), zap.Uint64("expected", lock.Expected))
		return storage.ErrNonceMismatch
	default:
		return fmt.Errorf("badgerdb.SetMetadataBulk: %w", err)
	}
}

func (s *Store) Nonce(_ context.Context, key string) (uint64, error) {
	var nonce uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		nonce, err = readNonce(txn, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("badgerdb.Nonce: %w", err)
	}
	return nonce, nil
}
