// Package memory is an in-process storage.Layer guarded by a mutex.
package memory

import (
	"context"
	"sync"

	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

// Store keeps values and nonces in maps.
type Store struct {
	mutex  sync.RWMutex
	values map[string][]byte
	nonces map[string]uint64
	logger *zap.Logger
}

var _ storage.Layer = (*Store)(nil)

// New returns an empty Store. A nil logger disables logging.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		values: make(map[string][]byte),
		nonces: make(map[string]uint64),
		logger: logger,
	}
}

func (s *Store) GetMetadata(_ context.Context, key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) SetMetadata(_ context.Context, write storage.Write) error {
	entries, err := storage.Prepare([]storage.Write{write})
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.values[entries[0].Key] = append([]byte(nil), entries[0].Data...)
	return nil
}

func (s *Store) SetMetadataBulk(_ context.Context, lock storage.Lock, writes []storage.Write) error {
	entries, err := storage.Prepare(writes)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if current := s.nonces[lock.Key]; current != lock.Expected {
		s.logger.Debug("rejecting bulk write",
			zap.String("lock", lock.Key),
			zap.Uint64("expected", lock.Expected),
			zap.Uint64("nonce", current))
		return storage.ErrNonceMismatch
	}
	for _, e := range entries {
		s.values[e.Key] = append([]byte(nil), e.Data...)
	}
	s.nonces[lock.Key] = lock.Expected + 1
	return nil
}

func (s *Store) Nonce(_ context.Context, key string) (uint64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.nonces[key], nil
}
