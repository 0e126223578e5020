// Package redisdb is a storage.Layer shared through Redis.
//
// Bulk writes use an optimistic WATCH/MULTI transaction on the nonce key of the lock.
package redisdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"go.uber.org/zap"
)

// Config describes how to reach Redis.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces every key, default "tkey:".
	KeyPrefix string `yaml:"keyPrefix"`
}

// Store keeps values and nonces in Redis strings.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ storage.Layer = (*Store)(nil)

// NewFromConfig connects to Redis and checks the connection.
func NewFromConfig(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redisdb: missing address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisdb: failed to connect to %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.KeyPrefix, logger), nil
}

// New wraps a client. An empty prefix defaults to "tkey:".
func New(client redis.UniversalClient, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "tkey:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) valueKey(key string) string { return s.prefix + "metadata:" + key }
func (s *Store) nonceKey(key string) string { return s.prefix + "nonce:" + key }

func (s *Store) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisdb.GetMetadata: %w", err)
	}
	return value, nil
}

func (s *Store) SetMetadata(ctx context.Context, write storage.Write) error {
	entries, err := storage.Prepare([]storage.Write{write})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.valueKey(entries[0].Key), entries[0].Data, 0).Err(); err != nil {
		return fmt.Errorf("redisdb.SetMetadata: %w", err)
	}
	return nil
}

func (s *Store) SetMetadataBulk(ctx context.Context, lock storage.Lock, writes []storage.Write) error {
	entries, err := storage.Prepare(writes)
	if err != nil {
		return err
	}
	nonceKey := s.nonceKey(lock.Key)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, nonceKey).Uint64()
		if errors.Is(err, redis.Nil) {
			current, err = 0, nil
		}
		if err != nil {
			return err
		}
		if current != lock.Expected {
			return storage.ErrNonceMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range entries {
				pipe.Set(ctx, s.valueKey(e.Key), e.Data, 0)
			}
			pipe.Set(ctx, nonceKey, lock.Expected+1, 0)
			return nil
		})
		return err
	}, nonceKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNonceMismatch), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("rejecting bulk write", zap.String("lock", lock.Key), zap.Uint64("expected", lock.Expected))
		return storage.ErrNonceMismatch
	default:
		return fmt.Errorf("redisdb.SetMetadataBulk: %w", err)
	}
}

func (s *Store) Nonce(ctx context.Context, key string) (uint64, error) {
	nonce, err := s.client.Get(ctx, s.nonceKey(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redisdb.Nonce: %w", err)
	}
	return nonce, nil
}
