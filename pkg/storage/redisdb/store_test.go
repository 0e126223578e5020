package redisdb

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"github.com/tkey/tkey-sub000/pkg/storage/storagetest"
	"go.uber.org/zap/zaptest"
)

// TestStore needs a Redis server, reachable at $TKEY_REDIS_ADDR.
func TestStore(t *testing.T) {
	addr := os.Getenv("TKEY_REDIS_ADDR")
	if addr == "" {
		t.Skip("TKEY_REDIS_ADDR not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Layer {
		s, err := NewFromConfig(context.Background(), &Config{
			Addr:      addr,
			KeyPrefix: "tkey-test:" + uuid.NewString() + ":",
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNewFromConfigRequiresAddress(t *testing.T) {
	_, err := NewFromConfig(context.Background(), &Config{}, nil)
	require.Error(t, err)
}
