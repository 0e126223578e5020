package badgerdb

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/storage"
	"github.com/tkey/tkey-sub000/pkg/storage/storagetest"
	"go.uber.org/zap/zaptest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Layer {
		s, err := Open("", zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	priv, pub := sample.ScalarPointPair(rand.Reader, curve.Secp256k1{})
	w, err := storage.NewWrite(priv, []byte("persisted"))
	require.NoError(t, err)
	key := metadata.KeyOf(pub)

	s, err := Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SetMetadataBulk(ctx, storage.Lock{Key: key}, []storage.Write{w}))
	require.NoError(t, s.Close())

	s, err = Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetMetadata(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
	nonce, err := s.Nonce(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nonce)
}
