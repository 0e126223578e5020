// Package storagetest checks that a storage.Layer honours the storage contract.
package storagetest

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/storage"
)

func newWrite(t *testing.T, data string) (storage.Write, string) {
	priv, pub := sample.ScalarPointPair(rand.Reader, curve.Secp256k1{})
	w, err := storage.NewWrite(priv, []byte(data))
	require.NoError(t, err)
	return w, metadata.KeyOf(pub)
}

// Run runs the conformance suite against fresh layers built by newLayer.
func Run(t *testing.T, newLayer func(t *testing.T) storage.Layer) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		layer := newLayer(t)
		_, err := layer.GetMetadata(ctx, "00")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
		nonce, err := layer.Nonce(ctx, "00")
		require.NoError(t, err)
		assert.Zero(t, nonce)
	})

	t.Run("SetGet", func(t *testing.T) {
		layer := newLayer(t)
		w, key := newWrite(t, `{"v":1}`)
		require.NoError(t, layer.SetMetadata(ctx, w))
		got, err := layer.GetMetadata(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, `{"v":1}`, string(got))
	})

	t.Run("RejectsBadSignature", func(t *testing.T) {
		layer := newLayer(t)
		w, key := newWrite(t, `{"v":1}`)
		w.Data = []byte(`{"v":2}`)
		assert.ErrorIs(t, layer.SetMetadata(ctx, w), storage.ErrInvalidSignature)
		_, err := layer.GetMetadata(ctx, key)
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("BulkCompareAndSwap", func(t *testing.T) {
		layer := newLayer(t)
		w1, k1 := newWrite(t, "a")
		w2, k2 := newWrite(t, "b")
		lock := storage.Lock{Key: k1, Expected: 0}

		require.NoError(t, layer.SetMetadataBulk(ctx, lock, []storage.Write{w1, w2}))
		nonce, err := layer.Nonce(ctx, k1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, nonce)

		w3, k3 := newWrite(t, "c")
		err = layer.SetMetadataBulk(ctx, lock, []storage.Write{w3})
		assert.ErrorIs(t, err, storage.ErrNonceMismatch)
		_, err = layer.GetMetadata(ctx, k3)
		assert.ErrorIs(t, err, storage.ErrKeyNotFound, "a rejected bulk write leaves nothing behind")

		got, err := layer.GetMetadata(ctx, k2)
		require.NoError(t, err)
		assert.Equal(t, "b", string(got))

		require.NoError(t, layer.SetMetadataBulk(ctx, storage.Lock{Key: k1, Expected: 1}, []storage.Write{w3}))
		nonce, err = layer.Nonce(ctx, k1)
		require.NoError(t, err)
		assert.EqualValues(t, 2, nonce)
	})

	t.Run("BulkAtomicOnBadWrite", func(t *testing.T) {
		layer := newLayer(t)
		w1, k1 := newWrite(t, "a")
		bad, _ := newWrite(t, "b")
		bad.Data = []byte("tampered")
		err := layer.SetMetadataBulk(ctx, storage.Lock{Key: k1}, []storage.Write{w1, bad})
		assert.ErrorIs(t, err, storage.ErrInvalidSignature)
		_, err = layer.GetMetadata(ctx, k1)
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
		nonce, err := layer.Nonce(ctx, k1)
		require.NoError(t, err)
		assert.Zero(t, nonce)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		layer := newLayer(t)
		_, lockKey := newWrite(t, "")
		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			w, _ := newWrite(t, "x")
			wg.Add(1)
			go func(i int, w storage.Write) {
				defer wg.Done()
				errs[i] = layer.SetMetadataBulk(ctx, storage.Lock{Key: lockKey}, []storage.Write{w})
			}(i, w)
		}
		wg.Wait()
		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, storage.ErrNonceMismatch), "unexpected error %v", err)
		}
		assert.Equal(t, 1, wins)
	})
}
