package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verigate/api-gate/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func newStoredKey(t *testing.T, reg *KeyRegistry, id, secret string) *models.APIKey {
	t.Helper()

	key := &models.APIKey{
		ID:             id,
		Secret:         secret,
		OwnerName:      "Owner " + id,
		ExpiryDate:     "2099-12-31 11:59:59 PM",
		HitLimit:       1000,
		AllowedOrigins: []string{},
		CreatedAt:      "2025-01-01 09:00:00 AM",
		Active:         true,
	}
	require.NoError(t, reg.Upsert(context.Background(), key))
	return key
}

func TestKeyRegistry_FindBySecret(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	newStoredKey(t, reg, "k1", "secret-1")

	key, err := reg.FindBySecret(context.Background(), "secret-1")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "k1", key.ID)
	assert.Equal(t, "Owner k1", key.OwnerName)

	// Unknown secret is not an error
	key, err = reg.FindBySecret(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestKeyRegistry_UpsertOverwrites(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	key := newStoredKey(t, reg, "k1", "secret-1")

	key.OwnerName = "Renamed"
	key.HitLimit = 5
	key.AllowedOrigins = []string{"a.com"}
	key.Active = false
	require.NoError(t, reg.Upsert(context.Background(), key))

	got, err := reg.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.OwnerName)
	assert.Equal(t, int64(5), got.HitLimit)
	assert.Equal(t, []string{"a.com"}, got.AllowedOrigins)
	assert.False(t, got.Active)
}

func TestKeyRegistry_Delete(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	newStoredKey(t, reg, "k1", "secret-1")

	deleted, err := reg.Delete(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	key, err := reg.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, key)

	deleted, err = reg.Delete(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestKeyRegistry_ListAll(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	for i := 1; i <= 3; i++ {
		newStoredKey(t, reg, fmt.Sprintf("k%d", i), fmt.Sprintf("secret-%d", i))
	}

	keys, err := reg.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Contains(t, keys, "k2")
}

func TestKeyRegistry_IncrementHits(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	newStoredKey(t, reg, "k1", "secret-1")

	require.NoError(t, reg.IncrementHits(context.Background(), "k1"))
	require.NoError(t, reg.IncrementHits(context.Background(), "k1"))

	key, err := reg.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), key.HitsUsed)

	assert.Error(t, reg.IncrementHits(context.Background(), "missing"))
}

func TestKeyRegistry_IncrementHits_Concurrent(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	newStoredKey(t, reg, "k1", "secret-1")

	const workers = 20

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.IncrementHits(context.Background(), "k1")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	key, err := reg.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), key.HitsUsed)
}

// Exceeds the connection pool size many times over so increments also
// queue on connections beyond the first.
func TestKeyRegistry_IncrementHits_HighContention(t *testing.T) {
	reg := NewKeyRegistry(newTestStore(t))
	newStoredKey(t, reg, "k1", "secret-1")

	const workers = 64
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				errs <- reg.IncrementHits(context.Background(), "k1")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	key, err := reg.FindByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), key.HitsUsed)
}
