package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/internal/storage/postgres"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If SKETCH_TEST_POSTGRES_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("SKETCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SKETCH_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.EmbeddingStore {
	t.Helper()

	store, err := postgres.NewEmbeddingStore(postgresTestDSN(t))
	require.NoError(t, err, "NewEmbeddingStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestEmbeddingStore_StoreAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &types.CacheEntry{
		ImageID:     "suspects/a.jpg",
		Fingerprint: "fp-1",
		Model:       "clip-vit-b32",
		Vector:      types.Vector{0.25, -0.5, 0.75},
		CachedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.StoreEmbedding(ctx, entry))

	got, err := store.GetEmbedding(ctx, "suspects/a.jpg", "clip-vit-b32")
	require.NoError(t, err)
	assert.Equal(t, entry.Vector, got.Vector)
	assert.Equal(t, "fp-1", got.Fingerprint)

	_, err = store.GetEmbedding(ctx, "suspects/a.jpg", "other-model")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEmbeddingStore_UpsertAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, &types.CacheEntry{ImageID: "a.jpg", Fingerprint: "old", Model: "m", Vector: types.Vector{1, 0}}))
	require.NoError(t, store.StoreEmbedding(ctx, &types.CacheEntry{ImageID: "a.jpg", Fingerprint: "new", Model: "m", Vector: types.Vector{0, 1}}))
	require.NoError(t, store.StoreEmbedding(ctx, &types.CacheEntry{ImageID: "b.jpg", Fingerprint: "f", Model: "m", Vector: types.Vector{1, 1}}))

	got, err := store.GetEmbedding(ctx, "a.jpg", "m")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Fingerprint)
	assert.Equal(t, types.Vector{0, 1}, got.Vector)

	n, err := store.CountEmbeddings(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmbeddingStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreEmbedding(ctx, &types.CacheEntry{ImageID: "a.jpg", Fingerprint: "f", Model: "m", Vector: types.Vector{1}}))
	require.NoError(t, store.StoreEmbedding(ctx, &types.CacheEntry{ImageID: "b.jpg", Fingerprint: "f", Model: "m", Vector: types.Vector{1}}))

	require.NoError(t, store.DeleteEmbedding(ctx, "a.jpg"))
	_, err := store.GetEmbedding(ctx, "a.jpg", "m")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.DeleteAllEmbeddings(ctx))
	n, err := store.CountEmbeddings(ctx, "m")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmbeddingStore_Validation(t *testing.T) {
	store := newTestStore(t)

	err := store.StoreEmbedding(context.Background(), &types.CacheEntry{ImageID: "a.jpg", Model: "m"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
