package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// EmbeddingStore implements storage.EmbeddingStore using SQLite.
type EmbeddingStore struct {
	db *sql.DB
}

// NewEmbeddingStore creates a new SQLite embedding store on a database
// opened by NewStore.
func NewEmbeddingStore(db *sql.DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// StoreEmbedding stores the vector for (ImageID, Model), replacing any
// previous entry. The vector is serialized as a little-endian float32 BLOB.
func (p *EmbeddingStore) StoreEmbedding(ctx context.Context, entry *types.CacheEntry) error {
	if entry == nil || entry.ImageID == "" {
		return fmt.Errorf("%w: image ID is required", storage.ErrInvalidInput)
	}
	if entry.Model == "" {
		return fmt.Errorf("%w: model is required", storage.ErrInvalidInput)
	}
	if entry.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", storage.ErrInvalidInput)
	}
	if len(entry.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	cachedAt := entry.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO embeddings (image_id, model, fingerprint, dimension, vector, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id, model) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			dimension = excluded.dimension,
			vector = excluded.vector,
			cached_at = excluded.cached_at
	`

	_, err := p.db.ExecContext(ctx, query,
		entry.ImageID, entry.Model, entry.Fingerprint,
		len(entry.Vector), serializeVector(entry.Vector), cachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the entry for imageID under model.
// Returns storage.ErrNotFound if none exists.
func (p *EmbeddingStore) GetEmbedding(ctx context.Context, imageID, model string) (*types.CacheEntry, error) {
	if imageID == "" {
		return nil, fmt.Errorf("%w: image ID is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT fingerprint, dimension, vector, cached_at
		FROM embeddings
		WHERE image_id = ? AND model = ?
	`

	var (
		buf       []byte
		dimension int
	)
	entry := &types.CacheEntry{ImageID: imageID, Model: model}
	err := p.db.QueryRowContext(ctx, query, imageID, model).Scan(&entry.Fingerprint, &dimension, &buf, &entry.CachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	entry.Vector, err = deserializeVector(buf, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
	}
	return entry, nil
}

// DeleteEmbedding removes every entry for imageID regardless of model.
func (p *EmbeddingStore) DeleteEmbedding(ctx context.Context, imageID string) error {
	if imageID == "" {
		return fmt.Errorf("%w: image ID is required", storage.ErrInvalidInput)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM embeddings WHERE image_id = ?`, imageID); err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// DeleteAllEmbeddings removes every cached entry.
func (p *EmbeddingStore) DeleteAllEmbeddings(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// CountEmbeddings returns the number of entries stored for model.
func (p *EmbeddingStore) CountEmbeddings(ctx context.Context, model string) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE model = ?`, model).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// serializeVector converts a vector to little-endian IEEE 754 float32 bytes.
func serializeVector(v types.Vector) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeVector converts a BLOB back to a vector. dimension is used to
// validate the buffer size.
func deserializeVector(buf []byte, dimension int) (types.Vector, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}

	v := make(types.Vector, dimension)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
