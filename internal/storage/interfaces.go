// Package storage provides composable storage interfaces for sketchmatch.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed: raw image bytes live
// behind ImageStore, memoized embeddings behind EmbeddingStore and exported
// sketches behind SketchStore.
package storage

import (
	"context"

	"github.com/scrypster/sketchmatch/pkg/types"
)

// ImageStore reads and writes raw image bytes addressed by a path relative to
// the store root.
type ImageStore interface {
	// ReadImageBytes returns the content at path.
	// Returns ErrNotFound if nothing exists there and ErrIO for read failures.
	ReadImageBytes(ctx context.Context, path string) ([]byte, error)

	// WriteImageBytes creates or replaces the content at path.
	// Returns ErrIO for write failures.
	WriteImageBytes(ctx context.Context, path string, data []byte) error

	// DeleteImage removes the content at path.
	// Returns ErrNotFound if nothing exists there.
	DeleteImage(ctx context.Context, path string) error
}

// EmbeddingStore persists embedding cache entries across process restarts
// and, for shared backends, across worker processes.
type EmbeddingStore interface {
	// GetEmbedding returns the entry stored for imageID under model.
	// Returns ErrNotFound if none exists.
	GetEmbedding(ctx context.Context, imageID, model string) (*types.CacheEntry, error)

	// StoreEmbedding creates or replaces the entry for (ImageID, Model).
	StoreEmbedding(ctx context.Context, entry *types.CacheEntry) error

	// DeleteEmbedding removes every entry for imageID regardless of model.
	// Deleting a missing entry is not an error.
	DeleteEmbedding(ctx context.Context, imageID string) error

	// DeleteAllEmbeddings removes every entry.
	DeleteAllEmbeddings(ctx context.Context) error

	// CountEmbeddings returns the number of entries stored for model.
	CountEmbeddings(ctx context.Context, model string) (int, error)
}

// SketchStore persists exported sketch records.
type SketchStore interface {
	// StoreSketch inserts a new sketch record.
	StoreSketch(ctx context.Context, sketch *types.Sketch) error

	// GetSketch retrieves a sketch by ID.
	// Returns ErrNotFound if the sketch doesn't exist.
	GetSketch(ctx context.Context, id string) (*types.Sketch, error)

	// ListSketches returns sketches ordered by creation time.
	ListSketches(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Sketch], error)
}
