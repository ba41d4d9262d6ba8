// Package embedcache memoizes reference image embeddings.
//
// Entries are keyed by image ID and model and are only served while the
// fingerprint of the image bytes still matches, so a replaced file is
// re-embedded on its next lookup. A small in-process LRU (L1) sits in front
// of an optional persistent storage.EmbeddingStore (L2).
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// DefaultL1Size is the L1 capacity used when Config.L1Size is not positive.
const DefaultL1Size = 4096

// Embedder computes embeddings. *embedding.Provider implements it.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (types.Vector, error)
	Model() string
}

// Config configures a Cache.
type Config struct {
	// L1Size is the number of entries kept in memory.
	L1Size int

	// Store is the persistent level. Nil disables it.
	Store storage.EmbeddingStore

	// MaxImagePixels bounds the decoded size of reference images. Zero
	// selects imaging.DefaultMaxPixels.
	MaxImagePixels int
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Computations int64 `json:"computations"`
	L1Entries    int   `json:"l1_entries"`
}

type l1Key struct {
	id    string
	model string
}

// Cache is safe for concurrent use.
type Cache struct {
	images   storage.ImageStore
	embedder Embedder
	store    storage.EmbeddingStore
	maxPix   int
	l1       *lru.Cache[l1Key, *types.CacheEntry]
	group    singleflight.Group

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
}

// New returns a cache reading reference images from images and computing
// missing vectors with embedder.
func New(images storage.ImageStore, embedder Embedder, cfg Config) (*Cache, error) {
	if images == nil || embedder == nil {
		return nil, fmt.Errorf("%w: image store and embedder are required", storage.ErrInvalidInput)
	}
	size := cfg.L1Size
	if size <= 0 {
		size = DefaultL1Size
	}
	l1, err := lru.New[l1Key, *types.CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("embedcache: failed to create L1 cache: %w", err)
	}
	return &Cache{
		images:   images,
		embedder: embedder,
		store:    cfg.Store,
		maxPix:   cfg.MaxImagePixels,
		l1:       l1,
	}, nil
}

// ModelKey returns the name vectors for strategy are cached under. Face
// preprocessing changes the encoder input, so its vectors are kept apart.
func (c *Cache) ModelKey(strategy types.Strategy) string {
	if strategy == types.StrategyFace {
		return c.embedder.Model() + "+" + string(types.StrategyFace)
	}
	return c.embedder.Model()
}

// GetOrCompute returns the standard-strategy embedding of ref.
func (c *Cache) GetOrCompute(ctx context.Context, ref types.ReferenceImage) (types.Vector, error) {
	return c.GetOrComputeFor(ctx, ref, types.StrategyStandard)
}

// GetOrComputeFor returns the embedding of ref preprocessed for strategy,
// computing and storing it if no valid entry exists. Concurrent calls for the
// same content share one computation. Errors are never cached.
func (c *Cache) GetOrComputeFor(ctx context.Context, ref types.ReferenceImage, strategy types.Strategy) (types.Vector, error) {
	data, err := c.images.ReadImageBytes(ctx, ref.Path)
	if err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(data)
	model := c.ModelKey(strategy)
	key := l1Key{id: ref.ID, model: model}

	if entry, ok := c.l1.Get(key); ok && entry.Fingerprint == fingerprint {
		c.hits.Add(1)
		return entry.Vector, nil
	}

	if entry := c.loadL2(ctx, ref.ID, model, fingerprint); entry != nil {
		c.hits.Add(1)
		c.l1.Add(key, entry)
		return entry.Vector, nil
	}
	c.misses.Add(1)

	flightKey := ref.ID + "\x00" + fingerprint + "\x00" + model
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		// The computation outlives any single waiter.
		return c.compute(context.WithoutCancel(ctx), ref.ID, data, fingerprint, model, strategy)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.CacheEntry).Vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) loadL2(ctx context.Context, id, model, fingerprint string) *types.CacheEntry {
	if c.store == nil {
		return nil
	}
	entry, err := c.store.GetEmbedding(ctx, id, model)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("embedcache: L2 lookup for %s failed: %v", id, err)
		}
		return nil
	}
	if entry.Fingerprint != fingerprint || len(entry.Vector) == 0 {
		return nil
	}
	return entry
}

func (c *Cache) compute(ctx context.Context, id string, data []byte, fingerprint, model string, strategy types.Strategy) (*types.CacheEntry, error) {
	img, _, err := imaging.DecodeLimit(data, c.maxPix)
	if err != nil {
		return nil, fmt.Errorf("embedcache: %s: %w", id, err)
	}

	vec, err := c.embedder.Embed(ctx, imaging.Preprocess(img, strategy))
	if err != nil {
		return nil, err
	}
	c.computations.Add(1)

	entry := &types.CacheEntry{
		ImageID:     id,
		Fingerprint: fingerprint,
		Model:       model,
		Vector:      vec,
		CachedAt:    time.Now().UTC(),
	}
	c.l1.Add(l1Key{id: id, model: model}, entry)

	if c.store != nil {
		if err := c.store.StoreEmbedding(ctx, entry); err != nil {
			log.Printf("embedcache: failed to persist embedding for %s: %v", id, err)
		}
	}
	return entry, nil
}

// Invalidate drops every cached vector of the image id.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	for _, s := range []types.Strategy{types.StrategyStandard, types.StrategyFace} {
		c.l1.Remove(l1Key{id: id, model: c.ModelKey(s)})
	}
	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteEmbedding(ctx, id); err != nil {
		return fmt.Errorf("embedcache: invalidate %s: %w", id, err)
	}
	return nil
}

// InvalidateAll empties both levels.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.l1.Purge()
	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteAllEmbeddings(ctx); err != nil {
		return fmt.Errorf("embedcache: invalidate all: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		L1Entries:    c.l1.Len(),
	}
}

// Stored returns the number of persisted vectors per model key. It is nil
// when the cache has no persistent level.
func (c *Cache) Stored(ctx context.Context) (map[string]int, error) {
	if c.store == nil {
		return nil, nil
	}
	counts := make(map[string]int, 2)
	for _, s := range []types.Strategy{types.StrategyStandard, types.StrategyFace} {
		model := c.ModelKey(s)
		n, err := c.store.CountEmbeddings(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("embedcache: count %s: %w", model, err)
		}
		counts[model] = n
	}
	return counts, nil
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
