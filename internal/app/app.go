// Package app assembles the sketchmatch components from configuration. Both
// binaries share it so the web server and the indexer always agree on the
// cache layout.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/scrypster/sketchmatch/internal/catalog"
	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/embedcache"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/search"
	"github.com/scrypster/sketchmatch/internal/storage"
	fsstore "github.com/scrypster/sketchmatch/internal/storage/fs"
	"github.com/scrypster/sketchmatch/internal/storage/postgres"
	"github.com/scrypster/sketchmatch/internal/storage/sqlite"
)

// App holds the long-lived components. Close releases them.
type App struct {
	Config     *config.Config
	DB         *sqlite.Store
	Embeddings storage.EmbeddingStore
	Provider   *embedding.Provider
	References *fsstore.Store
	Cache      *embedcache.Cache
	Searcher   *search.Searcher
	Catalog    *catalog.Catalog

	closers []io.Closer
}

// New builds the ranking pipeline and the stores described by cfg. The
// embedding model is not loaded until first use.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	if err := os.MkdirAll(cfg.Paths.Data, 0o755); err != nil {
		return nil, fmt.Errorf("app: failed to create data directory: %w", err)
	}
	db, err := sqlite.NewStore(cfg.SQLitePath())
	if err != nil {
		return nil, fmt.Errorf("app: failed to open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)

	switch cfg.Cache.Backend {
	case "sqlite":
		a.Embeddings = sqlite.NewEmbeddingStore(db.GetDB())
	case "postgres":
		pg, err := postgres.NewEmbeddingStore(cfg.Cache.PostgresDSN)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("app: failed to open postgres cache: %w", err)
		}
		a.Embeddings = pg
		a.closers = append(a.closers, pg)
	case "memory":
	default:
		_ = a.Close()
		return nil, fmt.Errorf("app: unknown cache backend %q", cfg.Cache.Backend)
	}

	a.Provider, err = embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, a.Provider)

	a.References = fsstore.NewStore(cfg.Paths.Reference)
	a.Cache, err = embedcache.New(a.References, a.Provider, embedcache.Config{
		L1Size:         cfg.Cache.L1Size,
		Store:          a.Embeddings,
		MaxImagePixels: cfg.Server.MaxImagePixels,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	a.Searcher = search.New(search.Config{
		ReferenceRoot:     cfg.Paths.Reference,
		Workers:           cfg.Search.Workers,
		MaxCorpusSize:     cfg.Search.MaxCorpusSize,
		StandardThreshold: cfg.Search.StandardThreshold,
		FaceThreshold:     cfg.Search.FaceThreshold,
		DefaultTopN:       cfg.Search.DefaultTopN,
		MaxImagePixels:    cfg.Server.MaxImagePixels,
	}, a.Provider, a.Cache)

	a.Catalog, err = catalog.New(cfg.Paths.Assets)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	log.Printf("app: embedding provider %s (model %s), cache backend %s",
		cfg.Embedding.Provider, a.Provider.Model(), cfg.Cache.Backend)
	return a, nil
}

// Warmup loads the embedding model now and waits up to timeout for it. A
// failed load is returned; the provider retries it after RetryAfter.
func (a *App) Warmup(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	a.Provider.Start()
	if err := a.Provider.Ready(ctx); err != nil {
		return fmt.Errorf("app: warmup of model %s: %w", a.Provider.Model(), err)
	}
	log.Printf("app: model %s warmed up in %v", a.Provider.Model(), time.Since(start).Round(time.Millisecond))
	return nil
}

// Close releases the stores and the embedding model in reverse order of
// creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SetupLogging additionally writes the standard logger to path. The returned
// function closes the file.
func SetupLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}
