package embedding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/scrypster/sketchmatch/internal/config"
)

// LoaderFactory builds a Loader and the model name of its vectors from
// configuration.
type LoaderFactory func(cfg config.EmbeddingConfig) (model string, load Loader, err error)

var (
	registryMu sync.RWMutex
	registry   = map[string]LoaderFactory{}
)

// Register makes a provider available to NewFromConfig under name. Encoders
// with native dependencies register themselves from their own package so
// that importing this package never requires them.
func Register(name string, factory LoaderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("embedding: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("embedding: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// Providers returns the registered provider names in sorted order.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("thumbnail", func(cfg config.EmbeddingConfig) (string, Loader, error) {
		model := cfg.ModelName
		if model == "" {
			model = ThumbnailModel
		}
		return model, func(context.Context) (Encoder, error) {
			return ThumbnailEncoder{}, nil
		}, nil
	})

	Register("http", func(cfg config.EmbeddingConfig) (string, Loader, error) {
		if cfg.URL == "" {
			return "", nil, fmt.Errorf("embedding: http provider requires a URL")
		}
		model := cfg.ModelName
		if model == "" {
			model = "remote"
		}
		return model, func(ctx context.Context) (Encoder, error) {
			enc := NewHTTPEncoder(HTTPConfig{BaseURL: cfg.URL, Model: model, Timeout: cfg.Timeout})
			if err := enc.HealthCheck(ctx); err != nil {
				return nil, err
			}
			return enc, nil
		}, nil
	})
}

// NewFromConfig returns a Provider for the encoder cfg.Provider names.
func NewFromConfig(cfg config.EmbeddingConfig) (*Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding: unsupported provider %q (available: %v)", cfg.Provider, Providers())
	}

	model, load, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return NewProvider(model, load, Options{
		RetryAfter:         cfg.RetryAfter,
		RejectWhileLoading: cfg.RejectWhileLoading,
	}), nil
}
