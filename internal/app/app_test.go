package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/pkg/types"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Paths: config.PathsConfig{
			Assets:    filepath.Join(root, "assets"),
			Reference: filepath.Join(root, "reference"),
			Output:    filepath.Join(root, "output"),
			Data:      filepath.Join(root, "data"),
		},
		Embedding: config.EmbeddingConfig{Provider: "thumbnail"},
		Cache:     config.CacheConfig{Backend: backend, L1Size: 16},
		Search:    config.SearchConfig{Workers: 2, MaxCorpusSize: 100, StandardThreshold: 30, FaceThreshold: 35},
	}
}

func writeStripes(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if (x/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestNew_SQLiteBackendPersistsEmbeddings(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	writeStripes(t, filepath.Join(cfg.Paths.Reference, "a.png"))

	a, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, a.Embeddings)
	assert.Equal(t, embedding.ThumbnailModel, a.Provider.Model())

	stats, err := a.Searcher.Warm(context.Background(), types.StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Images)
	require.NoError(t, a.Close())

	// A second process sees the vector computed by the first.
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Close()
	n, err := b.Embeddings.CountEmbeddings(context.Background(), embedding.ThumbnailModel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_MemoryBackend(t *testing.T) {
	a, err := New(testConfig(t, "memory"))
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Embeddings)
	assert.Equal(t, embedding.StateUninitialized, a.Provider.State())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(testConfig(t, "redis"))
	assert.ErrorContains(t, err, "unknown cache backend")

	cfg := testConfig(t, "memory")
	cfg.Embedding.Provider = "quantum"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestApp_Warmup(t *testing.T) {
	a, err := New(testConfig(t, "memory"))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Warmup(context.Background(), 5*time.Second))
	assert.Equal(t, embedding.StateReady, a.Provider.State())
}

func TestApp_WarmupFailures(t *testing.T) {
	broken := &App{Provider: embedding.NewProvider("broken", func(context.Context) (embedding.Encoder, error) {
		return nil, errors.New("no weights")
	}, embedding.Options{})}
	err := broken.Warmup(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, embedding.ErrModelUnavailable)
	assert.Equal(t, embedding.StateFailed, broken.Provider.State())

	release := make(chan struct{})
	defer close(release)
	slow := &App{Provider: embedding.NewProvider("slow", func(context.Context) (embedding.Encoder, error) {
		<-release
		return embedding.ThumbnailEncoder{}, nil
	}, embedding.Options{})}
	err = slow.Warmup(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApp_CloseTwice(t *testing.T) {
	a, err := New(testConfig(t, "sqlite"))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestSetupLogging(t *testing.T) {
	closeFn, err := SetupLogging("")
	require.NoError(t, err)
	closeFn()

	path := filepath.Join(t.TempDir(), "sketchmatch.log")
	closeFn, err = SetupLogging(path)
	require.NoError(t, err)
	log.Printf("app: hello from the test")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")

	_, err = SetupLogging(filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	assert.Error(t, err)
}
