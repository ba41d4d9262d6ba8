package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/internal/embedcache"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/ranking"
	"github.com/scrypster/sketchmatch/internal/storage"
	fsstore "github.com/scrypster/sketchmatch/internal/storage/fs"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// colorEmbedder embeds an image as the RGB of its top-left pixel.
type colorEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *colorEmbedder) Model() string { return "color" }

func (e *colorEmbedder) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	return types.Vector{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}, nil
}

func pngOf(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	data, err := imaging.EncodePNG(img)
	require.NoError(t, err)
	return data
}

func writeRef(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

type fixture struct {
	root     string
	embedder *colorEmbedder
	cache    *embedcache.Cache
	searcher *Searcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg.ReferenceRoot = root
	emb := &colorEmbedder{}
	cache, err := embedcache.New(fsstore.NewStore(root), emb, embedcache.Config{L1Size: 64})
	require.NoError(t, err)
	return &fixture{root: root, embedder: emb, cache: cache, searcher: New(cfg, emb, cache)}
}

func TestSearch_RanksCorpus(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	writeRef(t, f.root, "red.png", pngOf(t, color.RGBA{250, 10, 10, 255}))
	writeRef(t, f.root, "blue.png", pngOf(t, color.RGBA{10, 10, 250, 255}))
	writeRef(t, f.root, "suspects/red.png", pngOf(t, color.RGBA{250, 10, 10, 255}))
	writeRef(t, f.root, "pinkish.jpg", pngOf(t, color.RGBA{250, 120, 120, 255}))

	res, err := f.searcher.Search(context.Background(), Request{
		Query: pngOf(t, color.RGBA{250, 10, 10, 255}),
		TopN:  3,
	})
	require.NoError(t, err)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, "red.png", res.Matches[0].ImageID)
	assert.Equal(t, "suspects/red.png", res.Matches[1].ImageID, "ties break by ID")
	assert.Equal(t, "pinkish.jpg", res.Matches[2].ImageID)
	assert.InDelta(t, 1.0, res.Matches[0].Score, 1e-6)
	assert.True(t, res.Matches[0].Matched)
	assert.Equal(t, 4, res.Total)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, types.StrategyStandard, res.Strategy)
	assert.Equal(t, ranking.DefaultStandardThreshold, res.Threshold)
	assert.Equal(t, "color", res.Model)
	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "red.png", res.BestMatch.ImageID)
	assert.NotEmpty(t, res.ID)
}

func TestSearch_SecondSearchUsesCache(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 5; i++ {
		writeRef(t, f.root, fmt.Sprintf("%d.png", i), pngOf(t, color.RGBA{uint8(i * 40), 0, 0, 255}))
	}
	query := pngOf(t, color.RGBA{0, 200, 0, 255})

	_, err := f.searcher.Search(context.Background(), Request{Query: query})
	require.NoError(t, err)
	assert.Equal(t, 6, f.embedder.calls)

	_, err = f.searcher.Search(context.Background(), Request{Query: query})
	require.NoError(t, err)
	assert.Equal(t, 7, f.embedder.calls, "only the query is embedded again")
	assert.Equal(t, int64(5), f.cache.Stats().Hits)
}

func TestSearch_SkipsUnreadableImages(t *testing.T) {
	f := newFixture(t, Config{})
	writeRef(t, f.root, "good.png", pngOf(t, color.RGBA{1, 2, 3, 255}))
	writeRef(t, f.root, "corrupt.png", []byte("definitely not a png"))

	res, err := f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "good.png", res.Matches[0].ImageID)
}

func TestSearch_EmptyCorpus(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Nil(t, res.BestMatch)
	assert.Zero(t, res.Total)
}

func TestSearch_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	writeRef(t, f.root, "a.png", pngOf(t, color.RGBA{1, 2, 3, 255}))

	_, err := f.searcher.Search(context.Background(), Request{Query: []byte("garbage")})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{}), Strategy: "fuzzy"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	f.embedder.err = fmt.Errorf("%w: boom", embedding.ErrModelUnavailable)
	_, err = f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	assert.ErrorIs(t, err, embedding.ErrModelUnavailable)

	f.embedder.err = nil
	missing := New(Config{ReferenceRoot: filepath.Join(f.root, "nope")}, f.embedder, f.cache)
	_, err = missing.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearch_QueryTooLarge(t *testing.T) {
	f := newFixture(t, Config{MaxImagePixels: 15})
	writeRef(t, f.root, "a.png", pngOf(t, color.RGBA{1, 2, 3, 255}))

	_, err := f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.ErrorIs(t, err, imaging.ErrUndecodable)
	assert.Zero(t, f.embedder.calls)
}

// failingCache fails corpus lookups with a fixed error.
type failingCache struct{ err error }

func (c failingCache) GetOrComputeFor(context.Context, types.ReferenceImage, types.Strategy) (types.Vector, error) {
	return nil, c.err
}

func TestSearch_ModelFailureDuringCorpusIsFatal(t *testing.T) {
	root := t.TempDir()
	writeRef(t, root, "a.png", pngOf(t, color.RGBA{1, 2, 3, 255}))
	s := New(Config{ReferenceRoot: root}, &colorEmbedder{}, failingCache{err: embedding.ErrNotReady})

	_, err := s.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	assert.ErrorIs(t, err, embedding.ErrNotReady)

	s = New(Config{ReferenceRoot: root}, &colorEmbedder{}, failingCache{err: errors.New("disk on fire")})
	res, err := s.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{1, 2, 3, 255})})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestSearch_MaxCorpusSize(t *testing.T) {
	f := newFixture(t, Config{MaxCorpusSize: 2})
	for _, id := range []string{"c.png", "a.png", "b.png"} {
		writeRef(t, f.root, id, pngOf(t, color.RGBA{9, 9, 9, 255}))
	}
	res, err := f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{9, 9, 9, 255})})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"a.png", "b.png"}, []string{res.Matches[0].ImageID, res.Matches[1].ImageID})
}

func TestSearch_FaceStrategy(t *testing.T) {
	f := newFixture(t, Config{FaceThreshold: 90})
	writeRef(t, f.root, "a.png", pngOf(t, color.RGBA{200, 100, 50, 255}))

	res, err := f.searcher.Search(context.Background(), Request{
		Query:    pngOf(t, color.RGBA{200, 100, 50, 255}),
		Strategy: types.StrategyFace,
	})
	require.NoError(t, err)
	assert.Equal(t, 90.0, res.Threshold)
	require.Len(t, res.Matches, 1)
	assert.InDelta(t, 100.0, res.Matches[0].PredictionScore, 1e-9)
	assert.True(t, res.Matches[0].Matched)
}

func TestSearch_Progress(t *testing.T) {
	f := newFixture(t, Config{Workers: 1})
	for i := 0; i < 12; i++ {
		writeRef(t, f.root, fmt.Sprintf("%02d.png", i), pngOf(t, color.RGBA{uint8(i), 0, 0, 255}))
	}

	var mu sync.Mutex
	var events []Progress
	f.searcher.SetProgressFunc(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	})

	res, err := f.searcher.Search(context.Background(), Request{Query: pngOf(t, color.RGBA{5, 0, 0, 255})})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, StageStarted, events[0].Stage)
	assert.Equal(t, 12, events[0].Total)
	last := events[len(events)-1]
	assert.Equal(t, StageCompleted, last.Stage)
	assert.Equal(t, 12, last.Done)
	for _, e := range events {
		assert.Equal(t, res.ID, e.SearchID)
	}
}

func TestWarm(t *testing.T) {
	f := newFixture(t, Config{})
	writeRef(t, f.root, "a.png", pngOf(t, color.RGBA{1, 2, 3, 255}))
	writeRef(t, f.root, "b/c.png", pngOf(t, color.RGBA{3, 2, 1, 255}))
	writeRef(t, f.root, "bad.png", []byte("nope"))

	stats, err := f.searcher.Warm(context.Background(), types.StrategyStandard)
	require.NoError(t, err)
	assert.Equal(t, WarmStats{Images: 2, Skipped: 1}, stats)
	assert.Equal(t, int64(2), f.cache.Stats().Computations)
}
