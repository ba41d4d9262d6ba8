// Package search ranks the reference corpus against a query image.
package search

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/sketchmatch/internal/corpus"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/ranking"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// ErrInvalidQuery indicates the query image could not be decoded.
var ErrInvalidQuery = errors.New("invalid query image")

// Embedder embeds the query image. *embedding.Provider implements it.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (types.Vector, error)
	Model() string
}

// VectorCache returns corpus embeddings. *embedcache.Cache implements it.
type VectorCache interface {
	GetOrComputeFor(ctx context.Context, ref types.ReferenceImage, strategy types.Strategy) (types.Vector, error)
}

// Config tunes a Searcher.
type Config struct {
	// ReferenceRoot is the corpus directory.
	ReferenceRoot string

	// Workers bounds concurrent corpus embeddings. Zero selects
	// GOMAXPROCS*3/4, at least 1.
	Workers int

	// MaxCorpusSize caps the number of images ranked per request. Zero
	// means no cap.
	MaxCorpusSize int

	StandardThreshold float64
	FaceThreshold     float64

	// DefaultTopN applies when a request does not set TopN. Zero returns
	// all matches.
	DefaultTopN int

	// MaxImagePixels bounds the decoded query size. Zero selects
	// imaging.DefaultMaxPixels.
	MaxImagePixels int
}

// Request is one ranking request. Image takes precedence over Query.
type Request struct {
	Query    []byte
	Image    image.Image
	Strategy types.Strategy
	TopN     int
}

// Result is the outcome of a search.
type Result struct {
	ID        string         `json:"search_id"`
	Matches   []types.Match  `json:"results"`
	Total     int            `json:"total_compared"`
	Skipped   int            `json:"skipped"`
	BestMatch *types.Match   `json:"best_match,omitempty"`
	Threshold float64        `json:"threshold"`
	Strategy  types.Strategy `json:"strategy"`
	Model     string         `json:"model"`
	Duration  time.Duration  `json:"-"`
}

// Stage names a point in a search's progress.
type Stage string

const (
	StageStarted   Stage = "started"
	StageEmbedding Stage = "embedding"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Progress is reported to the ProgressFunc while a search runs.
type Progress struct {
	SearchID string `json:"search_id"`
	Stage    Stage  `json:"stage"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
}

// ProgressFunc receives progress events. It must not block.
type ProgressFunc func(Progress)

// progressStep is how many corpus images pass between embedding events.
const progressStep = 10

// Searcher is safe for concurrent use.
type Searcher struct {
	cfg      Config
	embedder Embedder
	cache    VectorCache

	mu       sync.RWMutex
	progress ProgressFunc
}

// New returns a Searcher over the corpus at cfg.ReferenceRoot.
func New(cfg Config, embedder Embedder, cache VectorCache) *Searcher {
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.GOMAXPROCS(0)*3/4, 1)
	}
	return &Searcher{cfg: cfg, embedder: embedder, cache: cache}
}

// SetProgressFunc installs fn as the progress listener. Nil disables events.
func (s *Searcher) SetProgressFunc(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
}

func (s *Searcher) emit(p Progress) {
	s.mu.RLock()
	fn := s.progress
	s.mu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

// Threshold returns the prediction score threshold for strategy.
func (s *Searcher) Threshold(strategy types.Strategy) float64 {
	if strategy == types.StrategyFace {
		return ranking.NewScorer(strategy, s.cfg.FaceThreshold).Threshold
	}
	return ranking.NewScorer(strategy, s.cfg.StandardThreshold).Threshold
}

// Search embeds the query, ranks the corpus as listed when the search
// starts, and returns the top matches. Corpus images that cannot be read or
// decoded are skipped; model failures abort the search.
func (s *Searcher) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	strategy := req.Strategy
	if strategy == "" {
		strategy = types.StrategyStandard
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidQuery, strategy)
	}

	img := req.Image
	if img == nil {
		decoded, _, err := imaging.DecodeLimit(req.Query, s.cfg.MaxImagePixels)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		img = decoded
	}

	searchID := uuid.New().String()
	result, err := s.search(ctx, searchID, img, strategy, req.TopN)
	if err != nil {
		s.emit(Progress{SearchID: searchID, Stage: StageFailed})
		return nil, err
	}
	result.Duration = time.Since(start)

	log.Printf("search: %s strategy=%s compared=%d skipped=%d in %v",
		searchID, strategy, result.Total, result.Skipped, result.Duration.Round(time.Millisecond))
	return result, nil
}

func (s *Searcher) search(ctx context.Context, searchID string, img image.Image, strategy types.Strategy, topN int) (*Result, error) {
	query, err := s.embedder.Embed(ctx, imaging.Preprocess(img, strategy))
	if err != nil {
		return nil, err
	}

	refs, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	s.emit(Progress{SearchID: searchID, Stage: StageStarted, Total: len(refs)})

	candidates, skipped, err := s.embedCorpus(ctx, refs, strategy, func(done int) {
		if done%progressStep == 0 || done == len(refs) {
			s.emit(Progress{SearchID: searchID, Stage: StageEmbedding, Done: done, Total: len(refs)})
		}
	})
	if err != nil {
		return nil, err
	}

	if topN <= 0 {
		topN = s.cfg.DefaultTopN
	}
	scorer := ranking.NewScorer(strategy, s.Threshold(strategy))
	ranked := scorer.Apply(ranking.Rank(query, candidates, topN))

	s.emit(Progress{SearchID: searchID, Stage: StageCompleted, Done: len(refs), Total: len(refs)})
	return &Result{
		ID:        searchID,
		Matches:   ranked.Matches,
		Total:     len(candidates),
		Skipped:   skipped,
		BestMatch: ranked.Best(),
		Threshold: scorer.Threshold,
		Strategy:  strategy,
		Model:     s.embedder.Model(),
	}, nil
}

// snapshot lists the corpus once and applies MaxCorpusSize.
func (s *Searcher) snapshot() ([]types.ReferenceImage, error) {
	refs, err := corpus.List(s.cfg.ReferenceRoot)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxCorpusSize > 0 && len(refs) > s.cfg.MaxCorpusSize {
		log.Printf("search: corpus has %d images, ranking the first %d", len(refs), s.cfg.MaxCorpusSize)
		refs = refs[:s.cfg.MaxCorpusSize]
	}
	return refs, nil
}

// embedCorpus fetches the vector of every ref with a bounded worker pool.
// Per-image failures are logged by ID and counted; model failures and
// context cancellation stop the pool.
func (s *Searcher) embedCorpus(ctx context.Context, refs []types.ReferenceImage, strategy types.Strategy, onDone func(int)) ([]ranking.Candidate, int, error) {
	vectors := make([]types.Vector, len(refs))
	var skipped, done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for i, ref := range refs {
		g.Go(func() error {
			v, err := s.cache.GetOrComputeFor(gctx, ref, strategy)
			if err != nil {
				if isFatal(err) || gctx.Err() != nil {
					return err
				}
				log.Printf("search: skipping %s: %v", ref.ID, err)
				skipped.Add(1)
			} else {
				vectors[i] = v
			}
			onDone(int(done.Add(1)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	candidates := make([]ranking.Candidate, 0, len(refs))
	for i, ref := range refs {
		if vectors[i] == nil {
			continue
		}
		candidates = append(candidates, ranking.Candidate{ID: ref.ID, Vector: vectors[i]})
	}
	return candidates, int(skipped.Load()), nil
}

func isFatal(err error) bool {
	return errors.Is(err, embedding.ErrModelUnavailable) ||
		errors.Is(err, embedding.ErrNotReady) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// WarmStats summarizes a Warm run.
type WarmStats struct {
	Images  int
	Skipped int
}

// Warm computes and caches the embedding of every corpus image for strategy.
func (s *Searcher) Warm(ctx context.Context, strategy types.Strategy) (WarmStats, error) {
	refs, err := s.snapshot()
	if err != nil {
		return WarmStats{}, err
	}
	candidates, skipped, err := s.embedCorpus(ctx, refs, strategy, func(done int) {
		if done%100 == 0 {
			log.Printf("search: warmed %d/%d", done, len(refs))
		}
	})
	if err != nil {
		return WarmStats{}, err
	}
	return WarmStats{Images: len(candidates), Skipped: skipped}, nil
}
