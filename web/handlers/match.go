package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/sketchmatch/internal/embedcache"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/search"
	"github.com/scrypster/sketchmatch/internal/session"
	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// Searcher ranks the reference corpus against a query.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// CacheAdmin invalidates memoized embeddings.
type CacheAdmin interface {
	Invalidate(ctx context.Context, id string) error
	InvalidateAll(ctx context.Context) error
	Stats() embedcache.Stats
	Stored(ctx context.Context) (map[string]int, error)
}

// ModelStatus reports the embedding provider's lifecycle.
type ModelStatus interface {
	Model() string
	State() embedding.State
}

// MatchConfig holds the request limits of the ranking endpoints.
type MatchConfig struct {
	MaxUploadSize int64
	DefaultTopN   int
	RetryAfter    time.Duration
}

// MatchHandlers serves sketch-to-photo ranking.
type MatchHandlers struct {
	searcher   Searcher
	sessions   *session.Manager
	references storage.ImageStore
	cache      CacheAdmin
	model      ModelStatus
	cfg        MatchConfig
}

// NewMatchHandlers creates ranking handlers. references reads the corpus
// for thumbnails.
func NewMatchHandlers(searcher Searcher, sessions *session.Manager, references storage.ImageStore, cache CacheAdmin, model ModelStatus, cfg MatchConfig) *MatchHandlers {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 16 << 20
	}
	return &MatchHandlers{
		searcher:   searcher,
		sessions:   sessions,
		references: references,
		cache:      cache,
		model:      model,
		cfg:        cfg,
	}
}

// Health handles GET /api/health. It does not trigger a model load.
func (h *MatchHandlers) Health(w http.ResponseWriter, r *http.Request) {
	state := h.model.State()
	status := "ok"
	if state == embedding.StateFailed {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Model:      h.model.Model(),
		ModelState: state.String(),
	})
}

// Compare handles POST /api/compare: the uploaded sketch is ranked against
// every reference image with the standard strategy.
func (h *MatchHandlers) Compare(w http.ResponseWriter, r *http.Request) {
	data, ok := readUpload(w, r, h.cfg.MaxUploadSize)
	if !ok {
		return
	}
	result, err := h.searcher.Search(r.Context(), search.Request{
		Query:    data,
		Strategy: types.StrategyStandard,
		TopN:     parseInt(r.FormValue("top_n"), h.cfg.DefaultTopN),
	})
	if err != nil {
		respondServiceError(w, err, h.cfg.RetryAfter)
		return
	}
	respondJSON(w, http.StatusOK, compareResponse(result))
}

// Match handles POST /api/match: the uploaded sketch is ranked with the
// face strategy and only the best match is returned.
func (h *MatchHandlers) Match(w http.ResponseWriter, r *http.Request) {
	data, ok := readUpload(w, r, h.cfg.MaxUploadSize)
	if !ok {
		return
	}
	result, err := h.searcher.Search(r.Context(), search.Request{
		Query:    data,
		Strategy: types.StrategyFace,
		TopN:     1,
	})
	if err != nil {
		respondServiceError(w, err, h.cfg.RetryAfter)
		return
	}

	resp := MatchResponse{
		SearchID:    result.ID,
		TotalImages: result.Total,
		Threshold:   result.Threshold,
		Model:       result.Model,
	}
	switch best := result.BestMatch; {
	case best == nil:
		resp.Message = "No reference images to compare against"
	case best.Matched:
		resp.Success = true
		resp.BestMatch = best
		resp.Message = fmt.Sprintf("Match found: %s (%.2f%%)", best.Filename, best.PredictionScore)
	default:
		resp.BestMatch = best
		resp.Message = fmt.Sprintf("No match above %.0f%% (best %.2f%%)", result.Threshold, best.PredictionScore)
	}
	respondJSON(w, http.StatusOK, resp)
}

// CompareSession handles POST /api/sessions/{id}/compare: the session's
// flattened composition is used as the query.
func (h *MatchHandlers) CompareSession(w http.ResponseWriter, r *http.Request) {
	img, _, err := flattenSession(r, h.sessions)
	if err != nil {
		respondServiceError(w, err, h.cfg.RetryAfter)
		return
	}

	q := r.URL.Query()
	strategy := types.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = types.StrategyStandard
	}
	result, err := h.searcher.Search(r.Context(), search.Request{
		Image:    img,
		Strategy: strategy,
		TopN:     parseInt(q.Get("top_n"), h.cfg.DefaultTopN),
	})
	if err != nil {
		respondServiceError(w, err, h.cfg.RetryAfter)
		return
	}
	respondJSON(w, http.StatusOK, compareResponse(result))
}

// ReferenceImage handles GET /reference-image/{path...}.
func (h *MatchHandlers) ReferenceImage(w http.ResponseWriter, r *http.Request) {
	rel := extractID(r, "path")
	if !imaging.IsSupportedFormat(rel) {
		respondError(w, http.StatusNotFound, "image not found", nil)
		return
	}
	data, err := h.references.ReadImageBytes(r.Context(), rel)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	writeImage(w, http.DetectContentType(data), data)
}

// InvalidateCache handles POST /api/cache/invalidate. An empty body or ID
// drops every memoized embedding.
func (h *MatchHandlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := strings.TrimSpace(req.ID)
	var err error
	if id == "" {
		id = "*"
		err = h.cache.InvalidateAll(r.Context())
	} else {
		err = h.cache.Invalidate(r.Context(), id)
	}
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, CacheResponse{Invalidated: id, Stats: h.cache.Stats()})
}

// CacheStats handles GET /api/cache/stats.
func (h *MatchHandlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stored, err := h.cache.Stored(r.Context())
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, CacheResponse{Stats: h.cache.Stats(), Stored: stored})
}

func compareResponse(result *search.Result) CompareResponse {
	matched := 0
	for _, m := range result.Matches {
		if m.Matched {
			matched++
		}
	}
	return CompareResponse{
		Success:      true,
		Message:      fmt.Sprintf("Searched %d reference images", result.Total),
		SearchID:     result.ID,
		TotalImages:  result.Total,
		Skipped:      result.Skipped,
		MatchesFound: matched,
		Threshold:    result.Threshold,
		Model:        result.Model,
		Results:      result.Matches,
	}
}
