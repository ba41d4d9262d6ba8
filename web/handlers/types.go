package handlers

import (
	"github.com/scrypster/sketchmatch/internal/embedcache"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Model      string `json:"model"`
	ModelState string `json:"model_state"`
}

// CategoryInfo describes one feature category for GET /api/categories.
type CategoryInfo struct {
	Category         types.Category  `json:"category"`
	ZOrder           int             `json:"z_order"`
	DefaultPlacement types.Placement `json:"default_placement"`
}

// CategoriesResponse is the response format for GET /api/categories.
type CategoriesResponse struct {
	Categories []CategoryInfo `json:"categories"`
	Canvas     types.Canvas   `json:"canvas"`
}

// AssetsResponse is the response format for GET /api/assets/{category}.
type AssetsResponse struct {
	Category types.Category `json:"category"`
	Assets   []string       `json:"assets"`
}

// SessionResponse describes a composition session.
type SessionResponse struct {
	ID          string                 `json:"id"`
	Composition types.CompositionState `json:"composition"`
}

// PlaceRequest is the request format for POST /api/sessions/{id}/layers.
type PlaceRequest struct {
	Category string `json:"category"`
	Filename string `json:"filename"`
}

// MoveRequest is the request format for POST .../layers/{category}/move.
type MoveRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ResizeRequest is the request format for POST .../layers/{category}/resize.
// Phase is "begin", "end" or empty for a single delta step.
type ResizeRequest struct {
	DX    int    `json:"dx"`
	DY    int    `json:"dy"`
	Phase string `json:"phase,omitempty"`
}

// LayerResponse is returned by layer edits.
type LayerResponse struct {
	Category  types.Category  `json:"category"`
	Placement types.Placement `json:"placement"`
}

// SaveResponse is the response format for POST /api/sessions/{id}/save.
type SaveResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// CompareResponse is the response format for POST /api/compare.
type CompareResponse struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	SearchID     string        `json:"search_id"`
	TotalImages  int           `json:"total_images"`
	Skipped      int           `json:"skipped"`
	MatchesFound int           `json:"matches_found"`
	Threshold    float64       `json:"threshold"`
	Model        string        `json:"model"`
	Results      []types.Match `json:"results"`
}

// MatchResponse is the response format for POST /api/match.
type MatchResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	SearchID    string       `json:"search_id"`
	BestMatch   *types.Match `json:"best_match"`
	TotalImages int          `json:"total_images"`
	Threshold   float64      `json:"threshold"`
	Model       string       `json:"model"`
}

// InvalidateRequest is the request format for POST /api/cache/invalidate.
// An empty ID invalidates every entry.
type InvalidateRequest struct {
	ID string `json:"id"`
}

// CacheResponse reports cache counters.
type CacheResponse struct {
	Invalidated string           `json:"invalidated,omitempty"`
	Stats       embedcache.Stats `json:"stats"`
	Stored      map[string]int   `json:"stored,omitempty"`
}
