package types

import (
	"path"
	"time"
)

// Vector is an embedding produced by one encoder model.
type Vector []float32

// ReferenceImage is a stored photograph in the reference corpus.
// ID is the slash-separated path relative to the corpus root and is unique
// within a corpus; Path is where the image store can read it.
type ReferenceImage struct {
	ID   string `json:"id"`
	Path string `json:"-"`
}

// Filename returns the base name of the image.
func (r ReferenceImage) Filename() string {
	return path.Base(r.ID)
}

// CacheEntry is a memoized embedding for one reference image. It is only
// valid while Fingerprint matches the current content of the image.
type CacheEntry struct {
	ImageID     string    `json:"image_id"`
	Fingerprint string    `json:"fingerprint"`
	Model       string    `json:"model"`
	Vector      Vector    `json:"-"`
	CachedAt    time.Time `json:"cached_at"`
}

// Match is one scored reference image.
type Match struct {
	ImageID         string  `json:"image_id"`
	Filename        string  `json:"filename"`
	Score           float64 `json:"similarity"`
	PredictionScore float64 `json:"prediction_score"`
	Matched         bool    `json:"matched"`
}

// MatchResult is ordered by descending Score, ties by ascending ImageID.
type MatchResult struct {
	Matches []Match `json:"matches"`
}

// Len returns the number of matches.
func (r MatchResult) Len() int {
	return len(r.Matches)
}

// Best returns the top match, or nil for an empty result.
func (r MatchResult) Best() *Match {
	if len(r.Matches) == 0 {
		return nil
	}
	m := r.Matches[0]
	return &m
}

// Strategy selects preprocessing and scoring for a ranking request.
type Strategy string

const (
	// StrategyStandard compares images as submitted.
	StrategyStandard Strategy = "standard"

	// StrategyFace normalizes size and contrast before comparing and boosts
	// strong similarities.
	StrategyFace Strategy = "face"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyStandard || s == StrategyFace
}
