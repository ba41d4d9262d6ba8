package ranking

import (
	"math"

	"github.com/scrypster/sketchmatch/pkg/types"
)

const (
	// DefaultStandardThreshold is the prediction score a standard match needs.
	DefaultStandardThreshold = 30.0

	// DefaultFaceThreshold is the prediction score a face match needs.
	DefaultFaceThreshold = 35.0

	faceBoostFloor  = 0.7
	faceBoostFactor = 20.0
)

// Scorer turns raw cosine scores into percentage prediction scores and a
// matched flag. It never reorders matches.
type Scorer struct {
	Strategy  types.Strategy
	Threshold float64
}

// NewScorer returns a Scorer for strategy. A threshold <= 0 selects the
// strategy default.
func NewScorer(strategy types.Strategy, threshold float64) Scorer {
	if threshold <= 0 {
		threshold = DefaultStandardThreshold
		if strategy == types.StrategyFace {
			threshold = DefaultFaceThreshold
		}
	}
	return Scorer{Strategy: strategy, Threshold: threshold}
}

// PredictionScore maps a cosine similarity from [-1, 1] to [0, 100]. Face
// scoring adds a boost for similarities above 0.7.
func (s Scorer) PredictionScore(sim float64) float64 {
	score := (sim + 1) / 2 * 100
	if s.Strategy == types.StrategyFace && sim > faceBoostFloor {
		score = math.Min(score+(sim-faceBoostFloor)*faceBoostFactor, 100)
	}
	return math.Round(score*100) / 100
}

// Apply fills PredictionScore and Matched on every match in result.
func (s Scorer) Apply(result types.MatchResult) types.MatchResult {
	for i := range result.Matches {
		m := &result.Matches[i]
		m.PredictionScore = s.PredictionScore(m.Score)
		m.Matched = m.PredictionScore >= s.Threshold
	}
	return result
}
