// Package ranking scores reference embeddings against a query embedding.
package ranking

import (
	"math"
	"path"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/scrypster/sketchmatch/pkg/types"
)

// Candidate is one corpus embedding to be ranked.
type Candidate struct {
	ID     string
	Vector types.Vector
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Empty vectors,
// vectors of different lengths and zero-magnitude vectors score 0.
func Cosine(a, b types.Vector) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	fa, fb := widen(a), widen(b)

	na, nb := floats.Norm(fa, 2), floats.Norm(fb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := floats.Dot(fa, fb) / (na * nb)
	if math.IsNaN(sim) {
		return 0
	}
	// Rounding can push parallel vectors slightly past 1.
	return math.Max(-1, math.Min(1, sim))
}

func widen(v types.Vector) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Rank scores every candidate against query and returns the topN best,
// ordered by descending score with ties broken by ascending ID. topN <= 0
// returns all candidates. Only ImageID, Filename and Score are set.
func Rank(query types.Vector, corpus []Candidate, topN int) types.MatchResult {
	matches := make([]types.Match, 0, len(corpus))
	for _, c := range corpus {
		matches = append(matches, types.Match{
			ImageID:  c.ID,
			Filename: path.Base(c.ID),
			Score:    Cosine(query, c.Vector),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ImageID < matches[j].ImageID
	})

	if topN > 0 && topN < len(matches) {
		matches = matches[:topN]
	}
	return types.MatchResult{Matches: matches}
}
