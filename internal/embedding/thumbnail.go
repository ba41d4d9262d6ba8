package embedding

import (
	"context"
	"image"
	"math"

	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// ThumbnailModel is the model name of ThumbnailEncoder vectors.
const ThumbnailModel = "thumbnail-16"

const thumbnailSide = 16

// ThumbnailEncoder is a pure-Go encoder needing no model file. It shrinks
// the image to a 16x16 grayscale thumbnail and centers it on its mean
// brightness, so cosine similarity compares tonal layout. Vectors are
// L2-normalized. It is meant for development and tests, not for recognizing
// faces.
type ThumbnailEncoder struct{}

// Model returns ThumbnailModel.
func (ThumbnailEncoder) Model() string {
	return ThumbnailModel
}

// Embed returns a 256-dimensional vector for img. A uniform image yields the
// zero vector, which ranks with score 0.
func (ThumbnailEncoder) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gray := imaging.Grayscale(imaging.Resize(imaging.Flatten(img), thumbnailSide, thumbnailSide))

	var sum float64
	for _, g := range gray {
		sum += g
	}
	mean := sum / float64(len(gray))

	v := make(types.Vector, len(gray))
	var norm float64
	for i, g := range gray {
		d := (g - mean) / 255
		v[i] = float32(d)
		norm += d * d
	}

	if norm > 0 {
		scale := 1 / math.Sqrt(norm)
		for i := range v {
			v[i] = float32(float64(v[i]) * scale)
		}
	}
	return v, nil
}

var _ Encoder = ThumbnailEncoder{}
