package dnn

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/pkg/types"
)

func TestL2Normalize(t *testing.T) {
	v := l2Normalize(types.Vector{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := l2Normalize(types.Vector{0, 0})
	assert.Equal(t, types.Vector{0, 0}, zero)
}

func TestRegisteredProvider(t *testing.T) {
	assert.Contains(t, embedding.Providers(), "dnn")

	_, err := embedding.NewFromConfig(config.EmbeddingConfig{Provider: "dnn"})
	assert.Error(t, err, "model path is required")

	p, err := embedding.NewFromConfig(config.EmbeddingConfig{Provider: "dnn", ModelPath: "/nonexistent/model.onnx"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, p.Model())

	_, err = p.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, embedding.ErrModelUnavailable)
}

// TestEncoder_RealModel needs an exported CLIP visual encoder.
func TestEncoder_RealModel(t *testing.T) {
	path := os.Getenv("SKETCH_TEST_ONNX_MODEL")
	if path == "" {
		t.Skip("SKETCH_TEST_ONNX_MODEL not set; skipping ONNX inference test")
	}

	enc, err := NewEncoder(path, DefaultModel)
	require.NoError(t, err)
	defer enc.Close()

	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}

	a, err := enc.Embed(context.Background(), img)
	require.NoError(t, err)
	b, err := enc.Embed(context.Background(), img)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	var norm float64
	for i := range a {
		assert.InDelta(t, a[i], b[i], 1e-4)
		norm += float64(a[i]) * float64(a[i])
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}
