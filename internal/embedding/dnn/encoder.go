// Package dnn runs an ONNX image encoder (by default the visual tower of
// CLIP ViT-B/32) through OpenCV's dnn module.
//
// Importing the package registers the "dnn" embedding provider.
package dnn

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// DefaultModel names vectors from the stock CLIP export.
const DefaultModel = "clip-vit-b32"

// InputSize is the square input side of the network.
const InputSize = 224

// CLIP preprocessing constants, RGB order.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

func init() {
	embedding.Register("dnn", func(cfg config.EmbeddingConfig) (string, embedding.Loader, error) {
		if cfg.ModelPath == "" {
			return "", nil, errors.New("dnn: model path is required")
		}
		model := cfg.ModelName
		if model == "" {
			model = DefaultModel
		}
		return model, func(context.Context) (embedding.Encoder, error) {
			return NewEncoder(cfg.ModelPath, model)
		}, nil
	})
}

// Encoder holds a loaded network. Inference is serialized because a
// gocv.Net is not safe for concurrent use.
type Encoder struct {
	model string

	mu  sync.Mutex
	net gocv.Net
}

// NewEncoder loads the ONNX file at path.
func NewEncoder(path, model string) (*Encoder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dnn: model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return nil, fmt.Errorf("dnn: failed to load network from %s", path)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnn: set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnn: set target: %w", err)
	}
	return &Encoder{model: model, net: net}, nil
}

// Model returns the model name.
func (e *Encoder) Model() string {
	return e.model
}

// Embed runs the network on img and returns the L2-normalized output.
func (e *Encoder) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(imaging.Flatten(img))
	if err != nil {
		return nil, fmt.Errorf("dnn: convert image: %w", err)
	}
	defer mat.Close()

	// Scales to [0,1], resizes the short side to InputSize, center crops and
	// swaps the BGR Mat to RGB.
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(InputSize, InputSize), gocv.NewScalar(0, 0, 0, 0), true, true)
	defer blob.Close()

	if err := normalizeBlob(blob); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("dnn: read output: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("dnn: network produced no output")
	}

	v := make(types.Vector, len(data))
	copy(v, data)
	return l2Normalize(v), nil
}

// Close releases the network.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}

// normalizeBlob applies the per-channel CLIP mean and std in place on an
// NCHW float blob.
func normalizeBlob(blob gocv.Mat) error {
	data, err := blob.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("dnn: read blob: %w", err)
	}
	plane := InputSize * InputSize
	if len(data) != 3*plane {
		return fmt.Errorf("dnn: unexpected blob size %d", len(data))
	}
	for c := 0; c < 3; c++ {
		ch := data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - clipMean[c]) / clipStd[c]
		}
	}
	return nil
}

func l2Normalize(v types.Vector) types.Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

var _ embedding.Encoder = (*Encoder)(nil)
