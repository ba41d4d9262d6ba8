// Package imaging decodes, resizes and normalizes images for composition
// and embedding.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	"image/png"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/tiff" // TIFF decoder
	_ "golang.org/x/image/webp" // WebP decoder

	"github.com/scrypster/sketchmatch/pkg/types"
)

// ErrUndecodable is returned when bytes are not an image in a supported format.
var ErrUndecodable = errors.New("undecodable image")

// FaceSize is the square side face-mode preprocessing resizes to.
const FaceSize = 224

// FaceContrast is the contrast factor applied in face mode.
const FaceContrast = 1.5

var supportedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

// IsSupportedFormat checks if the given path has a supported image extension.
func IsSupportedFormat(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// DefaultMaxPixels bounds the decoded size accepted by Decode.
const DefaultMaxPixels = 40_000_000

// Decode decodes image bytes and returns the image and its format name.
// Images larger than DefaultMaxPixels are rejected.
func Decode(data []byte) (image.Image, string, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit width*height limit. The header is
// checked before any pixel data is decoded. A limit <= 0 selects
// DefaultMaxPixels.
func DecodeLimit(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrUndecodable)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxPixels/cfg.Height {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUndecodable, cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return img, format, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA returns img as an *image.RGBA with bounds starting at the origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Resize scales img to w x h with Catmull-Rom interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Flatten composites img over an opaque white background, dropping alpha.
func Flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Contrast scales every channel away from the mean luminance of img by
// factor. A factor of 1 returns an identical copy.
func Contrast(img image.Image, factor float64) *image.RGBA {
	src := ToRGBA(img)
	b := src.Bounds()

	var sum float64
	n := b.Dx() * b.Dy()
	for i := 0; i < len(src.Pix); i += 4 {
		sum += luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	// Rounded like an 8-bit grayscale mean.
	mean = float64(int(mean + 0.5))

	dst := image.NewRGBA(b)
	for i := 0; i < len(src.Pix); i += 4 {
		dst.Pix[i] = clamp8(mean + factor*(float64(src.Pix[i])-mean))
		dst.Pix[i+1] = clamp8(mean + factor*(float64(src.Pix[i+1])-mean))
		dst.Pix[i+2] = clamp8(mean + factor*(float64(src.Pix[i+2])-mean))
		dst.Pix[i+3] = src.Pix[i+3]
	}
	return dst
}

// Preprocess prepares an image for embedding according to strategy.
// Standard returns the image flattened onto white; face resizes to
// FaceSize x FaceSize and raises contrast by FaceContrast.
func Preprocess(img image.Image, strategy types.Strategy) image.Image {
	flat := Flatten(img)
	if strategy != types.StrategyFace {
		return flat
	}
	return Contrast(Resize(flat, FaceSize, FaceSize), FaceContrast)
}

// Grayscale returns the ITU-R 601 luma of each pixel, row-major.
func Grayscale(img *image.RGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			out = append(out, luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2]))
		}
	}
	return out
}

func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
