package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/pkg/types"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecode_PNGRoundTrip(t *testing.T) {
	src := solid(4, 3, color.RGBA{10, 20, 30, 255})
	data, err := EncodePNG(src)
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())
}

func TestDecode_JPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(8, 8, color.Gray{128}), nil))

	_, format, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecode_RejectsOversizedDimensions(t *testing.T) {
	// A few KB of PNG that declares a 12000x12000 canvas.
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 12000, 12000))))
	require.Less(t, buf.Len(), 1<<20)

	_, _, err := Decode(buf.Bytes())
	assert.ErrorIs(t, err, ErrUndecodable)

	_, _, err = DecodeLimit(buf.Bytes(), 1000*1000)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecodeLimit(t *testing.T) {
	data, err := EncodePNG(solid(100, 50, color.RGBA{1, 2, 3, 255}))
	require.NoError(t, err)

	_, _, err = DecodeLimit(data, 5000)
	require.NoError(t, err)

	_, _, err = DecodeLimit(data, 4999)
	assert.ErrorIs(t, err, ErrUndecodable)

	_, _, err = DecodeLimit(data, 0)
	assert.NoError(t, err, "zero selects the default limit")
}

func TestIsSupportedFormat(t *testing.T) {
	for _, p := range []string{"a.png", "b.JPG", "dir/c.jpeg", "d.webp", "e.TIFF", "f.bmp", "g.gif"} {
		assert.True(t, IsSupportedFormat(p), p)
	}
	for _, p := range []string{"a.txt", "b", "c.heic", "d.png.bak"} {
		assert.False(t, IsSupportedFormat(p), p)
	}
}

func TestResize(t *testing.T) {
	out := Resize(solid(10, 20, color.RGBA{200, 100, 50, 255}), 5, 7)
	assert.Equal(t, image.Rect(0, 0, 5, 7), out.Bounds())
	r, g, b, a := out.At(2, 3).RGBA()
	assert.InDelta(t, 200, int(r>>8), 1)
	assert.InDelta(t, 100, int(g>>8), 1)
	assert.InDelta(t, 50, int(b>>8), 1)
	assert.InDelta(t, 255, int(a>>8), 1)
}

func TestFlatten_TransparentBecomesWhite(t *testing.T) {
	out := Flatten(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(1, 1))
}

func TestContrast(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{100, 100, 100, 255})
	img.SetRGBA(1, 0, color.RGBA{200, 200, 200, 255})

	// Mean luminance is 150: 100 -> 75, 200 -> 225.
	out := Contrast(img, 1.5)
	assert.Equal(t, uint8(75), out.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(225), out.RGBAAt(1, 0).R)

	same := Contrast(img, 1)
	assert.Equal(t, img.Pix, same.Pix)
}

func TestContrast_Clamps(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	img.SetRGBA(1, 0, color.RGBA{255, 255, 255, 255})

	out := Contrast(img, 3)
	assert.Equal(t, uint8(0), out.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), out.RGBAAt(1, 0).R)
}

func TestPreprocess(t *testing.T) {
	src := solid(40, 30, color.RGBA{90, 90, 90, 255})

	std := Preprocess(src, types.StrategyStandard)
	assert.Equal(t, src.Bounds(), std.Bounds())

	face := Preprocess(src, types.StrategyFace)
	assert.Equal(t, image.Rect(0, 0, FaceSize, FaceSize), face.Bounds())
}

func TestGrayscale(t *testing.T) {
	g := Grayscale(solid(3, 2, color.RGBA{255, 255, 255, 255}))
	require.Len(t, g, 6)
	assert.InDelta(t, 255.0, g[5], 1e-9)
}
