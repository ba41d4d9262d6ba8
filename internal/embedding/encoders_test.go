package embedding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/internal/config"
	"github.com/scrypster/sketchmatch/internal/imaging"
)

func gradient(w, h int, invert bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestThumbnailEncoder(t *testing.T) {
	enc := ThumbnailEncoder{}
	ctx := context.Background()

	a, err := enc.Embed(ctx, gradient(64, 64, false))
	require.NoError(t, err)
	require.Len(t, a, thumbnailSide*thumbnailSide)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)

	t.Run("deterministic", func(t *testing.T) {
		b, err := enc.Embed(ctx, gradient(64, 64, false))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("inverted image points the other way", func(t *testing.T) {
		b, err := enc.Embed(ctx, gradient(64, 64, true))
		require.NoError(t, err)
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		assert.Less(t, dot, -0.9)
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := enc.Embed(cctx, gradient(8, 8, false))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func newEmbedServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/embed":
			hits.Add(1)
			if status != http.StatusOK {
				http.Error(w, "model crashed", status)
				return
			}
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if _, _, err := imaging.Decode(data); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.6, 0.8}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHTTPEncoder_Embed(t *testing.T) {
	var hits atomic.Int32
	srv := newEmbedServer(t, http.StatusOK, &hits)
	defer srv.Close()

	enc := NewHTTPEncoder(HTTPConfig{BaseURL: srv.URL + "/", Model: "clip-remote", Timeout: 5 * time.Second})
	assert.Equal(t, "clip-remote", enc.Model())
	require.NoError(t, enc.HealthCheck(context.Background()))

	v, err := enc.Embed(context.Background(), gradient(8, 8, false))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, []float32(v))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPEncoder_CircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := newEmbedServer(t, http.StatusInternalServerError, &hits)
	defer srv.Close()

	enc := NewHTTPEncoder(HTTPConfig{BaseURL: srv.URL, Model: "clip-remote"})
	img := gradient(8, 8, false)

	for i := 0; i < 3; i++ {
		_, err := enc.Embed(context.Background(), img)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	}

	_, err := enc.Embed(context.Background(), img)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), hits.Load(), "open circuit must not reach the service")
	assert.Equal(t, "open", enc.circuitBreaker.State())
}

func TestHTTPEncoder_HealthCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	enc := NewHTTPEncoder(HTTPConfig{BaseURL: srv.URL})
	err := enc.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreakerWithConfig("test", CircuitBreakerConfig{
		MaxFailures:          2,
		Timeout:              time.Minute,
		HalfOpenMaxSuccesses: 1,
	})

	_, err := cb.Execute(context.Background(), func() (interface{}, error) { return 1, nil })
	require.NoError(t, err)
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return nil, assert.AnError })
	require.ErrorIs(t, err, assert.AnError)

	m := cb.Metrics()
	assert.Equal(t, uint64(2), m.TotalRequests)
	assert.Equal(t, uint64(1), m.TotalSuccesses)
	assert.Equal(t, uint64(1), m.TotalFailures)
	assert.Equal(t, uint32(1), m.ConsecutiveFailures)
	assert.Equal(t, "closed", cb.State())
}

func TestNewFromConfig(t *testing.T) {
	assert.Subset(t, Providers(), []string{"http", "thumbnail"})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewFromConfig(config.EmbeddingConfig{Provider: "magic"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider")
	})

	t.Run("thumbnail", func(t *testing.T) {
		p, err := NewFromConfig(config.EmbeddingConfig{Provider: "thumbnail"})
		require.NoError(t, err)
		assert.Equal(t, ThumbnailModel, p.Model())
		assert.Equal(t, StateUninitialized, p.State())

		require.NoError(t, p.Ready(context.Background()))
		assert.Equal(t, StateReady, p.State())
	})

	t.Run("http requires url", func(t *testing.T) {
		_, err := NewFromConfig(config.EmbeddingConfig{Provider: "http"})
		assert.Error(t, err)
	})

	t.Run("http unreachable fails the load", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		p, err := NewFromConfig(config.EmbeddingConfig{Provider: "http", URL: srv.URL, Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, "remote", p.Model())

		err = p.Ready(context.Background())
		assert.ErrorIs(t, err, ErrModelUnavailable)
		assert.Equal(t, StateFailed, p.State())
	})

	t.Run("register rejects duplicates", func(t *testing.T) {
		assert.Panics(t, func() {
			Register("thumbnail", func(config.EmbeddingConfig) (string, Loader, error) { return "", nil, nil })
		})
	})
}
