package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// HTTPEncoder calls a remote image embedding service. Every call goes
// through a circuit breaker so a dead service fails fast.
type HTTPEncoder struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// HTTPConfig holds HTTPEncoder configuration.
type HTTPConfig struct {
	// BaseURL is the service root; requests go to BaseURL + "/embed".
	BaseURL string

	// Model is sent with every request and names the vectors.
	Model string

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration
}

type embedRequest struct {
	Model string `json:"model"`
	Image string `json:"image"` // base64 PNG
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewHTTPEncoder creates an encoder for the service at config.BaseURL.
func NewHTTPEncoder(config HTTPConfig) *HTTPEncoder {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPEncoder{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		client:         &http.Client{Timeout: config.Timeout},
		circuitBreaker: NewCircuitBreaker("embedding-http"),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// Model returns the configured model name.
func (e *HTTPEncoder) Model() string {
	return e.model
}

// Embed sends img as PNG and returns the service's vector.
func (e *HTTPEncoder) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	result, err := e.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return e.embed(ctx, img)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("embedding service circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.(types.Vector), nil
}

func (e *HTTPEncoder) embed(ctx context.Context, img image.Image) (types.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	pngData, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(embedRequest{
		Model: e.model,
		Image: base64.StdEncoding.EncodeToString(pngData),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(respData.Embedding) == 0 {
		return nil, errors.New("embedding service returned empty embedding vector")
	}
	return types.Vector(respData.Embedding), nil
}

// HealthCheck verifies the service answers GET /health.
func (e *HTTPEncoder) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Encoder = (*HTTPEncoder)(nil)
