// Package embedding maps images to fixed-length vectors.
//
// An Encoder does the actual inference. A Provider wraps the expensive,
// one-time encoder load in an explicit state machine:
//
//	Uninitialized -> Loading -> Ready
//	                         -> Failed -> Loading (after RetryAfter)
//
// Requests never run against a partially loaded encoder and a failure is
// always reported as an error, never as a zero vector.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/scrypster/sketchmatch/pkg/types"
)

var (
	// ErrModelUnavailable indicates the encoder failed to load or failed
	// during inference. Requests may be retried later.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrNotReady indicates the encoder is still loading and the provider is
	// configured to reject instead of wait.
	ErrNotReady = errors.New("embedding model not ready")
)

// DefaultRetryAfter is how long a failed load is remembered before another
// load attempt is allowed.
const DefaultRetryAfter = 30 * time.Second

// Encoder produces embeddings with one loaded model.
type Encoder interface {
	// Embed returns the embedding of img.
	Embed(ctx context.Context, img image.Image) (types.Vector, error)

	// Model names the model; vectors from different models are not comparable.
	Model() string
}

// Loader performs the expensive encoder initialization.
type Loader func(ctx context.Context) (Encoder, error)

// State is the lifecycle state of a Provider.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options tunes a Provider.
type Options struct {
	// RetryAfter is the minimum time between a failed load and the next
	// attempt. Zero selects DefaultRetryAfter.
	RetryAfter time.Duration

	// RejectWhileLoading makes requests that arrive during a load started by
	// another request fail with ErrNotReady instead of waiting.
	RejectWhileLoading bool
}

// Provider lazily loads an Encoder on first use and serves embeddings from it.
// It is safe for concurrent use.
type Provider struct {
	model string
	load  Loader
	opts  Options
	now   func() time.Time

	mu       sync.Mutex
	state    State
	encoder  Encoder
	loadErr  error
	failedAt time.Time
	loaded   chan struct{} // closed when the in-flight load finishes
}

// NewProvider returns a provider producing vectors named model, loading its
// encoder with load on first use.
func NewProvider(model string, load Loader, opts Options) *Provider {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	return &Provider{
		model: model,
		load:  load,
		opts:  opts,
		now:   time.Now,
		state: StateUninitialized,
	}
}

// Model returns the name cached vectors are stored under.
func (p *Provider) Model() string {
	return p.model
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins loading the encoder in the background if no load has happened
// yet. It does not wait for the load to finish.
func (p *Provider) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateUninitialized || p.retryDue() {
		p.beginLoadLocked()
	}
}

// Ready blocks until the encoder is loaded, the load fails or ctx ends.
func (p *Provider) Ready(ctx context.Context) error {
	_, err := p.encoderFor(ctx, false)
	return err
}

// Embed returns the embedding of img, loading the encoder first if needed.
func (p *Provider) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	enc, err := p.encoderFor(ctx, p.opts.RejectWhileLoading)
	if err != nil {
		return nil, err
	}

	v, err := enc.Embed(ctx, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: encoder returned an empty vector", ErrModelUnavailable)
	}
	return v, nil
}

// encoderFor returns the loaded encoder, starting or awaiting a load as the
// current state requires.
func (p *Provider) encoderFor(ctx context.Context, reject bool) (Encoder, error) {
	started := false
	for {
		p.mu.Lock()
		switch p.state {
		case StateReady:
			enc := p.encoder
			p.mu.Unlock()
			return enc, nil

		case StateFailed:
			if started || !p.retryDue() {
				err := p.loadErr
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
			}
			p.beginLoadLocked()
			started = true

		case StateUninitialized:
			p.beginLoadLocked()
			started = true

		case StateLoading:
			if reject && !started {
				p.mu.Unlock()
				return nil, ErrNotReady
			}
		}

		loaded := p.loaded
		p.mu.Unlock()

		select {
		case <-loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// retryDue reports whether a failed load may be retried. Callers hold p.mu.
func (p *Provider) retryDue() bool {
	return p.state == StateFailed && p.now().Sub(p.failedAt) >= p.opts.RetryAfter
}

// beginLoadLocked moves to Loading and runs the loader in the background so
// that a caller giving up does not abort the load. Callers hold p.mu.
func (p *Provider) beginLoadLocked() {
	p.state = StateLoading
	loaded := make(chan struct{})
	p.loaded = loaded

	go func() {
		start := p.now()
		enc, err := p.load(context.Background())

		p.mu.Lock()
		defer p.mu.Unlock()
		defer close(loaded)

		if err == nil && enc == nil {
			err = errors.New("loader returned no encoder")
		}
		if err != nil {
			p.state = StateFailed
			p.loadErr = err
			p.failedAt = p.now()
			log.Printf("embedding: model %s failed to load: %v", p.model, err)
			return
		}

		if enc.Model() != p.model {
			log.Printf("embedding: encoder reports model %q, caching vectors as %q", enc.Model(), p.model)
		}
		p.state = StateReady
		p.encoder = enc
		p.loadErr = nil
		log.Printf("embedding: model %s ready in %v", p.model, p.now().Sub(start).Round(time.Millisecond))
	}()
}

// Close releases the encoder if it holds resources.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.encoder.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
