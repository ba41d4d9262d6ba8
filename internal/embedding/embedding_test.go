package embedding

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sketchmatch/pkg/types"
)

// MockEncoder is a testify mock implementing Encoder.
type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Embed(ctx context.Context, img image.Image) (types.Vector, error) {
	args := m.Called(ctx, img)
	if v := args.Get(0); v != nil {
		return v.(types.Vector), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEncoder) Model() string {
	return "mock"
}

var testImage = image.NewRGBA(image.Rect(0, 0, 2, 2))

// gatedLoader blocks each load until release is closed and counts calls.
type gatedLoader struct {
	calls   atomic.Int32
	release chan struct{}
	enc     Encoder
	err     error
}

func (g *gatedLoader) load(ctx context.Context) (Encoder, error) {
	g.calls.Add(1)
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.enc, nil
}

func waitForState(t *testing.T, p *Provider, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want }, 2*time.Second, 5*time.Millisecond)
}

func TestProvider_LazyLoadOnce(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{1, 2}, nil)
	g := &gatedLoader{enc: enc}
	p := NewProvider("mock", g.load, Options{})

	assert.Equal(t, StateUninitialized, p.State())
	assert.Zero(t, g.calls.Load(), "construction must not load")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Embed(context.Background(), testImage)
			assert.NoError(t, err)
			assert.Equal(t, types.Vector{1, 2}, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, StateReady, p.State())
	enc.AssertNumberOfCalls(t, "Embed", 20)
}

func TestProvider_RequestsDuringLoadBlock(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{1}, nil)
	g := &gatedLoader{enc: enc, release: make(chan struct{})}
	p := NewProvider("mock", g.load, Options{})

	p.Start()
	waitForState(t, p, StateLoading)

	done := make(chan error, 1)
	go func() {
		_, err := p.Embed(context.Background(), testImage)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Embed returned before the model finished loading")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, p.State())
}

func TestProvider_WaitHonorsContext(t *testing.T) {
	g := &gatedLoader{enc: new(MockEncoder), release: make(chan struct{})}
	defer close(g.release)
	p := NewProvider("mock", g.load, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Embed(ctx, testImage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateLoading, p.State(), "abandoned wait must not abort the load")
}

func TestProvider_RejectWhileLoading(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{1}, nil)
	g := &gatedLoader{enc: enc, release: make(chan struct{})}
	p := NewProvider("mock", g.load, Options{RejectWhileLoading: true})

	p.Start()
	waitForState(t, p, StateLoading)

	_, err := p.Embed(context.Background(), testImage)
	assert.ErrorIs(t, err, ErrNotReady)
	enc.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)

	close(g.release)
	waitForState(t, p, StateReady)
	_, err = p.Embed(context.Background(), testImage)
	assert.NoError(t, err)
}

func TestProvider_LoadFailureAndRetry(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{1}, nil)
	g := &gatedLoader{err: errors.New("weights missing")}
	p := NewProvider("mock", g.load, Options{RetryAfter: time.Minute})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	v, err := p.Embed(context.Background(), testImage)
	assert.Nil(t, v, "failure must never produce a vector")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, StateFailed, p.State())

	// Within RetryAfter the failure is reported without reloading.
	_, err = p.Embed(context.Background(), testImage)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, int32(1), g.calls.Load())

	// After RetryAfter one new load is attempted.
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	g.err = nil
	g.enc = enc

	v, err = p.Embed(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, types.Vector{1}, v)
	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, StateReady, p.State())
}

func TestProvider_InferenceFailureKeepsModel(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("cuda oom")).Once()
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{0.5}, nil)
	g := &gatedLoader{enc: enc}
	p := NewProvider("mock", g.load, Options{})

	_, err := p.Embed(context.Background(), testImage)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, StateReady, p.State())

	v, err := p.Embed(context.Background(), testImage)
	require.NoError(t, err)
	assert.Equal(t, types.Vector{0.5}, v)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestProvider_EmptyVectorIsAnError(t *testing.T) {
	enc := new(MockEncoder)
	enc.On("Embed", mock.Anything, mock.Anything).Return(types.Vector{}, nil)
	p := NewProvider("mock", (&gatedLoader{enc: enc}).load, Options{})

	_, err := p.Embed(context.Background(), testImage)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestProvider_NilEncoderIsFailure(t *testing.T) {
	p := NewProvider("mock", func(context.Context) (Encoder, error) { return nil, nil }, Options{})

	_, err := p.Embed(context.Background(), testImage)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, StateFailed, p.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
}
