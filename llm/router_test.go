package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm/circuitbreaker"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	name        string
	completeFn  func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	streamFn    func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
	completions atomic.Int64
	streams     atomic.Int64
	closed      atomic.Bool
}

func (f *fakeProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.completions.Add(1)
	if f.completeFn != nil {
		return f.completeFn(ctx, req)
	}
	return &ChatResponse{Provider: f.name, Text: "ok", StopReason: StopEndTurn}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	f.streams.Add(1)
	if f.streamFn != nil {
		return f.streamFn(ctx, req)
	}
	return SynthesizeStream(&ChatResponse{Text: "ok", StopReason: StopEndTurn}), nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeProvider) Name() string                          { return f.name }
func (f *fakeProvider) Close() error                          { f.closed.Store(true); return nil }

type fakeFactory struct {
	mu        sync.Mutex
	providers map[string]*fakeProvider
	built     map[string]int
	keys      map[string]string
}

func newFakeFactory(providers map[string]*fakeProvider) *fakeFactory {
	return &fakeFactory{
		providers: providers,
		built:     make(map[string]int),
		keys:      make(map[string]string),
	}
}

func (f *fakeFactory) factory(entry ProviderEntry, apiKey string, logger *zap.Logger) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[entry.Key]++
	f.keys[entry.Key] = apiKey
	p, ok := f.providers[entry.Key]
	if !ok {
		p = &fakeProvider{name: entry.Key}
		f.providers[entry.Key] = p
	}
	return p, nil
}

func (f *fakeFactory) builtCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[key]
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, false, s.err
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) set(key string, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[key] = v
}

func twoProviderDefaults() *RoutingConfig {
	return &RoutingConfig{
		Providers: []ProviderEntry{
			{Key: "alpha", Type: ProviderAnthropicNative, Model: "model-a", Enabled: true},
			{Key: "beta", Type: ProviderOpenAICompatible, Model: "model-b", BaseURL: "http://beta.local", Enabled: true},
		},
		Routes: map[string]TaskRoute{
			"dialog":        {Primary: "alpha", Fallbacks: []string{"beta"}},
			DefaultRouteKey: {Primary: "beta"},
		},
	}
}

func newTestRouter(t *testing.T, defaults *RoutingConfig, store ConfigSource, ff *fakeFactory, mut func(*RouterConfig)) *Router {
	t.Helper()
	cfg := RouterConfig{
		PollInterval:      0,
		CompletionTimeout: 2 * time.Second,
		FirstEventTimeout: 200 * time.Millisecond,
		Breaker:           &circuitbreaker.Config{Threshold: 3, ResetTimeout: time.Hour},
	}
	if mut != nil {
		mut(&cfg)
	}
	r, err := NewRouter(context.Background(), defaults, store, ff.factory, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func collectEvents(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

// ---------------------------------------------------------------------------
// ResolveChain
// ---------------------------------------------------------------------------

func TestRouter_ResolveChain(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	chain, err := r.ResolveChain("dialog", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, chain)

	// Unknown task falls back to the default route.
	chain, err = r.ResolveChain("no-such-task", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, chain)
}

func TestRouter_ResolveChain_NoRouteNoDefault(t *testing.T) {
	defaults := twoProviderDefaults()
	delete(defaults.Routes, DefaultRouteKey)
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, defaults, nil, ff, nil)

	_, err := r.ResolveChain("no-such-task", "")
	assert.True(t, IsCode(err, ErrProviderNotFound))
}

func TestRouter_ResolveChain_DisabledFiltered(t *testing.T) {
	defaults := twoProviderDefaults()
	defaults.Providers[1].Enabled = false
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, defaults, nil, ff, nil)

	chain, err := r.ResolveChain("dialog", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, chain)

	// The default route only references the disabled provider.
	_, err = r.ResolveChain("no-such-task", "")
	assert.True(t, IsCode(err, ErrNoProvidersAvailable))
}

func TestRouter_ResolveChain_Override(t *testing.T) {
	defaults := twoProviderDefaults()
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, defaults, nil, ff, nil)

	// An override pins the chain to exactly that provider, ignoring the route.
	chain, err := r.ResolveChain("dialog", "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, chain)

	_, err = r.ResolveChain("dialog", "no-such-provider")
	assert.True(t, IsCode(err, ErrProviderNotFound))
}

func TestRouter_CompletionOverridePinsProvider(t *testing.T) {
	alpha := &fakeProvider{name: "alpha"}
	beta := &fakeProvider{name: "beta"}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	resp, err := r.Completion(context.Background(), "dialog", &ChatRequest{Provider: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	// The route's primary is never consulted when the request pins a provider.
	assert.Equal(t, int64(0), alpha.completions.Load())

	// Overriding to a provider that is not assembled is a programmer error,
	// not a fallback trigger.
	_, err = r.Completion(context.Background(), "dialog", &ChatRequest{Provider: "gamma"})
	assert.True(t, IsCode(err, ErrProviderNotFound))
	assert.Equal(t, int64(0), alpha.completions.Load())
}

// ---------------------------------------------------------------------------
// Completion: fallback chain
// ---------------------------------------------------------------------------

func TestRouter_CompletionFallback(t *testing.T) {
	upstreamErr := &Error{Code: ErrUpstreamError, Message: "LLM_UPSTREAM_ERROR: boom", HTTPStatus: 500, Retryable: true}
	alpha := &fakeProvider{name: "alpha", completeFn: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, upstreamErr
	}}
	beta := &fakeProvider{name: "beta"}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	resp, err := r.Completion(context.Background(), "dialog", &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, int64(1), alpha.completions.Load())
	assert.Equal(t, int64(1), beta.completions.Load())
}

func TestRouter_CompletionAllFail(t *testing.T) {
	lastErr := &Error{Code: ErrUpstreamError, Message: "beta down", HTTPStatus: 503, Retryable: true}
	alpha := &fakeProvider{name: "alpha", completeFn: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, errors.New("alpha down")
	}}
	beta := &fakeProvider{name: "beta", completeFn: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, lastErr
	}}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	_, err := r.Completion(context.Background(), "dialog", &ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAllProvidersFailed))
	// The chain error carries the last provider error.
	assert.ErrorIs(t, err, lastErr)
}

// ---------------------------------------------------------------------------
// Completion: circuit breaker integration
// ---------------------------------------------------------------------------

func TestRouter_BreakerSkipsAfterThreshold(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFn: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, &Error{Code: ErrUpstreamError, Message: "boom", HTTPStatus: 502, Retryable: true}
	}}
	beta := &fakeProvider{name: "beta"}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, func(cfg *RouterConfig) {
		cfg.Breaker = &circuitbreaker.Config{Threshold: 2, ResetTimeout: time.Hour}
	})

	// Two failing calls trip alpha's breaker; each still succeeds via beta.
	for i := 0; i < 2; i++ {
		resp, err := r.Completion(context.Background(), "dialog", &ChatRequest{})
		require.NoError(t, err)
		assert.Equal(t, "beta", resp.Provider)
	}
	require.Equal(t, int64(2), alpha.completions.Load())

	// Third call: alpha is skipped without being invoked.
	resp, err := r.Completion(context.Background(), "dialog", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Provider)
	assert.Equal(t, int64(2), alpha.completions.Load())
	assert.Equal(t, int64(3), beta.completions.Load())
}

func TestRouter_ClientErrorDoesNotTrip(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", completeFn: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, &Error{Code: ErrInvalidRequest, Message: "bad request", HTTPStatus: 400}
	}}
	beta := &fakeProvider{name: "beta"}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, func(cfg *RouterConfig) {
		cfg.Breaker = &circuitbreaker.Config{Threshold: 2, ResetTimeout: time.Hour}
	})

	for i := 0; i < 4; i++ {
		_, err := r.Completion(context.Background(), "dialog", &ChatRequest{})
		require.NoError(t, err)
	}
	// 4xx responses never open the breaker, alpha keeps being attempted.
	assert.Equal(t, int64(4), alpha.completions.Load())
}

// ---------------------------------------------------------------------------
// Stream: fallback is only allowed before the first event
// ---------------------------------------------------------------------------

func TestRouter_StreamFallbackBeforeFirstEvent(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent)
		close(ch) // dies before producing anything
		return ch, nil
	}}
	beta := &fakeProvider{name: "beta", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		return SynthesizeStream(&ChatResponse{Text: "from beta", StopReason: StopEndTurn}), nil
	}}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	ch, err := r.Stream(context.Background(), "dialog", &ChatRequest{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, TextDelta{Text: "from beta"}, events[0])
	done, ok := events[1].(StreamDone)
	require.True(t, ok)
	assert.Equal(t, StopEndTurn, done.StopReason)
	assert.Equal(t, int64(1), alpha.streams.Load())
	assert.Equal(t, int64(1), beta.streams.Load())
}

func TestRouter_StreamErrorDoneBeforeContentFallsBack(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent, 1)
		ch <- StreamDone{StopReason: StopError}
		close(ch)
		return ch, nil
	}}
	beta := &fakeProvider{name: "beta", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		return SynthesizeStream(&ChatResponse{Text: "recovered", StopReason: StopEndTurn}), nil
	}}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	ch, err := r.Stream(context.Background(), "dialog", &ChatRequest{})
	require.NoError(t, err)
	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, TextDelta{Text: "recovered"}, events[0])
}

func TestRouter_StreamNoFallbackAfterFirstEvent(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		ch := make(chan StreamEvent, 2)
		ch <- TextDelta{Text: "partial"}
		ch <- StreamDone{StopReason: StopError}
		close(ch)
		return ch, nil
	}}
	beta := &fakeProvider{name: "beta"}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	ch, err := r.Stream(context.Background(), "dialog", &ChatRequest{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, TextDelta{Text: "partial"}, events[0])
	done, ok := events[1].(StreamDone)
	require.True(t, ok)
	assert.Equal(t, StopError, done.StopReason)
	// The stream was committed, beta must not have been tried.
	assert.Equal(t, int64(0), beta.streams.Load())
}

func TestRouter_StreamFirstEventTimeout(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		return make(chan StreamEvent), nil // never emits
	}}
	beta := &fakeProvider{name: "beta", streamFn: func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		return SynthesizeStream(&ChatResponse{Text: "beta wins", StopReason: StopEndTurn}), nil
	}}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, func(cfg *RouterConfig) {
		cfg.FirstEventTimeout = 50 * time.Millisecond
	})

	ch, err := r.Stream(context.Background(), "dialog", &ChatRequest{})
	require.NoError(t, err)
	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, TextDelta{Text: "beta wins"}, events[0])
}

func TestRouter_StreamAllFail(t *testing.T) {
	failing := func(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
		return nil, &Error{Code: ErrUpstreamError, Message: "down", HTTPStatus: 500, Retryable: true}
	}
	alpha := &fakeProvider{name: "alpha", streamFn: failing}
	beta := &fakeProvider{name: "beta", streamFn: failing}
	ff := newFakeFactory(map[string]*fakeProvider{"alpha": alpha, "beta": beta})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	_, err := r.Stream(context.Background(), "dialog", &ChatRequest{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrAllProvidersFailed))
}

// ---------------------------------------------------------------------------
// Reload: hot config from the store
// ---------------------------------------------------------------------------

func TestRouter_ReloadMergesStoreOverride(t *testing.T) {
	t.Setenv("TEST_GAMMA_KEY", "gamma-secret")

	store := &memStore{}
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, twoProviderDefaults(), store, ff, nil)

	require.Equal(t, 1, ff.builtCount("alpha"))
	require.Equal(t, 1, ff.builtCount("beta"))

	override := RoutingConfig{
		Providers: []ProviderEntry{
			{Key: "gamma", Type: ProviderOpenAICompatible, Model: "model-g", BaseURL: "http://gamma.local", APIKeyEnvVar: "TEST_GAMMA_KEY", Enabled: true},
		},
		Routes: map[string]TaskRoute{
			"dialog": {Primary: "gamma", Fallbacks: []string{"alpha"}},
		},
	}
	blob, err := json.Marshal(override)
	require.NoError(t, err)
	store.set(DefaultRouterConfig().StoreKey, blob)

	require.NoError(t, r.Reload(context.Background()))

	chain, err := r.ResolveChain("dialog", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma", "alpha"}, chain)

	// Untouched entries are not rebuilt; the new one got the env key.
	assert.Equal(t, 1, ff.builtCount("alpha"))
	assert.Equal(t, 1, ff.builtCount("gamma"))
	assert.Equal(t, "gamma-secret", ff.keys["gamma"])

	// Routes not named in the override are preserved.
	chain, err = r.ResolveChain("no-such-task", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, chain)
}

func TestRouter_ReloadBadBlobKeepsCurrent(t *testing.T) {
	store := &memStore{}
	store.set(DefaultRouterConfig().StoreKey, []byte("{not json"))
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, twoProviderDefaults(), store, ff, nil)

	chain, err := r.ResolveChain("dialog", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, chain)
}

func TestRouter_ReloadRemovesProvider(t *testing.T) {
	store := &memStore{}
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, twoProviderDefaults(), store, ff, nil)

	override := RoutingConfig{
		Providers: []ProviderEntry{
			{Key: "beta", Type: ProviderOpenAICompatible, Model: "model-b", BaseURL: "http://beta.local", Enabled: false},
		},
	}
	blob, err := json.Marshal(override)
	require.NoError(t, err)
	store.set(DefaultRouterConfig().StoreKey, blob)

	require.NoError(t, r.Reload(context.Background()))

	chain, err := r.ResolveChain("dialog", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, chain)

	ff.mu.Lock()
	beta := ff.providers["beta"]
	ff.mu.Unlock()
	assert.True(t, beta.closed.Load())
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestRouter_Close(t *testing.T) {
	ff := newFakeFactory(map[string]*fakeProvider{})
	r := newTestRouter(t, twoProviderDefaults(), nil, ff, nil)

	require.NoError(t, r.Close())
	ff.mu.Lock()
	defer ff.mu.Unlock()
	for key, p := range ff.providers {
		assert.True(t, p.closed.Load(), "provider %s not closed", key)
	}

	_, err := r.ResolveChain("dialog", "")
	assert.True(t, IsCode(err, ErrNoProvidersAvailable))
}
