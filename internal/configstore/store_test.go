package configstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
)

// =============================================================================
// Store 测试
// =============================================================================

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store, err := New(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})
	return mr, store
}

func TestNew_ConnectionRefused(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	require.Error(t, err)
}

func TestStore_GetMiss(t *testing.T) {
	_, store := setupTestStore(t)

	data, ok, err := store.Get(context.Background(), RoutingKey)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestStore_SetAndGet(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, RoutingKey, []byte(`{"providers":[]}`)))

	data, ok, err := store.Get(ctx, RoutingKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"providers":[]}`, string(data))
}

func TestStore_SetRouting(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	cfg := &llm.RoutingConfig{
		Providers: []llm.ProviderEntry{{
			Key:          "anthropic-main",
			Type:         llm.ProviderAnthropicNative,
			Model:        "claude-sonnet-4-5",
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			Enabled:      true,
		}},
		Routes: map[string]llm.TaskRoute{
			"dialog": {Primary: "anthropic-main"},
		},
	}
	require.NoError(t, store.SetRouting(ctx, cfg))

	data, ok, err := store.Get(ctx, RoutingKey)
	require.NoError(t, err)
	require.True(t, ok)

	parsed, err := llm.ParseRoutingConfig(data)
	require.NoError(t, err)
	require.Len(t, parsed.Providers, 1)
	assert.Equal(t, "anthropic-main", parsed.Providers[0].Key)
	assert.Equal(t, "ANTHROPIC_API_KEY", parsed.Providers[0].APIKeyEnvVar)
}

func TestStore_SetRoutingRejectsInvalid(t *testing.T) {
	_, store := setupTestStore(t)

	err := store.SetRouting(context.Background(), &llm.RoutingConfig{
		Providers: []llm.ProviderEntry{{Key: "x", Type: "carrier-pigeon", Model: "m"}},
	})
	require.Error(t, err)
	assert.True(t, llm.IsCode(err, llm.ErrInvalidConfig))

	err = store.SetRouting(context.Background(), nil)
	require.Error(t, err)
}

func TestStore_ClosedGuards(t *testing.T) {
	_, store := setupTestStore(t)
	require.NoError(t, store.Close())

	_, _, err := store.Get(context.Background(), RoutingKey)
	require.Error(t, err)

	require.Error(t, store.Set(context.Background(), RoutingKey, []byte("{}")))
	require.Error(t, store.Ping(context.Background()))

	// 重复关闭应当幂等。
	require.NoError(t, store.Close())
}

func TestStore_Ping(t *testing.T) {
	mr, store := setupTestStore(t)

	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	require.Error(t, store.Ping(context.Background()))
}
