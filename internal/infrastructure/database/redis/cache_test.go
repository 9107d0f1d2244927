package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// fakeKV backs the cache with an in-memory map.
type fakeKV struct {
	store   map[string][]byte
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{store: map[string][]byte{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	data, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.lastTTL = ttl
	f.store[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.store[k]; ok {
			delete(f.store, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestFeatureCache_PutGet(t *testing.T) {
	kv := newFakeKV()
	cache := newFeatureCache(kv, "chempipe:", time.Hour, logging.NewNopLogger())
	ctx := context.Background()
	features := [][]float64{{1, 0, 1}, {0, 1, 0}}

	require.NoError(t, cache.Put(ctx, "features:delaney.csv:ecfp_r2_b1024", features))
	assert.Equal(t, time.Hour, kv.lastTTL)
	assert.Contains(t, kv.store, "chempipe:features:delaney.csv:ecfp_r2_b1024")

	got, ok, err := cache.Get(ctx, "features:delaney.csv:ecfp_r2_b1024")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, features, got)
}

func TestFeatureCache_Miss(t *testing.T) {
	cache := newFeatureCache(newFakeKV(), "chempipe:", 0, nil)
	_, ok, err := cache.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeatureCache_BackendError(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection reset")
	cache := newFeatureCache(kv, "chempipe:", 0, nil)

	_, _, err := cache.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeFeatureCacheFailed, apperrors.GetCode(err))

	kv2 := newFakeKV()
	kv2.setErr = errors.New("readonly replica")
	cache = newFeatureCache(kv2, "chempipe:", 0, nil)
	err = cache.Put(context.Background(), "k", [][]float64{{1}})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeFeatureCacheFailed, apperrors.GetCode(err))
}

func TestFeatureCache_CorruptEntryEvicted(t *testing.T) {
	kv := newFakeKV()
	kv.store["chempipe:bad"] = []byte("{not json")
	cache := newFeatureCache(kv, "chempipe:", 0, nil)

	_, ok, err := cache.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, kv.store, "chempipe:bad", "corrupt entry must be evicted")
}

func TestFeatureCache_Invalidate(t *testing.T) {
	kv := newFakeKV()
	cache := newFeatureCache(kv, "p:", 0, nil)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "k", [][]float64{{2}}))
	require.NoError(t, cache.Invalidate(ctx, "k"))
	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeatureCache_RoundTripEncoding(t *testing.T) {
	kv := newFakeKV()
	cache := newFeatureCache(kv, "", 0, nil)
	ctx := context.Background()

	features := [][]float64{{0.5, -1.25}, {3e10, 0}}
	require.NoError(t, cache.Put(ctx, "enc", features))

	var raw [][]float64
	require.NoError(t, json.Unmarshal(kv.store["enc"], &raw))
	assert.Equal(t, features, raw)
}
