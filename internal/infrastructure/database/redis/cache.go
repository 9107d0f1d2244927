package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// kvBackend is the slice of the go-redis API the cache needs; the real
// client satisfies it and tests fake it.
type kvBackend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// FeatureCache stores featurized matrices as JSON values with a TTL. It
// implements the dataset package's FeatureCache interface.
type FeatureCache struct {
	kv     kvBackend
	prefix string
	ttl    time.Duration
	log    logging.Logger
}

// NewFeatureCache builds a cache over client. prefix namespaces the keys;
// a zero ttl means entries never expire.
func NewFeatureCache(client *Client, prefix string, ttl time.Duration, log logging.Logger) *FeatureCache {
	return newFeatureCache(client.rdb, prefix, ttl, log)
}

func newFeatureCache(kv kvBackend, prefix string, ttl time.Duration, log logging.Logger) *FeatureCache {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &FeatureCache{kv: kv, prefix: prefix, ttl: ttl, log: log.Named("featcache")}
}

func (c *FeatureCache) fullKey(key string) string {
	return c.prefix + key
}

// Get returns the cached feature matrix for key. The second return is false
// on a miss.
func (c *FeatureCache) Get(ctx context.Context, key string) ([][]float64, bool, error) {
	data, err := c.kv.Get(ctx, c.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.CodeFeatureCacheFailed,
			fmt.Sprintf("read cache key %q", key))
	}

	var features [][]float64
	if err := json.Unmarshal(data, &features); err != nil {
		// A corrupt entry is treated as a miss after eviction so the
		// caller recomputes instead of failing the run.
		c.log.Warn("evicting corrupt cache entry", logging.String("key", key), logging.Err(err))
		c.kv.Del(ctx, c.fullKey(key))
		return nil, false, nil
	}
	return features, true, nil
}

// Put stores the feature matrix under key.
func (c *FeatureCache) Put(ctx context.Context, key string, features [][]float64) error {
	data, err := json.Marshal(features)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeFeatureCacheFailed, "encode feature matrix")
	}
	if err := c.kv.Set(ctx, c.fullKey(key), data, c.ttl).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeFeatureCacheFailed,
			fmt.Sprintf("write cache key %q", key))
	}
	c.log.Debug("cached feature matrix",
		logging.String("key", key), logging.Int("rows", len(features)))
	return nil
}

// Invalidate removes the entry for key, if present.
func (c *FeatureCache) Invalidate(ctx context.Context, key string) error {
	if err := c.kv.Del(ctx, c.fullKey(key)).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeFeatureCacheFailed,
			fmt.Sprintf("invalidate cache key %q", key))
	}
	return nil
}
