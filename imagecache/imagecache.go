// Package imagecache implements the Redis-backed "thread has images" hint
// C7 consults to decide whether a thread needs a vision-capable model.
//
// Grounded on original_source/backend/core/agentpress/thread_manager.py's
// thread_has_images/set_thread_has_images: a cached boolean with asymmetric
// TTLs — a positive result (the thread does contain an image) is cached for
// a long time since images never get un-attached, while a negative result is
// cached briefly so a thread that later receives an image recovers quickly.
package imagecache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "agentpress:thread_has_images:"

	// positiveTTL is long: once a thread has an image, it always will.
	positiveTTL = 7 * 24 * time.Hour
	// negativeTTL is short, so a freshly-negative thread re-checks soon
	// after a user might have attached an image.
	negativeTTL = 5 * time.Minute
)

// Cache wraps a Redis client with the has-images hint's asymmetric-TTL
// semantics and coalesces concurrent lookups for the same thread.
type Cache struct {
	rdb *redis.Client
	sf  singleflight.Group
}

// New constructs a Cache.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the cached has-images hint for threadID, and ok=false on a
// cache miss (caller should then recompute from the message history and call
// Set).
func (c *Cache) Get(ctx context.Context, threadID string) (hasImages bool, ok bool, err error) {
	v, err := c.rdb.Get(ctx, keyPrefix+threadID).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, nil
	}
	return b, true, nil
}

// Set stores hasImages for threadID with the appropriate TTL.
func (c *Cache) Set(ctx context.Context, threadID string, hasImages bool) error {
	ttl := negativeTTL
	if hasImages {
		ttl = positiveTTL
	}
	return c.rdb.Set(ctx, keyPrefix+threadID, strconv.FormatBool(hasImages), ttl).Err()
}

// GetOrCompute returns the cached hint, computing and caching it via compute
// on a miss. Concurrent calls for the same threadID share one compute call.
func (c *Cache) GetOrCompute(ctx context.Context, threadID string, compute func(context.Context) (bool, error)) (bool, error) {
	if hasImages, ok, err := c.Get(ctx, threadID); err == nil && ok {
		return hasImages, nil
	}

	v, err, _ := c.sf.Do(threadID, func() (any, error) {
		hasImages, err := compute(ctx)
		if err != nil {
			return false, err
		}
		_ = c.Set(ctx, threadID, hasImages)
		return hasImages, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
