package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is an alternate Cache backend for deployments that set
// CACHE_BACKEND=redis. Values are JSON-encoded; a decode failure degrades to
// a cache miss rather than surfacing an error, matching the contract that
// serialisation failures on read never produce incorrect behaviour.
type Redis struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ctx: context.Background()}
}

func (r *Redis) Get(key string) (any, bool) {
	raw, err := r.client.Get(r.ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (r *Redis) Set(key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	// ttl == 0 means "no expiry" to redis.Set as well.
	r.client.Set(r.ctx, key, raw, ttl)
}

func (r *Redis) Delete(key string) {
	r.client.Del(r.ctx, key)
}

func (r *Redis) InvalidatePrefix(prefix string) {
	iter := r.client.Scan(r.ctx, 0, prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		r.client.Del(r.ctx, keys...)
	}
}

func (r *Redis) InvalidateAll() {
	r.InvalidatePrefix("")
}

func (r *Redis) Size() int {
	n, err := r.client.DBSize(r.ctx).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// KeyHasPrefix mirrors the prefix test the memory backend performs, kept
// here so callers that scan raw redis keys can reuse the same rule.
func KeyHasPrefix(key, prefix string) bool { return strings.HasPrefix(key, prefix) }
