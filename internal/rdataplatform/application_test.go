package rdataplatform

import (
	"testing"

	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/pkg/config"
)

func TestBuildCacheDefaultsToMemory(t *testing.T) {
	cfg := &config.Config{}
	c, err := buildCache(cfg)
	if err != nil {
		t.Fatalf("buildCache: %v", err)
	}
	if _, ok := c.(*cache.Memory); !ok {
		t.Fatalf("expected *cache.Memory, got %T", c)
	}
}

func TestBuildCacheRedisRequiresURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.Backend = "redis"
	if _, err := buildCache(cfg); err == nil {
		t.Fatalf("expected error when REDIS_URL is missing")
	}
}

func TestBuildCacheRedisRejectsInvalidURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisURL = "not a url"
	if _, err := buildCache(cfg); err == nil {
		t.Fatalf("expected error for invalid REDIS_URL")
	}
}

func TestBuildCacheRedisAcceptsValidURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisURL = "redis://localhost:6379/0"
	c, err := buildCache(cfg)
	if err != nil {
		t.Fatalf("buildCache: %v", err)
	}
	if _, ok := c.(*cache.Redis); !ok {
		t.Fatalf("expected *cache.Redis, got %T", c)
	}
}
