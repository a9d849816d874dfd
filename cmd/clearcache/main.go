// Command clearcache purges the cache out-of-band, since the hot path has
// no enumeration or wildcard clear.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("clear_cache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	all := fs.Bool("all", false, "clear every cache entry")
	prefix := fs.String("prefix", "", "clear entries sharing this key prefix")
	dryRun := fs.Bool("dry-run", false, "report what would be cleared without removing anything")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *all == (*prefix != "") {
		fmt.Fprintln(stderr, "clear_cache: exactly one of --all or --prefix is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "clear_cache: load config: %v\n", err)
		return 1
	}

	c, err := buildCache(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "clear_cache: %v\n", err)
		return 1
	}

	before := c.Size()
	scope := "--all"
	if !*all {
		scope = fmt.Sprintf("--prefix %q", *prefix)
	}

	if *dryRun {
		fmt.Fprintf(stdout, "clear_cache: dry run, %s would clear up to %d entries (no keys removed)\n", scope, before)
		return 0
	}

	if *all {
		c.InvalidateAll()
	} else {
		c.InvalidatePrefix(*prefix)
	}

	fmt.Fprintf(stdout, "clear_cache: cleared %s, %d entries before clear, %d after\n", scope, before, c.Size())
	return 0
}

// buildCache mirrors internal/rdataplatform.buildCache's backend selection.
// The memory backend is only useful here for --dry-run or local testing:
// a separate process's in-memory map is never the one the running server
// reads from, so operationally this tool targets CACHE_BACKEND=redis.
func buildCache(cfg *config.Config) (cache.Cache, error) {
	switch strings.ToLower(cfg.Cache.Backend) {
	case "redis":
		if strings.TrimSpace(cfg.Cache.RedisURL) == "" {
			return nil, fmt.Errorf("CACHE_BACKEND=redis requires REDIS_URL")
		}
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return cache.NewRedis(redis.NewClient(opts)), nil
	default:
		return cache.NewMemory(0), nil
	}
}
