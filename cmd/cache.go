package cmd

import (
	"context"
	"fmt"

	"davidallendj/oidc-apikey/internal/cache/redis"
	"davidallendj/oidc-apikey/internal/cache/sqlite"
	"davidallendj/oidc-apikey/internal/config"
	"davidallendj/oidc-apikey/internal/oidc"
)

// openCache returns the discovery cache for the configured driver and a
// function releasing it. The "none" driver returns a nil cache.
func openCache(ctx context.Context, c config.Cache) (oidc.Cache, func() error, error) {
	noop := func() error { return nil }
	switch c.Driver {
	case "none":
		return nil, noop, nil
	case "", "memory":
		return oidc.NewMemoryCache(), noop, nil
	case "sqlite":
		cache, err := sqlite.NewCache(c.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		return cache, cache.Close, nil
	case "redis":
		cache, err := redis.NewCache(ctx, c.URL, c.Prefix)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open redis cache: %w", err)
		}
		return cache, cache.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown cache driver %q", c.Driver)
}
