package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "oidc-apikey:discovery:"

// Cache keeps discovery documents in redis so that several services share
// one copy per provider.
type Cache struct {
	client *redis.Client
	prefix string
}

// NewCache connects to the redis instance at url and checks it is reachable.
func NewCache(ctx context.Context, url string, prefix string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewCacheWithClient(client, prefix), nil
}

func NewCacheWithClient(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(endpoint string) string {
	return c.prefix + endpoint
}

func (c *Cache) Get(ctx context.Context, endpoint string) (map[string]any, bool, error) {
	data, err := c.client.Get(ctx, c.key(endpoint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not get discovery document: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("could not decode discovery document: %w", err)
	}
	return doc, true, nil
}

func (c *Cache) Set(ctx context.Context, endpoint string, doc map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("could not encode discovery document: %w", err)
	}
	if err := c.client.Set(ctx, c.key(endpoint), data, ttl).Err(); err != nil {
		return fmt.Errorf("could not set discovery document: %w", err)
	}
	return nil
}

func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
