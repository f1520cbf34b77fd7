package oidc_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/oidc"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discoveryBody = `{
	"issuer": "https://idp",
	"authorization_endpoint": "https://idp/oauth2/auth",
	"token_endpoint": "https://idp/oauth2/token",
	"jwks_uri": "https://idp/.well-known/jwks.json",
	"response_types_supported": ["code"],
	"scopes_supported": ["openid"]
}`

func TestResolverFetchesDiscoveryDocument(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(discoveryBody))
	}))
	defer srv.Close()

	for _, endpoint := range []string{srv.URL, srv.URL + "/", srv.URL + oidc.WellKnownPath} {
		doc, err := oidc.NewResolver(srv.Client()).Resolve(context.Background(), endpoint)
		require.NoError(t, err)
		assert.Equal(t, oidc.WellKnownPath, path)
		assert.Equal(t, "https://idp/oauth2/auth", doc["authorization_endpoint"])
	}
}

func TestResolverRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := oidc.NewResolver(srv.Client()).Resolve(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestParseServerConfig(t *testing.T) {
	p, err := oidc.ParseServerConfig([]byte(discoveryBody))
	require.NoError(t, err)
	assert.Equal(t, "https://idp", p.Issuer)
	assert.Equal(t, "https://idp/oauth2/token", p.Endpoints.Token)
	assert.Equal(t, "https://idp/.well-known/jwks.json", p.Endpoints.JwksUri)
	assert.Equal(t, []string{"code"}, p.Supported.ResponseTypes)

	p, err = oidc.FromDocument(map[string]any{"issuer": "https://other", "token_endpoint": "https://other/token"})
	require.NoError(t, err)
	assert.Equal(t, "https://other/token", p.Endpoints.Token)
}

func TestCachingResolverCollapsesLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	next := apikey.DiscoveryResolverFunc(func(ctx context.Context, endpoint string) (map[string]any, error) {
		calls.Add(1)
		<-release
		return map[string]any{"authorization_endpoint": endpoint + "/auth"}, nil
	})
	resolver := oidc.NewCachingResolver(next, oidc.NewMemoryCache(), time.Minute, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := resolver.Resolve(context.Background(), "https://idp")
			assert.NoError(t, err)
			assert.Equal(t, "https://idp/auth", doc["authorization_endpoint"])
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// served from cache now
	_, err := resolver.Resolve(context.Background(), "https://idp")
	require.NoError(t, err)
	assert.LessOrEqual(t, calls.Load(), int32(8))
	before := calls.Load()
	_, err = resolver.Resolve(context.Background(), "https://idp")
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load())
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (map[string]any, bool, error) {
	return nil, false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, map[string]any, time.Duration) error {
	return errors.New("cache down")
}

func TestCachingResolverFallsThroughOnCacheErrors(t *testing.T) {
	next := apikey.DiscoveryResolverFunc(func(ctx context.Context, endpoint string) (map[string]any, error) {
		return map[string]any{"authorization_endpoint": "https://idp/auth"}, nil
	})
	resolver := oidc.NewCachingResolver(next, brokenCache{}, 0, zerolog.Nop())

	doc, err := resolver.Resolve(context.Background(), "https://idp")
	require.NoError(t, err)
	assert.Equal(t, "https://idp/auth", doc["authorization_endpoint"])
}

func TestCachingResolverPropagatesErrors(t *testing.T) {
	resolveErr := errors.New("dial tcp: connection refused")
	next := apikey.DiscoveryResolverFunc(func(ctx context.Context, endpoint string) (map[string]any, error) {
		return nil, resolveErr
	})
	resolver := oidc.NewCachingResolver(next, oidc.NewMemoryCache(), time.Minute, zerolog.Nop())

	_, err := resolver.Resolve(context.Background(), "https://idp")
	assert.Same(t, resolveErr, err)
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := oidc.NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "https://idp", map[string]any{"issuer": "https://idp"}, -time.Second))

	_, ok, err := cache.Get(ctx, "https://idp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "https://idp", map[string]any{"issuer": "https://idp"}, time.Minute))
	doc, ok, err := cache.Get(ctx, "https://idp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://idp", doc["issuer"])
}

func TestCachingResolverIsolatesCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	next := apikey.DiscoveryResolverFunc(func(ctx context.Context, endpoint string) (map[string]any, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return map[string]any{"authorization_endpoint": endpoint + "/auth"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	resolver := oidc.NewCachingResolver(next, oidc.NewMemoryCache(), time.Minute, zerolog.Nop())

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := resolver.Resolve(leaderCtx, "https://idp")
		leaderErr <- err
	}()
	<-started

	type result struct {
		doc map[string]any
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		doc, err := resolver.Resolve(context.Background(), "https://idp")
		waiter <- result{doc, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	res := <-waiter
	require.NoError(t, res.err)
	assert.Equal(t, "https://idp/auth", res.doc["authorization_endpoint"])
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	cache := oidc.NewMemoryCache()
	ctx := context.Background()
	doc := map[string]any{"issuer": "https://idp"}
	require.NoError(t, cache.Set(ctx, "https://idp", doc, time.Minute))
	doc["issuer"] = "changed after set"

	got, ok, err := cache.Get(ctx, "https://idp")
	require.NoError(t, err)
	require.True(t, ok)
	got["issuer"] = "changed after get"

	again, _, err := cache.Get(ctx, "https://idp")
	require.NoError(t, err)
	assert.Equal(t, "https://idp", again["issuer"])
}
