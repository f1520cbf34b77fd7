package server_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/metrics"
	"davidallendj/oidc-apikey/internal/oauth"
	"davidallendj/oidc-apikey/internal/oidc"
	"davidallendj/oidc-apikey/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	clientID     = "ochami"
	clientSecret = "s3cret"
	redirectURI  = "http://127.0.0.1:3333/oidc/callback"
	apiKey       = "mokey-4b1d-secret"
)

type provider struct {
	issuer  string
	metrics *metrics.Metrics
}

func startProvider(t *testing.T, modify func(*server.Params)) *provider {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	issuer := "http://" + srv.Listener.Addr().String()

	reg := prometheus.NewRegistry()
	params := server.Params{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURIs: []string{redirectURI},
		APIKeys:      []string{apiKey},
		HashCost:     bcrypt.MinCost,
		Metrics:      metrics.New(reg),
		Gatherer:     reg,
		Logger:       zerolog.Nop(),
	}
	if modify != nil {
		modify(&params)
	}
	idp, err := server.NewIdentityProvider(params)
	require.NoError(t, err)

	srv.Config.Handler = idp.Handler()
	srv.Start()
	t.Cleanup(srv.Close)
	return &provider{issuer: issuer, metrics: params.Metrics}
}

func newClient() *oauth.Client {
	client := oauth.NewClient()
	client.Id = clientID
	client.Secret = clientSecret
	return client
}

func request(issuer string, key string) *apikey.ExchangeRequest {
	return &apikey.ExchangeRequest{
		AuthURL:           issuer + server.AuthorizePath,
		IdentityProvider:  "hydra",
		Protocol:          "openid",
		ClientID:          clientID,
		APIKey:            key,
		DiscoveryEndpoint: issuer,
		RedirectURI:       redirectURI,
	}
}

func acquire(t *testing.T, p *provider, client *oauth.Client, key string, opts ...apikey.Option) (string, error) {
	t.Helper()
	exchanger := apikey.New(oidc.NewResolver(&client.Client), opts...)
	return exchanger.Acquire(context.Background(), client, request(p.issuer, key))
}

func consentRequests(p *provider, status int) float64 {
	return testutil.ToFloat64(p.metrics.IdPRequestsTotal.WithLabelValues(server.ConsentPath, fmt.Sprint(status)))
}

func TestExchangeEndToEnd(t *testing.T) {
	p := startProvider(t, nil)
	client := newClient()
	ctx := context.Background()

	code, err := acquire(t, p, client, apiKey)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	token, err := client.ExchangeCode(ctx, p.issuer+server.TokenPath, apikey.NewGrantPayload(code, redirectURI))
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)

	raw, ok := oauth.IDToken(token)
	require.True(t, ok)

	doc, err := oidc.NewResolver(&client.Client).Resolve(ctx, p.issuer)
	require.NoError(t, err)
	idp, err := oidc.FromDocument(doc)
	require.NoError(t, err)
	claims, err := idp.VerifyIDToken(ctx, &client.Client, clientID, raw)
	require.NoError(t, err)
	assert.Equal(t, server.DefaultSubject, claims["sub"])
	assert.Equal(t, p.issuer, claims["iss"])

	// codes are single use
	_, err = client.ExchangeCode(ctx, p.issuer+server.TokenPath, apikey.NewGrantPayload(code, redirectURI))
	assert.Error(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)
	res, err := client.Get(ctx, p.issuer+server.UserInfoPath, nil, apikey.RequestOptions{Header: header})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var info map[string]any
	require.NoError(t, res.JSON(&info))
	assert.Equal(t, server.DefaultSubject, info["sub"])
}

func TestConsentIsRemembered(t *testing.T) {
	p := startProvider(t, nil)

	_, err := acquire(t, p, newClient(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, 1.0, consentRequests(p, http.StatusOK))
	assert.Equal(t, 1.0, consentRequests(p, http.StatusFound))

	// the second exchange goes straight through consent
	_, err = acquire(t, p, newClient(), apiKey)
	require.NoError(t, err)
	assert.Equal(t, 1.0, consentRequests(p, http.StatusOK))
	assert.Equal(t, 2.0, consentRequests(p, http.StatusFound))
}

func TestSkipConsent(t *testing.T) {
	p := startProvider(t, func(params *server.Params) {
		params.SkipConsent = true
	})

	code, err := acquire(t, p, newClient(), apiKey)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	assert.Equal(t, 0.0, consentRequests(p, http.StatusOK))
}

func TestVariants(t *testing.T) {
	tests := map[string]struct {
		server   apikey.Variant
		client   apikey.Variant
		kind     error
		field    string
		succeeds bool
	}{
		"legacy":                         {server: apikey.VariantLegacy, client: apikey.VariantLegacy, succeeds: true},
		"discovery client on legacy idp": {server: apikey.VariantLegacy, client: apikey.VariantDiscovery, kind: apikey.ErrMalformedResponse, field: "csrf"},
		"legacy client on discovery idp": {server: apikey.VariantDiscovery, client: apikey.VariantLegacy, kind: apikey.ErrMalformedResponse, field: "auth_tok"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := startProvider(t, func(params *server.Params) {
				params.Variant = tc.server
			})
			code, err := acquire(t, p, newClient(), apiKey, apikey.WithVariant(tc.client))
			if tc.succeeds {
				require.NoError(t, err)
				assert.NotEmpty(t, code)
				return
			}
			require.ErrorIs(t, err, tc.kind)
			var exchangeErr *apikey.ExchangeError
			require.ErrorAs(t, err, &exchangeErr)
			assert.Equal(t, tc.field, exchangeErr.Field)
		})
	}
}

func TestInvalidAPIKey(t *testing.T) {
	p := startProvider(t, nil)

	_, err := acquire(t, p, newClient(), "mokey-wrong-key")
	require.ErrorIs(t, err, apikey.ErrLogin)
	var exchangeErr *apikey.ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusUnauthorized, exchangeErr.Status)
	assert.NotContains(t, err.Error(), "mokey-wrong-key")
}

func TestProviderRejectsScope(t *testing.T) {
	p := startProvider(t, func(params *server.Params) {
		params.AllowedScopes = []string{"profile"}
	})

	_, err := acquire(t, p, newClient(), apiKey)
	require.ErrorIs(t, err, apikey.ErrProvider)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestProviderRejectsUnknownRedirect(t *testing.T) {
	p := startProvider(t, func(params *server.Params) {
		params.RedirectURIs = []string{"http://127.0.0.1:9999/elsewhere"}
	})

	_, err := acquire(t, p, newClient(), apiKey)
	require.ErrorIs(t, err, apikey.ErrRedirect)
	var exchangeErr *apikey.ExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.Status)
}

func TestTokenEndpointRejectsBadSecret(t *testing.T) {
	p := startProvider(t, nil)
	client := newClient()

	code, err := acquire(t, p, client, apiKey)
	require.NoError(t, err)

	client.Secret = "wrong"
	_, err = client.ExchangeCode(context.Background(), p.issuer+server.TokenPath, apikey.NewGrantPayload(code, redirectURI))
	assert.Error(t, err)
}

func TestLoginPageRendersHTML(t *testing.T) {
	p := startProvider(t, nil)
	client := newClient()
	ctx := context.Background()

	res, err := client.Get(ctx, p.issuer+server.AuthorizePath, map[string][]string{
		"client_id":     {clientID},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"xyz"},
		"redirect_uri":  {redirectURI},
	}, apikey.RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.StatusCode)
	loginURL := res.Location()
	require.True(t, strings.HasPrefix(loginURL, p.issuer+server.LoginPath))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	res, err = client.Get(ctx, loginURL, nil, apikey.RequestOptions{Header: header})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(res.Body), `name="csrf"`)
	assert.Contains(t, string(res.Body), "<li>openid</li>")
}

func TestConcurrentExchanges(t *testing.T) {
	p := startProvider(t, func(params *server.Params) {
		params.SkipConsent = true
	})

	const n = 5
	codes := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := acquire(t, p, newClient(), apiKey)
			assert.NoError(t, err)
			codes[i] = code
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, code := range codes {
		assert.NotEmpty(t, code)
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestStatusAndMetrics(t *testing.T) {
	p := startProvider(t, nil)
	client := newClient()
	ctx := context.Background()

	res, err := client.Get(ctx, p.issuer+"/status", nil, apikey.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = client.Get(ctx, p.issuer+"/metrics", nil, apikey.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Body), "idp_requests_total")
}

func TestNewIdentityProviderRequiresAPIKeys(t *testing.T) {
	_, err := server.NewIdentityProvider(server.Params{Issuer: "http://idp", ClientID: clientID})
	assert.Error(t, err)
}
