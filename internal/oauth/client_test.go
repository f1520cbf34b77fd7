package oauth_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/oauth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hops serves /hop/{n} which redirects to /hop/{n-1} until /hop/0.
func hops(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hop/{n}", func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.PathValue("n"), "%d", &n)
		if n == 0 {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"auth":%q,"accept":%q}`, r.Header.Get("Authorization"), r.Header.Get("Accept"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRedirectBudget(t *testing.T) {
	srv := hops(t)
	client := oauth.NewClient()

	res, err := client.Get(context.Background(), srv.URL+"/hop/3", nil, apikey.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/hop/2", res.Location())

	res, err = client.Get(context.Background(), srv.URL+"/hop/3", nil, apikey.RequestOptions{MaxRedirects: 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/hop/1", res.Location())

	res, err = client.Get(context.Background(), srv.URL+"/hop/3", nil, apikey.RequestOptions{MaxRedirects: 3})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestClientForwardsHeadersAcrossHops(t *testing.T) {
	srv := hops(t)
	client := oauth.NewClient()

	header := http.Header{}
	header.Set("Authorization", "Bearer k")
	header.Set("Accept", "application/json")
	res, err := client.Get(context.Background(), srv.URL+"/hop/1", nil, apikey.RequestOptions{Header: header, MaxRedirects: 1})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, res.JSON(&body))
	assert.Equal(t, "Bearer k", body["auth"])
	assert.Equal(t, "application/json", body["accept"])
}

func TestClientMergesQueryParams(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
	}))
	defer srv.Close()

	client := oauth.NewClient()
	_, err := client.Get(context.Background(), srv.URL+"/auth?tenant=a", url.Values{
		"client_id": {"ochami"},
		"scope":     {"openid"},
	}, apikey.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", got.Get("tenant"))
	assert.Equal(t, "ochami", got.Get("client_id"))
	assert.Equal(t, "openid", got.Get("scope"))
}

func TestClientPostsForm(t *testing.T) {
	var form url.Values
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := oauth.NewClient()
	res, err := client.Post(context.Background(), srv.URL, url.Values{
		"challenge": {"c1"},
		"scope":     {"openid", "profile"},
	}, apikey.RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, []string{"openid", "profile"}, form["scope"])
}

func TestClientAuthenticatedRequests(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	client := oauth.NewClient()
	client.Authorization = "Bearer session"

	ctx := context.Background()
	_, err := client.Get(ctx, srv.URL, nil, apikey.RequestOptions{})
	require.NoError(t, err)
	_, err = client.Get(ctx, srv.URL, nil, apikey.RequestOptions{Authenticated: true})
	require.NoError(t, err)
	_, err = client.Get(ctx, srv.URL, nil, apikey.RequestOptions{
		Authenticated: true,
		Header:        http.Header{"Authorization": {"Bearer explicit"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"", "Bearer session", "Bearer explicit"}, auth)
}

func TestClientTransportErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	client := oauth.NewClient()
	_, err := client.Get(context.Background(), addr, nil, apikey.RequestOptions{})
	require.Error(t, err)
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
}

func TestDecodeClaims(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ochami",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString([]byte("not-verified-here"))
	require.NoError(t, err)

	claims, err := oauth.DecodeClaims(raw)
	require.NoError(t, err)
	assert.Equal(t, "ochami", claims["sub"])

	_, err = oauth.DecodeClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestIDTokenMissing(t *testing.T) {
	_, ok := oauth.IDToken(nil)
	assert.False(t, ok)
}
