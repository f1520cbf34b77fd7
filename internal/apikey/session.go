package apikey

//go:generate mockgen -source=session.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Session is the HTTP capability borrowed for the length of one acquisition.
// Implementations own pooling, TLS, timeouts and retries. The exchanger never
// closes or reconfigures a session.
type Session interface {
	Get(ctx context.Context, rawURL string, params url.Values, opts RequestOptions) (*Response, error)
	Post(ctx context.Context, rawURL string, form url.Values, opts RequestOptions) (*Response, error)
}

// DiscoveryResolver returns the parsed discovery document for an endpoint.
type DiscoveryResolver interface {
	Resolve(ctx context.Context, endpoint string) (map[string]any, error)
}

// DiscoveryResolverFunc adapts a plain function to a DiscoveryResolver.
type DiscoveryResolverFunc func(ctx context.Context, endpoint string) (map[string]any, error)

func (f DiscoveryResolverFunc) Resolve(ctx context.Context, endpoint string) (map[string]any, error) {
	return f(ctx, endpoint)
}

type RequestOptions struct {
	Header http.Header

	// Authenticated lets the session attach its own credentials. Requests made
	// by the exchanger carry the API key explicitly and leave this off.
	Authenticated bool

	// MaxRedirects is the number of redirect hops followed before the response
	// is handed back. Zero returns the first response untouched.
	MaxRedirects int
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Location returns the Location header or an empty string.
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// JSON decodes the body into v. Decoder errors are returned as is.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}
