package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"

	"golang.org/x/net/publicsuffix"
)

type GrantType = string

const (
	AuthorizationCode GrantType = "authorization_code"
)

// Client is the HTTP session handed to the exchanger. It keeps cookies across
// the authorize, login and consent hops so provider side flow state survives.
type Client struct {
	http.Client
	Id           string   `yaml:"id"`
	Secret       string   `yaml:"secret"`
	RedirectUris []string `yaml:"redirect-uris"`
	Scope        []string `yaml:"scope"`
	UserAgent    string   `yaml:"user-agent"`

	// Authorization is attached to requests that set Authenticated and do not
	// already carry their own credentials.
	Authorization string `yaml:"-"`
}

func NewClient() *Client {
	client := &Client{
		RedirectUris: []string{},
		Scope:        []string{"openid"},
	}
	client.Timeout = 30 * time.Second
	client.ClearCookies()
	return client
}

func (client *Client) ClearCookies() {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	client.Jar = jar
}

// Get sends a GET with params merged into the url's query.
func (client *Client) Get(ctx context.Context, rawURL string, params url.Values, opts apikey.RequestOptions) (*apikey.Response, error) {
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse url: %w", err)
		}
		query := u.Query()
		for key, values := range params {
			query[key] = append(query[key], values...)
		}
		u.RawQuery = query.Encode()
		rawURL = u.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return client.do(req, opts)
}

// Post sends form as an urlencoded body.
func (client *Client) Post(ctx context.Context, rawURL string, form url.Values, opts apikey.RequestOptions) (*apikey.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.do(req, opts)
}

func (client *Client) do(req *http.Request, opts apikey.RequestOptions) (*apikey.Response, error) {
	for key, values := range opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if opts.Authenticated && client.Authorization != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", client.Authorization)
	}
	if client.UserAgent != "" {
		req.Header.Set("User-Agent", client.UserAgent)
	}

	// each request gets its own redirect budget, the shared client is not touched
	hc := client.Client
	maxRedirects := opts.MaxRedirects
	hc.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}

	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &apikey.Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}
