package apikey

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "davidallendj/oidc-apikey/internal/apikey"
	scopeOpenID      = "openid"
	responseTypeCode = "code"
)

// Exchanger trades an API key for an authorization code by driving the
// provider's authorize, login and consent endpoints. It keeps no state
// between acquisitions and is safe for concurrent use.
type Exchanger struct {
	resolver         DiscoveryResolver
	csrfKey          string
	consentRoundTrip bool
	redirectHops     int
	newState         func() (string, error)
	logger           zerolog.Logger
	recorder         Recorder
	tracer           trace.Tracer
}

func New(resolver DiscoveryResolver, opts ...Option) *Exchanger {
	e := &Exchanger{
		resolver:     resolver,
		redirectHops: 1,
		newState:     NewState,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer(tracerName),
	}
	WithVariant(VariantDiscovery)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Challenge is the login or consent form the provider hands back as JSON.
type Challenge struct {
	Challenge string
	Scopes    []string
	CSRF      string
}

func (c *Challenge) form(csrfKey string) url.Values {
	form := url.Values{}
	form.Set("challenge", c.Challenge)
	if len(c.Scopes) > 0 {
		form["scope"] = append([]string{}, c.Scopes...)
	}
	form.Set(csrfKey, c.CSRF)
	return form
}

// Acquire runs the full handshake and returns the verified authorization
// code. Errors from the session and the resolver are returned unchanged;
// protocol failures are *ExchangeError values.
func (e *Exchanger) Acquire(ctx context.Context, session Session, req *ExchangeRequest) (code string, err error) {
	if req == nil {
		return "", fmt.Errorf("exchange request is nil")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "apikey.Acquire", trace.WithAttributes(
		attribute.String("oidc.client_id", req.ClientID),
		attribute.String("oidc.discovery_endpoint", req.DiscoveryEndpoint),
		attribute.String("oidc.redirect_uri", req.RedirectURI),
	))
	defer func() {
		outcome := Outcome(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			e.logger.Warn().Err(err).Str("outcome", outcome).Str("client_id", req.ClientID).Msg("api key exchange failed")
		}
		span.End()
		if e.recorder != nil {
			e.recorder.ObserveExchange(outcome, time.Since(start))
		}
	}()

	e.logger.Debug().Object("request", req).Msg("starting api key exchange")
	return e.acquire(ctx, session, req, span)
}

func (e *Exchanger) acquire(ctx context.Context, session Session, req *ExchangeRequest, span trace.Span) (string, error) {
	log := e.logger.With().Str("client_id", req.ClientID).Logger()

	// find the authorization endpoint
	span.AddEvent("discover")
	doc, err := e.resolver.Resolve(ctx, req.DiscoveryEndpoint)
	if err != nil {
		return "", err
	}
	authEndpoint, _ := doc["authorization_endpoint"].(string)
	if authEndpoint == "" {
		return "", &ExchangeError{Kind: ErrDiscovery, Detail: "failed to find auth endpoint in discovery document"}
	}

	state, err := e.newState()
	if err != nil {
		return "", err
	}

	// start the authorization request and stop at the first redirect
	span.AddEvent("authorize")
	params := url.Values{
		"client_id":     {req.ClientID},
		"response_type": {responseTypeCode},
		"scope":         {scopeOpenID},
		"state":         {state},
		"redirect_uri":  {req.RedirectURI},
	}
	res, err := session.Get(ctx, authEndpoint, params, RequestOptions{})
	if err != nil {
		return "", err
	}
	loginURL := res.Location()
	if res.StatusCode != http.StatusFound || loginURL == "" {
		return "", &ExchangeError{Kind: ErrRedirect, Status: res.StatusCode, Detail: "no redirect for consent"}
	}
	log.Debug().Str("step", "authorize").Int("status", res.StatusCode).Msg("got login redirect")

	// the provider can bounce straight back to us when it has nothing to ask
	if strings.HasPrefix(loginURL, req.RedirectURI) {
		query := redirectQuery(loginURL)
		if query.Has("error_description") {
			return "", &ExchangeError{Kind: ErrProvider, Detail: query.Get("error_description"), URL: loginURL}
		}
		return "", &ExchangeError{Kind: ErrProvider, Detail: "unknown error", URL: loginURL}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+req.APIKey)
	header.Set("Accept", "application/json")

	// present the api key to the login endpoint
	span.AddEvent("login")
	res, err = session.Get(ctx, loginURL, nil, RequestOptions{Header: header.Clone()})
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", &ExchangeError{Kind: ErrLogin, Status: res.StatusCode, Detail: fmt.Sprintf("failed to GET login url: status %d", res.StatusCode)}
	}
	login, err := e.parseChallenge(res)
	if err != nil {
		return "", err
	}

	// submit the login form, the provider answers with the consent url
	span.AddEvent("login_submit")
	res, err = session.Post(ctx, loginURL, login.form(e.csrfKey), RequestOptions{Header: header.Clone(), MaxRedirects: e.redirectHops})
	if err != nil {
		return "", err
	}
	consentURL := res.Location()
	if res.StatusCode != http.StatusFound || consentURL == "" {
		return "", &ExchangeError{Kind: ErrConsent, Status: res.StatusCode, Detail: "no consent url"}
	}
	log.Debug().Str("step", "login").Int("status", res.StatusCode).Msg("login accepted")

	span.AddEvent("consent")
	res, err = session.Get(ctx, consentURL, nil, RequestOptions{Header: header.Clone(), MaxRedirects: e.redirectHops})
	if err != nil {
		return "", err
	}

	var finalURL string
	switch {
	case res.StatusCode == http.StatusFound:
		// consent was already granted
		finalURL = res.Location()
		if finalURL == "" {
			return "", &ExchangeError{Kind: ErrConsent, Status: res.StatusCode, Detail: "no consent redirect"}
		}
	case res.StatusCode == http.StatusOK && e.consentRoundTrip:
		consent, err := e.parseChallenge(res)
		if err != nil {
			return "", err
		}
		span.AddEvent("consent_submit")
		res, err = session.Post(ctx, consentURL, consent.form(e.csrfKey), RequestOptions{Header: header.Clone(), MaxRedirects: e.redirectHops})
		if err != nil {
			return "", err
		}
		finalURL = res.Location()
		if res.StatusCode != http.StatusFound || finalURL == "" {
			return "", &ExchangeError{Kind: ErrConsent, Status: res.StatusCode, Detail: "failed to complete consent"}
		}
	default:
		return "", &ExchangeError{Kind: ErrConsent, Status: res.StatusCode, Detail: fmt.Sprintf("failed to GET consent url: status %d", res.StatusCode)}
	}
	log.Debug().Str("step", "consent").Int("status", res.StatusCode).Msg("consent complete")

	span.AddEvent("validate")
	return validateFinalRedirect(finalURL, req.RedirectURI, state)
}

func validateFinalRedirect(finalURL string, redirectURI string, state string) (string, error) {
	if !strings.HasPrefix(finalURL, redirectURI) {
		return "", &ExchangeError{Kind: ErrRedirectMismatch, URL: finalURL, Detail: "invalid redirect uri: " + finalURL}
	}
	query := redirectQuery(finalURL)
	if query.Has("error_description") {
		return "", &ExchangeError{Kind: ErrProvider, Detail: query.Get("error_description"), URL: finalURL}
	}
	if !query.Has("state") {
		return "", &ExchangeError{Kind: ErrProtocol, Field: "state", Detail: "state not found"}
	}
	if !stateMatches(state, query.Get("state")) {
		return "", &ExchangeError{Kind: ErrSecurity, Field: "state", Detail: "invalid state"}
	}
	if !query.Has("code") {
		return "", &ExchangeError{Kind: ErrProtocol, Field: "code", Detail: "missing auth code"}
	}
	return query.Get("code"), nil
}

// redirectQuery parses the query of a redirect target. Blank values are kept
// and malformed pairs are skipped.
func redirectQuery(rawURL string) url.Values {
	rawQuery := ""
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		rawQuery = rawURL[i+1:]
	}
	if i := strings.IndexByte(rawQuery, '#'); i >= 0 {
		rawQuery = rawQuery[:i]
	}
	query, _ := url.ParseQuery(rawQuery)
	return query
}

func (e *Exchanger) parseChallenge(res *Response) (*Challenge, error) {
	var body map[string]any
	if err := res.JSON(&body); err != nil {
		return nil, err
	}
	for _, key := range []string{"challenge", "scopes", e.csrfKey} {
		if _, ok := body[key]; !ok {
			return nil, &ExchangeError{Kind: ErrMalformedResponse, Field: key, Detail: "missing " + key}
		}
	}
	return &Challenge{
		Challenge: stringValue(body["challenge"]),
		Scopes:    stringValues(body["scopes"]),
		CSRF:      stringValue(body[e.csrfKey]),
	}, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		values := make([]string, 0, len(t))
		for _, item := range t {
			values = append(values, stringValue(item))
		}
		return values
	default:
		return []string{stringValue(t)}
	}
}
