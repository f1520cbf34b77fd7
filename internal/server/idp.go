package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	_ "embed"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/metrics"
	"davidallendj/oidc-apikey/internal/oidc"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

//go:embed pages/login.html
var loginPage string

const (
	DefaultSubject = "ochami"
	JwksPath       = "/.well-known/jwks.json"
	AuthorizePath  = "/oauth2/auth"
	TokenPath      = "/oauth2/token"
	UserInfoPath   = "/userinfo"
	LoginPath      = "/login"
	ConsentPath    = "/consent"
)

var defaultScopes = []string{"openid", "profile", "email"}

// Params configures the identity provider. Issuer must be the exact base url
// clients reach the provider at since every redirect and token uses it.
type Params struct {
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURIs  []string
	APIKeys       []string
	Subject       string
	AllowedScopes []string
	Variant       apikey.Variant
	SkipConsent   bool
	HashCost      int

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// IdentityProvider is a small authorization server that accepts API keys at
// its login and consent endpoints the way Hydra fronted by Mokey does. It
// exists to exercise the exchanger end to end.
type IdentityProvider struct {
	params     Params
	csrfField  string
	roundTrip  bool
	hashes     [][]byte
	signingKey jwk.Key
	keySet     jwk.Set
	page       *exec.Template
	store      *store
}

func NewIdentityProvider(params Params) (*IdentityProvider, error) {
	params.Issuer = strings.TrimSuffix(params.Issuer, "/")
	if params.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if params.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if len(params.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one api key is required")
	}
	if params.Subject == "" {
		params.Subject = DefaultSubject
	}
	if len(params.AllowedScopes) == 0 {
		params.AllowedScopes = defaultScopes
	}
	if params.Variant == "" {
		params.Variant = apikey.VariantDiscovery
	}
	if params.HashCost == 0 {
		params.HashCost = bcrypt.DefaultCost
	}

	p := &IdentityProvider{
		params:    params,
		csrfField: "csrf",
		roundTrip: !params.SkipConsent,
		store:     newStore(),
	}
	if params.Variant == apikey.VariantLegacy {
		p.csrfField = "auth_tok"
		p.roundTrip = false
	}

	// only hashes of the api keys are kept around
	for _, key := range params.APIKeys {
		hash, err := bcrypt.GenerateFromPassword([]byte(key), params.HashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash api key: %w", err)
		}
		p.hashes = append(p.hashes, hash)
	}

	// generate key pair used to sign ID tokens and serve the JWKS
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate new RSA key: %w", err)
	}
	p.signingKey, err = jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK from private key: %w", err)
	}
	if err := jwk.AssignKeyID(p.signingKey); err != nil {
		return nil, fmt.Errorf("failed to assign key id: %w", err)
	}
	p.signingKey.Set(jwk.AlgorithmKey, jwa.RS256)

	publicKey, err := jwk.PublicKeyOf(p.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get public JWK: %w", err)
	}
	if err := jwk.AssignKeyID(publicKey); err != nil {
		return nil, fmt.Errorf("failed to assign key id: %w", err)
	}
	publicKey.Set(jwk.KeyUsageKey, "sig")
	publicKey.Set(jwk.AlgorithmKey, jwa.RS256)
	p.keySet = jwk.NewSet()
	if err := p.keySet.AddKey(publicKey); err != nil {
		return nil, fmt.Errorf("failed to add public JWK to set: %w", err)
	}

	p.page, err = gonja.FromString(loginPage)
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}
	return p, nil
}

func (p *IdentityProvider) Issuer() string {
	return p.params.Issuer
}

func (p *IdentityProvider) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(p.observe)

	r.Get(oidc.WellKnownPath, p.discovery)
	r.Get(JwksPath, p.jwks)
	r.Get(AuthorizePath, p.authorize)
	r.Post(TokenPath, p.token)
	r.Get(UserInfoPath, p.userinfo)
	r.Get(LoginPath, p.loginForm)
	r.Post(LoginPath, p.login)
	r.Get(ConsentPath, p.consentForm)
	r.Post(ConsentPath, p.consent)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"code":    http.StatusOK,
			"message": "identity provider is healthy",
		})
	})
	if p.params.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.params.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// observe counts and logs every request by its route pattern.
func (p *IdentityProvider) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if p.params.Metrics != nil {
			p.params.Metrics.ObserveRequest(route, status)
		}
		p.params.Logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("served request")
	})
}

func (p *IdentityProvider) url(path string, query url.Values) string {
	if len(query) == 0 {
		return p.params.Issuer + path
	}
	return p.params.Issuer + path + "?" + query.Encode()
}

func (p *IdentityProvider) discovery(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"issuer":                                p.params.Issuer,
		"authorization_endpoint":                p.url(AuthorizePath, nil),
		"token_endpoint":                        p.url(TokenPath, nil),
		"userinfo_endpoint":                     p.url(UserInfoPath, nil),
		"jwks_uri":                              p.url(JwksPath, nil),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"subject_types_supported":               []string{"public"},
		"scopes_supported":                      p.params.AllowedScopes,
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"claims_supported":                      []string{"iss", "sub", "aud", "exp", "iat", "auth_time", "name"},
	})
}

func (p *IdentityProvider) jwks(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, p.keySet)
}

// authorize starts new flows and resumes them when a login or consent
// verifier comes back.
func (p *IdentityProvider) authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if verifier := query.Get("login_verifier"); verifier != "" {
		p.resumeAfterLogin(w, r, verifier)
		return
	}
	if verifier := query.Get("consent_verifier"); verifier != "" {
		p.resumeAfterConsent(w, r, verifier)
		return
	}

	var (
		clientID    = query.Get("client_id")
		redirectURI = query.Get("redirect_uri")
		state       = query.Get("state")
		scopes      = strings.Fields(query.Get("scope"))
	)
	if clientID != p.params.ClientID {
		fail(w, r, http.StatusUnauthorized, "invalid_client", "Client authentication failed.")
		return
	}
	if !slices.Contains(p.params.RedirectURIs, redirectURI) {
		fail(w, r, http.StatusBadRequest, "invalid_request", "The 'redirect_uri' parameter does not match any of the registered redirect urls.")
		return
	}

	// from here on errors go back to the client
	if query.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "The authorization server does not support obtaining a token using this method.")
		return
	}
	for _, scope := range scopes {
		if !slices.Contains(p.params.AllowedScopes, scope) {
			redirectError(w, r, redirectURI, state, "invalid_scope", fmt.Sprintf("The requested scope %q is not allowed for this client.", scope))
			return
		}
	}

	f := p.store.startFlow(clientID, redirectURI, state, scopes)
	http.Redirect(w, r, p.url(LoginPath, url.Values{"login_challenge": {f.LoginChallenge}}), http.StatusFound)
}

func (p *IdentityProvider) resumeAfterLogin(w http.ResponseWriter, r *http.Request, verifier string) {
	f := p.store.redeemLoginVerifier(verifier)
	if f == nil {
		fail(w, r, http.StatusForbidden, "invalid_request", "The login verifier has already been used, has not been granted, or is invalid.")
		return
	}
	http.Redirect(w, r, p.url(ConsentPath, url.Values{"consent_challenge": {f.ConsentChallenge}}), http.StatusFound)
}

func (p *IdentityProvider) resumeAfterConsent(w http.ResponseWriter, r *http.Request, verifier string) {
	f, code := p.store.redeemConsentVerifier(verifier)
	if f == nil {
		fail(w, r, http.StatusForbidden, "invalid_request", "The consent verifier has already been used, has not been granted, or is invalid.")
		return
	}
	target, _ := url.Parse(f.RedirectURI)
	query := target.Query()
	query.Set("code", code)
	query.Set("scope", strings.Join(f.Scopes, " "))
	query.Set("state", f.State)
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *IdentityProvider) loginForm(w http.ResponseWriter, r *http.Request) {
	f := p.store.loginFlow(r.URL.Query().Get("login_challenge"))
	if f == nil {
		fail(w, r, http.StatusNotFound, "invalid_request", "login challenge not found")
		return
	}
	if _, ok := p.authenticate(r); !ok {
		fail(w, r, http.StatusUnauthorized, "access_denied", "invalid api key")
		return
	}
	p.renderChallenge(w, r, "Sign in", LoginPath, f.LoginChallenge, f.LoginCSRF, f)
}

func (p *IdentityProvider) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_request", "failed to parse form")
		return
	}
	f := p.store.loginFlow(r.PostForm.Get("challenge"))
	if f == nil {
		fail(w, r, http.StatusNotFound, "invalid_request", "login challenge not found")
		return
	}
	if !equal(r.PostForm.Get(p.csrfField), f.LoginCSRF) {
		fail(w, r, http.StatusForbidden, "invalid_request", "CSRF token mismatch")
		return
	}
	subject, ok := p.authenticate(r)
	if !ok {
		fail(w, r, http.StatusUnauthorized, "access_denied", "invalid api key")
		return
	}

	verifier := p.store.acceptLogin(f, subject)
	p.params.Logger.Debug().Str("client_id", f.ClientID).Str("subject", subject).Msg("login accepted")
	http.Redirect(w, r, p.url(AuthorizePath, url.Values{"login_verifier": {verifier}}), http.StatusFound)
}

func (p *IdentityProvider) consentForm(w http.ResponseWriter, r *http.Request) {
	f := p.store.consentFlow(r.URL.Query().Get("consent_challenge"))
	if f == nil {
		fail(w, r, http.StatusNotFound, "invalid_request", "consent challenge not found")
		return
	}
	if subject, ok := p.authenticate(r); !ok || subject != f.Subject {
		fail(w, r, http.StatusUnauthorized, "access_denied", "invalid api key")
		return
	}

	// skip the form when there is nothing to ask
	if !p.roundTrip || p.store.consented(f.Subject, f.ClientID) {
		verifier := p.store.acceptConsent(f, nil, false)
		http.Redirect(w, r, p.url(AuthorizePath, url.Values{"consent_verifier": {verifier}}), http.StatusFound)
		return
	}
	p.renderChallenge(w, r, "Authorize "+f.ClientID, ConsentPath, f.ConsentChallenge, f.ConsentCSRF, f)
}

func (p *IdentityProvider) consent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_request", "failed to parse form")
		return
	}
	f := p.store.consentFlow(r.PostForm.Get("challenge"))
	if f == nil {
		fail(w, r, http.StatusNotFound, "invalid_request", "consent challenge not found")
		return
	}
	if !equal(r.PostForm.Get(p.csrfField), f.ConsentCSRF) {
		fail(w, r, http.StatusForbidden, "invalid_request", "CSRF token mismatch")
		return
	}
	if subject, ok := p.authenticate(r); !ok || subject != f.Subject {
		fail(w, r, http.StatusUnauthorized, "access_denied", "invalid api key")
		return
	}

	// only scopes that were asked for can be granted
	var granted []string
	for _, scope := range r.PostForm["scope"] {
		if slices.Contains(f.Scopes, scope) {
			granted = append(granted, scope)
		}
	}
	verifier := p.store.acceptConsent(f, granted, true)
	http.Redirect(w, r, p.url(AuthorizePath, url.Values{"consent_verifier": {verifier}}), http.StatusFound)
}

func (p *IdentityProvider) renderChallenge(w http.ResponseWriter, r *http.Request, title string, action string, challenge string, csrf string, f *flow) {
	scopes := f.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	if render.GetAcceptedContentType(r) == render.ContentTypeJSON {
		render.JSON(w, r, map[string]any{
			"challenge":  challenge,
			"scopes":     scopes,
			"client_id":  f.ClientID,
			p.csrfField: csrf,
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := exec.NewContext(map[string]any{
		"title":     title,
		"client":    f.ClientID,
		"scopes":    scopes,
		"action":    p.url(action, nil),
		"challenge": challenge,
		"csrfField": p.csrfField,
		"csrf":      csrf,
		"submit":    title,
	})
	if err := p.page.Execute(w, data); err != nil {
		p.params.Logger.Error().Err(err).Msg("failed to render login page")
	}
}

func (p *IdentityProvider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_request", "failed to parse form")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		secret, _ = url.QueryUnescape(secret)
	} else {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if clientID != p.params.ClientID || (p.params.ClientSecret != "" && !equal(secret, p.params.ClientSecret)) {
		fail(w, r, http.StatusUnauthorized, "invalid_client", "Client authentication failed.")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		fail(w, r, http.StatusBadRequest, "unsupported_grant_type", "The authorization grant type is not supported by the authorization server.")
		return
	}

	g := p.store.redeemCode(r.PostForm.Get("code"))
	if g == nil || g.ClientID != clientID || g.RedirectURI != r.PostForm.Get("redirect_uri") {
		fail(w, r, http.StatusBadRequest, "invalid_grant", "The provided authorization grant is invalid, expired, revoked, or was issued to another client.")
		return
	}

	idToken, err := p.signIDToken(g)
	if err != nil {
		p.params.Logger.Error().Err(err).Msg("failed to sign ID token")
		fail(w, r, http.StatusInternalServerError, "server_error", "failed to sign ID token")
		return
	}
	render.JSON(w, r, map[string]any{
		"access_token": p.store.issueToken(g),
		"token_type":   "bearer",
		"expires_in":   int(tokenLifetime.Seconds()),
		"id_token":     idToken,
		"scope":        strings.Join(g.Scopes, " "),
	})
}

func (p *IdentityProvider) userinfo(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	g := p.store.lookupToken(token)
	if !ok || g == nil {
		fail(w, r, http.StatusUnauthorized, "invalid_token", "access token is invalid or expired")
		return
	}
	render.JSON(w, r, map[string]any{
		"sub":  g.Subject,
		"name": g.Subject,
	})
}

func (p *IdentityProvider) signIDToken(g *grant) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(p.params.Issuer).
		Subject(g.Subject).
		Audience([]string{g.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(tokenLifetime)).
		Claim("auth_time", g.AuthTime.Unix()).
		Claim("name", g.Subject).
		Claim("scope", strings.Join(g.Scopes, " ")).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, p.signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// authenticate checks the bearer api key against the configured hashes.
func (p *IdentityProvider) authenticate(r *http.Request) (string, bool) {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return "", false
	}
	for _, hash := range p.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return p.params.Subject, true
		}
	}
	return "", false
}

func fail(w http.ResponseWriter, r *http.Request, status int, code string, description string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI string, state string, code string, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_request", "malformed redirect uri")
		return
	}
	query := target.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if state != "" {
		query.Set("state", state)
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func equal(a string, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
