package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"davidallendj/oidc-apikey/internal/apikey"
	"davidallendj/oidc-apikey/internal/config"
	"davidallendj/oidc-apikey/internal/metrics"
	"davidallendj/oidc-apikey/internal/oauth"
	"davidallendj/oidc-apikey/internal/oidc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type loginOptions struct {
	CodeOnly bool
	Verify   bool
	Decode   bool
}

var (
	loginOpts  loginOptions
	loginFlags = struct {
		clientID     string
		clientSecret string
		apiKey       string
		discovery    string
		redirectURI  string
		variant      string
		csrfKey      string
		tokenURL     string
		cacheDriver  string
		redirectHops int
	}{}
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange an API key for an authorization code and redeem it for tokens",
	Long: "Drives the provider's authorize, login and consent endpoints with the API key as a bearer " +
		"credential, then completes the authorization code grant. Use --code-only to stop after the code.",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("client-id") {
			cfg.Exchange.ClientID = loginFlags.clientID
		}
		if flags.Changed("client-secret") {
			cfg.Client.Secret = loginFlags.clientSecret
		}
		if flags.Changed("api-key") {
			cfg.Exchange.APIKey = loginFlags.apiKey
		}
		if flags.Changed("discovery-endpoint") {
			cfg.Exchange.DiscoveryEndpoint = loginFlags.discovery
		}
		if flags.Changed("redirect-uri") {
			cfg.Exchange.RedirectURI = loginFlags.redirectURI
		}
		if flags.Changed("variant") {
			cfg.Exchange.Variant = loginFlags.variant
		}
		if flags.Changed("csrf-key") {
			cfg.Exchange.CSRFKey = loginFlags.csrfKey
		}
		if flags.Changed("redirect-hops") {
			cfg.Exchange.RedirectHops = loginFlags.redirectHops
		}
		if flags.Changed("token-endpoint") {
			cfg.Client.TokenEndpoint = loginFlags.tokenURL
		}
		if flags.Changed("cache") {
			cfg.Cache.Driver = loginFlags.cacheDriver
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Exchange.Timeout)
		defer cancel()
		return runLogin(ctx, cmd.OutOrStdout(), cfg, loginOpts)
	},
}

func runLogin(ctx context.Context, out io.Writer, c config.Config, opts loginOptions) error {
	client := oauth.NewClient()
	client.Id = c.Exchange.ClientID
	client.Secret = c.Client.Secret
	client.Scope = c.Client.Scope
	client.UserAgent = c.Client.UserAgent
	client.Timeout = c.Exchange.Timeout

	cache, closeCache, err := openCache(ctx, c.Cache)
	if err != nil {
		return err
	}
	defer closeCache()
	resolver := oidc.NewCachingResolver(oidc.NewResolver(&client.Client), cache, c.Cache.TTL, log.Logger)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	defer pushMetrics(c.Metrics, reg)

	exchangeOpts, err := c.Exchange.Options()
	if err != nil {
		return err
	}
	exchangeOpts = append(exchangeOpts, apikey.WithLogger(log.Logger), apikey.WithRecorder(m))
	exchanger := apikey.New(resolver, exchangeOpts...)

	payload, err := exchanger.Grant(ctx, client, c.Exchange.Request())
	if err != nil {
		return err
	}
	if opts.CodeOnly {
		return writeJSON(out, payload.Map())
	}

	// use the configured token endpoint or the one the provider advertises
	tokenURL := c.Client.TokenEndpoint
	var provider *oidc.IdentityProvider
	if tokenURL == "" || opts.Verify {
		doc, err := resolver.Resolve(ctx, c.Exchange.DiscoveryEndpoint)
		if err != nil {
			return fmt.Errorf("failed to resolve provider config: %w", err)
		}
		provider, err = oidc.FromDocument(doc)
		if err != nil {
			return err
		}
		if tokenURL == "" {
			tokenURL = provider.Endpoints.Token
		}
	}

	token, err := client.ExchangeCode(ctx, tokenURL, payload)
	if err != nil {
		return err
	}
	result := map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expiry":       token.Expiry,
	}
	if token.RefreshToken != "" {
		result["refresh_token"] = token.RefreshToken
	}

	if idToken, ok := oauth.IDToken(token); ok {
		result["id_token"] = idToken
		switch {
		case opts.Verify:
			claims, err := provider.VerifyIDToken(ctx, &client.Client, c.Exchange.ClientID, idToken)
			if err != nil {
				return err
			}
			result["claims"] = claims
		case opts.Decode:
			claims, err := oauth.DecodeClaims(idToken)
			if err != nil {
				return err
			}
			result["claims"] = claims
		}
	} else if opts.Verify {
		return fmt.Errorf("no ID token in token response")
	}
	return writeJSON(out, result)
}

func pushMetrics(c config.Metrics, reg *prometheus.Registry) {
	if c.PushGateway == "" {
		return
	}
	if err := push.New(c.PushGateway, c.Job).Gatherer(reg).Push(); err != nil {
		log.Warn().Err(err).Str("gateway", c.PushGateway).Msg("failed to push metrics")
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	flags := loginCmd.Flags()
	flags.StringVar(&loginFlags.clientID, "client-id", "", "set the OAuth client ID")
	flags.StringVar(&loginFlags.clientSecret, "client-secret", "", "set the OAuth client secret used at the token endpoint")
	flags.StringVar(&loginFlags.apiKey, "api-key", "", "set the API key (prefer OIDC_APIKEY_EXCHANGE_API_KEY)")
	flags.StringVar(&loginFlags.discovery, "discovery-endpoint", "", "set the issuer or discovery URL of the identity provider")
	flags.StringVar(&loginFlags.redirectURI, "redirect-uri", "", "set the registered redirect URI")
	flags.StringVar(&loginFlags.variant, "variant", "", "set the provider variant (discovery, legacy)")
	flags.StringVar(&loginFlags.csrfKey, "csrf-key", "", "override the form field carrying the CSRF token")
	flags.IntVar(&loginFlags.redirectHops, "redirect-hops", 1, "set how many redirects to follow after login and consent")
	flags.StringVar(&loginFlags.tokenURL, "token-endpoint", "", "override the token endpoint from discovery")
	flags.StringVar(&loginFlags.cacheDriver, "cache", "", "set the discovery cache driver (none, memory, sqlite, redis)")
	flags.BoolVar(&loginOpts.CodeOnly, "code-only", false, "print the grant payload and stop before the token request")
	flags.BoolVar(&loginOpts.Verify, "verify", false, "verify the ID token signature and print its claims")
	flags.BoolVar(&loginOpts.Decode, "decode", false, "print the ID token claims without verifying them")

	rootCmd.AddCommand(loginCmd)
}
