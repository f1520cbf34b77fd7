package oidc

import (
	"context"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// VerifyIDToken checks the signature, issuer, audience and expiry of an ID
// token against the provider's published keys and returns its claims.
func (p *IdentityProvider) VerifyIDToken(ctx context.Context, client *http.Client, clientID string, raw string) (map[string]any, error) {
	if p.Endpoints.JwksUri == "" {
		return nil, fmt.Errorf("JWKS endpoint not set")
	}
	if client != nil {
		ctx = gooidc.ClientContext(ctx, client)
	}
	keySet := gooidc.NewRemoteKeySet(ctx, p.Endpoints.JwksUri)
	verifier := gooidc.NewVerifier(p.Issuer, keySet, &gooidc.Config{ClientID: clientID})

	token, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	claims := map[string]any{}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to read ID token claims: %w", err)
	}
	return claims, nil
}
