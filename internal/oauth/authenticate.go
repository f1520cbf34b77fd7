package oauth

import (
	"context"
	"fmt"

	"davidallendj/oidc-apikey/internal/apikey"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExchangeCode completes the Authorization Code grant with the payload built
// from an acquired code.
func (client *Client) ExchangeCode(ctx context.Context, tokenURL string, payload apikey.GrantPayload) (*oauth2.Token, error) {
	if tokenURL == "" {
		return nil, fmt.Errorf("no token endpoint provided")
	}
	conf := &oauth2.Config{
		ClientID:     client.Id,
		ClientSecret: client.Secret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		RedirectURL:  payload.RedirectURI,
		Scopes:       client.Scope,
	}

	// reuse our transport and cookie jar for the token request
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &client.Client)
	token, err := conf.Exchange(ctx, payload.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

// IDToken pulls the raw id_token out of a token response.
func IDToken(token *oauth2.Token) (string, bool) {
	if token == nil {
		return "", false
	}
	raw, ok := token.Extra("id_token").(string)
	return raw, ok && raw != ""
}

// DecodeClaims reads a JWT's claims without checking its signature. Only use
// it for display.
func DecodeClaims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return claims, nil
}
