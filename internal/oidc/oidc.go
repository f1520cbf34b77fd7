package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const WellKnownPath = "/.well-known/openid-configuration"

type IdentityProvider struct {
	Issuer    string    `db:"issuer" json:"issuer" yaml:"issuer"`
	Endpoints Endpoints `db:"endpoints" json:"endpoints" yaml:"endpoints"`
	Supported Supported `db:"supported" json:"supported" yaml:"supported"`
}

type Endpoints struct {
	Config        string `db:"config_endpoint" json:"config_endpoint" yaml:"config"`
	Authorization string `db:"authorization_endpoint" json:"authorization_endpoint" yaml:"authorization"`
	Token         string `db:"token_endpoint" json:"token_endpoint" yaml:"token"`
	UserInfo      string `db:"userinfo_endpoint" json:"userinfo_endpoint" yaml:"userinfo"`
	JwksUri       string `db:"jwks_uri" json:"jwks_uri" yaml:"jwks_uri"`
}

type Supported struct {
	ResponseTypes           []string `db:"response_types_supported" json:"response_types_supported"`
	GrantTypes              []string `db:"grant_types_supported" json:"grant_types_supported"`
	Scopes                  []string `db:"scopes_supported" json:"scopes_supported"`
	IdTokenSigningAlgValues []string `db:"id_token_signing_alg_values_supported" json:"id_token_signing_alg_values_supported"`
	Claims                  []string `db:"claims_supported" json:"claims_supported"`
}

// ParseServerConfig fills the provider from a discovery document.
func ParseServerConfig(data []byte) (*IdentityProvider, error) {
	var p IdentityProvider
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	if err := json.Unmarshal(data, &p.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoints: %w", err)
	}
	if err := json.Unmarshal(data, &p.Supported); err != nil {
		return nil, fmt.Errorf("failed to unmarshal supported values: %w", err)
	}
	return &p, nil
}

// FromDocument converts an already decoded discovery document.
func FromDocument(doc map[string]any) (*IdentityProvider, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery document: %w", err)
	}
	return ParseServerConfig(data)
}

// DiscoveryURL accepts either an issuer or a full discovery url.
func DiscoveryURL(endpoint string) string {
	if strings.HasSuffix(endpoint, WellKnownPath) {
		return endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + WellKnownPath
}

// Resolver fetches discovery documents over HTTP.
type Resolver struct {
	Client *http.Client
}

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{Client: client}
}

func (r *Resolver) Resolve(ctx context.Context, endpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DiscoveryURL(endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch discovery document: status %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
