package apikey

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const redacted = "***REDACTED***"

// ExchangeRequest holds everything needed for one acquisition. APIKey is a
// secret and is redacted from every printed or logged form of the request.
type ExchangeRequest struct {
	AuthURL           string
	IdentityProvider  string
	Protocol          string
	ClientID          string
	APIKey            string
	DiscoveryEndpoint string
	RedirectURI       string
}

func (r *ExchangeRequest) Validate() error {
	missing := []string{}
	if r.ClientID == "" {
		missing = append(missing, "client id")
	}
	if r.APIKey == "" {
		missing = append(missing, "api key")
	}
	if r.DiscoveryEndpoint == "" {
		missing = append(missing, "discovery endpoint")
	}
	if r.RedirectURI == "" {
		missing = append(missing, "redirect uri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required exchange parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

// plainRequest drops the String method so formatting does not recurse.
type plainRequest ExchangeRequest

func (r ExchangeRequest) String() string {
	if r.APIKey != "" {
		r.APIKey = redacted
	}
	return fmt.Sprintf("%+v", plainRequest(r))
}

func (r ExchangeRequest) MarshalZerologObject(e *zerolog.Event) {
	e.Str("auth_url", r.AuthURL).
		Str("identity_provider", r.IdentityProvider).
		Str("protocol", r.Protocol).
		Str("client_id", r.ClientID).
		Str("discovery_endpoint", r.DiscoveryEndpoint).
		Str("redirect_uri", r.RedirectURI)
}
