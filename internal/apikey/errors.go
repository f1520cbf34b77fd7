package apikey

import (
	"context"
	"errors"
)

// Error kinds returned by the exchanger. Use errors.Is to match a kind and
// errors.As with *ExchangeError to get at the details.
var (
	ErrDiscovery         = errors.New("discovery error")
	ErrRedirect          = errors.New("redirect error")
	ErrLogin             = errors.New("login error")
	ErrConsent           = errors.New("consent error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrProvider          = errors.New("provider error")
	ErrRedirectMismatch  = errors.New("redirect mismatch")
	ErrProtocol          = errors.New("protocol error")
	ErrSecurity          = errors.New("security error")
)

// ExchangeError is a terminal protocol failure. Messages never include the
// API key; Detail may carry provider supplied error_description text.
type ExchangeError struct {
	Kind   error
	Detail string
	Field  string
	URL    string
	Status int
}

func (e *ExchangeError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *ExchangeError) Unwrap() error {
	return e.Kind
}

var outcomes = []struct {
	kind  error
	label string
}{
	{ErrDiscovery, "discovery"},
	{ErrRedirect, "redirect"},
	{ErrLogin, "login"},
	{ErrConsent, "consent"},
	{ErrMalformedResponse, "malformed_response"},
	{ErrProvider, "provider"},
	{ErrRedirectMismatch, "redirect_mismatch"},
	{ErrProtocol, "protocol"},
	{ErrSecurity, "security"},
}

// Outcome maps the result of an acquisition to a short label for metrics and
// span status.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	for _, o := range outcomes {
		if errors.Is(err, o.kind) {
			return o.label
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "transport"
}
