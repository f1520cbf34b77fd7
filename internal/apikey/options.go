package apikey

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Variant selects which identity provider contract the exchanger speaks.
type Variant string

const (
	// VariantDiscovery posts the anti-forgery token as "csrf" and supports an
	// explicit consent round-trip.
	VariantDiscovery Variant = "discovery"

	// VariantLegacy posts the token as "auth_tok" and expects consent to be
	// granted without a second form.
	VariantLegacy Variant = "legacy"
)

func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case VariantDiscovery, "":
		return VariantDiscovery, true
	case VariantLegacy:
		return VariantLegacy, true
	}
	return "", false
}

// Recorder receives one observation per acquisition.
type Recorder interface {
	ObserveExchange(outcome string, elapsed time.Duration)
}

type Option func(*Exchanger)

func WithVariant(v Variant) Option {
	return func(e *Exchanger) {
		switch v {
		case VariantLegacy:
			e.csrfKey = "auth_tok"
			e.consentRoundTrip = false
		default:
			e.csrfKey = "csrf"
			e.consentRoundTrip = true
		}
	}
}

func WithCSRFKey(key string) Option {
	return func(e *Exchanger) {
		if key != "" {
			e.csrfKey = key
		}
	}
}

func WithConsentRoundTrip(enabled bool) Option {
	return func(e *Exchanger) {
		e.consentRoundTrip = enabled
	}
}

// WithRedirectHops sets how many redirects the session may follow on the
// login submit and consent requests.
func WithRedirectHops(n int) Option {
	return func(e *Exchanger) {
		if n >= 0 {
			e.redirectHops = n
		}
	}
}

func WithStateGenerator(fn func() (string, error)) Option {
	return func(e *Exchanger) {
		if fn != nil {
			e.newState = fn
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Exchanger) {
		e.logger = logger
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Exchanger) {
		e.recorder = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Exchanger) {
		if t != nil {
			e.tracer = t
		}
	}
}
