package apikey

import (
	"context"
	"net/url"
)

// GrantPayload is what the Authorization Code token exchange needs from us.
type GrantPayload struct {
	RedirectURI string
	Code        string
}

func NewGrantPayload(code string, redirectURI string) GrantPayload {
	return GrantPayload{RedirectURI: redirectURI, Code: code}
}

func (p GrantPayload) Map() map[string]string {
	return map[string]string{
		"redirect_uri": p.RedirectURI,
		"code":         p.Code,
	}
}

func (p GrantPayload) Values() url.Values {
	return url.Values{
		"redirect_uri": {p.RedirectURI},
		"code":         {p.Code},
	}
}

// Grant acquires a code and wraps it into the grant payload.
func (e *Exchanger) Grant(ctx context.Context, session Session, req *ExchangeRequest) (GrantPayload, error) {
	code, err := e.Acquire(ctx, session, req)
	if err != nil {
		return GrantPayload{}, err
	}
	return NewGrantPayload(code, req.RedirectURI), nil
}
