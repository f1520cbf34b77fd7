package server

import (
	"sync"
	"time"

	"github.com/davidallendj/go-utils/util"
	"github.com/google/uuid"
)

const (
	flowLifetime  = 10 * time.Minute
	codeLifetime  = time.Minute
	tokenLifetime = time.Hour
)

// flow is one authorization request as it moves through login and consent.
// Every challenge and verifier points back at the same flow in the store.
type flow struct {
	ClientID    string
	RedirectURI string
	State       string
	Scopes      []string

	LoginChallenge string
	LoginCSRF      string
	LoginVerifier  string
	Subject        string

	ConsentChallenge string
	ConsentCSRF      string
	ConsentVerifier  string

	ExpiresAt time.Time
}

// grant is what an authorization code or access token stands for.
type grant struct {
	ClientID    string
	RedirectURI string
	Subject     string
	Scopes      []string
	AuthTime    time.Time
	ExpiresAt   time.Time
}

type store struct {
	mu       sync.Mutex
	flows    map[string]*flow
	codes    map[string]*grant
	tokens   map[string]*grant
	consents map[string]bool
	now      func() time.Time
}

func newStore() *store {
	return &store{
		flows:    map[string]*flow{},
		codes:    map[string]*grant{},
		tokens:   map[string]*grant{},
		consents: map[string]bool{},
		now:      time.Now,
	}
}

func (s *store) startFlow(clientID string, redirectURI string, state string, scopes []string) *flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	f := &flow{
		ClientID:       clientID,
		RedirectURI:    redirectURI,
		State:          state,
		Scopes:         scopes,
		LoginChallenge: uuid.NewString(),
		LoginCSRF:      util.RandomString(32),
		ExpiresAt:      s.now().Add(flowLifetime),
	}
	s.flows[f.LoginChallenge] = f
	return f
}

// find returns the live flow registered under token. match picks the field
// the token has to equal so a verifier cannot be used as a challenge.
func (s *store) find(token string, match func(*flow) string) *flow {
	if token == "" {
		return nil
	}
	f, ok := s.flows[token]
	if !ok || match(f) != token {
		return nil
	}
	if !s.now().Before(f.ExpiresAt) {
		s.drop(f)
		return nil
	}
	return f
}

// sweep removes expired flows, codes and tokens so abandoned requests do not
// pile up. Callers hold the lock.
func (s *store) sweep() {
	now := s.now()
	for _, f := range s.flows {
		if !now.Before(f.ExpiresAt) {
			s.drop(f)
		}
	}
	for code, g := range s.codes {
		if !now.Before(g.ExpiresAt) {
			delete(s.codes, code)
		}
	}
	for token, g := range s.tokens {
		if !now.Before(g.ExpiresAt) {
			delete(s.tokens, token)
		}
	}
}

func (s *store) drop(f *flow) {
	for _, token := range []string{f.LoginChallenge, f.LoginVerifier, f.ConsentChallenge, f.ConsentVerifier} {
		if token != "" {
			delete(s.flows, token)
		}
	}
}

func (s *store) loginFlow(challenge string) *flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(challenge, func(f *flow) string { return f.LoginChallenge })
}

func (s *store) consentFlow(challenge string) *flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(challenge, func(f *flow) string { return f.ConsentChallenge })
}

// acceptLogin marks the flow authenticated and hands out a single use login
// verifier.
func (s *store) acceptLogin(f *flow, subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Subject = subject
	f.LoginVerifier = util.RandomString(32)
	s.flows[f.LoginVerifier] = f
	return f.LoginVerifier
}

// redeemLoginVerifier swaps a login verifier for a consent challenge.
func (s *store) redeemLoginVerifier(verifier string) *flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.find(verifier, func(f *flow) string { return f.LoginVerifier })
	if f == nil {
		return nil
	}
	delete(s.flows, verifier)
	f.LoginVerifier = ""
	f.ConsentChallenge = uuid.NewString()
	f.ConsentCSRF = util.RandomString(32)
	s.flows[f.ConsentChallenge] = f
	return f
}

// acceptConsent narrows the flow to the granted scopes, when given, and hands
// out a single use consent verifier.
func (s *store) acceptConsent(f *flow, scopes []string, remember bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scopes != nil {
		f.Scopes = scopes
	}
	if remember {
		s.consents[consentKey(f.Subject, f.ClientID)] = true
	}
	f.ConsentVerifier = util.RandomString(32)
	s.flows[f.ConsentVerifier] = f
	return f.ConsentVerifier
}

func (s *store) consented(subject string, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consents[consentKey(subject, clientID)]
}

// redeemConsentVerifier finishes the flow and issues its authorization code.
func (s *store) redeemConsentVerifier(verifier string) (*flow, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.find(verifier, func(f *flow) string { return f.ConsentVerifier })
	if f == nil {
		return nil, ""
	}
	s.drop(f)
	code := util.RandomString(64)
	now := s.now()
	s.codes[code] = &grant{
		ClientID:    f.ClientID,
		RedirectURI: f.RedirectURI,
		Subject:     f.Subject,
		Scopes:      f.Scopes,
		AuthTime:    now,
		ExpiresAt:   now.Add(codeLifetime),
	}
	return f, code
}

// redeemCode consumes an authorization code. Codes work exactly once.
func (s *store) redeemCode(code string) *grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	g, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)
	if !s.now().Before(g.ExpiresAt) {
		return nil
	}
	return g
}

func (s *store) issueToken(g *grant) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	token := util.RandomString(48)
	issued := *g
	issued.ExpiresAt = s.now().Add(tokenLifetime)
	s.tokens[token] = &issued
	return token
}

func (s *store) lookupToken(token string) *grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.tokens[token]
	if !ok || !s.now().Before(g.ExpiresAt) {
		return nil
	}
	return g
}

func consentKey(subject string, clientID string) string {
	return subject + "\x00" + clientID
}
