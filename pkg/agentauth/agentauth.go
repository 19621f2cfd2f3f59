// Package agentauth supplies a refreshable OAuth2 bearer token to the
// spawned agent subprocess's environment: a generic "any OAuth2-fronted
// agent backend" credential source whose Env output can be merged into the
// subprocess environment that pkg/agent/stdiorpc spawns.
package agentauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// EnvVar is the environment variable name the token is exposed under in
// the spawned agent process: the same bearer-token projection as an HTTP
// "Authorization: Bearer" header, but at the process-env boundary instead
// of an HTTP middleware, since the agent subprocess — not an HTTP client
// we own — is what needs the credential.
const EnvVar = "KBOT_AGENT_TOKEN"

// Source wraps an oauth2.TokenSource with caching and a process-env
// projection.
type Source struct {
	mu     sync.Mutex
	ts     oauth2.TokenSource
	cached *oauth2.Token
}

// NewSource wraps an already-configured oauth2.TokenSource (e.g. one built
// from oauth2.Config.TokenSource(ctx, refreshToken) after a one-time PKCE
// exchange performed elsewhere — this package does not perform the
// interactive authorize/exchange flow itself).
func NewSource(ts oauth2.TokenSource) *Source {
	return &Source{ts: ts}
}

// Token returns a valid access token, refreshing through the wrapped
// TokenSource when the cached one has expired.
func (s *Source) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cached.Valid() {
		return s.cached, nil
	}
	tok, err := s.ts.Token()
	if err != nil {
		return nil, fmt.Errorf("agentauth: refresh token: %w", err)
	}
	s.cached = tok
	return tok, nil
}

// Env returns {KBOT_AGENT_TOKEN: <bearer token>} suitable for merging into
// the spawned subprocess's environment via
// pkg/agent/stdiorpc.Factory's envProvider.
func (s *Source) Env(ctx context.Context) (map[string]string, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{EnvVar: tok.AccessToken}, nil
}

// StaticConfig builds an oauth2.Config for a static-token (no browser-flow)
// deployment where only a long-lived refresh token is configured — the
// common case for an operator-owned process.
func StaticConfig(clientID, tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
}
