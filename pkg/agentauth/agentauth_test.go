package agentauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeTokenSource struct {
	calls int
	total int
	toks  []*oauth2.Token
	err   error
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	f.total++
	if f.err != nil {
		return nil, f.err
	}
	tok := f.toks[f.calls]
	if f.calls < len(f.toks)-1 {
		f.calls++
	}
	return tok, nil
}

func TestToken_CachesValidToken(t *testing.T) {
	ts := &fakeTokenSource{toks: []*oauth2.Token{
		{AccessToken: "first", Expiry: time.Now().Add(time.Hour)},
	}}
	s := NewSource(ts)

	tok1, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (2nd): %v", err)
	}
	if tok1.AccessToken != "first" || tok2.AccessToken != "first" {
		t.Errorf("expected both calls to return the cached token, got %q %q", tok1.AccessToken, tok2.AccessToken)
	}
	if ts.total != 1 {
		t.Errorf("expected the underlying source to be called once total, saw %d calls", ts.total)
	}
}

func TestToken_RefreshesOnceExpired(t *testing.T) {
	ts := &fakeTokenSource{toks: []*oauth2.Token{
		{AccessToken: "stale", Expiry: time.Now().Add(-time.Hour)},
		{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)},
	}}
	s := NewSource(ts)

	// The first call caches the stale token; the second finds it expired
	// and refreshes through the source.
	if _, err := s.Token(context.Background()); err != nil {
		t.Fatalf("Token (seed): %v", err)
	}
	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("expected the expired cached token to trigger a refresh, got %q", tok.AccessToken)
	}
}

func TestToken_PropagatesSourceError(t *testing.T) {
	sentinel := errors.New("refresh failed")
	ts := &fakeTokenSource{err: sentinel}
	s := NewSource(ts)

	if _, err := s.Token(context.Background()); err == nil {
		t.Error("expected the underlying source's error to propagate")
	}
}

func TestEnv_ProjectsBearerTokenUnderEnvVar(t *testing.T) {
	ts := &fakeTokenSource{toks: []*oauth2.Token{
		{AccessToken: "tok-xyz", Expiry: time.Now().Add(time.Hour)},
	}}
	s := NewSource(ts)

	env, err := s.Env(context.Background())
	if err != nil {
		t.Fatalf("Env: %v", err)
	}
	if env[EnvVar] != "tok-xyz" {
		t.Errorf("expected %s=tok-xyz, got %+v", EnvVar, env)
	}
}
