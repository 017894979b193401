// Copyright 2026 The EveryLanguage Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for remote requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by token sources that can drop a rejected token.
type Invalidator interface {
	Invalidate()
}

// StaticToken always returns the same token, typically the anon key.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty token")
	}
	return string(t), nil
}

// TokenFunc obtains a fresh JWT, e.g. by refreshing a session.
type TokenFunc func(ctx context.Context) (string, error)

// RefreshingTokenSource caches a JWT until shortly before its exp claim.
// The token is not verified; the server does that.
type RefreshingTokenSource struct {
	fetch  TokenFunc
	leeway time.Duration
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time // zero when the token carries no exp claim
}

// NewRefreshingTokenSource refreshes the token leeway before it expires.
func NewRefreshingTokenSource(fetch TokenFunc, leeway time.Duration) *RefreshingTokenSource {
	return &RefreshingTokenSource{fetch: fetch, leeway: leeway, now: time.Now}
}

func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.now().Add(s.leeway).Before(s.expiry)) {
		return s.token, nil
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", errors.New("token refresh returned an empty token")
	}
	s.token = tok
	s.expiry = tokenExpiry(tok)
	return tok, nil
}

// Invalidate forces the next Token call to refresh.
func (s *RefreshingTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// tokenExpiry returns the exp claim of tok, or zero for opaque tokens.
func tokenExpiry(tok string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
