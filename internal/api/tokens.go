package api

import (
	"sync"

	"github.com/desertthunder/mbingo/internal/events"
	"github.com/desertthunder/mbingo/internal/models"
	"github.com/desertthunder/mbingo/internal/shared"
	"golang.org/x/oauth2"
)

// TokenStore holds the current credentials in memory. Every mutation is published to
// subscribers, which persist it. Safe for concurrent use.
type TokenStore struct {
	mu      sync.RWMutex
	creds   models.Credentials
	changes events.Registry[models.Credentials]
}

var _ oauth2.TokenSource = (*TokenStore)(nil)

// NewTokenStore creates a store seeded with initial. Seeding does not publish.
func NewTokenStore(initial models.Credentials) *TokenStore {
	return &TokenStore{creds: initial}
}

// Get returns a copy of the current credentials.
func (s *TokenStore) Get() models.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Set replaces both tokens.
func (s *TokenStore) Set(c models.Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	s.changes.Publish(c)
}

// SetAccessToken replaces the access token and keeps the refresh token.
func (s *TokenStore) SetAccessToken(token string) {
	s.mu.Lock()
	s.creds.AccessToken = token
	c := s.creds
	s.mu.Unlock()
	s.changes.Publish(c)
}

func (s *TokenStore) Clear() {
	s.Set(models.Credentials{})
}

// Subscribe registers fn for every change and returns the unsubscribe function.
func (s *TokenStore) Subscribe(fn func(models.Credentials)) func() {
	return s.changes.Subscribe(fn)
}

// Token implements [oauth2.TokenSource].
func (s *TokenStore) Token() (*oauth2.Token, error) {
	if tok := s.Get().Token(); tok != nil {
		return tok, nil
	}
	return nil, shared.ErrNotAuthenticated
}
