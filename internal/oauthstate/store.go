// Package oauthstate issues and validates the single-use CSRF state tokens
// guarding the account-linking handshake.
package oauthstate

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TTL is how long an issued state token stays valid.
const TTL = 10 * time.Minute

// ErrInvalidState is returned for tokens that are unknown, expired, or
// already consumed. The three cases are deliberately indistinguishable so
// the callback endpoint cannot be used to probe for live tokens.
var ErrInvalidState = errors.New("oauth state is invalid or expired")

// Pending is the payload stored behind a state token. Provider and Role
// describe what kind of account the callback should create when
// DestinationID is empty; for a relink they are informational.
type Pending struct {
	UserID        string
	Provider      string
	Role          string
	DestinationID string // empty when linking a brand-new account
	ExpiresAt     time.Time
}

// Store is an in-process single-use token store. It is only correct for a
// single running instance; a multi-instance deployment needs an external
// store with atomic delete-on-read.
type Store struct {
	mu      sync.Mutex
	pending map[string]Pending
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		pending: make(map[string]Pending),
		now:     time.Now,
	}
}

// Issue generates a cryptographically random token and stores the payload
// behind it for TTL.
func (s *Store) Issue(p Pending) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	p.ExpiresAt = s.now().Add(TTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[token] = p
	return token, nil
}

// Validate looks up a token and unconditionally removes it. The first call
// for a token decides its fate; every later call returns ErrInvalidState,
// as does the first call when the token is unknown or past its expiry.
func (s *Store) Validate(token string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	if !ok || s.now().After(p.ExpiresAt) {
		return Pending{}, ErrInvalidState
	}
	return p, nil
}

// Sweep removes expired entries so abandoned link attempts do not
// accumulate. Validate already treats expired entries as invalid; this only
// reclaims memory.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, token)
			removed++
		}
	}
	return removed
}

// Len reports the number of outstanding tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
