package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hutch-sh/hutch/pkg/log"
)

var (
	// ErrUnknown is returned for tokens that were never minted or were revoked.
	ErrUnknown = errors.New("unknown token")
	// ErrExpired is returned for tokens past their absolute expiry.
	ErrExpired = errors.New("token expired")
)

// sweepInterval is how often the background sweeper evicts expired tokens.
const sweepInterval = time.Hour

// session is one minted login token. Tokens live only in memory, so a
// process restart logs everyone out.
type session struct {
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store maps opaque session tokens to usernames with absolute expiry.
type Store struct {
	mu      sync.RWMutex
	tokens  map[string]*session
	timeout time.Duration
}

// NewStore creates a token store with the given absolute expiry.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		tokens:  make(map[string]*session),
		timeout: timeout,
	}
}

// Mint creates a new token for username. The token carries 256 bits of
// cryptographic randomness encoded URL-safe.
func (s *Store) Mint(username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	s.mu.Lock()
	s.tokens[tok] = &session{
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.timeout),
	}
	s.mu.Unlock()

	return tok, nil
}

// Resolve returns the username a token was minted for. Expired tokens
// are evicted on sight.
func (s *Store) Resolve(tok string) (string, error) {
	if tok == "" {
		return "", ErrUnknown
	}

	s.mu.RLock()
	sess, ok := s.tokens[tok]
	s.mu.RUnlock()
	if !ok {
		return "", ErrUnknown
	}

	if time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.tokens, tok)
		s.mu.Unlock()
		return "", ErrExpired
	}
	return sess.Username, nil
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (s *Store) Revoke(tok string) {
	s.mu.Lock()
	delete(s.tokens, tok)
	s.mu.Unlock()
}

// SweepExpired removes all expired tokens and returns the count removed.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for tok, sess := range s.tokens {
		if now.After(sess.ExpiresAt) {
			delete(s.tokens, tok)
			removed++
		}
	}
	return removed
}

// Start runs the expired-token sweeper until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	logger := log.WithComponent("token")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpired(); n > 0 {
				logger.Info().Int("count", n).Msg("swept expired tokens")
			}
		}
	}
}

// Len returns the number of live tokens. Used by metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
