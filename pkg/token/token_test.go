package token

import (
	"testing"
	"time"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestMintAndResolve(t *testing.T) {
	store := NewStore(time.Hour)

	tok, err := store.Mint("alice")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok), 43, "256 bits base64url is at least 43 chars")

	username, err := store.Resolve(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestTokensAreUnique(t *testing.T) {
	store := NewStore(time.Hour)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := store.Mint("alice")
		require.NoError(t, err)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestResolveUnknown(t *testing.T) {
	store := NewStore(time.Hour)

	_, err := store.Resolve("no-such-token")
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = store.Resolve("")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestExpiry(t *testing.T) {
	store := NewStore(-time.Second) // already expired

	tok, err := store.Mint("alice")
	require.NoError(t, err)

	_, err = store.Resolve(tok)
	assert.ErrorIs(t, err, ErrExpired)

	// Expired token was evicted on resolve
	_, err = store.Resolve(tok)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestRevoke(t *testing.T) {
	store := NewStore(time.Hour)

	tok, err := store.Mint("alice")
	require.NoError(t, err)

	store.Revoke(tok)
	_, err = store.Resolve(tok)
	assert.ErrorIs(t, err, ErrUnknown)

	// Revoking twice is harmless
	store.Revoke(tok)
}

func TestSweepExpired(t *testing.T) {
	store := NewStore(-time.Second)
	_, err := store.Mint("alice")
	require.NoError(t, err)
	_, err = store.Mint("bob")
	require.NoError(t, err)

	assert.Equal(t, 2, store.SweepExpired())
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.SweepExpired())
}
