package session

import (
	"sync"

	"github.com/hutch-sh/hutch/pkg/log"
)

// Handle is one attached connection's claim on a session. It is
// single-use: Release detaches exactly once, and a second call is a
// logged no-op so a confused caller can never drive the ref count
// negative.
type Handle struct {
	registry  *Registry
	sessionID string
	port      int
	username  string

	mu       sync.Mutex
	released bool
}

// SessionID identifies the session this handle is attached to.
func (h *Handle) SessionID() string { return h.sessionID }

// Port is the loopback host port the terminal listens on.
func (h *Handle) Port() int { return h.port }

// Username is the session owner.
func (h *Handle) Username() string { return h.username }

// Release detaches the connection. If the session is marked for
// deletion and this was the last connection, the container is torn
// down before Release returns.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		log.WithSession(h.sessionID).Warn().Msg("handle released twice")
		return
	}
	h.released = true
	h.mu.Unlock()

	h.registry.release(h.sessionID)
}
