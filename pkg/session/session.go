package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// State is the lifecycle phase of a session.
type State string

const (
	// StateCreating means the container is being created or is waiting
	// for its terminal daemon to accept connections.
	StateCreating State = "creating"
	// StateReady means the terminal is reachable on the session's port.
	StateReady State = "ready"
	// StateDeleting means deletion has been requested; the container is
	// torn down once the last attached connection detaches.
	StateDeleting State = "deleting"
)

// Session is one user's terminal container.
type Session struct {
	ID          string
	Username    string
	ContainerID string
	Port        int
	State       State
	CreatedAt   time.Time

	// refs counts attached websocket bridges. Guarded by the registry
	// mutex, never by the session itself.
	refs          int
	pendingDelete bool
	tearingDown   bool
}

// Info is an immutable snapshot of a session for API responses.
type Info struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	ContainerID   string    `json:"container_id,omitempty"`
	Port          int       `json:"port,omitempty"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	Connections   int       `json:"connections"`
	PendingDelete bool      `json:"pending_delete,omitempty"`
}

func (s *Session) info() Info {
	return Info{
		ID:            s.ID,
		Username:      s.Username,
		ContainerID:   s.ContainerID,
		Port:          s.Port,
		State:         s.State,
		CreatedAt:     s.CreatedAt,
		Connections:   s.refs,
		PendingDelete: s.pendingDelete,
	}
}

// NewID returns a 128-bit random session identifier in hex.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
