package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hutch-sh/hutch/pkg/log"
)

// WebSocket close codes for failures that happen after the browser has
// already committed to the upgrade.
const (
	wsCloseUnauthenticated = 4001
	wsCloseForbidden       = 4003
	wsCloseNotFound        = 4004
)

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	s.renderTerminal(w, r.PathValue("id"), requestUser(r))
}

// handleTerminalWS is the bridge endpoint. Authentication failures are
// reported as in-band close frames because browsers hide the HTTP
// status of a failed websocket handshake.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	username, admin, err := s.currentUser(r)
	if err != nil {
		closeWS(w, r, wsCloseUnauthenticated, "authentication required")
		return
	}
	r = withIdentity(r, username, admin)

	id, status, err := s.checkOwner(r)
	if err != nil {
		code := wsCloseForbidden
		if status == http.StatusNotFound {
			code = wsCloseNotFound
		}
		closeWS(w, r, code, err.Error())
		return
	}

	handle, err := s.registry.Acquire(id)
	if err != nil {
		// The handshake has not been hijacked yet, so a plain HTTP
		// error still reaches the client.
		fail(w, err)
		return
	}
	defer handle.Release()

	_ = s.bridge.Serve(w, r, id, handle.Port())
}

// closeWS completes the upgrade only to hand the client a close frame
// with the given code. If the upgrade itself fails the HTTP error from
// the upgrader stands.
func closeWS(w http.ResponseWriter, r *http.Request, code int, reason string) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"tty"},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("close frame write failed")
	}
}
