package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
)

const (
	// terminalSubprotocol is the websocket subprotocol the in-container
	// terminal daemon speaks. Clients must offer it.
	terminalSubprotocol = "tty"

	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
	pongTimeout  = 30 * time.Second

	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Bridge forwards websocket frames between a browser and a terminal
// daemon listening on a loopback port.
type Bridge struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewBridge creates a terminal websocket bridge.
func NewBridge() *Bridge {
	return &Bridge{
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			Subprotocols:    []string{terminalSubprotocol},
			// The session cookie already authenticated this request and
			// the server only serves same-origin pages.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Subprotocols:     []string{terminalSubprotocol},
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
		},
	}
}

// Serve upgrades the browser connection, dials the terminal on port,
// and pumps frames both ways until either side closes. It returns when
// the bridge is fully shut down. Cookies from the outer request are
// never forwarded to the terminal daemon.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, sessionID string, port int) error {
	logger := log.WithSession(sessionID)

	if !offersSubprotocol(r, terminalSubprotocol) {
		http.Error(w, "subprotocol "+terminalSubprotocol+" required", http.StatusBadRequest)
		return fmt.Errorf("client did not offer subprotocol %q", terminalSubprotocol)
	}

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer client.Close()

	target := "ws://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/ws"
	backend, _, err := b.dialer.DialContext(r.Context(), target, nil)
	if err != nil {
		logger.Warn().Err(err).Str("target", target).Msg("terminal dial failed")
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "terminal unreachable"),
			time.Now().Add(writeTimeout))
		return fmt.Errorf("failed to dial terminal: %w", err)
	}
	defer backend.Close()

	logger.Debug().Str("target", target).Msg("terminal bridge established")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errc := make(chan error, 2)
	go pump(client, backend, "input", errc)
	go pump(backend, client, "output", errc)
	go b.keepalive(ctx, client)
	go b.keepalive(ctx, backend)

	// First pump to fail decides the outcome; the deferred closes
	// unblock the other pump.
	err = <-errc
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		logger.Debug().Msg("terminal bridge closed")
		return nil
	}
	logger.Debug().Err(err).Msg("terminal bridge ended")
	return nil
}

func offersSubprotocol(r *http.Request, want string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == want {
			return true
		}
	}
	return false
}

// pump copies frames from src to dst until a read or write fails. The
// close frame is propagated so the far side sees a clean shutdown.
func pump(src, dst *websocket.Conn, direction string, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			text := ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				text = ce.Text
			}
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
			errc <- err
			return
		}

		_ = dst.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
		metrics.ProxyBytesTotal.WithLabelValues(direction).Add(float64(len(data)))
	}
}

// keepalive pings one side of the bridge and enforces a pong window via
// the read deadline, so the pump reading that side fails fast instead
// of waiting for TCP. On the daemon side a missed window means the
// daemon is dead (hung or paused container) and the bridge comes down;
// on the browser side it also keeps intermediaries from dropping a
// quiet connection.
func (b *Bridge) keepalive(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(b.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.pongTimeout))
	})

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
