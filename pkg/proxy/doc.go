/*
Package proxy bridges a browser websocket to the terminal daemon
listening on a session's loopback port.

	Browser ⇄ TLS edge ⇄ Bridge ⇄ ws://127.0.0.1:<port>/ws ⇄ ttyd ⇄ PTY

Frames are forwarded verbatim in both directions: message type and
payload bytes are preserved and the ttyd command byte is never parsed
here. Both halves negotiate the "tty" subprotocol. Close frames are
propagated so either side sees the other's close code. Both sides are
pinged: a daemon that stops answering within the pong window is treated
as dead and the bridge torn down, and the browser-side pings keep idle
terminals alive through intermediaries that drop quiet connections.
Cookies from the authenticated outer request are not forwarded to the
daemon.
*/
package proxy
