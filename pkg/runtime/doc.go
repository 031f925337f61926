/*
Package runtime drives terminal containers through the Docker Engine
API.

Each session gets one container: the configured image, the terminal
port published on 127.0.0.1 only, a memory limit, an optional CPU
quota, the owner's workspace bind-mounted, and restart policy
"unless-stopped" so sessions survive engine and host restarts. A
session label on every container lets the registry re-adopt them after
a server restart.

The Driver interface is the seam the session registry tests against;
*Docker is the production implementation. Errors distinguish an
unreachable engine (ErrEngineUnavailable) from a container that failed
to come up (ErrStartFailed), because callers map them to different
outcomes.
*/
package runtime
