package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
	"github.com/hutch-sh/hutch/pkg/ownership"
	"github.com/hutch-sh/hutch/pkg/proxy"
	"github.com/hutch-sh/hutch/pkg/runtime"
	"github.com/hutch-sh/hutch/pkg/session"
	"github.com/hutch-sh/hutch/pkg/token"
	"github.com/hutch-sh/hutch/pkg/workspace"
)

// cookieName carries the login token between browser and server.
const cookieName = "hutch_session"

// Server is the HTTP front of hutch: login, session lifecycle,
// the terminal bridge, and workspace file access.
type Server struct {
	cfg      *config.Config
	verifier *auth.Verifier
	tokens   *token.Store
	registry *session.Registry
	owners   ownership.Store
	driver   runtime.Driver
	bridge   *proxy.Bridge
	files    *workspace.Manager
	limiter  *auth.RateLimiter

	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires the HTTP surface to its collaborators.
func NewServer(cfg *config.Config, verifier *auth.Verifier, tokens *token.Store,
	registry *session.Registry, owners ownership.Store, driver runtime.Driver,
	files *workspace.Manager) *Server {

	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		tokens:   tokens,
		registry: registry,
		owners:   owners,
		driver:   driver,
		bridge:   proxy.NewBridge(),
		files:    files,
		limiter:  auth.NewRateLimiter(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Auth-exempt
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(staticFS())))
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	// Pages
	s.mux.HandleFunc("GET /{$}", s.requirePage(s.handleHome))
	s.mux.HandleFunc("GET /logout", s.requirePage(s.handleLogout))
	s.mux.HandleFunc("GET /terminal/{id}", s.requirePage(s.requireOwnerPage(s.handleTerminal)))

	// API
	s.mux.HandleFunc("POST /session/new", s.requireAPI(s.handleSessionNew))
	s.mux.HandleFunc("DELETE /session/{id}", s.requireAPI(s.requireOwnerAPI(s.handleSessionDelete)))
	s.mux.HandleFunc("GET /session/{id}/status", s.requireAPI(s.requireOwnerAPI(s.handleSessionStatus)))
	s.mux.HandleFunc("POST /sessions/status", s.requireAPI(s.handleBatchStatus))
	s.mux.HandleFunc("GET /my/sessions", s.requireAPI(s.handleMySessions))
	s.mux.HandleFunc("GET /sessions", s.requireAPI(s.handleAdminSessions))

	// Workspace
	s.mux.HandleFunc("POST /session/{id}/upload", s.requireAPI(s.requireOwnerAPI(s.handleUpload)))
	s.mux.HandleFunc("GET /session/{id}/files", s.requireAPI(s.requireOwnerAPI(s.handleFiles)))
	s.mux.HandleFunc("GET /session/{id}/browse", s.requireAPI(s.requireOwnerAPI(s.handleBrowse)))
	s.mux.HandleFunc("GET /session/{id}/download", s.requireAPI(s.requireOwnerAPI(s.handleDownload)))
	s.mux.HandleFunc("GET /session/{id}/download-archive", s.requireAPI(s.requireOwnerAPI(s.handleDownloadArchive)))

	// WebSocket bridge; auth failures close with in-band codes
	s.mux.HandleFunc("GET /terminal/{id}/ws", s.handleTerminalWS)
}

// Handler returns the full middleware-wrapped handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.withObservability(s.mux)
}

// Start listens until the context is cancelled, then drains. Read and
// write timeouts are deliberately absent: the terminal bridge holds
// connections open for hours. Slow-loris protection comes from
// ReadHeaderTimeout.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.BindHost, strconv.Itoa(s.cfg.Server.BindPort))
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	}
}
