package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
	"github.com/hutch-sh/hutch/pkg/ownership"
	"github.com/hutch-sh/hutch/pkg/token"
)

type contextKey string

const (
	userKey  contextKey = "user"
	adminKey contextKey = "admin"
)

// statusRecorder captures the response status for the access log. It
// passes Hijack through so websocket upgrades keep working behind the
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// withObservability assigns each request an id, logs it, and feeds the
// request metrics.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

		log.WithComponent("api").Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("remote", clientIP(r)).
			Msg("request")
	})
}

// currentUser resolves the login cookie. With auth disabled every
// request acts as the anonymous local user with admin rights, which is
// safe because the server then only binds to loopback.
func (s *Server) currentUser(r *http.Request) (string, bool, error) {
	if !s.cfg.AuthEnabled() {
		return "local", true, nil
	}

	c, err := r.Cookie(cookieName)
	if err != nil {
		return "", false, token.ErrUnknown
	}
	username, err := s.tokens.Resolve(c.Value)
	if err != nil {
		return "", false, err
	}
	return username, s.verifier.IsAdmin(username), nil
}

func withIdentity(r *http.Request, username string, admin bool) *http.Request {
	ctx := context.WithValue(r.Context(), userKey, username)
	ctx = context.WithValue(ctx, adminKey, admin)
	return r.WithContext(ctx)
}

func requestUser(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

func requestIsAdmin(r *http.Request) bool {
	a, _ := r.Context().Value(adminKey).(bool)
	return a
}

// requirePage gates HTML routes: unauthenticated browsers are sent to
// the login form with a return path.
func (s *Server) requirePage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, admin, err := s.currentUser(r)
		if err != nil {
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next(w, withIdentity(r, username, admin))
	}
}

// requireAPI gates JSON routes: unauthenticated callers get 401.
func (s *Server) requireAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, admin, err := s.currentUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, withIdentity(r, username, admin))
	}
}

// checkOwner resolves the {id} path segment against the ownership
// store. The gate is the single enforcement point: handlers behind it
// may assume the requester owns the session (or is an admin).
func (s *Server) checkOwner(r *http.Request) (string, int, error) {
	id := r.PathValue("id")
	rec, err := s.owners.Get(id)
	if err != nil {
		if errors.Is(err, ownership.ErrNotFound) {
			return "", http.StatusNotFound, fmt.Errorf("session not found")
		}
		return "", http.StatusInternalServerError, fmt.Errorf("ownership lookup failed")
	}
	if rec.Username != requestUser(r) && !requestIsAdmin(r) {
		return "", http.StatusForbidden, fmt.Errorf("not your session")
	}
	return id, 0, nil
}

func (s *Server) requireOwnerAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, status, err := s.checkOwner(r); err != nil {
			writeError(w, status, err.Error())
			return
		}
		next(w, r)
	}
}

func (s *Server) requireOwnerPage(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, status, err := s.checkOwner(r); err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		next(w, r)
	}
}

// clientIP prefers X-Forwarded-For since the server normally sits
// behind a TLS edge.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
