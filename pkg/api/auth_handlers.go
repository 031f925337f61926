package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hutch-sh/hutch/pkg/auth"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
)

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.renderLogin(w, "", r.URL.Query().Get("next"))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form")
		return
	}
	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	next := safeNext(r.PostFormValue("next"))
	ip := clientIP(r)
	logger := log.WithComponent("auth")

	if remaining := s.limiter.LockoutRemaining(username, ip); remaining > 0 {
		metrics.LoginAttempts.WithLabelValues("locked_out").Inc()
		logger.Warn().Str("user", username).Str("ip", ip).Msg("login attempt while locked out")
		s.renderLoginStatus(w, http.StatusTooManyRequests,
			fmt.Sprintf("Too many failed attempts. Try again in %s.", remaining.Round(time.Second)), next)
		return
	}

	err := s.verifier.Verify(r.Context(), username, password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnavailable):
		metrics.LoginAttempts.WithLabelValues("unavailable").Inc()
		logger.Error().Err(err).Msg("authentication backend unavailable")
		s.renderLoginStatus(w, http.StatusServiceUnavailable,
			"Authentication service unavailable. Try again shortly.", next)
		return
	default:
		s.limiter.RecordFailure(username, ip)
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		logger.Info().Str("user", username).Str("ip", ip).Msg("login failed")
		s.renderLoginStatus(w, http.StatusUnauthorized, "Invalid username or password.", next)
		return
	}

	s.limiter.ClearOnSuccess(username, ip)
	tok, err := s.tokens.Mint(username)
	if err != nil {
		fail(w, err)
		return
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	logger.Info().Str("user", username).Msg("login successful")

	http.SetCookie(w, s.sessionCookie(tok, int(s.cfg.TokenTimeout().Seconds())))
	http.Redirect(w, r, next, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(cookieName); err == nil {
		s.tokens.Revoke(c.Value)
	}
	http.SetCookie(w, s.sessionCookie("", -1))
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   s.cfg.Server.CookieSecure,
	}
}

// safeNext keeps post-login redirects on this site.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}
