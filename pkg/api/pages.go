package api

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
)

//go:embed templates
var templateFiles embed.FS

//go:embed static
var staticFiles embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFiles, "templates/*.html"))

func staticFS() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		log.WithComponent("api").Error().Err(err).Str("template", name).Msg("template execution failed")
	}
}

type loginData struct {
	Error string
	Next  string
}

func (s *Server) renderLogin(w http.ResponseWriter, errMsg, next string) {
	s.renderLoginStatus(w, http.StatusOK, errMsg, next)
}

func (s *Server) renderLoginStatus(w http.ResponseWriter, status int, errMsg, next string) {
	renderPage(w, status, "login.html", loginData{Error: errMsg, Next: safeNext(next)})
}

type homeSession struct {
	ID          string
	Status      string
	CreatedAt   time.Time
	Connections int
}

type homeData struct {
	Username string
	Admin    bool
	Sessions []homeSession
	MaxPer   int
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.SessionsFor(requestUser(r))
	sessions := make([]homeSession, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, homeSession{
			ID:          info.ID,
			Status:      statusWord(info.State),
			CreatedAt:   info.CreatedAt,
			Connections: info.Connections,
		})
	}
	renderPage(w, http.StatusOK, "home.html", homeData{
		Username: requestUser(r),
		Admin:    requestIsAdmin(r),
		Sessions: sessions,
		MaxPer:   s.cfg.Sessions.MaxPerUser,
	})
}

type terminalData struct {
	SessionID string
	Username  string
}

func (s *Server) renderTerminal(w http.ResponseWriter, sessionID, username string) {
	renderPage(w, http.StatusOK, "terminal.html", terminalData{
		SessionID: sessionID,
		Username:  username,
	})
}

// handleHealthz answers liveness probes. The engine is pinged on every
// call so the health payload reflects the current state, not a cached
// one.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Ping(r.Context()); err != nil {
		metrics.UpdateComponent("engine", false, err.Error())
	} else {
		metrics.UpdateComponent("engine", true, "")
	}
	metrics.HealthHandler()(w, r)
}
