package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hutch-sh/hutch/pkg/session"
)

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Create(r.Context(), requestUser(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         info.ID,
		"state":      info.State,
		"created_at": info.CreatedAt,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Delete(r.Context(), r.PathValue("id"), requestUser(r), requestIsAdmin(r))
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       statusWord(info.State),
		"created_at":  info.CreatedAt,
		"connections": info.Connections,
	})
}

type batchStatusRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// handleBatchStatus reports the status of many sessions at once. IDs
// that do not exist, or that belong to someone else, all read as
// "gone" so the endpoint cannot be used to probe other users'
// sessions.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user := requestUser(r)
	admin := requestIsAdmin(r)

	result := make(map[string]map[string]any, len(req.SessionIDs))
	for _, id := range req.SessionIDs {
		info, err := s.registry.Get(id)
		if err != nil || (info.Username != user && !admin) {
			result[id] = map[string]any{"status": "gone"}
			continue
		}
		result[id] = map[string]any{
			"status":     statusWord(info.State),
			"created_at": info.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": result})
}

func (s *Server) handleMySessions(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.SessionsFor(requestUser(r))
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"id":          info.ID,
			"status":      statusWord(info.State),
			"created_at":  info.CreatedAt,
			"connections": info.Connections,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleAdminSessions is the operator overview: per-user counts and
// ages, without session ids.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if !requestIsAdmin(r) {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}

	infos := s.registry.All()
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"username":    info.Username,
			"status":      statusWord(info.State),
			"created_at":  info.CreatedAt,
			"age_seconds": int(time.Since(info.CreatedAt).Seconds()),
			"connections": info.Connections,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "total": len(out)})
}

// statusWord maps internal states onto the wire vocabulary.
func statusWord(st session.State) string {
	switch st {
	case session.StateReady:
		return "running"
	case session.StateCreating:
		return "starting"
	default:
		return "deleting"
	}
}
