package api

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"

	"github.com/hutch-sh/hutch/pkg/log"
)

// maxUploadBytes bounds a single upload.
const maxUploadBytes = 512 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	n, err := s.files.Save(id, r.FormValue("path"), header.Filename, file)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name": filepath.Base(header.Filename),
		"size": n,
	})
}

// handleFiles is the flat top-of-workspace listing the dashboard shows.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.files.List(r.PathValue("id"), "")
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	entries, err := s.files.List(r.PathValue("id"), relPath)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    relPath,
		"entries": entries,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	if relPath == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	f, info, err := s.files.Open(r.PathValue("id"), relPath)
	if err != nil {
		fail(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s",
		strconv.Quote(filepath.Base(relPath))))
	if ct := mime.TypeByExtension(filepath.Ext(relPath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleDownloadArchive streams a workspace directory as a tar.gz,
// which keeps Unix file modes intact. Path errors are reported before
// the first body byte; later failures can only truncate the stream.
func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	relPath := r.URL.Query().Get("path")

	if err := s.files.CheckDir(id, relPath); err != nil {
		fail(w, err)
		return
	}

	name := path.Base("/" + relPath)
	if name == "/" || name == "." {
		name = "workspace-" + shortID(id)
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s",
		strconv.Quote(name+".tar.gz")))

	if err := s.files.Archive(id, relPath, w); err != nil {
		log.WithSession(id).Warn().Err(err).Msg("archive stream aborted")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
