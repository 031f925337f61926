package workspace

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidPath means the requested path escapes the session's
	// workspace or contains forbidden elements.
	ErrInvalidPath = errors.New("invalid workspace path")
	// ErrNotFound means the path does not exist in the workspace.
	ErrNotFound = errors.New("workspace path not found")
)

// Entry is one file or directory in a listing.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mtime"`
}

// Manager gives each session a private directory tree under a shared
// root. The directory lives as long as the session: created during
// provisioning, bind-mounted into the container, removed at teardown.
// Every path a client supplies is resolved against the session's
// directory and rejected if it would step outside of it.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at root.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Dir returns the session's workspace directory, creating it on first use.
func (m *Manager) Dir(sessionID string) (string, error) {
	if !validName(sessionID) {
		return "", fmt.Errorf("%w: bad session id", ErrInvalidPath)
	}
	dir := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace for %s: %w", sessionID, err)
	}
	return dir, nil
}

// Remove deletes the session's workspace and everything in it.
// Removing a workspace that does not exist is a no-op.
func (m *Manager) Remove(sessionID string) error {
	if !validName(sessionID) {
		return fmt.Errorf("%w: bad session id", ErrInvalidPath)
	}
	return os.RemoveAll(filepath.Join(m.root, sessionID))
}

// resolve maps a client-supplied relative path into the session's
// directory. Absolute paths, parent references and other escapes are
// rejected before any filesystem access.
func (m *Manager) resolve(sessionID, rel string) (string, error) {
	base, err := m.Dir(sessionID)
	if err != nil {
		return "", err
	}

	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return base, nil
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	full := filepath.Join(base, cleaned)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return full, nil
}

// List returns the entries of a directory inside the workspace,
// directories first, then files, each alphabetically.
func (m *Manager) List(sessionID, rel string) ([]Entry, error) {
	dir, err := m.resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Size:    info.Size(),
			IsDir:   de.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Save writes an uploaded file into the workspace, creating parent
// directories as needed. The final path component is taken from
// filename with any client-side directory parts stripped.
func (m *Manager) Save(sessionID, relDir, filename string, r io.Reader) (int64, error) {
	filename = filepath.Base(filepath.Clean(filename))
	if !validName(filename) {
		return 0, fmt.Errorf("%w: bad filename %q", ErrInvalidPath, filename)
	}

	dir, err := m.resolve(sessionID, relDir)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	dst, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// Open opens a workspace file for download. Directories are rejected.
func (m *Manager) Open(sessionID, rel string) (*os.File, os.FileInfo, error) {
	path, err := m.resolve(sessionID, rel)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, rel)
		}
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %q is a directory", ErrInvalidPath, rel)
	}
	return f, info, nil
}

// CheckDir verifies that rel names an existing directory inside the
// workspace. Callers use it to report errors before streaming begins.
func (m *Manager) CheckDir(sessionID, rel string) error {
	dir, err := m.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", ErrNotFound, rel)
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrInvalidPath, rel)
	}
	return nil
}

// Archive streams the directory at rel as a gzipped tar to w,
// preserving file modes. Unreadable entries are skipped so one bad
// file cannot abort a whole download.
func (m *Manager) Archive(sessionID, rel string, w io.Writer) error {
	dir, err := m.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	if err := m.CheckDir(sessionID, rel); err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || path == dir {
			return nil
		}
		name, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return fmt.Errorf("failed to archive %q: %w", rel, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// validName rejects path components that could change the directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
