package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/hutch-sh/hutch/pkg/metrics"
	"github.com/hutch-sh/hutch/pkg/ownership"
	"github.com/hutch-sh/hutch/pkg/ports"
	"github.com/hutch-sh/hutch/pkg/runtime"
	"github.com/hutch-sh/hutch/pkg/workspace"
)

var (
	// ErrNotFound means no session with that ID exists.
	ErrNotFound = errors.New("session not found")
	// ErrQuotaExceeded means the user already has the maximum number of
	// sessions, counting ones still being created.
	ErrQuotaExceeded = errors.New("session quota exceeded")
	// ErrPendingDelete means the session is being deleted and accepts no
	// new connections.
	ErrPendingDelete = errors.New("session is being deleted")
	// ErrNotReady means the session's terminal is not yet accepting
	// connections.
	ErrNotReady = errors.New("session not ready")
	// ErrNotOwner means the requester does not own the session.
	ErrNotOwner = errors.New("not the session owner")
)

// Registry owns the full session lifecycle: creation, connection
// tracking, deletion, startup recovery and dead-container reaping.
//
// Locking discipline: the registry mutex guards the session map and
// every per-session counter. No container-engine or disk I/O ever runs
// under the lock; slow work happens between lock sections with
// compensation on failure.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	driver runtime.Driver
	alloc  *ports.Allocator
	owners ownership.Store
	ws     *workspace.Manager

	maxPerUser   int
	readyTimeout time.Duration
	reapInterval time.Duration
}

// NewRegistry wires the registry to its collaborators. The workspace
// manager may be nil, in which case containers run without a mount.
func NewRegistry(driver runtime.Driver, alloc *ports.Allocator, owners ownership.Store, ws *workspace.Manager, cfg *config.Config) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		driver:       driver,
		alloc:        alloc,
		owners:       owners,
		ws:           ws,
		maxPerUser:   cfg.Sessions.MaxPerUser,
		readyTimeout: cfg.Sessions.ReadyTimeout.Std(),
		reapInterval: cfg.Sessions.ReapInterval.Std(),
	}
}

// Create provisions a new terminal session for username. The quota slot
// and port are reserved atomically before any container work starts, so
// two concurrent creates can never oversubscribe either.
func (r *Registry) Create(ctx context.Context, username string) (Info, error) {
	logger := log.WithUser(username)

	id, err := NewID()
	if err != nil {
		return Info{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	r.mu.Lock()
	if r.countForLocked(username) >= r.maxPerUser {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("%w: limit is %d", ErrQuotaExceeded, r.maxPerUser)
	}
	port, err := r.alloc.Allocate()
	if err != nil {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("failed to allocate port: %w", err)
	}
	s := &Session{
		ID:        id,
		Username:  username,
		Port:      port,
		State:     StateCreating,
		CreatedAt: time.Now(),
	}
	r.sessions[id] = s
	r.mu.Unlock()

	info, err := r.provision(ctx, s)
	if err != nil {
		metrics.SessionCreateFailures.Inc()
		r.abandon(ctx, s)
		logger.Error().Err(err).Str("session_id", id).Msg("session creation failed")
		return Info{}, err
	}

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Inc()
	logger.Info().Str("session_id", id).Int("port", port).Msg("session ready")
	return info, nil
}

// provision does the slow part of Create outside the registry lock.
func (r *Registry) provision(ctx context.Context, s *Session) (Info, error) {
	var workspaceDir string
	if r.ws != nil {
		var err error
		workspaceDir, err = r.ws.Dir(s.ID)
		if err != nil {
			return Info{}, err
		}
	}

	containerID, err := r.driver.CreateAndStart(ctx, runtime.Params{
		SessionID:    s.ID,
		Username:     s.Username,
		HostPort:     s.Port,
		WorkspaceDir: workspaceDir,
	})
	if err != nil {
		return Info{}, err
	}

	if err := r.driver.AwaitReady(ctx, s.Port, r.readyTimeout); err != nil {
		_ = r.driver.Remove(context.WithoutCancel(ctx), containerID)
		return Info{}, err
	}

	if err := r.owners.Put(ownership.Record{
		SessionID: s.ID,
		Username:  s.Username,
		CreatedAt: s.CreatedAt,
	}); err != nil {
		_ = r.driver.Remove(context.WithoutCancel(ctx), containerID)
		return Info{}, fmt.Errorf("failed to persist ownership: %w", err)
	}

	r.mu.Lock()
	if s.pendingDelete {
		// Deleted while starting. The container must never become
		// observable: remove it here and let the caller's failure path
		// return the quota slot, port, workspace and ownership record.
		r.mu.Unlock()
		_ = r.driver.Remove(context.WithoutCancel(ctx), containerID)
		return Info{}, fmt.Errorf("%w: deleted while starting", ErrPendingDelete)
	}
	s.ContainerID = containerID
	s.State = StateReady
	info := s.info()
	r.mu.Unlock()
	return info, nil
}

// abandon rolls back a failed create: the placeholder leaves the map,
// the port returns to the pool, and the workspace directory is removed.
func (r *Registry) abandon(ctx context.Context, s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.alloc.Release(s.Port)
	_ = r.owners.Remove(s.ID)
	if r.ws != nil {
		_ = r.ws.Remove(s.ID)
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.info(), nil
}

// Acquire attaches a connection to a ready session and returns a
// single-use handle that must be released when the connection closes.
// Sessions that are still creating, or already marked for deletion,
// refuse new connections.
func (r *Registry) Acquire(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.pendingDelete {
		return nil, ErrPendingDelete
	}
	if s.State != StateReady {
		return nil, ErrNotReady
	}
	s.refs++
	metrics.AttachedConnections.Inc()
	return &Handle{registry: r, sessionID: id, port: s.Port, username: s.Username}, nil
}

// release detaches one connection. When a pending delete has drained
// its last connection, teardown runs on the caller's goroutine.
func (r *Registry) release(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if s.refs > 0 {
		s.refs--
		metrics.AttachedConnections.Dec()
	}
	teardownNow := s.pendingDelete && s.refs == 0 && !s.tearingDown
	if teardownNow {
		s.tearingDown = true
	}
	r.mu.Unlock()

	if teardownNow {
		r.teardown(context.Background(), s)
	}
}

// Delete marks a session for deletion. The owner may delete their own
// sessions; admins may delete anyone's. With no attached connections the
// container is torn down before Delete returns; otherwise teardown runs
// when the last connection detaches. A session still being created is
// only marked here: its Create call observes the mark at the end of
// provisioning and unwinds everything itself, so teardown never races
// a half-provisioned container.
func (r *Registry) Delete(ctx context.Context, id, requester string, admin bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !admin && s.Username != requester {
		r.mu.Unlock()
		return ErrNotOwner
	}
	creating := s.State == StateCreating
	s.pendingDelete = true
	s.State = StateDeleting
	teardownNow := !creating && s.refs == 0 && !s.tearingDown
	if teardownNow {
		s.tearingDown = true
	}
	refs := s.refs
	r.mu.Unlock()

	if teardownNow {
		r.teardown(ctx, s)
		return nil
	}
	if creating {
		log.WithSession(id).Info().Msg("delete deferred until provisioning settles")
	} else {
		log.WithSession(id).Info().Int("connections", refs).Msg("delete deferred until connections drain")
	}
	return nil
}

// teardown removes the container, releases the port, and forgets the
// session. The tearingDown flag guarantees it runs at most once per
// session, so the port can never be double-released.
func (r *Registry) teardown(ctx context.Context, s *Session) {
	logger := log.WithSession(s.ID)

	if s.ContainerID != "" {
		if err := r.driver.Remove(context.WithoutCancel(ctx), s.ContainerID); err != nil {
			logger.Warn().Err(err).Msg("container removal failed, continuing teardown")
		}
	}
	if err := r.owners.Remove(s.ID); err != nil {
		logger.Warn().Err(err).Msg("ownership record removal failed")
	}
	if r.ws != nil {
		if err := r.ws.Remove(s.ID); err != nil {
			logger.Warn().Err(err).Msg("workspace removal failed")
		}
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.alloc.Release(s.Port)

	metrics.SessionsDeleted.Inc()
	metrics.ActiveSessions.Dec()
	logger.Info().Msg("session torn down")
}

// SessionsFor returns snapshots of username's sessions, newest first.
func (r *Registry) SessionsFor(username string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for _, s := range r.sessions {
		if s.Username == username {
			out = append(out, s.info())
		}
	}
	sortByCreation(out)
	return out
}

// All returns snapshots of every session, newest first.
func (r *Registry) All() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sortByCreation(out)
	return out
}

func sortByCreation(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.After(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}

func (r *Registry) countForLocked(username string) int {
	n := 0
	for _, s := range r.sessions {
		if s.Username == username {
			n++
		}
	}
	return n
}

// Recover adopts containers that survived a server restart. Running
// containers with a session label and a published port become ready
// sessions again; dead or unusable ones are removed along with their
// ownership records. Ownership records with no matching container are
// purged.
func (r *Registry) Recover(ctx context.Context) error {
	logger := log.WithComponent("recovery")

	containers, err := r.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	records, err := r.owners.All()
	if err != nil {
		return fmt.Errorf("failed to read ownership records: %w", err)
	}
	recordByID := make(map[string]ownership.Record, len(records))
	for _, rec := range records {
		recordByID[rec.SessionID] = rec
	}

	adopted := 0
	for _, c := range containers {
		username := c.Username
		createdAt := time.Now()
		if rec, ok := recordByID[c.SessionID]; ok {
			username = rec.Username
			createdAt = rec.CreatedAt
		}
		delete(recordByID, c.SessionID)

		if !c.Running || c.HostPort == 0 || c.SessionID == "" || username == "" {
			logger.Info().Str("container", c.Name).Bool("running", c.Running).
				Msg("removing unrecoverable container")
			if err := r.driver.Remove(ctx, c.ID); err != nil {
				logger.Warn().Err(err).Str("container", c.Name).Msg("removal failed")
			}
			_ = r.owners.Remove(c.SessionID)
			if r.ws != nil && c.SessionID != "" {
				_ = r.ws.Remove(c.SessionID)
			}
			continue
		}

		if err := r.alloc.Reserve(c.HostPort); err != nil {
			logger.Warn().Err(err).Str("container", c.Name).Int("port", c.HostPort).
				Msg("port not adoptable, removing container")
			if err := r.driver.Remove(ctx, c.ID); err != nil {
				logger.Warn().Err(err).Str("container", c.Name).Msg("removal failed")
			}
			_ = r.owners.Remove(c.SessionID)
			if r.ws != nil {
				_ = r.ws.Remove(c.SessionID)
			}
			continue
		}

		r.mu.Lock()
		r.sessions[c.SessionID] = &Session{
			ID:          c.SessionID,
			Username:    username,
			ContainerID: c.ID,
			Port:        c.HostPort,
			State:       StateReady,
			CreatedAt:   createdAt,
		}
		r.mu.Unlock()

		metrics.ActiveSessions.Inc()
		adopted++
		logger.Info().Str("session_id", c.SessionID).Str("user", username).
			Int("port", c.HostPort).Msg("session recovered")
	}

	// Records whose container vanished while we were down.
	for id := range recordByID {
		logger.Info().Str("session_id", id).Msg("purging stale ownership record")
		_ = r.owners.Remove(id)
		if r.ws != nil {
			_ = r.ws.Remove(id)
		}
	}

	logger.Info().Int("adopted", adopted).Msg("recovery complete")
	return nil
}

// Reap tears down sessions whose containers stopped running behind our
// back, for example after an in-container `exit` or an OOM kill. It
// returns the number of sessions reaped.
func (r *Registry) Reap(ctx context.Context) int {
	logger := log.WithComponent("reaper")

	containers, err := r.driver.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("container list failed, skipping sweep")
		return 0
	}
	running := make(map[string]bool, len(containers))
	for _, c := range containers {
		if c.Running {
			running[c.SessionID] = true
		}
	}

	r.mu.Lock()
	var dead []*Session
	for _, s := range r.sessions {
		if s.State == StateReady && !s.pendingDelete && !running[s.ID] {
			s.pendingDelete = true
			s.State = StateDeleting
			if s.refs == 0 && !s.tearingDown {
				s.tearingDown = true
				dead = append(dead, s)
			}
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		logger.Info().Str("session_id", s.ID).Msg("reaping dead session")
		r.teardown(ctx, s)
	}
	return len(dead)
}

// Run periodically reaps until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	logger := log.WithComponent("reaper")
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", r.reapInterval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}
