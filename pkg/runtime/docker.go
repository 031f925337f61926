package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/hutch-sh/hutch/pkg/config"
	"github.com/hutch-sh/hutch/pkg/log"
)

const (
	// NamePrefix prefixes every container name this driver manages.
	NamePrefix = "hutch-session-"

	// terminalPort is where the terminal daemon listens inside the container.
	terminalPort = "7681/tcp"

	// LabelSession and LabelUser tag containers so restarts can adopt them.
	LabelSession = "sh.hutch.session"
	LabelUser    = "sh.hutch.user"

	readyPollInterval = 200 * time.Millisecond
)

var (
	// ErrEngineUnavailable means the container engine could not be reached.
	ErrEngineUnavailable = errors.New("container engine unavailable")
	// ErrStartFailed means the engine was reachable but the container
	// could not be created or started.
	ErrStartFailed = errors.New("container start failed")
	// ErrNotReady means the terminal did not open its port in time.
	ErrNotReady = errors.New("terminal not ready")
)

// Params describes one terminal container to create.
type Params struct {
	SessionID    string
	Username     string
	HostPort     int
	WorkspaceDir string
}

// Container is the driver's view of a managed container, used for
// recovery and reaping.
type Container struct {
	ID        string
	Name      string
	SessionID string
	Username  string
	HostPort  int
	Running   bool
}

// Driver is the container lifecycle surface the session registry needs.
// *Docker is the production implementation.
type Driver interface {
	CreateAndStart(ctx context.Context, p Params) (string, error)
	Remove(ctx context.Context, containerID string) error
	AwaitReady(ctx context.Context, hostPort int, timeout time.Duration) error
	List(ctx context.Context) ([]Container, error)
	Ping(ctx context.Context) error
}

// Docker drives terminal containers through the Docker Engine API.
type Docker struct {
	cli *client.Client
	cfg config.ContainerConfig
}

// NewDocker connects to the engine using the standard environment
// (DOCKER_HOST et al) and negotiates the API version.
func NewDocker(cfg config.ContainerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return &Docker{cli: cli, cfg: cfg}, nil
}

// Close releases the engine connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Ping checks engine liveness.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// ContainerName derives the engine-visible name for a session. Only the
// leading 12 characters of the session ID go into the name, matching
// what operators see in `docker ps`.
func ContainerName(sessionID string) string {
	id := sessionID
	if len(id) > 12 {
		id = id[:12]
	}
	return NamePrefix + id
}

// containerSpec builds the engine create request for one session: the
// terminal port published on loopback only, session labels for adoption
// after restarts, resource limits from config, and the per-session
// workspace bind-mounted at the terminal user's home.
func (d *Docker) containerSpec(p Params) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:    d.cfg.Image,
		Hostname: "hutch",
		Env:      []string{"TERM=xterm-256color"},
		Labels: map[string]string{
			LabelSession: p.SessionID,
			LabelUser:    p.Username,
		},
		ExposedPorts: nat.PortSet{terminalPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			terminalPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(p.HostPort),
			}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   d.cfg.MemoryBytes,
			CPUQuota: d.cfg.CPUQuota,
		},
	}
	if p.WorkspaceDir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: p.WorkspaceDir,
			Target: "/home/hutch/workspace",
		}}
	}
	return cfg, hostCfg
}

// CreateAndStart creates and starts a terminal container publishing the
// terminal port on 127.0.0.1:p.HostPort. On any failure after creation
// the container is removed so no half-started container leaks.
func (d *Docker) CreateAndStart(ctx context.Context, p Params) (string, error) {
	logger := log.WithSession(p.SessionID)

	cfg, hostCfg := d.containerSpec(p)
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName(p.SessionID))
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		return "", fmt.Errorf("%w: create: %v", ErrStartFailed, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		logger.Warn().Err(err).Str("container", created.ID).Msg("start failed, removing container")
		_ = d.Remove(context.WithoutCancel(ctx), created.ID)
		return "", fmt.Errorf("%w: start: %v", ErrStartFailed, err)
	}

	logger.Info().Str("container", created.ID).Int("port", p.HostPort).Msg("container started")
	return created.ID, nil
}

// Remove force-removes a container. Removing an already-gone container
// is not an error, which makes teardown idempotent.
func (d *Docker) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// AwaitReady polls the published terminal port until it accepts a TCP
// connection or the timeout elapses. The engine reports "running" well
// before the terminal daemon is listening, so a dial probe is the only
// trustworthy readiness signal.
func (d *Docker) AwaitReady(ctx context.Context, hostPort int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(hostPort))
	deadline := time.Now().Add(timeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, readyPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not accept connections within %s", ErrNotReady, addr, timeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// List returns every container carrying the session label, running or
// not. Startup recovery and the reaper both work from this view.
func (d *Docker) List(ctx context.Context) ([]Container, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSession)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	out := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, Container{
			ID:        s.ID,
			Name:      summaryName(s),
			SessionID: s.Labels[LabelSession],
			Username:  s.Labels[LabelUser],
			HostPort:  summaryHostPort(s),
			Running:   s.State == container.StateRunning,
		})
	}
	return out, nil
}

func summaryName(s container.Summary) string {
	if len(s.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(s.Names[0], "/")
}

// summaryHostPort extracts the published host port for the terminal
// port, or 0 when the container has none (stopped containers report
// no port bindings in list output).
func summaryHostPort(s container.Summary) int {
	for _, p := range s.Ports {
		if p.PrivatePort == 7681 && p.PublicPort != 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}
