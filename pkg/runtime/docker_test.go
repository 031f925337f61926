package runtime

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutch-sh/hutch/pkg/config"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "hutch-session-0123456789ab",
		ContainerName("0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "hutch-session-short", ContainerName("short"))
}

func TestContainerSpec(t *testing.T) {
	d := &Docker{cfg: config.ContainerConfig{
		Image:       "hutch-terminal:latest",
		MemoryBytes: 2 << 30,
		CPUQuota:    50000,
	}}

	cfg, hostCfg := d.containerSpec(Params{
		SessionID:    "0123456789abcdef0123456789abcdef",
		Username:     "alice",
		HostPort:     17003,
		WorkspaceDir: "/data/workspaces/0123456789abcdef0123456789abcdef",
	})

	assert.Equal(t, "hutch-terminal:latest", cfg.Image)
	assert.Equal(t, "hutch", cfg.Hostname)
	assert.Contains(t, cfg.Env, "TERM=xterm-256color")
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Labels[LabelSession])
	assert.Equal(t, "alice", cfg.Labels[LabelUser])
	assert.Contains(t, cfg.ExposedPorts, nat.Port(terminalPort))

	bindings := hostCfg.PortBindings[nat.Port(terminalPort)]
	require.Len(t, bindings, 1)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)
	assert.Equal(t, "17003", bindings[0].HostPort)

	assert.Equal(t, container.RestartPolicyUnlessStopped, hostCfg.RestartPolicy.Name)
	assert.Equal(t, int64(2<<30), hostCfg.Resources.Memory)
	assert.Equal(t, int64(50000), hostCfg.Resources.CPUQuota)

	require.Len(t, hostCfg.Mounts, 1)
	assert.Equal(t, mount.TypeBind, hostCfg.Mounts[0].Type)
	assert.Equal(t, "/data/workspaces/0123456789abcdef0123456789abcdef", hostCfg.Mounts[0].Source)
	assert.Equal(t, "/home/hutch/workspace", hostCfg.Mounts[0].Target)
}

func TestContainerSpecWithoutWorkspace(t *testing.T) {
	d := &Docker{cfg: config.ContainerConfig{Image: "hutch-terminal:latest"}}
	_, hostCfg := d.containerSpec(Params{SessionID: "abc", HostPort: 17000})
	assert.Empty(t, hostCfg.Mounts)
}

func TestSummaryHostPort(t *testing.T) {
	s := container.Summary{Ports: []container.Port{
		{PrivatePort: 22, PublicPort: 2222},
		{PrivatePort: 7681, PublicPort: 17005},
	}}
	assert.Equal(t, 17005, summaryHostPort(s))

	assert.Equal(t, 0, summaryHostPort(container.Summary{}))
}

func TestSummaryName(t *testing.T) {
	s := container.Summary{Names: []string{"/hutch-session-0123456789ab"}}
	assert.Equal(t, "hutch-session-0123456789ab", summaryName(s))
	assert.Equal(t, "", summaryName(container.Summary{}))
}
