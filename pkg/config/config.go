package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full hutch configuration, loaded from a single YAML file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ports     PortsConfig     `yaml:"ports"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Container ContainerConfig `yaml:"container"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the listening endpoint and cookie behaviour.
type ServerConfig struct {
	BindHost     string `yaml:"bind_host"`
	BindPort     int    `yaml:"bind_port"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// PortsConfig is the host port pool handed to session containers.
type PortsConfig struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// SessionsConfig controls quota, timeouts and background sweeps.
type SessionsConfig struct {
	MaxPerUser        int      `yaml:"max_per_user"`
	ReadyTimeout      Duration `yaml:"ready_timeout"`
	ReapInterval      Duration `yaml:"reap_interval"`
	TokenTimeoutHours int      `yaml:"token_timeout_hours"`
}

// ContainerConfig is passed through to the container driver.
type ContainerConfig struct {
	Image         string `yaml:"image"`
	MemoryBytes   int64  `yaml:"memory_bytes"`
	CPUQuota      int64  `yaml:"cpu_quota"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

// AuthConfig selects local-file and/or LDAP authentication. An empty
// UsersFile disables authentication entirely, which in turn restricts
// the server to loopback binding.
type AuthConfig struct {
	UsersFile string     `yaml:"users_file"`
	LDAP      LDAPConfig `yaml:"ldap"`
}

// LDAPConfig configures the directory-service bind-search-bind flow.
type LDAPConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ServerURL         string   `yaml:"server_url"`
	BindDN            string   `yaml:"bind_dn"`
	BindPassword      string   `yaml:"bind_password"`
	SearchBase        string   `yaml:"search_base"`
	SearchFilter      string   `yaml:"search_filter"`
	GroupSearchBase   string   `yaml:"group_search_base"`
	GroupSearchFilter string   `yaml:"group_search_filter"`
	RequiredGroup     string   `yaml:"required_group"`
	Timeout           Duration `yaml:"timeout"`
	TLSVerify         *bool    `yaml:"tls_verify"`
	UseStartTLS       bool     `yaml:"use_starttls"`
}

// StorageConfig is where the ownership database and workspaces live.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file or key is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindHost:     "127.0.0.1",
			BindPort:     8081,
			CookieSecure: true,
		},
		Ports: PortsConfig{
			Low:  17000,
			High: 17999,
		},
		Sessions: SessionsConfig{
			MaxPerUser:        3,
			ReadyTimeout:      Duration(15 * time.Second),
			ReapInterval:      Duration(5 * time.Minute),
			TokenTimeoutHours: 24,
		},
		Container: ContainerConfig{
			Image:         "hutch-terminal:latest",
			MemoryBytes:   2 << 30,
			CPUQuota:      0,
			WorkspaceRoot: "data/workspaces",
		},
		Auth: AuthConfig{
			LDAP: LDAPConfig{
				SearchFilter:      "(uid={username})",
				GroupSearchFilter: "(&(objectClass=groupOfNames)(member={user_dn}))",
				Timeout:           Duration(10 * time.Second),
			},
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// AuthEnabled reports whether a local users file is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.UsersFile != ""
}

// Validate rejects configurations that would silently misbehave at
// runtime. It is called once at startup; a failure is fatal.
func (c *Config) Validate() error {
	if c.Ports.Low <= 0 || c.Ports.High < c.Ports.Low {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Low, c.Ports.High)
	}
	if c.Sessions.MaxPerUser < 1 {
		return fmt.Errorf("sessions.max_per_user must be at least 1, got %d", c.Sessions.MaxPerUser)
	}
	if c.Sessions.TokenTimeoutHours < 1 {
		return fmt.Errorf("sessions.token_timeout_hours must be at least 1, got %d", c.Sessions.TokenTimeoutHours)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image must be set")
	}

	// Without authentication the server must not be reachable from
	// other hosts. Binding beyond loopback requires a users file.
	if !c.AuthEnabled() && !isLoopback(c.Server.BindHost) {
		return fmt.Errorf(
			"refusing to bind to %s without authentication: configure auth.users_file or bind to 127.0.0.1",
			c.Server.BindHost,
		)
	}

	if c.Auth.LDAP.Enabled {
		if err := c.Auth.LDAP.validate(); err != nil {
			return fmt.Errorf("invalid ldap config: %w", err)
		}
	}
	return nil
}

func (l *LDAPConfig) validate() error {
	if l.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if l.SearchBase == "" {
		return fmt.Errorf("search_base must be set")
	}
	if n := strings.Count(l.SearchFilter, "{username}"); n != 1 {
		return fmt.Errorf("search_filter must contain exactly one {username} placeholder, found %d", n)
	}
	// The group check is optional, but when requested its filter must
	// substitute the user DN exactly once or the check would be a no-op.
	if l.RequiredGroup != "" {
		if n := strings.Count(l.GroupSearchFilter, "{user_dn}"); n != 1 {
			return fmt.Errorf("group_search_filter must contain exactly one {user_dn} placeholder, found %d", n)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// TokenTimeout returns the token expiry as a duration.
func (c *Config) TokenTimeout() time.Duration {
	return time.Duration(c.Sessions.TokenTimeoutHours) * time.Hour
}
