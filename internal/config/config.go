package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// SSHDECK_SSH_KEEPALIVE_INTERVAL=30s.
const EnvPrefix = "SSHDECK"

// Config holds all sshdeck settings.
type Config struct {
	LogLevel  string          `yaml:"log_level" split_words:"true"`
	API       APIConfig       `yaml:"api" split_words:"true"`
	Dashboard DashboardConfig `yaml:"dashboard" split_words:"true"`
	SSH       SSHConfig       `yaml:"ssh" split_words:"true"`
	Session   SessionConfig   `yaml:"session" split_words:"true"`
	Tunnel    TunnelConfig    `yaml:"tunnel" split_words:"true"`
}

// APIConfig is the gRPC control API used by the CLI.
type APIConfig struct {
	Listen string `yaml:"listen" split_words:"true"`
	// Token, when set, is required as a bearer token by the gRPC API and
	// the dashboard.
	Token string `yaml:"token,omitempty" split_words:"true"`
}

// DashboardConfig is the HTTP dashboard. An empty Listen disables it.
type DashboardConfig struct {
	Listen string `yaml:"listen" split_words:"true"`
}

// SSHConfig tunes outgoing SSH transports.
type SSHConfig struct {
	ConnectTimeout    Duration `yaml:"connect_timeout" split_words:"true"`
	KeepaliveInterval Duration `yaml:"keepalive_interval" split_words:"true"`
	// KnownHosts enables host key checking against an OpenSSH
	// known_hosts file. Empty accepts any host key.
	KnownHosts string `yaml:"known_hosts" split_words:"true"`
}

// SessionConfig tunes session teardown and streaming.
type SessionConfig struct {
	DisconnectGrace    Duration `yaml:"disconnect_grace" split_words:"true"`
	StreamStartTimeout Duration `yaml:"stream_start_timeout" split_words:"true"`
}

// TunnelConfig tunes port forwarding.
type TunnelConfig struct {
	ProbeTimeout  Duration `yaml:"probe_timeout" split_words:"true"`
	DialTimeout   Duration `yaml:"dial_timeout" split_words:"true"`
	MaxPerSession int      `yaml:"max_per_session" split_words:"true"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		API:       APIConfig{Listen: "127.0.0.1:50051"},
		Dashboard: DashboardConfig{Listen: "127.0.0.1:8080"},
		SSH: SSHConfig{
			ConnectTimeout:    Duration(20 * time.Second),
			KeepaliveInterval: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			DisconnectGrace:    Duration(500 * time.Millisecond),
			StreamStartTimeout: Duration(2 * time.Second),
		},
		Tunnel: TunnelConfig{
			ProbeTimeout: Duration(3 * time.Second),
			DialTimeout:  Duration(10 * time.Second),
		},
	}
}

// Dir returns the platform-specific config directory.
//
//	Linux:   /etc/sshdeck
//	Windows: C:\ProgramData\sshdeck
//
// Override with SSHDECK_CONFIG_DIR.
func Dir() string {
	if d := os.Getenv("SSHDECK_CONFIG_DIR"); d != "" {
		return d
	}
	if runtime.GOOS == "windows" {
		return `C:\ProgramData\sshdeck`
	}
	return "/etc/sshdeck"
}

// FilePath returns the full path to the config file.
func FilePath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// KeyDir returns where generated client keys live.
func KeyDir() string {
	return filepath.Join(Dir(), "keys")
}

// Load reads the YAML config file, then applies SSHDECK_* environment
// overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(FilePath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.SSH.ConnectTimeout < 0 {
		return fmt.Errorf("ssh.connect_timeout must not be negative")
	}
	if c.Tunnel.MaxPerSession < 0 {
		return fmt.Errorf("tunnel.max_per_session must not be negative")
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	return nil
}

// Save writes the configuration to the platform-specific YAML file.
func Save(cfg *Config) error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(FilePath(), data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}
