// Package config provides configuration management for the Constellation bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Process   ProcessConfig   `mapstructure:"process"`
	Container ContainerConfig `mapstructure:"container"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	ReadTimeout     int      `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int      `mapstructure:"writeTimeout"`    // in seconds, 0 disables (needed for SSE)
	ShutdownTimeout int      `mapstructure:"shutdownTimeout"` // in seconds
	AllowedOrigins  []string `mapstructure:"allowedOrigins"`
}

// WorkspaceConfig controls where project workspaces live on the host.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	MaxFileBytes int64  `mapstructure:"maxFileBytes"`
}

// ProcessConfig holds limits applied to every child process.
type ProcessConfig struct {
	MaxOutputBytes int64 `mapstructure:"maxOutputBytes"`
	KillGrace      int   `mapstructure:"killGrace"` // in seconds
}

// ContainerConfig holds container runtime configuration.
type ContainerConfig struct {
	// Runtime selects the backend: auto, docker-api or cli.
	Runtime        string          `mapstructure:"runtime"`
	DefaultImage   string          `mapstructure:"defaultImage"`
	NamePrefix     string          `mapstructure:"namePrefix"`
	MountPath      string          `mapstructure:"mountPath"`
	StopTimeout    int             `mapstructure:"stopTimeout"`    // in seconds
	CommandTimeout int             `mapstructure:"commandTimeout"` // in seconds
	Docker         DockerConfig    `mapstructure:"docker"`
	Privilege      PrivilegeConfig `mapstructure:"privilege"`
	Ports          PortsConfig     `mapstructure:"ports"`
}

// DockerConfig holds Docker Engine API client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	// Binary is the container CLI used by the cli runtime.
	Binary string `mapstructure:"binary"`
}

// PrivilegeConfig controls how container CLI calls are elevated.
type PrivilegeConfig struct {
	// Mode is one of none, sudo or sg.
	Mode  string `mapstructure:"mode"`
	Group string `mapstructure:"group"`
}

// PortsConfig is the host port window handed out to containers.
type PortsConfig struct {
	Start       int `mapstructure:"start"`
	End         int `mapstructure:"end"`
	MaxAttempts int `mapstructure:"maxAttempts"`
}

// AgentConfig holds code-generation agent configuration.
type AgentConfig struct {
	Command            string   `mapstructure:"command"`
	Args               []string `mapstructure:"args"`
	PermissionFlag     string   `mapstructure:"permissionFlag"`
	Timeout            int      `mapstructure:"timeout"` // in seconds
	DetachOnDisconnect bool     `mapstructure:"detachOnDisconnect"`
}

// TerminalConfig holds interactive shell configuration.
type TerminalConfig struct {
	Shell       string `mapstructure:"shell"`
	WorkDir     string `mapstructure:"workDir"`
	Cols        int    `mapstructure:"cols"`
	Rows        int    `mapstructure:"rows"`
	MaxSessions int    `mapstructure:"maxSessions"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the graceful shutdown budget.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// KillGraceDuration returns the delay between SIGTERM and SIGKILL.
func (p *ProcessConfig) KillGraceDuration() time.Duration {
	return time.Duration(p.KillGrace) * time.Second
}

// StopTimeoutDuration returns the container stop timeout.
func (c *ContainerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// CommandTimeoutDuration returns the deadline for a single container command.
func (c *ContainerConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}

// TimeoutDuration returns the deadline for one agent run.
func (a *AgentConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONSTELLATION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultWorkspaceRoot is ~/.constellation/workspaces, falling back to the temp dir.
func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "constellation", "workspaces")
	}
	return filepath.Join(home, ".constellation", "workspaces")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.shutdownTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("workspace.root", defaultWorkspaceRoot())
	v.SetDefault("workspace.maxFileBytes", 1<<20)

	v.SetDefault("process.maxOutputBytes", 10<<20)
	v.SetDefault("process.killGrace", 3)

	// Container defaults
	v.SetDefault("container.runtime", "auto")
	v.SetDefault("container.defaultImage", "node:20-slim")
	v.SetDefault("container.namePrefix", "constellation")
	v.SetDefault("container.mountPath", "/workspace")
	v.SetDefault("container.stopTimeout", 10)
	v.SetDefault("container.commandTimeout", 300)
	v.SetDefault("container.docker.host", "")
	v.SetDefault("container.docker.apiVersion", "")
	v.SetDefault("container.docker.binary", "docker")
	v.SetDefault("container.privilege.mode", "sudo")
	v.SetDefault("container.privilege.group", "docker")
	v.SetDefault("container.ports.start", 3000)
	v.SetDefault("container.ports.end", 9999)
	v.SetDefault("container.ports.maxAttempts", 20)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--print"})
	v.SetDefault("agent.permissionFlag", "--dangerously-skip-permissions")
	v.SetDefault("agent.timeout", 1800)
	v.SetDefault("agent.detachOnDisconnect", false)

	v.SetDefault("terminal.shell", "")
	v.SetDefault("terminal.workDir", "")
	v.SetDefault("terminal.cols", 80)
	v.SetDefault("terminal.rows", 24)
	v.SetDefault("terminal.maxSessions", 64)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "constellation-bridge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.maxSizeMB", 100)
	v.SetDefault("logging.maxBackups", 3)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONSTELLATION_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/constellation/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONSTELLATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys, so bind the common ones explicitly.
	_ = v.BindEnv("server.port", "PORT", "CONSTELLATION_SERVER_PORT")
	_ = v.BindEnv("workspace.root", "CONSTELLATION_WORKSPACE_ROOT", "WORKSPACE_ROOT")
	_ = v.BindEnv("container.defaultImage", "CONSTELLATION_CONTAINER_DEFAULT_IMAGE")
	_ = v.BindEnv("container.docker.host", "DOCKER_HOST", "CONSTELLATION_CONTAINER_DOCKER_HOST")
	_ = v.BindEnv("container.privilege.mode", "CONSTELLATION_CONTAINER_PRIVILEGE_MODE")
	_ = v.BindEnv("agent.permissionFlag", "CONSTELLATION_AGENT_PERMISSION_FLAG")
	_ = v.BindEnv("agent.detachOnDisconnect", "CONSTELLATION_AGENT_DETACH_ON_DISCONNECT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/constellation/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		errs = append(errs, "workspace.root is required")
	}
	if cfg.Process.MaxOutputBytes <= 0 {
		errs = append(errs, "process.maxOutputBytes must be positive")
	}

	validRuntimes := map[string]bool{"auto": true, "docker-api": true, "cli": true}
	if !validRuntimes[cfg.Container.Runtime] {
		errs = append(errs, "container.runtime must be one of: auto, docker-api, cli")
	}
	validModes := map[string]bool{"none": true, "sudo": true, "sg": true}
	if !validModes[cfg.Container.Privilege.Mode] {
		errs = append(errs, "container.privilege.mode must be one of: none, sudo, sg")
	}
	if cfg.Container.Privilege.Mode != "none" && cfg.Container.Privilege.Group == "" {
		errs = append(errs, "container.privilege.group is required when privilege.mode is set")
	}
	p := cfg.Container.Ports
	if p.Start <= 0 || p.End > 65535 || p.Start > p.End {
		errs = append(errs, "container.ports must satisfy 0 < start <= end <= 65535")
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, "container.ports.maxAttempts must be positive")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.Timeout <= 0 {
		errs = append(errs, "agent.timeout must be positive")
	}

	if cfg.Terminal.Cols <= 0 || cfg.Terminal.Rows <= 0 {
		errs = append(errs, "terminal.cols and terminal.rows must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
