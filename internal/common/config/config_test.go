package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Container.Runtime)
	assert.Equal(t, "/workspace", cfg.Container.MountPath)
	assert.Equal(t, "sudo", cfg.Container.Privilege.Mode)
	assert.Equal(t, "docker", cfg.Container.Privilege.Group)
	assert.Equal(t, int64(10<<20), cfg.Process.MaxOutputBytes)
	assert.Equal(t, 80, cfg.Terminal.Cols)
	assert.Equal(t, 24, cfg.Terminal.Rows)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 30*time.Minute, cfg.Agent.TimeoutDuration())
	assert.False(t, cfg.Agent.DetachOnDisconnect)
	assert.NotEmpty(t, cfg.Workspace.Root)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 4100
workspace:
  root: /srv/workspaces
container:
  runtime: cli
  privilege:
    mode: sudo
    group: docker
  ports:
    start: 20000
    end: 20100
agent:
  command: my-agent
  args: ["--print", "--verbose"]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "/srv/workspaces", cfg.Workspace.Root)
	assert.Equal(t, "cli", cfg.Container.Runtime)
	assert.Equal(t, "sudo", cfg.Container.Privilege.Mode)
	assert.Equal(t, 20000, cfg.Container.Ports.Start)
	assert.Equal(t, 20100, cfg.Container.Ports.End)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, []string{"--print", "--verbose"}, cfg.Agent.Args)
}

func TestLoadPrivilegeModeNoneOverride(t *testing.T) {
	t.Setenv("CONSTELLATION_CONTAINER_PRIVILEGE_MODE", "none")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Container.Privilege.Mode)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONSTELLATION_SERVER_PORT", "5123")
	t.Setenv("CONSTELLATION_WORKSPACE_ROOT", "/tmp/ws-env")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5123, cfg.Server.Port)
	assert.Equal(t, "/tmp/ws-env", cfg.Workspace.Root)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "inverted port window",
			mutate:  func(c *Config) { c.Container.Ports.Start, c.Container.Ports.End = 9000, 8000 },
			wantErr: "container.ports",
		},
		{
			name:    "unknown runtime",
			mutate:  func(c *Config) { c.Container.Runtime = "podman-api" },
			wantErr: "container.runtime",
		},
		{
			name:    "privilege without group",
			mutate:  func(c *Config) { c.Container.Privilege = PrivilegeConfig{Mode: "sg"} },
			wantErr: "container.privilege.group",
		},
		{
			name:    "missing agent command",
			mutate:  func(c *Config) { c.Agent.Command = "" },
			wantErr: "agent.command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server:    ServerConfig{Port: 3001},
		Workspace: WorkspaceConfig{Root: "/tmp/ws"},
		Process:   ProcessConfig{MaxOutputBytes: 1024},
		Container: ContainerConfig{
			Runtime:   "auto",
			Privilege: PrivilegeConfig{Mode: "none"},
			Ports:     PortsConfig{Start: 3000, End: 3100, MaxAttempts: 5},
		},
		Agent:    AgentConfig{Command: "claude", Timeout: 60},
		Terminal: TerminalConfig{Cols: 80, Rows: 24},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}
