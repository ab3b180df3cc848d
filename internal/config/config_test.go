package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/queue"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, filepath.Join("data", "agentrelay.db"), cfg.DBPath)
	assert.Equal(t, 5*time.Hour, cfg.Session.MaxDuration)
	assert.Equal(t, 10*time.Second, cfg.Session.CheckInterval)
	assert.Len(t, cfg.Session.WarningThresholds, 6)
	assert.Equal(t, 100, cfg.Queue.Capacity)
	assert.Equal(t, time.Second, cfg.Queue.PutTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.PTY.Debounce)
	assert.Equal(t, 5*time.Minute, cfg.Stream.SendTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Approval.Timeout)

	q := cfg.QueueOptions()
	assert.Equal(t, queue.PolicyReject, q.Policy)
	assert.Equal(t, uint(3), q.Retry.Attempts)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTRELAY_PORT", "9090")
	t.Setenv("AGENTRELAY_QUEUE_SATURATION_POLICY", "retry")
	t.Setenv("AGENTRELAY_SESSION_MAX_DURATION", "2h")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, queue.PolicyRetry, cfg.QueueOptions().Policy)
	assert.Equal(t, 2*time.Hour, cfg.Watchdog().MaxDuration)
}

func TestLoad_FileWithAgents(t *testing.T) {
	path := writeConfig(t, "agentrelay.toml", `
port = 7000
log_level = "debug"

[session]
max_duration = "30m"
warning_thresholds = ["10m", "1m"]

[agents.gemini]
command = "/opt/gemini"

[agents.aider]
command = "aider"
args = ["--no-git"]
exit_command = "/exit"
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []time.Duration{10 * time.Minute, time.Minute}, cfg.Session.WarningThresholds)

	catalog := cfg.Catalog()
	gemini, err := catalog.Lookup("gemini")
	require.NoError(t, err)
	assert.Equal(t, "/opt/gemini", gemini.Command)
	assert.Equal(t, "/quit", gemini.ExitCommand)

	aider, err := catalog.Lookup("aider")
	require.NoError(t, err)
	assert.Equal(t, []string{"--no-git"}, aider.Args)
	assert.Equal(t, "/exit", aider.ExitCommand)
	assert.Equal(t, transport.KindPTY, aider.Transport)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		t.Chdir(t.TempDir())
		cfg, err := Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"no db", func(c *Config) { c.DBPath = "" }},
		{"bad policy", func(c *Config) { c.Queue.SaturationPolicy = "drop" }},
		{"threshold past max", func(c *Config) { c.Session.WarningThresholds = []time.Duration{6 * time.Hour} }},
		{"bad transport", func(c *Config) { c.Agents = map[string]AgentConfig{"x": {Transport: "ssh"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
