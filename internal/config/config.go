// Package config loads server settings from defaults, an optional config
// file and AGENTRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/remote-agent-terminal/agentrelay/internal/agent"
	"github.com/remote-agent-terminal/agentrelay/internal/pty"
	"github.com/remote-agent-terminal/agentrelay/internal/queue"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
	"github.com/remote-agent-terminal/agentrelay/internal/stream"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

const (
	// EnvPrefix prefixes every environment override, e.g. AGENTRELAY_PORT.
	EnvPrefix = "AGENTRELAY"

	configName = "agentrelay"
)

// Config is the full server configuration.
type Config struct {
	Port      int    `mapstructure:"port"`
	DBPath    string `mapstructure:"db_path"`
	LogDir    string `mapstructure:"log_dir"`
	DiffDir   string `mapstructure:"diff_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	MCPConfig string `mapstructure:"mcp_config"`

	Session  SessionConfig          `mapstructure:"session"`
	Queue    QueueConfig            `mapstructure:"queue"`
	PTY      PTYConfig              `mapstructure:"pty"`
	Stream   StreamConfig           `mapstructure:"stream"`
	Approval ApprovalConfig         `mapstructure:"approval"`
	Agents   map[string]AgentConfig `mapstructure:"agents"`
}

type SessionConfig struct {
	MaxDuration       time.Duration   `mapstructure:"max_duration"`
	CheckInterval     time.Duration   `mapstructure:"check_interval"`
	WarningThresholds []time.Duration `mapstructure:"warning_thresholds"`
	HistoryLimit      int             `mapstructure:"history_limit"`
}

type QueueConfig struct {
	Capacity         int           `mapstructure:"capacity"`
	PutTimeout       time.Duration `mapstructure:"put_timeout"`
	SaturationPolicy string        `mapstructure:"saturation_policy"`
	RetryAttempts    uint          `mapstructure:"retry_attempts"`
}

type PTYConfig struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	Rows        uint16        `mapstructure:"rows"`
	Cols        uint16        `mapstructure:"cols"`
}

type StreamConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type ApprovalConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// AgentConfig overrides or adds an agent CLI.
type AgentConfig struct {
	DisplayName string   `mapstructure:"display_name"`
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
	ExitCommand string   `mapstructure:"exit_command"`
	Transport   string   `mapstructure:"transport"`
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", filepath.Join("data", "agentrelay.db"))
	v.SetDefault("log_dir", filepath.Join("data", "logs"))
	v.SetDefault("diff_dir", filepath.Join("data", "diffs"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("mcp_config", "")

	v.SetDefault("session.max_duration", session.DefaultWatchdogConfig.MaxDuration)
	v.SetDefault("session.check_interval", session.DefaultWatchdogConfig.Interval)
	v.SetDefault("session.warning_thresholds", session.DefaultWatchdogConfig.Thresholds)
	v.SetDefault("session.history_limit", session.DefaultHistoryLimit)

	v.SetDefault("queue.capacity", queue.DefaultCapacity)
	v.SetDefault("queue.put_timeout", queue.DefaultPutTimeout)
	v.SetDefault("queue.saturation_policy", string(queue.PolicyReject))
	v.SetDefault("queue.retry_attempts", transport.DefaultRetryPolicy.Attempts)

	v.SetDefault("pty.debounce", pty.DefaultDebounce)
	v.SetDefault("pty.poll_timeout", pty.DefaultPollTimeout)
	v.SetDefault("pty.rows", 24)
	v.SetDefault("pty.cols", 80)

	v.SetDefault("stream.send_timeout", stream.DefaultSendTimeout)
	v.SetDefault("approval.timeout", 5*time.Minute)
}

// Load reads configuration into a Config. path names an explicit config
// file; when empty, agentrelay.{toml,yaml,json} is searched for in the
// working directory and $HOME/.config/agentrelay, and a missing file is not
// an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path must be set")
	}
	if _, err := queue.ParsePolicy(c.Queue.SaturationPolicy); err != nil {
		return err
	}
	if c.Session.MaxDuration <= 0 {
		return fmt.Errorf("session.max_duration must be positive, got %s", c.Session.MaxDuration)
	}
	for _, th := range c.Session.WarningThresholds {
		if th <= 0 || th >= c.Session.MaxDuration {
			return fmt.Errorf("warning threshold %s must be within session.max_duration", th)
		}
	}
	for name, a := range c.Agents {
		switch transport.Kind(a.Transport) {
		case "", transport.KindPTY, transport.KindStream:
		default:
			return fmt.Errorf("agents.%s: unknown transport %q", name, a.Transport)
		}
	}
	return nil
}

// Catalog builds the agent catalog with the configured overrides applied.
func (c *Config) Catalog() *agent.Catalog {
	overrides := make(map[string]agent.Spec, len(c.Agents))
	for name, a := range c.Agents {
		overrides[name] = agent.Spec{
			Name:        name,
			DisplayName: a.DisplayName,
			Command:     a.Command,
			Args:        a.Args,
			Env:         a.Env,
			ExitCommand: a.ExitCommand,
			Transport:   transport.Kind(a.Transport),
		}
	}
	return agent.NewCatalog(overrides)
}

func (c *Config) QueueOptions() queue.Options {
	// Validate has already checked the policy.
	policy, _ := queue.ParsePolicy(c.Queue.SaturationPolicy)
	retry := transport.DefaultRetryPolicy
	retry.Attempts = c.Queue.RetryAttempts
	return queue.Options{
		Capacity:   c.Queue.Capacity,
		PutTimeout: c.Queue.PutTimeout,
		Policy:     policy,
		Retry:      retry,
	}
}

func (c *Config) Watchdog() session.WatchdogConfig {
	return session.WatchdogConfig{
		MaxDuration: c.Session.MaxDuration,
		Interval:    c.Session.CheckInterval,
		Thresholds:  c.Session.WarningThresholds,
	}
}

func (c *Config) PTYOptions() pty.Options {
	return pty.Options{
		Debounce:    c.PTY.Debounce,
		PollTimeout: c.PTY.PollTimeout,
		Rows:        c.PTY.Rows,
		Cols:        c.PTY.Cols,
	}
}

func (c *Config) StreamOptions() stream.Options {
	return stream.Options{SendTimeout: c.Stream.SendTimeout}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
