// Package agent describes the supported agent CLIs and builds the transport
// each one runs behind.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/pty"
	"github.com/remote-agent-terminal/agentrelay/internal/stream"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// PermissionPromptTool is the MCP tool the streaming agent asks before using
// a tool that needs approval.
const PermissionPromptTool = "mcp__approve-tools__permissions__approve"

// Spec describes one agent CLI.
type Spec struct {
	Name        string
	DisplayName string
	Command     string
	Args        []string
	Env         []string
	ExitCommand string
	Transport   transport.Kind
}

// Resumable reports whether sessions of this agent can be continued after a
// restart.
func (s Spec) Resumable() bool {
	return s.Transport == transport.KindStream
}

var builtin = []Spec{
	{Name: "claude", DisplayName: "Claude", Command: "claude", Transport: transport.KindStream},
	{Name: "gemini", DisplayName: "Gemini", Command: "gemini", ExitCommand: "/quit", Transport: transport.KindPTY},
	{Name: "cursor", DisplayName: "Cursor", Command: "cursor-agent", ExitCommand: "exit", Transport: transport.KindPTY},
	{Name: "codex", DisplayName: "Codex", Command: "codex", ExitCommand: "exit", Transport: transport.KindPTY},
}

// Catalog is the set of known agents.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog returns the built-in agents with overrides applied. Override
// fields left empty keep the built-in value; unknown names add new agents.
func NewCatalog(overrides map[string]Spec) *Catalog {
	c := &Catalog{specs: make(map[string]Spec, len(builtin))}
	for _, s := range builtin {
		c.specs[s.Name] = s
	}
	for name, o := range overrides {
		s, ok := c.specs[name]
		if !ok {
			s = Spec{Name: name, DisplayName: name, Transport: transport.KindPTY, ExitCommand: "exit"}
		}
		if o.DisplayName != "" {
			s.DisplayName = o.DisplayName
		}
		if o.Command != "" {
			s.Command = o.Command
		}
		if len(o.Args) > 0 {
			s.Args = o.Args
		}
		if len(o.Env) > 0 {
			s.Env = o.Env
		}
		if o.ExitCommand != "" {
			s.ExitCommand = o.ExitCommand
		}
		if o.Transport != "" {
			s.Transport = o.Transport
		}
		c.specs[name] = s
	}
	return c
}

// Lookup returns the spec for name.
func (c *Catalog) Lookup(name string) (Spec, error) {
	s, ok := c.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", model.ErrUnknownAgent, name)
	}
	return s, nil
}

// Names lists the known agents in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory builds transports for agents.
type Factory struct {
	PTY    pty.Options
	Stream stream.Options

	// LogDir enables asciicast recordings of PTY sessions.
	LogDir string

	// MCPConfig is passed to streaming agents so tool approvals are routed
	// through the approval endpoint.
	MCPConfig string

	Logger *slog.Logger
}

// New spawns a transport for spec. opts carries the per-session fields
// (session id, working directory, resume token); command fields come from
// spec.
func (f Factory) New(ctx context.Context, spec Spec, opts transport.SpawnOptions) (transport.Transport, error) {
	opts.Command = spec.Command
	opts.Args = append([]string{}, spec.Args...)
	opts.Env = append(opts.Env, spec.Env...)
	opts.ExitCommand = spec.ExitCommand

	log := logger.OrDefault(f.Logger)

	switch spec.Transport {
	case transport.KindStream:
		if f.MCPConfig != "" {
			opts.Args = append(opts.Args,
				"--mcp-config", f.MCPConfig,
				"--permission-prompt-tool", PermissionPromptTool,
				"--permission-mode", "default",
			)
		}
		so := f.Stream
		if so.Logger == nil {
			so.Logger = log
		}
		return stream.NewTransport(ctx, opts, so)

	case transport.KindPTY, "":
		po := f.PTY
		if po.Logger == nil {
			po.Logger = log
		}
		if f.LogDir != "" && opts.SessionID != "" {
			po.RecordingPath = logger.CastPath(f.LogDir, opts.SessionID)
		}
		return pty.NewTransport(opts, po)

	default:
		return nil, fmt.Errorf("%w: unknown transport %q", model.ErrTransportSpawnFailed, spec.Transport)
	}
}
