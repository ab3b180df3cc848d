// Package transport defines how commands reach an agent and how its output
// comes back, independent of whether the agent runs behind a pseudoterminal
// or a streaming client.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// Kind names a transport implementation.
type Kind string

const (
	KindPTY    Kind = "pty"
	KindStream Kind = "stream"
)

// Transport is the capability set every agent transport provides.
type Transport interface {
	// Write delivers one command to the agent. For the streaming transport
	// it blocks until the agent finishes the turn, bounded by its send timeout.
	Write(ctx context.Context, text string) error

	// IsReady reports whether the transport can still accept input.
	IsReady() bool

	// Output yields output events until the agent exits or Close is called,
	// then is closed. It is not restartable.
	Output() <-chan OutputEvent

	// Close tears the transport down. When graceful is set the agent's exit
	// sequence is sent first.
	Close(ctx context.Context, graceful bool) error
}

// RawWriter is implemented by transports that accept raw key bytes.
type RawWriter interface {
	WriteRaw(p []byte) error
}

// Resizer is implemented by transports backed by a terminal.
type Resizer interface {
	Resize(rows, cols uint16) error
}

// StreamingSender is implemented by transports that can dispatch a command
// without waiting for the turn to finish.
type StreamingSender interface {
	SendStreaming(ctx context.Context, text string) error
}

// Scrollbacker is implemented by transports that keep recent raw output.
type Scrollbacker interface {
	Scrollback() []byte
}

// SpawnOptions describes the agent process a transport should start.
type SpawnOptions struct {
	SessionID   string
	Command     string
	Args        []string
	Env         []string
	WorkingDir  string
	ExitCommand string
	ResumeToken string
}

// EventType tags an output event with its semantic role.
type EventType string

const (
	EventStreaming    EventType = "streaming"
	EventInit         EventType = "init"
	EventSystem       EventType = "system_message"
	EventAssistant    EventType = "assistant_message"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventToolError    EventType = "tool_error"
	EventFinalResult  EventType = "final_result"
	EventUsage        EventType = "usage_metadata"
	EventError        EventType = "error"
	EventToolApproval EventType = "tool_approval_required"
)

// Delivery selects where an output event goes.
type Delivery int

const (
	// DeliverAll persists the event and broadcasts it.
	DeliverAll Delivery = iota
	// DeliverLive broadcasts without persisting.
	DeliverLive
	// DeliverHistory persists without broadcasting.
	DeliverHistory
)

// OutputEvent is one discrete unit of agent output.
type OutputEvent struct {
	Type     EventType
	Content  string
	Metadata map[string]any
	Role     model.MessageType
	Delivery Delivery
	Time     time.Time

	// ResumeToken is set when the agent announces its session id.
	ResumeToken string
}

// Blank reports whether the event carries no visible text.
func (e OutputEvent) Blank() bool {
	return strings.TrimSpace(e.Content) == ""
}

// Persisted reports whether the event should be written to history.
func (e OutputEvent) Persisted() bool {
	return e.Delivery != DeliverLive
}

// Broadcast reports whether the event should be fanned out to clients.
func (e OutputEvent) Broadcast() bool {
	return e.Delivery != DeliverHistory
}
