package session

import (
	"fmt"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// Socket event names emitted by the manager.
const (
	EventAgentOutput    = "agent_output"
	EventSessionWarning = "session_warning"
	EventSessionTimeout = "session_timeout"
	EventSessionClosed  = "session_closed"
)

// Broadcaster fans named events out to clients. An empty room addresses
// every connected client.
type Broadcaster interface {
	Emit(room, event string, payload any)
}

// Notification is one event bound for a room.
type Notification struct {
	Room    string
	Event   string
	Payload any
}

// AgentOutput is the payload of agent_output.
type AgentOutput struct {
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Streaming bool           `json:"streaming"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}

// SessionWarning is the payload of session_warning.
type SessionWarning struct {
	RemainingSeconds float64 `json:"remaining_seconds"`
	TimeString       string  `json:"time_string"`
	Message          string  `json:"message"`
}

// SessionTimeout is the payload of session_timeout.
type SessionTimeout struct {
	Message string `json:"message"`
}

// SessionClosed is the payload of session_closed.
type SessionClosed struct {
	Message      string `json:"message"`
	AgentType    string `json:"agent_type"`
	EmptySession bool   `json:"empty_session"`
}

func agentOutputNotification(sessionID, messageID string, ev transport.OutputEvent) Notification {
	return Notification{
		Room:  sessionID,
		Event: EventAgentOutput,
		Payload: AgentOutput{
			Content:   ev.Content,
			Timestamp: ev.Time,
			SessionID: sessionID,
			Streaming: true,
			Type:      string(ev.Type),
			Metadata:  ev.Metadata,
			MessageID: messageID,
		},
	}
}

func warningNotification(sessionID, agentName string, remaining time.Duration) Notification {
	ts := formatRemaining(remaining)
	return Notification{
		Room:  sessionID,
		Event: EventSessionWarning,
		Payload: SessionWarning{
			RemainingSeconds: remaining.Seconds(),
			TimeString:       ts,
			Message:          fmt.Sprintf("Warning: %s session will reset in %s", agentName, ts),
		},
	}
}

func timeoutNotification(sessionID string) Notification {
	return Notification{
		Room:    sessionID,
		Event:   EventSessionTimeout,
		Payload: SessionTimeout{Message: "Session time limit reached. Session will now terminate."},
	}
}

func closedNotification(sessionID, agentType string, archived bool) Notification {
	msg := "session closed"
	if !archived {
		msg = "session closed (empty session not saved)"
	}
	return Notification{
		Room:  sessionID,
		Event: EventSessionClosed,
		Payload: SessionClosed{
			Message:      msg,
			AgentType:    agentType,
			EmptySession: !archived,
		},
	}
}

// formatRemaining renders d as "H hour(s) M minute(s)" or "M minute(s)".
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	mins := fmt.Sprintf("%d minute%s", minutes, plural(minutes))
	if hours > 0 {
		return fmt.Sprintf("%d hour%s %s", hours, plural(hours), mins)
	}
	return mins
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
