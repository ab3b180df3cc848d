package approval

import (
	"fmt"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/session"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// Socket events emitted for approvals.
const (
	EventApprovalRequest  = "approval_request"
	EventApprovalDecision = "approval_decision"
)

// RequestNotice is the payload of approval_request.
type RequestNotice struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Input      map[string]any `json:"input"`
	Reason     string         `json:"reason"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message"`
}

// DecisionNotice is the payload of approval_decision.
type DecisionNotice struct {
	ApprovalID string    `json:"approval_id"`
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionNotifier broadcasts approval traffic to the room of the session
// that asked, or to every client when no session is active.
type SessionNotifier struct {
	Broadcaster session.Broadcaster

	// AgentName is shown in messages ("Claude wants to use ...").
	AgentName string

	// Room returns the active session's id, or "".
	Room func() string
}

func (n *SessionNotifier) room() string {
	if n.Room == nil {
		return ""
	}
	return n.Room()
}

// Requested implements Notifier.
func (n *SessionNotifier) Requested(p Pending) {
	room := n.room()
	agentName := n.AgentName
	if agentName == "" {
		agentName = "The agent"
	}

	n.Broadcaster.Emit(room, EventApprovalRequest, RequestNotice{
		ApprovalID: p.ID,
		ToolName:   p.ToolName,
		Input:      p.Input,
		Reason:     p.Reason,
		Timestamp:  p.CreatedAt,
		Message:    fmt.Sprintf("%s wants to use tool: %s", agentName, p.ToolName),
	})

	reason := p.Reason
	if reason == "" {
		reason = "No specific reason provided"
	}
	n.Broadcaster.Emit(room, session.EventAgentOutput, session.AgentOutput{
		Content: fmt.Sprintf("Tool Approval Required\n\n%s wants to use the **%s** tool.\n\n**Reason:** %s\n\nPlease approve or deny this tool usage.",
			agentName, p.ToolName, reason),
		Timestamp: p.CreatedAt,
		SessionID: room,
		Streaming: true,
		Type:      string(transport.EventToolApproval),
		Metadata: map[string]any{
			"tool_name":   p.ToolName,
			"approval_id": p.ID,
			"input":       p.Input,
		},
	})
}

// Decided implements Notifier.
func (n *SessionNotifier) Decided(id string, d Decision) {
	n.Broadcaster.Emit(n.room(), EventApprovalDecision, DecisionNotice{
		ApprovalID: id,
		Approved:   d.Approved,
		Reason:     d.Reason,
		Timestamp:  time.Now(),
	})
}
