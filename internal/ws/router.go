package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/approval"
	"github.com/remote-agent-terminal/agentrelay/internal/logger"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
)

// Client -> server events.
const (
	EventStartSession         = "start_session"
	EventConnectToSession     = "connect_to_session"
	EventSendCommand          = "send_command"
	EventSendStreamingCommand = "send_streaming_command"
	EventSendEnterKey         = "send_enter_key"
	EventSendBackspaceKey     = "send_backspace_key"
	EventSendKey              = "send_key"
	EventResizeTerminal       = "resize_terminal"
	EventEndSession           = "end_session"
	EventGetStatus            = "get_status"
	EventResumeSession        = "resume_session"
	EventSubmitApproval       = "submit_approval"
)

// Server -> client replies.
const (
	EventSessionStarted    = "session_started"
	EventSessionResumed    = "session_resumed"
	EventConnectionResult  = "connection_result"
	EventCommandStatus     = "command_status"
	EventSessionEndResult  = "session_end_result"
	EventStatus            = "status"
	EventApprovalSubmitted = "approval_submitted"
	EventApprovalError     = "approval_error"
	EventError             = "error"
)

// DefaultAgent is used when an event names no agent_type.
const DefaultAgent = "claude"

// Sessions is the registry of per-agent session managers.
type Sessions interface {
	GetOrCreate(agentType string) (*session.Manager, error)
	Get(agentType string) (*session.Manager, bool)
	Managers() []*session.Manager
}

// Approvals accepts decisions for pending tool approvals.
type Approvals interface {
	Decide(id string, d approval.Decision) error
}

// request is the union of every client event's data.
type request struct {
	AgentType        string `json:"agent_type"`
	WorkingDirectory string `json:"working_directory"`
	SessionName      string `json:"session_name"`
	SessionID        string `json:"session_id"`
	DeviceID         string `json:"device_id"`
	Command          string `json:"command"`
	Count            int    `json:"count"`
	Key              string `json:"key"`
	Rows             uint16 `json:"rows"`
	Cols             uint16 `json:"cols"`
	Graceful         *bool  `json:"graceful"`
	ApprovalID       string `json:"approval_id"`
	Approved         bool   `json:"approved"`
	Reason           string `json:"reason"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// CommandStatus is the data of command_status.
type CommandStatus struct {
	Success   bool      `json:"success"`
	Command   string    `json:"command,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionResult is the data of connection_result.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*session.ConnectResult
}

// SessionStarted is the data of session_started.
type SessionStarted struct {
	Success          bool   `json:"success"`
	SessionID        string `json:"session_id"`
	SessionName      string `json:"session_name"`
	WorkingDirectory string `json:"working_directory"`
}

// SessionResumed is the data of session_resumed.
type SessionResumed struct {
	Success          bool             `json:"success"`
	Error            string           `json:"error,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	SessionName      string           `json:"session_name,omitempty"`
	WorkingDirectory string           `json:"working_directory,omitempty"`
	AgentSessionID   string           `json:"agent_session_id,omitempty"`
	MessageCount     int              `json:"message_count"`
	History          []*model.Message `json:"history,omitempty"`
}

type handlerFunc func(ctx context.Context, c *Client, req request)

// Router turns client events into session manager calls.
type Router struct {
	sessions  Sessions
	approvals Approvals
	hubs      *HubManager
	log       *slog.Logger
	handlers  map[string]handlerFunc
}

// NewRouter creates a Router. approvals may be nil, in which case
// submit_approval is rejected.
func NewRouter(sessions Sessions, approvals Approvals, hubs *HubManager, log *slog.Logger) *Router {
	r := &Router{
		sessions:  sessions,
		approvals: approvals,
		hubs:      hubs,
		log:       logger.OrDefault(log).With("component", "ws_router"),
	}
	r.handlers = map[string]handlerFunc{
		EventStartSession:         r.startSession,
		EventConnectToSession:     r.connectToSession,
		EventSendCommand:          r.sendCommand,
		EventSendStreamingCommand: r.sendStreamingCommand,
		EventSendEnterKey:         r.sendEnterKey,
		EventSendBackspaceKey:     r.sendBackspaceKey,
		EventSendKey:              r.sendKey,
		EventResizeTerminal:       r.resizeTerminal,
		EventEndSession:           r.endSession,
		EventGetStatus:            r.getStatus,
		EventResumeSession:        r.resumeSession,
		EventSubmitApproval:       r.submitApproval,
	}
	return r
}

// Dispatch handles one event from c.
func (r *Router) Dispatch(ctx context.Context, c *Client, env Envelope) {
	h, ok := r.handlers[env.Event]
	if !ok {
		r.emitError(c, fmt.Errorf("%w: unknown event %q", model.ErrInvalidRequest, env.Event))
		return
	}

	var req request
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			r.emitError(c, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err))
			return
		}
	}
	if req.AgentType == "" {
		req.AgentType = DefaultAgent
	}

	r.log.Debug("event received", "event", env.Event, "client_id", c.ID(), "agent_type", req.AgentType)
	h(ctx, c, req)
}

// Disconnect detaches c from every session manager.
func (r *Router) Disconnect(c *Client) {
	for _, mgr := range r.sessions.Managers() {
		mgr.DisconnectClient(c.ID())
	}
}

func (r *Router) startSession(ctx context.Context, c *Client, req request) {
	mgr, err := r.sessions.GetOrCreate(req.AgentType)
	if err != nil {
		r.emitError(c, err)
		return
	}

	dir := req.WorkingDirectory
	if dir == "" {
		dir, _ = os.Getwd()
	}
	sess, err := mgr.Start(ctx, ExpandHome(dir), req.SessionName)
	if err != nil {
		r.emitError(c, err)
		return
	}

	c.Emit(EventSessionStarted, SessionStarted{
		Success:          true,
		SessionID:        sess.ID,
		SessionName:      sess.Name,
		WorkingDirectory: sess.WorkingDirectory,
	})
	r.connect(ctx, c, mgr, req.DeviceID)
}

func (r *Router) connectToSession(ctx context.Context, c *Client, req request) {
	mgr, ok := r.sessions.Get(req.AgentType)
	if !ok {
		c.Emit(EventConnectionResult, ConnectionResult{
			Error: fmt.Sprintf("%s agent manager not found", req.AgentType),
		})
		return
	}
	r.connect(ctx, c, mgr, req.DeviceID)
}

// connect registers c with the active session and joins its room at the
// point where the returned history ends.
func (r *Router) connect(ctx context.Context, c *Client, mgr *session.Manager, deviceID string) {
	res, err := mgr.ConnectClient(ctx, c.ID(), deviceID, func(sessionID string) {
		r.hubs.Join(sessionID, c)
	})
	if err != nil {
		c.Emit(EventConnectionResult, ConnectionResult{Error: err.Error()})
		return
	}
	c.Emit(EventConnectionResult, ConnectionResult{Success: true, ConnectResult: res})
}

// ensureRoom joins c to the active session's room so it sees the output of
// the command it is about to send.
func (r *Router) ensureRoom(c *Client, mgr *session.Manager) {
	if id := mgr.SessionID(); id != "" {
		r.hubs.Join(id, c)
	}
}

func (r *Router) manager(c *Client, agentType string) (*session.Manager, bool) {
	mgr, ok := r.sessions.Get(agentType)
	if !ok {
		c.Emit(EventError, ErrorPayload{
			Message: fmt.Sprintf("%s agent manager not found", agentType),
			Code:    model.Code(model.ErrNoActiveSession),
		})
	}
	return mgr, ok
}

func (r *Router) sendCommand(ctx context.Context, c *Client, req request) {
	mgr, ok := r.manager(c, req.AgentType)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		r.commandStatus(c, "", model.ErrEmptyCommand)
		return
	}
	r.ensureRoom(c, mgr)
	r.commandStatus(c, req.Command, mgr.SendCommand(ctx, req.Command, c.ID(), req.DeviceID))
}

func (r *Router) sendStreamingCommand(ctx context.Context, c *Client, req request) {
	mgr, ok := r.manager(c, req.AgentType)
	if !ok {
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return
	}
	r.ensureRoom(c, mgr)
	if err := mgr.SendStreamingCommand(ctx, command, c.ID(), req.DeviceID); err != nil {
		r.emitError(c, err)
	}
}

func (r *Router) sendEnterKey(ctx context.Context, c *Client, req request) {
	mgr, ok := r.manager(c, req.AgentType)
	if !ok {
		return
	}
	r.ensureRoom(c, mgr)
	r.commandStatus(c, "[Enter Key]", mgr.SendEnter(ctx, c.ID(), req.DeviceID))
}

func (r *Router) sendBackspaceKey(ctx context.Context, c *Client, req request) {
	mgr, ok := r.manager(c, req.AgentType)
	if !ok {
		return
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	r.ensureRoom(c, mgr)
	r.commandStatus(c, fmt.Sprintf("[Backspace Key x%d]", count), mgr.SendBackspace(ctx, c.ID(), req.DeviceID, count))
}

// sendKey is not acknowledged; the agent's echo is the feedback.
func (r *Router) sendKey(ctx context.Context, c *Client, req request) {
	mgr, ok := r.sessions.Get(req.AgentType)
	if !ok || req.Key == "" {
		return
	}
	if err := mgr.SendKeys(ctx, req.Key); err != nil {
		r.log.Debug("send_key failed", "client_id", c.ID(), "error", err)
	}
}

func (r *Router) resizeTerminal(_ context.Context, c *Client, req request) {
	mgr, ok := r.sessions.Get(req.AgentType)
	if !ok || req.Rows == 0 || req.Cols == 0 {
		return
	}
	if err := mgr.Resize(req.Rows, req.Cols); err != nil {
		r.log.Debug("resize failed", "client_id", c.ID(), "error", err)
	}
}

func (r *Router) endSession(ctx context.Context, c *Client, req request) {
	mgr, ok := r.manager(c, req.AgentType)
	if !ok {
		return
	}
	graceful := req.Graceful == nil || *req.Graceful

	res, err := mgr.End(ctx, graceful)
	if err != nil {
		c.Emit(EventSessionEndResult, model.Fail(err))
		return
	}
	c.Emit(EventSessionEndResult, model.OK(map[string]any{
		"session_id": res.SessionID,
		"archived":   res.Archived,
	}))
}

func (r *Router) getStatus(_ context.Context, c *Client, req request) {
	mgr, ok := r.sessions.Get(req.AgentType)
	if !ok {
		c.Emit(EventStatus, session.Status{AgentType: req.AgentType, State: session.StateIdle.String()})
		return
	}
	c.Emit(EventStatus, mgr.Status())
}

func (r *Router) resumeSession(ctx context.Context, c *Client, req request) {
	if req.SessionID == "" {
		c.Emit(EventSessionResumed, SessionResumed{Error: "session_id is required"})
		return
	}
	mgr, err := r.sessions.GetOrCreate(req.AgentType)
	if err != nil {
		c.Emit(EventSessionResumed, SessionResumed{Error: err.Error()})
		return
	}

	dir := req.WorkingDirectory
	if dir != "" {
		dir = ExpandHome(dir)
	}
	res, err := mgr.Resume(ctx, req.SessionID, "", dir)
	if err != nil {
		c.Emit(EventSessionResumed, SessionResumed{Error: err.Error()})
		return
	}

	c.Emit(EventSessionResumed, SessionResumed{
		Success:          true,
		SessionID:        res.Session.ID,
		SessionName:      res.Session.Name,
		WorkingDirectory: res.Session.WorkingDirectory,
		AgentSessionID:   res.Session.AgentSessionID,
		MessageCount:     res.MessageCount,
		History:          res.History,
	})
	r.connect(ctx, c, mgr, req.DeviceID)
}

func (r *Router) submitApproval(_ context.Context, c *Client, req request) {
	if req.ApprovalID == "" {
		c.Emit(EventApprovalError, ErrorPayload{Message: "Missing approval_id", Code: model.Code(model.ErrInvalidRequest)})
		return
	}
	if r.approvals == nil {
		c.Emit(EventApprovalError, ErrorPayload{Message: model.ErrApprovalNotFound.Error(), Code: model.Code(model.ErrApprovalNotFound)})
		return
	}

	err := r.approvals.Decide(req.ApprovalID, approval.Decision{Approved: req.Approved, Reason: req.Reason})
	if err != nil {
		c.Emit(EventApprovalError, ErrorPayload{Message: err.Error(), Code: model.Code(err)})
		return
	}
	c.Emit(EventApprovalSubmitted, map[string]any{
		"approval_id": req.ApprovalID,
		"approved":    req.Approved,
		"reason":      req.Reason,
	})
}

func (r *Router) commandStatus(c *Client, command string, err error) {
	st := CommandStatus{Success: err == nil, Command: command, Timestamp: time.Now()}
	if err != nil {
		st.Error = err.Error()
		st.Code = model.Code(err)
	}
	c.Emit(EventCommandStatus, st)
}

func (r *Router) emitError(c *Client, err error) {
	if !errors.Is(err, model.ErrInvalidRequest) {
		r.log.Warn("event failed", "client_id", c.ID(), "error", err)
	}
	c.Emit(EventError, ErrorPayload{Message: err.Error(), Code: model.Code(err)})
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
