package ws

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/approval"
	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/session"
)

type decisions struct {
	mu   sync.Mutex
	got  map[string]approval.Decision
	fail error
}

func (d *decisions) Decide(id string, dec approval.Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	if d.got == nil {
		d.got = make(map[string]approval.Decision)
	}
	d.got[id] = dec
	return nil
}

func TestRouter_StartSendEnd(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir, "session_name": "demo", "device_id": "laptop"})

	started := next(t, c)
	require.Equal(t, EventSessionStarted, started.Event)
	assert.Equal(t, true, started.Data["success"])
	assert.Equal(t, "demo", started.Data["session_name"])
	sessionID := started.Data["session_id"].(string)

	conn := next(t, c)
	require.Equal(t, EventConnectionResult, conn.Event)
	assert.Equal(t, true, conn.Data["success"])
	assert.Equal(t, sessionID, conn.Data["session_id"])
	assert.Equal(t, e.dir, conn.Data["working_directory"])
	assert.Equal(t, 1, e.hubs.RoomSize(sessionID))

	e.dispatch(c, EventSendCommand, map[string]any{"command": "hello", "device_id": "laptop"})
	got := collect(t, c, EventCommandStatus, session.EventAgentOutput)
	status := got[EventCommandStatus]
	assert.Equal(t, true, status.Data["success"])
	assert.Equal(t, "hello", status.Data["command"])

	out := got[session.EventAgentOutput]
	assert.Equal(t, "echo: hello", out.Data["content"])
	assert.Equal(t, sessionID, out.Data["session_id"])

	e.dispatch(c, EventEndSession, map[string]any{})
	closed := nextEvent(t, c, session.EventSessionClosed)
	assert.Equal(t, "claude", closed.Data["agent_type"])
	end := nextEvent(t, c, EventSessionEndResult)
	assert.Equal(t, true, end.Data["success"])
	assert.Nil(t, e.hubs.Get(sessionID))
}

func TestRouter_StartErrors(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.dispatch(c, EventStartSession, map[string]any{"working_directory": filepath.Join(e.dir, "missing")})
	f := next(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "DIRECTORY_NOT_FOUND", f.Data["code"])

	e.dispatch(c, EventStartSession, map[string]any{"agent_type": "nope", "working_directory": e.dir})
	f = next(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "UNKNOWN_AGENT", f.Data["code"])

	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, c, EventConnectionResult)
	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	f = next(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "ALREADY_RUNNING", f.Data["code"])
}

func TestRouter_ConnectToSession(t *testing.T) {
	e := newEnv(t, nil)
	owner, viewer := e.client("owner"), e.client("viewer")

	e.dispatch(viewer, EventConnectToSession, map[string]any{})
	f := next(t, viewer)
	assert.Equal(t, EventConnectionResult, f.Event)
	assert.Equal(t, false, f.Data["success"])
	assert.Contains(t, f.Data["error"], "agent manager not found")

	e.dispatch(owner, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, owner, EventConnectionResult)
	e.dispatch(owner, EventSendCommand, map[string]any{"command": "first"})
	nextEvent(t, owner, session.EventAgentOutput)

	e.dispatch(viewer, EventConnectToSession, map[string]any{"device_id": "tablet"})
	f = next(t, viewer)
	require.Equal(t, EventConnectionResult, f.Event)
	assert.Equal(t, true, f.Data["success"])
	history := f.Data["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].(map[string]any)["content"])
	assert.Equal(t, "echo: first", history[1].(map[string]any)["content"])

	drain(owner)
	e.dispatch(owner, EventSendCommand, map[string]any{"command": "second"})
	assert.Equal(t, "echo: second", nextEvent(t, viewer, session.EventAgentOutput).Data["content"])

	mgr, _ := e.registry.Get("claude")
	assert.Equal(t, 2, mgr.Status().ConnectedClients)
	e.router.Disconnect(viewer)
	assert.Equal(t, 1, mgr.Status().ConnectedClients)
}

func TestRouter_CommandValidation(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.dispatch(c, EventSendCommand, map[string]any{"command": "x"})
	f := next(t, c)
	assert.Equal(t, EventError, f.Event)

	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, c, EventConnectionResult)

	e.dispatch(c, EventSendCommand, map[string]any{"command": "   "})
	f = next(t, c)
	assert.Equal(t, EventCommandStatus, f.Event)
	assert.Equal(t, false, f.Data["success"])
	assert.Equal(t, "VALIDATION_ERROR", f.Data["code"])

	e.dispatch(c, EventSendStreamingCommand, map[string]any{"command": "go"})
	f = next(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "UNSUPPORTED", f.Data["code"])
}

func TestRouter_Keys(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")
	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, c, EventConnectionResult)

	e.dispatch(c, EventSendEnterKey, map[string]any{})
	f := next(t, c)
	assert.Equal(t, "[Enter Key]", f.Data["command"])
	assert.Equal(t, true, f.Data["success"])

	e.dispatch(c, EventSendBackspaceKey, map[string]any{"count": 3})
	f = next(t, c)
	assert.Equal(t, "[Backspace Key x3]", f.Data["command"])

	e.dispatch(c, EventSendKey, map[string]any{"key": "\x1b[A"})
	e.dispatch(c, EventResizeTerminal, map[string]any{"rows": 40, "cols": 120})

	assert.Equal(t, []string{"\r", "\x7f\x7f\x7f", "\x1b[A"}, e.Last().Raw())
}

func TestRouter_GetStatus(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.dispatch(c, EventGetStatus, map[string]any{"agent_type": "gemini"})
	f := next(t, c)
	assert.Equal(t, EventStatus, f.Event)
	assert.Equal(t, "gemini", f.Data["agent_type"])
	assert.Equal(t, false, f.Data["active"])

	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, c, EventConnectionResult)
	e.dispatch(c, EventGetStatus, nil)
	f = next(t, c)
	assert.Equal(t, true, f.Data["active"])
	assert.Equal(t, "active", f.Data["state"])
}

func TestRouter_ResumeUnsupportedForPTY(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.dispatch(c, EventResumeSession, map[string]any{})
	f := next(t, c)
	assert.Equal(t, EventSessionResumed, f.Event)
	assert.Equal(t, false, f.Data["success"])

	e.dispatch(c, EventResumeSession, map[string]any{"session_id": "abc"})
	f = next(t, c)
	assert.Equal(t, false, f.Data["success"])
	assert.Contains(t, f.Data["error"], model.ErrUnsupported.Error())
}

func TestRouter_SubmitApproval(t *testing.T) {
	d := &decisions{}
	e := newEnv(t, d)
	c := e.client("c1")

	e.dispatch(c, EventSubmitApproval, map[string]any{"approved": true})
	assert.Equal(t, EventApprovalError, next(t, c).Event)

	e.dispatch(c, EventSubmitApproval, map[string]any{"approval_id": "a1", "approved": true, "reason": "ok"})
	f := next(t, c)
	assert.Equal(t, EventApprovalSubmitted, f.Event)
	assert.Equal(t, approval.Decision{Approved: true, Reason: "ok"}, d.got["a1"])

	d.fail = model.ErrApprovalNotFound
	e.dispatch(c, EventSubmitApproval, map[string]any{"approval_id": "a2"})
	f = next(t, c)
	assert.Equal(t, EventApprovalError, f.Event)
	assert.Equal(t, "APPROVAL_NOT_FOUND", f.Data["code"])
}

func TestRouter_UnknownEventAndBadData(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")

	e.router.Dispatch(context.Background(), c, Envelope{Event: "dance"})
	f := next(t, c)
	assert.Equal(t, EventError, f.Event)
	assert.Equal(t, "VALIDATION_ERROR", f.Data["code"])

	e.router.Dispatch(context.Background(), c, Envelope{Event: EventSendCommand, Data: []byte(`"nope"`)})
	f = next(t, c)
	assert.Equal(t, "VALIDATION_ERROR", f.Data["code"])
}

func TestRouter_EndElsewhereNotifiesRoom(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client("c1")
	e.dispatch(c, EventStartSession, map[string]any{"working_directory": e.dir})
	nextEvent(t, c, EventConnectionResult)

	mgr, _ := e.registry.Get("claude")
	_, err := mgr.End(context.Background(), false)
	require.NoError(t, err)

	f := nextEvent(t, c, session.EventSessionClosed)
	assert.Equal(t, true, f.Data["empty_session"])

	_, err = mgr.End(context.Background(), false)
	assert.True(t, errors.Is(err, model.ErrNoActiveSession))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, filepath.Join(home, "src"), ExpandHome("~/src"))
	assert.Equal(t, "/tmp/x", ExpandHome("/tmp/x"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
