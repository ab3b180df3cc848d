package stream

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

func TestParseEvent_ContentShapes(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"user","message":{"role":"user","content":"plain"}}`))
	require.NoError(t, err)
	require.Len(t, ev.Message.Content, 1)
	assert.Equal(t, "plain", ev.Message.Content[0].Text)

	ev, err = ParseEvent([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", ev.Message.Content[0].ResultText())

	ev, err = ParseEvent([]byte(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":true}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "ok", ev.Message.Content[0].ResultText())
	assert.True(t, ev.Message.Content[0].IsError)
}

func TestFormatter_Init(t *testing.T) {
	f := newFormatter()
	out := f.format(Event{
		Type: TypeSystem, Subtype: SubtypeInit, SessionID: "abc", CWD: "/w", Model: "m",
		Tools: []string{"a", "b", "c", "d", "e", "f", "g"}, PermissionMode: "default",
	})
	require.Len(t, out, 1)
	assert.Equal(t, transport.EventInit, out[0].Type)
	assert.Equal(t, "abc", out[0].ResumeToken)
	assert.Equal(t, model.MessageTypeSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "Tools: a, b, c, d, e (and 2 more)")
	assert.Contains(t, out[0].Content, "Working directory: /w")
}

func TestFormatter_ToolUseAndResult(t *testing.T) {
	f := newFormatter()
	out := f.format(Event{Type: TypeAssistant, Message: &EventMessage{Content: []ContentBlock{
		{Type: "tool_use", ID: "t1", Name: "Bash", Input: map[string]any{"command": "ls"}},
	}}})
	require.Len(t, out, 1)
	assert.Equal(t, transport.EventToolUse, out[0].Type)
	assert.True(t, strings.HasPrefix(out[0].Content, "Using Bash:\n"))
	assert.Equal(t, "t1", out[0].Metadata["tool_use_id"])
	assert.Equal(t, "Bash", out[0].Metadata["tool_name"])

	long := strings.Repeat("x", 800)
	out = f.format(Event{Type: TypeUser, Message: &EventMessage{Content: []ContentBlock{
		{Type: "tool_result", ToolUseID: "t1", Content: []byte(`"` + long + `"`)},
		{Type: "tool_result", ToolUseID: "t2", Content: []byte(`"nope"`), IsError: true},
	}}})
	require.Len(t, out, 2)
	assert.Equal(t, transport.EventToolResult, out[0].Type)
	assert.Contains(t, out[0].Content, "Result truncated - 800 characters total")
	assert.Equal(t, transport.EventToolError, out[1].Type)
}

func TestFormatter_ResultWithoutText(t *testing.T) {
	f := newFormatter()
	out := f.format(Event{Type: TypeResult, Usage: &Usage{InputTokens: 10, OutputTokens: 20}})
	require.Len(t, out, 2)
	assert.Equal(t, "Task Completed Successfully", out[0].Content)
	assert.Contains(t, out[1].Content, "Input tokens: 10")
	assert.Contains(t, out[1].Content, "Output tokens: 20")
}

func TestFormatter_OtherSystemAndError(t *testing.T) {
	f := newFormatter()
	out := f.format(Event{Type: TypeSystem, Subtype: "compact_boundary"})
	require.Len(t, out, 1)
	assert.Equal(t, transport.EventSystem, out[0].Type)
	assert.Equal(t, model.MessageTypeSystem, out[0].Role)

	out = f.format(Event{Type: TypeError, Error: "bad"})
	require.Len(t, out, 1)
	assert.Equal(t, "Error: bad", out[0].Content)

	assert.Empty(t, f.format(Event{Type: "unknown"}))
}

func TestTruncateResult_CountsCharacters(t *testing.T) {
	s := strings.Repeat("é", 800)
	got := truncateResult(s)
	head := got[:strings.Index(got, "...")]
	assert.Equal(t, maxToolResultLen, utf8.RuneCountInString(head))
	assert.True(t, utf8.ValidString(head))
	assert.Contains(t, got, "Result truncated - 800 characters total")

	short := strings.Repeat("é", maxToolResultLen)
	assert.Equal(t, short, truncateResult(short))
}
