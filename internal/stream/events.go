// Package stream drives an agent that speaks the stream-json protocol over
// stdin/stdout and exposes it as a transport.
package stream

import (
	"encoding/json"
	"strings"
)

// Event types emitted by the agent.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
	TypeError     = "error"

	SubtypeInit = "init"
)

// Event is one JSON line read from the agent.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *EventMessage `json:"message,omitempty"`

	// system/init
	CWD            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Usage carries token accounting from a result event.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// EventMessage is the message body of assistant and user events.
type EventMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts content given either as a plain string or as blocks.
func (m *EventMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = []ContentBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

// ContentBlock is one element of a message's content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result block's content to text.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(b.Content, &text); err == nil {
		return text
	}
	var parts []ContentBlock
	if err := json.Unmarshal(b.Content, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

// ParseEvent decodes one line of agent output.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(line, &ev)
	return ev, err
}

// userMessage is the stream-json input line for one prompt.
type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

func encodePrompt(prompt string) ([]byte, error) {
	line, err := json.Marshal(userMessage{
		Type: TypeUser,
		Message: userContent{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: prompt}},
		},
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
