package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

const (
	maxToolResultLen = 500
	maxListedTools   = 5
)

// formatter turns agent events into output events. It accumulates assistant
// text across a turn so the full reply can be persisted once at the end.
type formatter struct {
	turnText strings.Builder
	now      func() time.Time
}

func newFormatter() *formatter {
	return &formatter{now: time.Now}
}

// reset drops any text accumulated for the current turn.
func (f *formatter) reset() {
	f.turnText.Reset()
}

func (f *formatter) event(typ transport.EventType, content string, delivery transport.Delivery, meta map[string]any) transport.OutputEvent {
	return transport.OutputEvent{
		Type:     typ,
		Content:  content,
		Metadata: meta,
		Role:     model.MessageTypeAgent,
		Delivery: delivery,
		Time:     f.now(),
	}
}

// format maps one agent event to zero or more output events.
func (f *formatter) format(ev Event) []transport.OutputEvent {
	switch ev.Type {
	case TypeSystem:
		return f.formatSystem(ev)
	case TypeAssistant:
		return f.formatAssistant(ev)
	case TypeUser:
		return f.formatToolResults(ev)
	case TypeResult:
		return f.formatResult(ev)
	case TypeError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Result
		}
		return []transport.OutputEvent{f.event(transport.EventError, "Error: "+msg, transport.DeliverAll, nil)}
	default:
		return nil
	}
}

func (f *formatter) formatSystem(ev Event) []transport.OutputEvent {
	if ev.Subtype != SubtypeInit {
		content := ev.Subtype
		if ev.Result != "" {
			content = ev.Result
		}
		if content == "" {
			return nil
		}
		out := f.event(transport.EventSystem, "System: "+content, transport.DeliverAll,
			map[string]any{"subtype": ev.Subtype})
		out.Role = model.MessageTypeSystem
		return []transport.OutputEvent{out}
	}

	var sb strings.Builder
	sb.WriteString("Session initialized")
	if ev.CWD != "" {
		fmt.Fprintf(&sb, "\nWorking directory: %s", ev.CWD)
	}
	if ev.Model != "" {
		fmt.Fprintf(&sb, "\nModel: %s", ev.Model)
	}
	if len(ev.Tools) > 0 {
		shown := ev.Tools
		if len(shown) > maxListedTools {
			shown = shown[:maxListedTools]
		}
		fmt.Fprintf(&sb, "\nTools: %s", strings.Join(shown, ", "))
		if extra := len(ev.Tools) - len(shown); extra > 0 {
			fmt.Fprintf(&sb, " (and %d more)", extra)
		}
	}
	if ev.PermissionMode != "" {
		fmt.Fprintf(&sb, "\nPermission mode: %s", ev.PermissionMode)
	}

	out := f.event(transport.EventInit, sb.String(), transport.DeliverAll, map[string]any{
		"agent_session_id": ev.SessionID,
	})
	out.ResumeToken = ev.SessionID
	out.Role = model.MessageTypeSystem
	return []transport.OutputEvent{out}
}

func (f *formatter) formatAssistant(ev Event) []transport.OutputEvent {
	if ev.Message == nil {
		return nil
	}
	var out []transport.OutputEvent
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			if f.turnText.Len() > 0 {
				f.turnText.WriteString("\n")
			}
			f.turnText.WriteString(block.Text)
			out = append(out, f.event(transport.EventAssistant, block.Text, transport.DeliverLive, nil))
		case "tool_use":
			content := fmt.Sprintf("Using %s:\n%s", block.Name, formatToolInput(block.Input))
			out = append(out, f.event(transport.EventToolUse, content, transport.DeliverAll, map[string]any{
				"tool_use_id": block.ID,
				"tool_name":   block.Name,
			}))
		}
	}
	return out
}

func (f *formatter) formatToolResults(ev Event) []transport.OutputEvent {
	if ev.Message == nil {
		return nil
	}
	var out []transport.OutputEvent
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		text := truncateResult(block.ResultText())
		typ := transport.EventToolResult
		prefix := "Tool result:\n"
		if block.IsError {
			typ = transport.EventToolError
			prefix = "Tool error:\n"
		}
		out = append(out, f.event(typ, prefix+text, transport.DeliverAll, map[string]any{
			"tool_use_id": block.ToolUseID,
		}))
	}
	return out
}

func (f *formatter) formatResult(ev Event) []transport.OutputEvent {
	var out []transport.OutputEvent

	if f.turnText.Len() > 0 {
		out = append(out, f.event(transport.EventAssistant, f.turnText.String(), transport.DeliverHistory, nil))
		f.turnText.Reset()
	}

	if ev.IsError {
		msg := ev.Result
		if msg == "" {
			msg = ev.Subtype
		}
		out = append(out, f.event(transport.EventError, "Error: "+msg, transport.DeliverAll, nil))
	} else {
		content := "Task Completed Successfully"
		if strings.TrimSpace(ev.Result) != "" {
			content = "Final Result\n" + ev.Result
		}
		out = append(out, f.event(transport.EventFinalResult, content, transport.DeliverAll, nil))
	}

	out = append(out, f.event(transport.EventUsage, formatUsage(ev), transport.DeliverAll, map[string]any{
		"total_cost_usd": ev.TotalCostUSD,
		"duration_ms":    ev.DurationMS,
		"num_turns":      ev.NumTurns,
	}))
	return out
}

func formatUsage(ev Event) string {
	var sb strings.Builder
	sb.WriteString("Session Usage")
	fmt.Fprintf(&sb, "\nCost: $%.6f", ev.TotalCostUSD)
	fmt.Fprintf(&sb, "\nDuration: %.2fs", ev.DurationMS/1000)
	fmt.Fprintf(&sb, "\nTurns: %d", ev.NumTurns)
	if u := ev.Usage; u != nil {
		fmt.Fprintf(&sb, "\nInput tokens: %d", u.InputTokens)
		fmt.Fprintf(&sb, "\nOutput tokens: %d", u.OutputTokens)
		if u.CacheReadInputTokens > 0 {
			fmt.Fprintf(&sb, "\nCache read: %d", u.CacheReadInputTokens)
		}
		if u.CacheCreationInputTokens > 0 {
			fmt.Fprintf(&sb, "\nCache created: %d", u.CacheCreationInputTokens)
		}
	}
	return sb.String()
}

func formatToolInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(b)
}

func truncateResult(s string) string {
	total := utf8.RuneCountInString(s)
	if total <= maxToolResultLen {
		return s
	}
	cut, n := 0, 0
	for i := range s {
		if n == maxToolResultLen {
			cut = i
			break
		}
		n++
	}
	return fmt.Sprintf("%s...\nResult truncated - %d characters total", s[:cut], total)
}
