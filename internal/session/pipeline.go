package session

import (
	"context"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
	"github.com/remote-agent-terminal/agentrelay/internal/queue"
	"github.com/remote-agent-terminal/agentrelay/internal/transport"
)

// consumeCommands is the queue's single consumer. Each command is recorded
// as a user message, stamped when it leaves the queue, before it is handed
// to the transport.
func (m *Manager) consumeCommands(ctx context.Context, sessionID string, q *queue.Queue, tr transport.Transport) {
	defer m.background.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("command consumer panicked", "session_id", sessionID, "panic", r)
		}
	}()

	for {
		cmd, err := q.Get(ctx)
		if err != nil {
			return
		}

		m.persist(ctx, &model.Message{
			SessionID: sessionID,
			Type:      model.MessageTypeUser,
			Content:   cmd.Text,
			Timestamp: time.Now(),
			DeviceID:  cmd.DeviceID,
		})

		if cmd.Streaming {
			if ss, ok := tr.(transport.StreamingSender); ok {
				err = ss.SendStreaming(ctx, cmd.Text)
			}
		} else {
			err = tr.Write(ctx, cmd.Text)
		}

		switch {
		case err == nil:
			m.log.Debug("command delivered", "session_id", sessionID, "client_id", cmd.ClientID)
		case ctx.Err() != nil:
			return
		default:
			m.log.Error("failed to deliver command", "session_id", sessionID, "client_id", cmd.ClientID,
				"error", err, "transport_ready", tr.IsReady())
		}
	}
}

// relayOutput drains the transport's output until it closes.
func (m *Manager) relayOutput(ctx context.Context, sessionID string, tr transport.Transport) {
	defer m.background.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("output relay panicked", "session_id", sessionID, "panic", r)
		}
	}()

	for ev := range tr.Output() {
		m.emit(ctx, sessionID, ev)
	}

	if m.State() == StateActive {
		m.log.Warn("agent output ended while session active", "session_id", sessionID)
		m.emit(ctx, sessionID, transport.OutputEvent{
			Type:     transport.EventError,
			Content:  m.cfg.Agent.DisplayName + " process exited",
			Role:     model.MessageTypeSystem,
			Delivery: transport.DeliverLive,
		})
	}
}

// emit persists and broadcasts one output event. Blank events are dropped.
func (m *Manager) emit(ctx context.Context, sessionID string, ev transport.OutputEvent) {
	if ev.ResumeToken != "" {
		m.recordResumeToken(ctx, sessionID, ev.ResumeToken)
	}
	if ev.Blank() {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Role == "" {
		ev.Role = model.MessageTypeAgent
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	var messageID string
	if ev.Persisted() {
		msg := &model.Message{
			SessionID: sessionID,
			Type:      ev.Role,
			Content:   ev.Content,
			Timestamp: ev.Time,
			Metadata: map[string]any{
				"streaming":   true,
				"output_type": string(ev.Type),
			},
		}
		if len(ev.Metadata) > 0 {
			msg.Metadata["metadata"] = ev.Metadata
		}
		if m.saveLocked(ctx, msg) {
			messageID = msg.ID
		}
	}

	if ev.Broadcast() {
		m.publish(agentOutputNotification(sessionID, messageID, ev))
	}
}

func (m *Manager) recordResumeToken(ctx context.Context, sessionID, token string) {
	m.mu.Lock()
	if m.session != nil && m.session.ID == sessionID {
		if m.session.AgentSessionID == token {
			m.mu.Unlock()
			return
		}
		m.session.AgentSessionID = token
	}
	m.mu.Unlock()

	err := m.cfg.Store.UpdateSession(context.WithoutCancel(ctx), sessionID, model.SessionUpdate{AgentSessionID: &token})
	if err != nil {
		m.log.Error("failed to store resume token", "session_id", sessionID, "error", err)
		return
	}
	m.log.Info("agent session id recorded", "session_id", sessionID, "agent_session_id", token)
}
