package model

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the persisted status of an agent session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Session represents one bounded lifetime of interaction with an agent.
type Session struct {
	ID               string         `json:"id"`
	AgentType        string         `json:"agent_type"`
	Name             string         `json:"name"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	WorkingDirectory string         `json:"working_directory"`
	MessageCount     int            `json:"message_count"`
	Status           SessionStatus  `json:"status"`
	TotalActiveTime  float64        `json:"total_active_time"` // seconds
	LastActivity     time.Time      `json:"last_activity"`
	Metadata         map[string]any `json:"metadata,omitempty"`

	// AgentSessionID is the resume token issued by the agent API.
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// MetadataToJSON converts the Metadata map to a JSON string for storage.
func (s *Session) MetadataToJSON() (string, error) {
	return encodeMetadata(s.Metadata)
}

// MetadataFromJSON parses a stored JSON string into the Metadata map.
func (s *Session) MetadataFromJSON(data string) error {
	m, err := decodeMetadata(data)
	if err != nil {
		return err
	}
	s.Metadata = m
	return nil
}

// Clone returns a copy of s that shares no pointers with it.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Duration returns how long the session ran, or has been running.
func (s *Session) Duration() time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// SessionUpdate lists the fields updateSession may change. Nil fields are left alone.
type SessionUpdate struct {
	Name             *string
	EndTime          *time.Time
	ClearEndTime     bool
	Status           *SessionStatus
	TotalActiveTime  *float64
	WorkingDirectory *string
	AgentSessionID   *string
	LastActivity     *time.Time
}

// MessageType is the author class of a Message.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeAgent  MessageType = "agent"
	MessageTypeSystem MessageType = "system"
)

// Message is an append-only entry in a session's history.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetadataToJSON converts the Metadata map to a JSON string for storage.
func (m *Message) MetadataToJSON() (string, error) {
	return encodeMetadata(m.Metadata)
}

// MetadataFromJSON parses a stored JSON string into the Metadata map.
func (m *Message) MetadataFromJSON(data string) error {
	md, err := decodeMetadata(data)
	if err != nil {
		return err
	}
	m.Metadata = md
	return nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMetadata(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}
