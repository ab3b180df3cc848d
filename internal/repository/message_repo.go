package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// SaveMessage appends a message to its session and bumps the session's
// message count and last activity.
func (r *SessionRepository) SaveMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}

	metadataJSON, err := msg.MetadataToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO messages (id, session_id, seq, type, content, timestamp, device_id, metadata)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM messages WHERE session_id = ?
	`
	_, err = tx.ExecContext(ctx, insert,
		msg.ID,
		msg.SessionID,
		msg.Type,
		msg.Content,
		msg.Timestamp,
		nullString(msg.DeviceID),
		nullString(metadataJSON),
		msg.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_activity = ? WHERE id = ?`,
		msg.Timestamp, msg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	return nil
}

// GetSessionMessages returns up to limit messages of a session in the order
// they were saved.
func (r *SessionRepository) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, session_id, type, content, timestamp, device_id, metadata
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*model.Message, 0)
	for rows.Next() {
		msg := &model.Message{}
		var deviceID, metadataJSON sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Type,
			&msg.Content,
			&msg.Timestamp,
			&deviceID,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.DeviceID = deviceID.String
		if metadataJSON.Valid {
			if err := msg.MetadataFromJSON(metadataJSON.String); err != nil {
				return nil, fmt.Errorf("failed to parse message metadata: %w", err)
			}
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// HasMessages reports whether at least one message was saved for the session.
func (r *SessionRepository) HasMessages(ctx context.Context, sessionID string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE session_id = ?)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check messages: %w", err)
	}
	return exists == 1, nil
}
