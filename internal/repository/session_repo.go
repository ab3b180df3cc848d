// Package repository implements the session and message store on top of SQLite.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

const sessionColumns = `id, agent_type, name, start_time, end_time, working_directory, message_count,
	status, total_active_time, last_activity, metadata, agent_session_id`

// SessionRepository stores the sessions and messages of one agent type.
type SessionRepository struct {
	db        *sql.DB
	agentType string
}

// NewSessionRepository creates a SessionRepository scoped to agentType.
func NewSessionRepository(db *sql.DB, agentType string) *SessionRepository {
	return &SessionRepository{db: db, agentType: agentType}
}

// AgentType returns the agent type the repository is scoped to.
func (r *SessionRepository) AgentType() string {
	return r.agentType
}

// CreateSession inserts a new session.
func (r *SessionRepository) CreateSession(ctx context.Context, session *model.Session) error {
	metadataJSON, err := session.MetadataToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	if session.AgentType == "" {
		session.AgentType = r.agentType
	}
	if session.Status == "" {
		session.Status = model.SessionStatusActive
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = session.StartTime
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.AgentType,
		session.Name,
		session.StartTime,
		session.EndTime,
		session.WorkingDirectory,
		session.MessageCount,
		session.Status,
		session.TotalActiveTime,
		session.LastActivity,
		nullString(metadataJSON),
		nullString(session.AgentSessionID),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// UpdateSession applies the non-nil fields of upd to the session.
func (r *SessionRepository) UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error {
	var sets []string
	var args []any

	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.ClearEndTime {
		sets = append(sets, "end_time = NULL")
	} else if upd.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *upd.EndTime)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.TotalActiveTime != nil {
		sets = append(sets, "total_active_time = ?")
		args = append(args, *upd.TotalActiveTime)
	}
	if upd.WorkingDirectory != nil {
		sets = append(sets, "working_directory = ?")
		args = append(args, *upd.WorkingDirectory)
	}
	if upd.AgentSessionID != nil {
		sets = append(sets, "agent_session_id = ?")
		args = append(args, nullString(*upd.AgentSessionID))
	}
	if upd.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, *upd.LastActivity)
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// GetSession retrieves a session by its ID.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions returns the agent's sessions, newest first.
func (r *SessionRepository) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE agent_type = ?
		ORDER BY start_time DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, r.agentType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*model.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session and its messages.
func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var endTime sql.NullTime
	var metadataJSON sql.NullString
	var agentSessionID sql.NullString

	err := row.Scan(
		&session.ID,
		&session.AgentType,
		&session.Name,
		&session.StartTime,
		&endTime,
		&session.WorkingDirectory,
		&session.MessageCount,
		&session.Status,
		&session.TotalActiveTime,
		&session.LastActivity,
		&metadataJSON,
		&agentSessionID,
	)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}

	if metadataJSON.Valid {
		if err := session.MetadataFromJSON(metadataJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	session.AgentSessionID = agentSessionID.String

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func now() time.Time {
	return time.Now().UTC()
}
