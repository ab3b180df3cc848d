package session

import (
	"context"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// Store is the durable session and message log the manager writes to.
// Implementations serialize their own writes.
type Store interface {
	CreateSession(ctx context.Context, session *model.Session) error
	UpdateSession(ctx context.Context, id string, upd model.SessionUpdate) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error)
	SaveMessage(ctx context.Context, msg *model.Message) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*model.Message, error)
	HasMessages(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, id string) error
}

// FileTracker watches a session's working directory for changes.
type FileTracker interface {
	StartWatching(sessionID, dir string) error
	StopWatching(sessionID string)
}
