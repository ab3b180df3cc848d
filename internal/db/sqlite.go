// Package db opens the SQLite message store and applies its schema.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	db   *sql.DB
	once sync.Once
)

// InitDB opens the database at dbPath once per process and migrates it.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		var err error
		db, err = sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=1")
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		// WAL lets the output pipeline write while handlers read history.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			initErr = fmt.Errorf("failed to enable WAL mode: %w", err)
			return
		}

		if err := prepare(db); err != nil {
			initErr = err
			return
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	return db, nil
}

// GetDB returns the initialized database connection.
func GetDB() *sql.DB {
	return db
}

func prepare(conn *sql.DB) error {
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := runMigrations(conn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func runMigrations(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		name TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME,
		working_directory TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		total_active_time REAL NOT NULL DEFAULT 0,
		last_activity DATETIME NOT NULL,
		metadata TEXT,
		agent_session_id TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		device_id TEXT,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_agent_start ON sessions(agent_type, start_time);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`

	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if db != nil {
		return db.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if db != nil {
		db.Close()
	}
	once = sync.Once{}
	db = nil
}

// NewTestDB creates a fresh in-memory database, bypassing the singleton.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection would otherwise get its own empty :memory: database.
	testDB.SetMaxOpenConns(1)

	if err := prepare(testDB); err != nil {
		testDB.Close()
		return nil, err
	}

	return testDB, nil
}
