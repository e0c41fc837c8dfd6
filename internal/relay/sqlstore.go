package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createAllowedSessions = `
CREATE TABLE IF NOT EXISTS allowed_sessions (
	id TEXT PRIMARY KEY,
	discord_user_id TEXT NOT NULL,
	discord_username TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// lookupTimeout bounds a single Exists query so a locked database cannot
// stall the receive loop for long.
const lookupTimeout = 500 * time.Millisecond

// SQLStore checks session ids against the allowed_sessions table of a
// SQLite database. The table is created when missing; rows are managed by
// whatever issues the ids, the relay only reads them.
type SQLStore struct {
	db   *sql.DB
	path string
}

// OpenSQLStore opens (or creates) the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createAllowedSessions); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session database %s: %w", path, err)
	}

	s := &SQLStore{db: db, path: path}
	log.Info("using session database %s (%d id(s))", path, s.Len())
	return s, nil
}

// Exists reports whether id is allowed. Query failures count as not
// allowed and are logged.
func (s *SQLStore) Exists(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM allowed_sessions WHERE id = ?", id).Scan(&one)
	switch {
	case err == nil:
		return true
	case errors.Is(err, sql.ErrNoRows):
		return false
	default:
		log.Warning("session lookup in %s failed: %v", s.path, err)
		return false
	}
}

// Add allows id on behalf of owner. Adding an existing id is a no-op.
func (s *SQLStore) Add(id, owner string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO allowed_sessions (id, discord_user_id) VALUES (?, ?)",
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

// Len returns the number of allowed ids, or -1 when the count fails.
func (s *SQLStore) Len() int {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM allowed_sessions").Scan(&n); err != nil {
		log.Warning("counting sessions in %s failed: %v", s.path, err)
		return -1
	}
	return n
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
