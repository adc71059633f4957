// Package sqlite persists tunnel lifecycle events to a SQLite database so
// operators can audit which clients exposed what, and when. The live tunnel
// registry itself stays in memory; this log is write-behind and optional.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Event types recorded in the audit log.
const (
	EventTunnelOpened   = "opened"
	EventTunnelClosed   = "closed"
	EventTunnelEvicted  = "evicted"
	EventTunnelRejected = "rejected"
)

// Event is one tunnel lifecycle record.
type Event struct {
	ID         string
	Type       string
	Key        string
	ClientID   string
	EnvID      string
	Thumbprint string
	At         time.Time
}

// Store wraps a SQLite database holding the tunnel event log.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tunnel_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	key         TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	env_id      TEXT NOT NULL,
	thumbprint  TEXT NOT NULL,
	at_unix_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnel_events_client ON tunnel_events(client_id, at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_tunnel_events_key ON tunnel_events(key, at_unix_ms);
`

// Open creates or opens the database at path, runs migrations, and enables
// WAL mode for concurrent readers.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection
	// gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvent appends one lifecycle event. A zero At defaults to now and a
// missing ID is generated.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnel_events (id, type, key, client_id, env_id, thumbprint, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.Key, ev.ClientID, ev.EnvID, ev.Thumbprint, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("record tunnel event: %w", err)
	}
	return nil
}

// EventsForClient returns the most recent events for a client, newest first.
func (s *Store) EventsForClient(ctx context.Context, clientID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, key, client_id, env_id, thumbprint, at_unix_ms
		 FROM tunnel_events WHERE client_id = ?
		 ORDER BY at_unix_ms DESC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tunnel events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var atMs int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Key, &ev.ClientID, &ev.EnvID, &ev.Thumbprint, &atMs); err != nil {
			return nil, fmt.Errorf("scan tunnel event: %w", err)
		}
		ev.At = time.UnixMilli(atMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeBefore removes events older than cutoff and reports how many rows
// were deleted.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tunnel_events WHERE at_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge tunnel events: %w", err)
	}
	return res.RowsAffected()
}

func ensureParentDir(path string) error {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
