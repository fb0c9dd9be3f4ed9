// Package daemonstore is the daemon's persistent store: sessions,
// messages, and peripheral on-disk state (worktrees, git_repos,
// permission_grants, connected_clients, todos). Uses modernc.org/sqlite
// in WAL mode with a short busy timeout and foreign keys enforced.
package daemonstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/resilience"
)

// busyRetry re-runs a write that lost a SQLITE_BUSY race despite the
// connection's busy_timeout. The message log is the hot path here: every
// broadcast event commits through AppendMessage first.
var busyRetry = resilience.BusyRetry()

// Store is the daemon's embedded relational store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("daemonstore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("daemonstore: set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			compaction_sequence INTEGER NOT NULL DEFAULT 0,
			usage_totals_json TEXT NOT NULL DEFAULT '{}',
			last_preview TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, sequence),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			worktree_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS git_repos (
			repo_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			remote_url TEXT NOT NULL DEFAULT '',
			registered_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS permission_grants (
			grant_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			scope TEXT NOT NULL,
			granted_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connected_clients (
			client_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			client_type TEXT NOT NULL,
			connected_at INTEGER NOT NULL,
			last_heartbeat INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			todo_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("daemonstore: migrate: %w", err)
		}
	}
	return nil
}

// Session is the persisted client session record.
type Session struct {
	SessionID          string
	MachineID          string
	WorkingDirectory   string
	Model              string
	Status             string // idle, active, completed, error
	CompactionSequence int64
	UsageTotals        map[string]any
	LastPreview        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func unixNow() int64 { return time.Now().Unix() }

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	usage, err := json.Marshal(sess.UsageTotals)
	if err != nil {
		return terr.Wrap(err, "daemonstore: marshal usage totals")
	}
	now := unixNow()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, machine_id, working_directory, model, status, compaction_sequence, usage_totals_json, last_preview, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.MachineID, sess.WorkingDirectory, sess.Model, sess.Status,
		sess.CompactionSequence, string(usage), sess.LastPreview, now, now)
	if err != nil {
		return terr.Wrap(err, "daemonstore: create session")
	}
	return nil
}

// UpdateSessionStatus updates a session's status and touches updated_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		status, unixNow(), sessionID)
	if err != nil {
		return terr.Wrap(err, "daemonstore: update session status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return terr.NewNotFound(fmt.Sprintf("session %s", sessionID))
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, machine_id, working_directory, model, status, compaction_sequence, usage_totals_json, last_preview, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListSessionsByMachine lists every session for a machine, most recent first.
func (s *Store) ListSessionsByMachine(ctx context.Context, machineID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, machine_id, working_directory, model, status, compaction_sequence, usage_totals_json, last_preview, created_at, updated_at
		 FROM sessions WHERE machine_id = ? ORDER BY updated_at DESC`, machineID)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list sessions")
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var usageJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.SessionID, &sess.MachineID, &sess.WorkingDirectory, &sess.Model,
		&sess.Status, &sess.CompactionSequence, &usageJSON, &sess.LastPreview, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFound("session")
	}
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: scan session")
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	_ = json.Unmarshal([]byte(usageJSON), &sess.UsageTotals)
	return &sess, nil
}

// AppendMessage appends one message-log entry. Callers must supply a
// sequence number already allocated from the session's in-memory
// sequencer (pkg/session); this durable write must commit before the
// corresponding event is broadcast to attached clients, so a replaying
// client never observes a sequence gap.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, sequence uint64, kind string, payload []byte) error {
	err := busyRetry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, sequence, kind, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, sequence, kind, string(payload), unixNow())
		return err
	})
	if err != nil {
		return terr.Wrap(err, "daemonstore: append message")
	}
	return nil
}

// MessageEntry is one row of the append-only message log.
type MessageEntry struct {
	Sequence  uint64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// ListMessagesSince returns every message with sequence > afterSequence,
// in order — the replay a late-joining or reattaching client needs.
func (s *Store) ListMessagesSince(ctx context.Context, sessionID string, afterSequence uint64) ([]MessageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, kind, payload_json, created_at FROM messages
		 WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, afterSequence)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list messages")
	}
	defer rows.Close()
	var out []MessageEntry
	for rows.Next() {
		var m MessageEntry
		var payload string
		var createdAt int64
		if err := rows.Scan(&m.Sequence, &m.Kind, &payload, &createdAt); err != nil {
			return nil, terr.Wrap(err, "daemonstore: scan message")
		}
		m.Payload = []byte(payload)
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}
