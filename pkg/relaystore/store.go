// Package relaystore is the relay's persistent store: users, tokens,
// machines, the offline message buffer, certificates, and fingerprints.
// WAL mode, busy_timeout, upsert via ON CONFLICT, and RowsAffected-based
// not-found detection follow the same idiom throughout. The SQLite
// connection does not turn on foreign_keys, so the schema's FOREIGN KEY
// clauses are not enforced there; the Postgres backend enforces them.
package relaystore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tetherline/tether/pkg/resilience"
)

// busyRetry re-runs a write that lost a SQLITE_BUSY race despite the
// connection's busy_timeout; the transactional rotation and buffer
// writes wrap themselves in it.
var busyRetry = resilience.BusyRetry()

// dbBackend distinguishes the two drivers this package supports. Every
// query in the sibling files (users.go, tokens.go, machines.go, buffer.go,
// certificates.go, fingerprints.go) is written in SQLite's `?` positional
// placeholder style and passed through rebind before execution, so a
// single query string works unchanged against either backend. The one
// exception is BufferMessage's insert, which has a separate Postgres form
// using `$N` placeholders and RETURNING id.
type dbBackend string

const (
	backendSQLite   dbBackend = "sqlite"
	backendPostgres dbBackend = "postgres"
)

// Store is the relay's relational store, backed by either an embedded
// SQLite file (Open) or Postgres (OpenPostgres). All methods are defined
// across the sibling files in this package.
type Store struct {
	db      *sql.DB
	backend dbBackend
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relaystore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaystore: set WAL mode: %w", err)
	}
	s := &Store{db: db, backend: backendSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers (e.g. the relay's
// readiness check, which pings it) that only need read access.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites `?` placeholders to Postgres's `$1, $2, ...` style; a
// no-op against SQLite, which accepts `?` natively.
func (s *Store) rebind(query string) string {
	if s.backend != backendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
		`CREATE TABLE IF NOT EXISTS machines (
			machine_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			registered_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (owner_user_id) REFERENCES users(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_owner ON machines(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS message_buffer (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buffer_machine ON message_buffer(machine_id, priority DESC, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS certificates (
			id TEXT PRIMARY KEY,
			machine_id TEXT,
			subject_cn TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			not_before INTEGER NOT NULL,
			not_after INTEGER NOT NULL,
			pem_cert TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			machine_id TEXT PRIMARY KEY,
			fingerprint_hex TEXT NOT NULL,
			first_seen INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("relaystore: migrate: %w", err)
		}
	}
	return nil
}
