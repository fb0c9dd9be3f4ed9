package relaystore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// OpenPostgres opens the relay's store against a Postgres database
// instead of the embedded SQLite file, selected by config.Relay's
// db_backend=postgres. Schema and query shapes are identical in spirit
// to the SQLite path; only the migration DDL and driver differ, so
// every other file in this package (users.go, tokens.go, machines.go,
// certificates.go, fingerprints.go) is backend-agnostic and works
// unchanged against either *Store. buffer.go is the exception: its
// BufferMessage insert branches on the backend.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relaystore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaystore: ping postgres: %w", err)
	}
	s := &Store{db: db, backend: backendPostgres}
	if err := s.migratePostgres(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migratePostgres() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id),
			kind TEXT NOT NULL,
			issued_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
		`CREATE TABLE IF NOT EXISTS machines (
			machine_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL REFERENCES users(user_id),
			display_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			registered_at BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_machines_owner ON machines(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS message_buffer (
			id BIGSERIAL PRIMARY KEY,
			machine_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			priority BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buffer_machine ON message_buffer(machine_id, priority DESC, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS certificates (
			id TEXT PRIMARY KEY,
			machine_id TEXT,
			subject_cn TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			not_before BIGINT NOT NULL,
			not_after BIGINT NOT NULL,
			pem_cert TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			machine_id TEXT PRIMARY KEY,
			fingerprint_hex TEXT NOT NULL,
			first_seen BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("relaystore: migrate postgres: %w", err)
		}
	}
	return nil
}
