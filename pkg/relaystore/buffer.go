package relaystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
)

// BufferedMessage is a persisted request for a momentarily offline
// machine. Deleted once handed to the tunnel on drain; expires_at is
// created_at plus the ttl given to BufferMessage, and a message is never
// delivered at or after expires_at.
type BufferedMessage struct {
	ID        int64
	MachineID string
	RequestID string
	Method    string
	Payload   []byte
	Metadata  map[string]string
	Priority  int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// BufferMessage persists a unary request for an offline machine. Returns
// FailedPrecondition if the machine already has maxPerMachine messages
// buffered (configured as max_buffered_per_machine).
func (s *Store) BufferMessage(ctx context.Context, machineID, requestID, method string, payload []byte, metadata map[string]string, priority int64, ttl time.Duration, maxPerMachine int) (int64, error) {
	count, err := s.CountBufferedMessages(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if maxPerMachine > 0 && count >= int64(maxPerMachine) {
		return 0, terr.NewFailedPrecondition("message buffer full for this machine")
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, terr.Wrap(err, "relaystore: marshal buffer metadata")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	if s.backend == backendPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO message_buffer (machine_id, request_id, method, payload, metadata_json, priority, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			machineID, requestID, method, payload, string(metaJSON), priority, expiresAt.Unix(), now.Unix()).Scan(&id)
		if err != nil {
			return 0, terr.Wrap(err, "relaystore: buffer message")
		}
		return id, nil
	}

	var id int64
	err = busyRetry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO message_buffer (machine_id, request_id, method, payload, metadata_json, priority, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			machineID, requestID, method, payload, string(metaJSON), priority, expiresAt.Unix(), now.Unix())
		if err != nil {
			return terr.Wrap(err, "relaystore: buffer message")
		}
		id, err = res.LastInsertId()
		if err != nil {
			return terr.Wrap(err, "relaystore: buffer message: last insert id")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PendingBuffered returns every unexpired buffered message for machineID
// in drain order (priority DESC, created_at ASC) without deleting
// anything. The drainer deletes each message individually once it has
// actually been handed to the tunnel, so a drain that fails mid-flight
// leaves its undelivered tail in the buffer.
func (s *Store) PendingBuffered(ctx context.Context, machineID string) ([]BufferedMessage, error) {
	now := time.Now().Unix()
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, machine_id, request_id, method, payload, metadata_json, priority, expires_at, created_at
		 FROM message_buffer WHERE machine_id = ? AND expires_at > ? ORDER BY priority DESC, created_at ASC`),
		machineID, now)
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: query buffer")
	}
	defer rows.Close()

	var out []BufferedMessage
	for rows.Next() {
		m, err := scanBufferedMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, terr.Wrap(err, "relaystore: iterate buffer")
	}
	return out, nil
}

// DeleteBufferedMessage removes one delivered message by id.
func (s *Store) DeleteBufferedMessage(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM message_buffer WHERE id = ?`), id)
	if err != nil {
		return terr.Wrap(err, "relaystore: delete buffered message")
	}
	return nil
}

// CleanupExpiredBuffer removes every buffered message past its expiry,
// a periodic sweeper pass needs in addition to the read-time filter
// PendingBuffered already applies.
func (s *Store) CleanupExpiredBuffer(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM message_buffer WHERE expires_at <= ?`), time.Now().Unix())
	if err != nil {
		return 0, terr.Wrap(err, "relaystore: cleanup expired buffer")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) CountBufferedMessages(ctx context.Context, machineID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM message_buffer WHERE machine_id = ?`), machineID).Scan(&n)
	if err != nil {
		return 0, terr.Wrap(err, "relaystore: count buffered messages")
	}
	return n, nil
}

type bufScanner interface {
	Scan(dest ...any) error
}

func scanBufferedMessage(row bufScanner) (BufferedMessage, error) {
	var m BufferedMessage
	var metaJSON string
	var expiresAt, createdAt int64
	err := row.Scan(&m.ID, &m.MachineID, &m.RequestID, &m.Method, &m.Payload, &metaJSON, &m.Priority, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return m, terr.NewNotFound("buffered message not found")
	}
	if err != nil {
		return m, terr.Wrap(err, "relaystore: scan buffered message")
	}
	m.ExpiresAt = time.Unix(expiresAt, 0)
	m.CreatedAt = time.Unix(createdAt, 0)
	_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
	return m, nil
}
