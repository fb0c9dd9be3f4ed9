package relaystore

import (
	"context"
	"database/sql"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
)

type User struct {
	UserID       string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func unixNow() int64 { return time.Now().Unix() }

// CreateUser inserts a new user. Returns AlreadyExists if the username is
// taken.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	now := unixNow()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO users (user_id, username, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		u.UserID, u.Username, u.Email, u.PasswordHash, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return terr.NewAlreadyExists("username already registered")
		}
		return terr.Wrap(err, "relaystore: create user")
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT user_id, username, email, password_hash, created_at, updated_at FROM users WHERE username = ?`), username)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT user_id, username, email, password_hash, created_at, updated_at FROM users WHERE user_id = ?`), userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt, updatedAt int64
	err := row.Scan(&u.UserID, &u.Username, &u.Email, &u.PasswordHash, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFound("user not found")
	}
	if err != nil {
		return nil, terr.Wrap(err, "relaystore: scan user")
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	u.UpdatedAt = time.Unix(updatedAt, 0)
	return &u, nil
}

// isUniqueViolation is a best-effort check across sqlite driver error
// message shapes; it is only used to turn a constraint violation into a
// typed AlreadyExists rather than a generic Internal error.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed") || contains(msg, "constraint failed: UNIQUE") ||
		contains(msg, "duplicate key value violates unique constraint")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
