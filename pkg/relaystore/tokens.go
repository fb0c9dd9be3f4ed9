package relaystore

import (
	"context"
	"database/sql"

	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/wire"
)

// RecordToken persists the bookkeeping row for an issued token. Only the
// jti and metadata are stored: the signed JWT itself is self-verifying,
// so the secret never touches the database at all; this row exists
// purely so the token can be looked up and revoked by jti.
func (s *Store) RecordToken(ctx context.Context, claims wire.Claims) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO tokens (token_id, user_id, kind, issued_at, expires_at, revoked) VALUES (?, ?, ?, ?, ?, 0)`),
		claims.JTI, claims.Sub, claims.TokenType, claims.IssuedAt, claims.ExpiresAt)
	if err != nil {
		return terr.Wrap(err, "relaystore: record token")
	}
	return nil
}

// IsRevoked implements auth.RevocationChecker.
func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT revoked FROM tokens WHERE token_id = ?`), jti).Scan(&revoked)
	if err == sql.ErrNoRows {
		// A token this store never issued (or long since pruned) is
		// treated as revoked: unknown tokens must never verify.
		return true, nil
	}
	if err != nil {
		return false, terr.Wrap(err, "relaystore: check revocation")
	}
	return revoked != 0, nil
}

// Revoke marks a token id revoked. Idempotent: revoking an already-revoked
// or unknown token is not an error.
func (s *Store) Revoke(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tokens SET revoked = 1 WHERE token_id = ?`), jti)
	if err != nil {
		return terr.Wrap(err, "relaystore: revoke token")
	}
	return nil
}

// RefreshRotate performs refresh-token rotation as a single critical
// section: within one transaction, verify the presented refresh token is
// not already revoked, revoke it, and record the freshly issued access
// and refresh tokens, so a concurrent second use of the same refresh
// token can never also succeed. A rotation that loses a SQLITE_BUSY race
// is retried whole; issueNew mints claims that are not recorded until
// the transaction commits, so re-running it is harmless.
//
// issueNew is called inside the transaction, after the old token is
// confirmed unrevoked and marked revoked; it must return the claims for
// the newly issued access and refresh tokens so they can be recorded
// alongside the rotation.
func (s *Store) RefreshRotate(ctx context.Context, oldJTI string, issueNew func() (accessClaims, refreshClaims wire.Claims, err error)) (wire.Claims, wire.Claims, error) {
	var access, refresh wire.Claims
	err := busyRetry.Do(ctx, func() error {
		var err error
		access, refresh, err = s.refreshRotateOnce(ctx, oldJTI, issueNew)
		return err
	})
	return access, refresh, err
}

func (s *Store) refreshRotateOnce(ctx context.Context, oldJTI string, issueNew func() (accessClaims, refreshClaims wire.Claims, err error)) (wire.Claims, wire.Claims, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: begin refresh tx")
	}
	defer tx.Rollback()

	var revoked int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT revoked FROM tokens WHERE token_id = ? AND kind = 'refresh'`), oldJTI).Scan(&revoked)
	if err == sql.ErrNoRows {
		return wire.Claims{}, wire.Claims{}, terr.NewUnauthenticated("unknown refresh token")
	}
	if err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: lookup refresh token")
	}
	if revoked != 0 {
		return wire.Claims{}, wire.Claims{}, terr.NewUnauthenticated("refresh token already used")
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tokens SET revoked = 1 WHERE token_id = ?`), oldJTI); err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: revoke old refresh token")
	}

	accessClaims, refreshClaims, err := issueNew()
	if err != nil {
		return wire.Claims{}, wire.Claims{}, err
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO tokens (token_id, user_id, kind, issued_at, expires_at, revoked) VALUES (?, ?, ?, ?, ?, 0)`),
		accessClaims.JTI, accessClaims.Sub, accessClaims.TokenType, accessClaims.IssuedAt, accessClaims.ExpiresAt); err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: record new access token")
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO tokens (token_id, user_id, kind, issued_at, expires_at, revoked) VALUES (?, ?, ?, ?, ?, 0)`),
		refreshClaims.JTI, refreshClaims.Sub, refreshClaims.TokenType, refreshClaims.IssuedAt, refreshClaims.ExpiresAt); err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: record new refresh token")
	}

	if err := tx.Commit(); err != nil {
		return wire.Claims{}, wire.Claims{}, terr.Wrap(err, "relaystore: commit refresh tx")
	}
	return accessClaims, refreshClaims, nil
}
