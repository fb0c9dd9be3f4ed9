package relaystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherline/tether/pkg/wire"
)

func TestTokenRecordRevokeAndCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	claims := wire.Claims{JTI: "jti-1", Sub: "user-1", TokenType: "access", IssuedAt: 1, ExpiresAt: 2}
	require.NoError(t, s.RecordToken(ctx, claims))

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, "jti-1"))
	revoked, err = s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(ctx, "never-issued")
	require.NoError(t, err)
	assert.True(t, revoked, "unknown jti must be treated as revoked")
}

func TestRefreshRotateSingleUse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	refresh := wire.Claims{JTI: "refresh-1", Sub: "user-1", TokenType: "refresh", IssuedAt: 1, ExpiresAt: 100}
	require.NoError(t, s.RecordToken(ctx, refresh))

	issueNew := func() (wire.Claims, wire.Claims, error) {
		return wire.Claims{JTI: "access-2", Sub: "user-1", TokenType: "access", IssuedAt: 2, ExpiresAt: 3},
			wire.Claims{JTI: "refresh-2", Sub: "user-1", TokenType: "refresh", IssuedAt: 2, ExpiresAt: 200},
			nil
	}

	access, newRefresh, err := s.RefreshRotate(ctx, "refresh-1", issueNew)
	require.NoError(t, err)
	assert.Equal(t, "access-2", access.JTI)
	assert.Equal(t, "refresh-2", newRefresh.JTI)

	revoked, err := s.IsRevoked(ctx, "refresh-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, _, err = s.RefreshRotate(ctx, "refresh-1", issueNew)
	assert.Error(t, err, "a refresh token can only be used once")
}

func TestRefreshRotateUnknownToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.RefreshRotate(ctx, "does-not-exist", func() (wire.Claims, wire.Claims, error) {
		t.Fatal("issueNew should not be called for an unknown token")
		return wire.Claims{}, wire.Claims{}, nil
	})
	assert.Error(t, err)
}
