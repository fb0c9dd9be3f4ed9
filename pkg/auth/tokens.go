package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	terr "github.com/tetherline/tether/pkg/errors"
	"github.com/tetherline/tether/pkg/wire"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 24 * time.Hour

	revocationCacheSize = 4096
)

// RevocationChecker answers whether a jti has been revoked. Its backing
// store is pkg/relaystore; this package depends only on the interface so
// it stays independent of any particular database driver.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Service issues, verifies, and checks revocation for access and refresh
// tokens. One Service is shared process-wide on the relay.
type Service struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
	checker    RevocationChecker

	// revokedCache is a bounded positive cache of jtis already confirmed
	// revoked, avoiding a store round trip for every request bearing a
	// token that was revoked long ago (e.g. replayed after logout).
	revokedCache *lru.Cache[string, struct{}]
}

// NewService constructs a token Service. signingKey must be at least 32
// bytes.
func NewService(signingKey []byte, checker RevocationChecker, clock clockwork.Clock) (*Service, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("auth: jwt_signing_key must be at least 32 bytes")
	}
	cache, err := lru.New[string, struct{}](revocationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth: create revocation cache: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		signingKey:   signingKey,
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		clock:        clock,
		checker:      checker,
		revokedCache: cache,
	}, nil
}

func (s *Service) issue(userID, username, tokenType string, ttl time.Duration) (string, wire.Claims, error) {
	now := s.clock.Now()
	claims := wire.Claims{
		JTI:       uuid.NewString(),
		Sub:       userID,
		Username:  username,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims(claims))
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", wire.Claims{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, claims, nil
}

// IssueAccess issues a new access token, ~1h lived by default.
func (s *Service) IssueAccess(userID, username string) (string, wire.Claims, error) {
	return s.issue(userID, username, "access", s.accessTTL)
}

// IssueRefresh issues a new refresh token, ~24h lived by default.
func (s *Service) IssueRefresh(userID, username string) (string, wire.Claims, error) {
	return s.issue(userID, username, "refresh", s.refreshTTL)
}

// Verify checks signature, expiry, and token kind, and consults the
// revocation set. wantType is "access" or "refresh".
func (s *Service) Verify(ctx context.Context, tokenString, wantType string) (wire.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaimsWrapper{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.clock.Now))
	if err != nil || !token.Valid {
		return wire.Claims{}, terr.NewUnauthenticated("invalid or expired token")
	}
	wrapped, ok := token.Claims.(*jwtClaimsWrapper)
	if !ok {
		return wire.Claims{}, terr.NewUnauthenticated("invalid token claims")
	}
	claims := wire.Claims(*wrapped)
	if claims.TokenType != wantType {
		return wire.Claims{}, terr.NewUnauthenticated(fmt.Sprintf("expected %s token, got %s", wantType, claims.TokenType))
	}

	if _, revoked := s.revokedCache.Get(claims.JTI); revoked {
		return wire.Claims{}, terr.NewUnauthenticated("token revoked")
	}
	if s.checker != nil {
		revoked, err := s.checker.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return wire.Claims{}, terr.Wrap(err, "auth: check revocation")
		}
		if revoked {
			s.revokedCache.Add(claims.JTI, struct{}{})
			return wire.Claims{}, terr.NewUnauthenticated("token revoked")
		}
	}
	return claims, nil
}

// MarkRevokedLocally updates the in-memory cache immediately after a
// revocation is persisted, so a concurrent request on this process sees
// it without waiting on the store.
func (s *Service) MarkRevokedLocally(jti string) {
	s.revokedCache.Add(jti, struct{}{})
}

// jwtClaimsWrapper adapts wire.Claims to jwt.Claims (the subset of
// RegisteredClaims validation this package needs: expiry).
type jwtClaimsWrapper wire.Claims

func jwtClaims(c wire.Claims) *jwtClaimsWrapper {
	w := jwtClaimsWrapper(c)
	return &w
}

func (c *jwtClaimsWrapper) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}
func (c *jwtClaimsWrapper) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}
func (c *jwtClaimsWrapper) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *jwtClaimsWrapper) GetIssuer() (string, error)              { return "", nil }
func (c *jwtClaimsWrapper) GetSubject() (string, error)             { return c.Sub, nil }
func (c *jwtClaimsWrapper) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }
