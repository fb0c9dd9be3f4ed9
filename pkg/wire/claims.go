package wire

// Claims is the JWT claim set embedded in both access and refresh tokens.
// The shape is shared verbatim between token issuance (pkg/auth) and
// every verifier on the relay.
type Claims struct {
	JTI       string `json:"jti"`
	Sub       string `json:"sub"`
	Username  string `json:"username"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	TokenType string `json:"token_type"` // "access" or "refresh"
}

func (c Claims) IsAccess() bool  { return c.TokenType == "access" }
func (c Claims) IsRefresh() bool { return c.TokenType == "refresh" }
