package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims identify a dialer user. Access tokens carry the role and the
// subscription tier that sizes the monthly call-seconds; refresh tokens carry
// neither.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Tier      string    `json:"tier,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// LogAttrs are the fields every request log line of this caller carries.
func (c Claims) LogAttrs() []any {
	attrs := []any{"user_id", c.UserID, "role", c.Role}
	if c.Tier != "" {
		attrs = append(attrs, "tier", c.Tier)
	}
	return attrs
}
