package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Identity is the operator behind a request.
type Identity struct {
	UserID string
	// Team scopes the operator to a collections team. Admins may omit it.
	Team string
	Role string
}

// Claims are the only supported JWT claims shape for operator tokens. Both
// token types carry the full identity: there is no user store to re-derive
// the role from on refresh.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Team      string    `json:"team,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Team: c.Team, Role: c.Role}
}
