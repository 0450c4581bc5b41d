package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the payload of a relay subscriber token. The relay only
// delivers change events to subscribers presenting a valid token; the
// subject user is recorded for logging and per-user filters.
type TokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
