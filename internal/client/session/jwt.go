package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the access-token claims the client reads.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Inspect decodes token without verifying its signature. The client only
// uses the result to schedule refreshes; the backend remains the
// authority on validity.
func Inspect(token string) (Claims, error) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Claims{}, fmt.Errorf("parse access token: %w", err)
	}
	return c, nil
}

// ExpiresAt returns the exp claim of token, or the zero time when the
// token carries none.
func ExpiresAt(token string) (time.Time, error) {
	c, err := Inspect(token)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return c.ExpiresAt.Time, nil
}
