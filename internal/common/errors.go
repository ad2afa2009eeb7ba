// Package common defines shared constants and sentinel errors used across
// the client layers of GophChat. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Transport errors.
	ErrUnavailable  = errors.New("server unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	// Session lifecycle errors.
	ErrSessionExpired = errors.New("session expired")
	ErrNoSession      = errors.New("no session")

	// Token errors reported by the backend.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Policy violations. Rejected synchronously, no state is mutated.
	ErrMessageTooLong       = errors.New("message too long")
	ErrFileTooLarge         = errors.New("file too large")
	ErrEmptyMessage         = errors.New("empty message")
	ErrPassphraseTooShort   = errors.New("passphrase too short")
	ErrNoActiveConversation = errors.New("no active conversation")
)
