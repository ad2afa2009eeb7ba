// Package session owns the signed-in session: the token pair, expiry
// inspection and refresh, and the sign-in and sign-out flows.
//
// SignOut always resets the client state, which zeroes the keyring, even
// when the backend cannot be reached.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/common"
)

// TokenAPI is the part of the backend client that holds and refreshes
// tokens.
type TokenAPI interface {
	Tokens() (access, refresh string)
	RefreshSession(ctx context.Context) error
}

// DefaultRefreshSkew refreshes tokens this long before they expire.
const DefaultRefreshSkew = 30 * time.Second

// Validator checks that the session is still usable.
type Validator struct {
	api   TokenAPI
	clock clock.Clock
	skew  time.Duration
}

func NewValidator(api TokenAPI, c clock.Clock, skew time.Duration) *Validator {
	if c == nil {
		c = clock.Real()
	}
	if skew < 0 {
		skew = 0
	}
	return &Validator{api: api, clock: c, skew: skew}
}

// Check returns nil for a live session, refreshing an access token that
// expires within the skew. It returns common.ErrNoSession without tokens
// and an error wrapping common.ErrSessionExpired when the backend refuses
// the refresh. Transport failures are returned as they are.
func (v *Validator) Check(ctx context.Context) error {
	access, refresh := v.api.Tokens()
	if access == "" && refresh == "" {
		return common.ErrNoSession
	}

	if access != "" {
		exp, err := ExpiresAt(access)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrSessionExpired, err)
		}
		if exp.IsZero() || v.clock.Now().Add(v.skew).Before(exp) {
			return nil
		}
	}

	if refresh == "" {
		return common.ErrSessionExpired
	}

	err := v.api.RefreshSession(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", common.ErrSessionExpired, err)
	}
}
