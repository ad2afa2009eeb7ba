// Package preferences persists local user preferences (theme,
// notification and sound flags) as key/value rows in SQLite.
package preferences

import (
	"context"
)

// Keys of the rows written by the client.
const (
	KeyTheme                = "theme"
	KeyNotificationsEnabled = "notifications_enabled"
	KeySoundEnabled         = "sound_enabled"
)

type Repository interface {
	// Get returns ("", false, nil) when key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs in one transaction.
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]string, error)
	Clear(ctx context.Context) error
}
