package state

import (
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
)

// Keys shared by the client components.
var (
	CurrentUser = NewKey("user", models.User{})
	Session     = NewKey("session", models.Session{})
	// Keyring holds the signed-in user's conversation key material.
	Keyring = NewKey[*cryptox.Keyring]("keyring", nil)

	Theme                = NewKey("theme", "system", SurvivesReset())
	NotificationsEnabled = NewKey("notifications_enabled", true)
	SoundEnabled         = NewKey("sound_enabled", true)

	Conversations      = NewKey[[]models.Conversation]("conversations", nil)
	ActiveConversation = NewKey("active_conversation", "")
	Messages           = NewKey[map[string][]models.Message]("messages", nil)
	UnreadCounts       = NewKey[map[string]int]("unread_counts", nil)
	TotalUnread        = NewKey("total_unread", 0)

	OnlineUsers = NewKey[map[string]bool]("online_users", nil)
	Typing      = NewKey[map[string][]string]("typing", nil)
	Presence    = NewKey[map[string]models.PresenceSnapshot]("presence", nil)
	UserStatus  = NewKey("user_status", models.UserOnline)

	Connection        = NewKey("connection", models.Offline)
	ReconnectAttempts = NewKey("reconnect_attempts", 0)
	OutboxLen         = NewKey("outbox_len", 0)
	Visible           = NewKey("visible", true)
)
