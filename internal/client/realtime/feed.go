// Package realtime reconciles the backend change feed and presence
// channels into client state: per-conversation subscriptions, the global
// message and contact feeds, read receipts, unread counters and typing
// indicators.
package realtime

import (
	"context"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
)

// Filter narrows a change-feed subscription to rows of Table whose Column
// equals Value. An empty Column selects every row.
type Filter struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ChangeHandler receives change-feed deliveries.
type ChangeHandler func(models.ChangeEvent)

// Subscription is an open change-feed subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// PresenceHandlers receive presence deliveries. Any of them may be nil.
type PresenceHandlers struct {
	// OnSync delivers the full membership of the channel.
	OnSync  func(members []models.PresenceMember)
	OnJoin  func(member models.PresenceMember)
	OnLeave func(member models.PresenceMember)
}

// PresenceChannel is a joined presence channel.
type PresenceChannel interface {
	// Track publishes the local member's state.
	Track(ctx context.Context, rec models.PresenceRecord) error
	Leave(ctx context.Context) error
}

// Feed is the realtime transport.
type Feed interface {
	Subscribe(ctx context.Context, topic string, filter Filter, h ChangeHandler) (Subscription, error)
	JoinPresence(ctx context.Context, topic, key string, h PresenceHandlers) (PresenceChannel, error)
}

// ReadMarker records read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Topic names.
func MessagesTopic(conversationID string) string { return "messages:" + conversationID }
func PresenceTopic(conversationID string) string { return "presence:" + conversationID }
func ContactsTopic(userID string) string         { return "contacts:" + userID }

const GlobalMessagesTopic = "messages:*"
