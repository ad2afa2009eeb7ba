// Package events is the closed set of notifications GophChat components
// publish to each other and to UI collaborators, and the synchronous bus
// that carries them.
package events

import "github.com/dmitrijs2005/gophchat/internal/client/models"

// Kind names an event type.
type Kind string

const (
	KindConversationEntered Kind = "conversation:entered"
	KindConversationLeft    Kind = "conversation:left"
	KindMessageReceived     Kind = "message:received"
	KindMessageUpdated      Kind = "message:updated"
	KindMessageDeleted      Kind = "message:deleted"
	KindSendConfirmed       Kind = "message:sent:confirmed"
	KindTypingUpdated       Kind = "typing:update"
	KindPresenceUpdated     Kind = "presence:updated"
	KindUserOnline          Kind = "user:online"
	KindUserOffline         Kind = "user:offline"
	KindConnectivityChanged Kind = "connectivity:change"
	KindQueueUpdated        Kind = "queue:updated"
	KindQueueFlushed        Kind = "queue:flushed"
	KindMessageNotification Kind = "notification:message"
	KindContactNotification Kind = "notification:contact"
	KindSessionExpired      Kind = "session:expired"
	KindSessionTimeout      Kind = "session:timeout"
	KindError               Kind = "error"
	KindNotice              Kind = "notice"
	KindReconnected         Kind = "connectivity:reconnected"
	KindKeyChanged          Kind = "state:key"
	KindStateChanged        Kind = "state:change"
	KindBatchApplied        Kind = "state:batch"
	KindStateReset          Kind = "state:reset"
)

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type base struct{}

func (base) sealed() {}

type ConversationEntered struct {
	base
	ConversationID string
}

type ConversationLeft struct {
	base
	ConversationID string
}

type MessageReceived struct {
	base
	Message models.Message
}

type MessageUpdated struct {
	base
	Message models.Message
}

type MessageDeleted struct {
	base
	ConversationID string
	MessageID      string
}

// SendConfirmed reports that the backend echoed an optimistic send.
type SendConfirmed struct {
	base
	IdempotencyKey string
	Message        models.Message
}

type TypingUpdated struct {
	base
	ConversationID string
	UserIDs        []string
}

type PresenceUpdated struct {
	base
	ConversationID string
	Snapshot       models.PresenceSnapshot
}

type UserOnline struct {
	base
	UserID string
}

type UserOffline struct {
	base
	UserID string
}

type ConnectivityChanged struct {
	base
	Status   models.ConnectionStatus
	Previous models.ConnectionStatus
}

type QueueUpdated struct {
	base
	Length int
}

// QueueFlushed summarizes an outbox flush. Dropped lists the idempotency
// keys of expired entries.
type QueueFlushed struct {
	base
	Sent      int
	Failed    int
	Remaining int
	Dropped   []string
}

type MessageNotification struct {
	base
	ConversationID string
	Message        models.Message
	TotalUnread    int
}

type ContactNotification struct {
	base
	Change  models.ChangeType
	Contact models.Contact
}

type SessionExpired struct{ base }

type SessionTimeout struct{ base }

// Error is a recoverable failure surfaced to the user.
type Error struct {
	base
	Op  string
	Err error
}

// Level is the severity of a Notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a user-visible message. Persistent notices are not
// auto-dismissed.
type Notice struct {
	base
	Level      Level
	Text       string
	Persistent bool
}

// Reconnected is published after a successful reconnection, before the
// outbox is flushed. Subscribers rebuild their channels on it.
type Reconnected struct {
	base
	Attempts int
}

// KeyChanged is published for every single-key state write.
type KeyChanged struct {
	base
	Key      string
	Value    any
	Previous any
}

// StateChanged is the generic companion of KeyChanged.
type StateChanged struct {
	base
	Key string
}

type BatchApplied struct {
	base
	Keys []string
}

type StateReset struct{ base }

func (ConversationEntered) Kind() Kind { return KindConversationEntered }
func (ConversationLeft) Kind() Kind    { return KindConversationLeft }
func (MessageReceived) Kind() Kind     { return KindMessageReceived }
func (MessageUpdated) Kind() Kind      { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind      { return KindMessageDeleted }
func (SendConfirmed) Kind() Kind       { return KindSendConfirmed }
func (TypingUpdated) Kind() Kind       { return KindTypingUpdated }
func (PresenceUpdated) Kind() Kind     { return KindPresenceUpdated }
func (UserOnline) Kind() Kind          { return KindUserOnline }
func (UserOffline) Kind() Kind         { return KindUserOffline }
func (ConnectivityChanged) Kind() Kind { return KindConnectivityChanged }
func (QueueUpdated) Kind() Kind        { return KindQueueUpdated }
func (QueueFlushed) Kind() Kind        { return KindQueueFlushed }
func (MessageNotification) Kind() Kind { return KindMessageNotification }
func (ContactNotification) Kind() Kind { return KindContactNotification }
func (SessionExpired) Kind() Kind      { return KindSessionExpired }
func (SessionTimeout) Kind() Kind      { return KindSessionTimeout }
func (Error) Kind() Kind               { return KindError }
func (Notice) Kind() Kind              { return KindNotice }
func (Reconnected) Kind() Kind         { return KindReconnected }
func (KeyChanged) Kind() Kind          { return KindKeyChanged }
func (StateChanged) Kind() Kind        { return KindStateChanged }
func (BatchApplied) Kind() Kind        { return KindBatchApplied }
func (StateReset) Kind() Kind          { return KindStateReset }
