// Package models defines the client-side data model of GophChat:
// messages, conversations, presence, the offline outbox and the change
// events delivered by the realtime feed.
package models

import (
	"slices"
	"sort"
	"time"
)

// MessageType classifies a message payload.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusDeleted   MessageStatus = "deleted"
	StatusFailed    MessageStatus = "failed"
)

// FileMetadata describes an encrypted attachment stored out of band.
type FileMetadata struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size"`
	// ObjectKey locates the encrypted blob in attachment storage.
	ObjectKey string `json:"object_key"`
	// IV is the base64 nonce of the encrypted blob.
	IV string `json:"iv"`
}

// Message is one conversation message. Ciphertext and IV are carried
// verbatim; plaintext never leaves the rendering path.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Ciphertext     string        `json:"ciphertext"`
	IV             string        `json:"iv"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	Type           MessageType   `json:"type"`
	File           *FileMetadata `json:"file_metadata,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	HiddenFor      []string      `json:"hidden_for,omitempty"`
}

// IsTombstone reports whether the message was deleted for everyone.
func (m Message) IsTombstone() bool {
	return m.Status == StatusDeleted || (m.Ciphertext == "" && m.IV == "" && m.Type != MessageTypeSystem)
}

// Tombstone returns m with its payload cleared.
func (m Message) Tombstone() Message {
	m.Ciphertext, m.IV = "", ""
	m.File = nil
	m.Status = StatusDeleted
	return m
}

// HiddenForUser reports whether userID deleted the message for themselves.
func (m Message) HiddenForUser(userID string) bool {
	return slices.Contains(m.HiddenFor, userID)
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	m.HiddenFor = slices.Clone(m.HiddenFor)
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

// SortByCreatedAt orders messages for display. Arrival order is not
// creation order under concurrent senders.
func SortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// IndexOf returns the position of the message with the given id, or -1.
func IndexOf(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}

// IndexOfIdempotencyKey returns the position of the message carrying key, or -1.
func IndexOfIdempotencyKey(msgs []Message, key string) int {
	if key == "" {
		return -1
	}
	return slices.IndexFunc(msgs, func(m Message) bool { return m.IdempotencyKey == key })
}
