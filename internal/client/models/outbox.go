package models

import "time"

// OutboundMessage is the payload of a send request.
type OutboundMessage struct {
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	Ciphertext     string        `json:"ciphertext"`
	IV             string        `json:"iv"`
	IdempotencyKey string        `json:"idempotency_key"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	Type           MessageType   `json:"type"`
	File           *FileMetadata `json:"file_metadata,omitempty"`
}

// OutboxEntry is a send waiting for connectivity.
type OutboxEntry struct {
	Payload  OutboundMessage
	QueuedAt time.Time
}

// Expired reports whether the entry is older than ttl at now.
func (e OutboxEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.QueuedAt) > ttl
}

// ConnectionStatus is the connectivity state of the client.
type ConnectionStatus string

const (
	Online       ConnectionStatus = "online"
	Offline      ConnectionStatus = "offline"
	Reconnecting ConnectionStatus = "reconnecting"
)
