package models

import (
	"sort"
	"time"
)

// Conversation is a multi-party encrypted conversation.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Salt          string    `json:"salt"`
	CreatedBy     string    `json:"created_by,omitempty"`
	Participants  []string  `json:"participants"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// SortByRecency orders conversations most recent first.
func SortByRecency(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

// User is an authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Session is the authenticated session held by the client.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the session has a token that is not expired at now.
func (s Session) Valid(now time.Time) bool {
	if s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// ContactStatus is the state of a contact relationship.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactAccepted ContactStatus = "accepted"
	ContactBlocked  ContactStatus = "blocked"
)

// Contact is one row of the contact-relationship feed.
type Contact struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	ContactID string        `json:"contact_id"`
	Status    ContactStatus `json:"status"`
}
