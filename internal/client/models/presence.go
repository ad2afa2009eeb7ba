package models

import "time"

// UserStatus is the presence status published for the local user.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserAway    UserStatus = "away"
	UserOffline UserStatus = "offline"
)

// PresenceRecord is one entry a member published with track.
type PresenceRecord struct {
	UserID   string     `json:"user_id"`
	Typing   bool       `json:"typing"`
	Status   UserStatus `json:"status,omitempty"`
	OnlineAt time.Time  `json:"online_at"`
}

// PresenceMember carries every record published under one presence key.
// The last record is authoritative.
type PresenceMember struct {
	UserID  string           `json:"user_id"`
	Records []PresenceRecord `json:"records"`
}

// Latest returns the authoritative record.
func (m PresenceMember) Latest() (PresenceRecord, bool) {
	if len(m.Records) == 0 {
		return PresenceRecord{}, false
	}
	return m.Records[len(m.Records)-1], true
}

// PresenceSnapshot is the reconciled presence of one conversation.
type PresenceSnapshot struct {
	Online []string
	Typing []string
}
