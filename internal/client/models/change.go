package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChangeType is the kind of row change delivered by the change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change-feed tables.
const (
	TableMessages = "messages"
	TableContacts = "contacts"
)

var ErrUnknownTable = errors.New("unknown change table")

// ChangeEvent is one change-feed delivery. New and Old hold the raw row
// images and are decoded lazily by table.
type ChangeEvent struct {
	Type  ChangeType      `json:"event_type"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

func decodeRow[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Messages decodes both row images as messages.
func (e ChangeEvent) Messages() (newRow, oldRow *Message, err error) {
	if e.Table != TableMessages {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTable, e.Table)
	}
	if newRow, err = decodeRow[Message](e.New); err != nil {
		return nil, nil, err
	}
	if oldRow, err = decodeRow[Message](e.Old); err != nil {
		return nil, nil, err
	}
	return newRow, oldRow, nil
}

// Contacts decodes both row images as contacts.
func (e ChangeEvent) Contacts() (newRow, oldRow *Contact, err error) {
	if e.Table != TableContacts {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTable, e.Table)
	}
	if newRow, err = decodeRow[Contact](e.New); err != nil {
		return nil, nil, err
	}
	if oldRow, err = decodeRow[Contact](e.Old); err != nil {
		return nil, nil, err
	}
	return newRow, oldRow, nil
}

// NewMessageChange builds a message change event.
func NewMessageChange(t ChangeType, newRow, oldRow *Message) (ChangeEvent, error) {
	ev := ChangeEvent{Type: t, Table: TableMessages}
	var err error
	if newRow != nil {
		if ev.New, err = json.Marshal(newRow); err != nil {
			return ChangeEvent{}, err
		}
	}
	if oldRow != nil {
		if ev.Old, err = json.Marshal(oldRow); err != nil {
			return ChangeEvent{}, err
		}
	}
	return ev, nil
}
