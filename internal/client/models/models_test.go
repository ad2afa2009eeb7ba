package models

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Tombstone(t *testing.T) {
	m := Message{ID: "1", Ciphertext: "ct", IV: "iv", Type: MessageTypeFile, File: &FileMetadata{Name: "a"}, Status: StatusSent}
	assert.False(t, m.IsTombstone())

	ts := m.Tombstone()
	assert.True(t, ts.IsTombstone())
	assert.Empty(t, ts.Ciphertext)
	assert.Nil(t, ts.File)
	assert.Equal(t, "1", ts.ID)
	assert.Equal(t, "ct", m.Ciphertext)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := Message{HiddenFor: []string{"u1"}, File: &FileMetadata{Name: "a"}}
	c := m.Clone()
	c.HiddenFor[0] = "u2"
	c.File.Name = "b"

	assert.True(t, m.HiddenForUser("u1"))
	assert.Equal(t, "a", m.File.Name)
}

func TestSortAndIndex(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "b", CreatedAt: base.Add(2 * time.Second), IdempotencyKey: "kb"},
		{ID: "a", CreatedAt: base.Add(time.Second)},
	}
	SortByCreatedAt(msgs)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, 1, IndexOf(msgs, "b"))
	assert.Equal(t, -1, IndexOf(msgs, ""))
	assert.Equal(t, 1, IndexOfIdempotencyKey(msgs, "kb"))
	assert.Equal(t, -1, IndexOfIdempotencyKey(msgs, ""))

	convs := []Conversation{{ID: "old", LastMessageAt: base}, {ID: "new", LastMessageAt: base.Add(time.Hour)}}
	SortByRecency(convs)
	assert.Equal(t, "new", convs[0].ID)
}

func TestChangeEvent_RoundTrip(t *testing.T) {
	in := &Message{ID: "m1", ConversationID: "c1", Ciphertext: "ct", IV: "iv", Type: MessageTypeText,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	ev, err := NewMessageChange(ChangeInsert, in, nil)
	require.NoError(t, err)

	got, old, err := ev.Messages()
	require.NoError(t, err)
	assert.Nil(t, old)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}

	_, _, err = ev.Contacts()
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestSessionAndOutbox(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, Session{}.Valid(now))
	assert.True(t, Session{AccessToken: "t"}.Valid(now))
	assert.False(t, Session{AccessToken: "t", ExpiresAt: now}.Valid(now))

	e := OutboxEntry{QueuedAt: now.Add(-6 * time.Minute)}
	assert.True(t, e.Expired(now, 5*time.Minute))
	assert.False(t, OutboxEntry{QueuedAt: now.Add(-time.Minute)}.Expired(now, 5*time.Minute))

	_, ok := PresenceMember{}.Latest()
	assert.False(t, ok)
	rec, ok := PresenceMember{Records: []PresenceRecord{{Typing: true}, {Typing: false}}}.Latest()
	require.True(t, ok)
	assert.False(t, rec.Typing)
}
