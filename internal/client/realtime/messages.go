package realtime

import (
	"context"
	"slices"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
)

func (e *Engine) conversationHandler(id string) ChangeHandler {
	return func(ev models.ChangeEvent) {
		newRow, oldRow, err := ev.Messages()
		if err != nil {
			e.log.Warn(e.baseContext(), "undecodable message change", "conversation_id", id, "error", err)
			return
		}

		switch ev.Type {
		case models.ChangeInsert:
			if newRow != nil {
				e.ApplyInsert(*newRow)
			}
		case models.ChangeUpdate:
			if newRow != nil {
				e.ApplyUpdate(*newRow)
			}
		case models.ChangeDelete:
			// Old rows may carry only the primary key.
			if oldRow != nil {
				e.ApplyDelete(id, oldRow.ID)
			}
		}
	}
}

type insertOutcome int

const (
	insertDuplicate insertOutcome = iota
	insertConfirmed
	insertAppended
)

// ApplyInsert reconciles an inserted message. The user's own message
// confirms the optimistic copy carrying the same idempotency key; any
// other message is appended unless already present by idempotency key or
// id.
func (e *Engine) ApplyInsert(msg models.Message) {
	self := e.self()
	own := msg.SenderID == self
	if msg.Status == "" || msg.Status == models.StatusSending || msg.Status == models.StatusQueued {
		msg.Status = models.StatusSent
	}

	outcome := insertDuplicate
	state.UpdateEntry(e.store, state.Messages, msg.ConversationID, func(cur []models.Message, _ bool) ([]models.Message, bool) {
		if own {
			if i := models.IndexOfIdempotencyKey(cur, msg.IdempotencyKey); i >= 0 {
				next := slices.Clone(cur)
				next[i] = msg
				outcome = insertConfirmed
				return next, true
			}
		} else if models.IndexOfIdempotencyKey(cur, msg.IdempotencyKey) >= 0 {
			return cur, true
		}
		if models.IndexOf(cur, msg.ID) >= 0 {
			return cur, true
		}
		outcome = insertAppended
		return append(slices.Clone(cur), msg), true
	})

	switch outcome {
	case insertDuplicate:
		e.log.Debug(e.baseContext(), "duplicate insert ignored", "message_id", msg.ID)
		return
	case insertConfirmed:
		e.bus.Publish(events.SendConfirmed{IdempotencyKey: msg.IdempotencyKey, Message: msg})
		return
	}

	e.touchConversation(msg.ConversationID, msg.CreatedAt)
	e.bus.Publish(events.MessageReceived{Message: msg})
	if own {
		return
	}

	if e.ActiveID() == msg.ConversationID && state.Get(e.store, state.Visible) {
		ctx, cancel := e.requestContext()
		defer cancel()
		e.markRead(ctx, msg.ConversationID)
		return
	}
	e.bumpUnread(msg.ConversationID)
}

// ApplyUpdate splices an updated message into the local list. Unknown ids
// are ignored; a message the user hid for themselves is removed.
func (e *Engine) ApplyUpdate(msg models.Message) {
	hidden := msg.HiddenForUser(e.self())
	found := false

	state.UpdateEntry(e.store, state.Messages, msg.ConversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOf(cur, msg.ID)
		if i < 0 {
			return cur, ok
		}
		found = true
		next := slices.Clone(cur)
		if hidden {
			next = slices.Delete(next, i, i+1)
		} else {
			if msg.IdempotencyKey == "" {
				msg.IdempotencyKey = next[i].IdempotencyKey
			}
			next[i] = msg
		}
		return next, true
	})

	switch {
	case !found:
		e.log.Debug(e.baseContext(), "update for unknown message ignored", "message_id", msg.ID)
	case hidden:
		e.bus.Publish(events.MessageDeleted{ConversationID: msg.ConversationID, MessageID: msg.ID})
	default:
		e.bus.Publish(events.MessageUpdated{Message: msg})
	}
}

// ApplyDelete removes a message from the local list.
func (e *Engine) ApplyDelete(conversationID, messageID string) {
	removed := false
	state.UpdateEntry(e.store, state.Messages, conversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOf(cur, messageID)
		if i < 0 {
			return cur, ok
		}
		removed = true
		return slices.Delete(slices.Clone(cur), i, i+1), true
	})
	if removed {
		e.bus.Publish(events.MessageDeleted{ConversationID: conversationID, MessageID: messageID})
	}
}

// handleGlobal counts unread messages of conversations other than the
// active one, which the per-conversation path owns.
func (e *Engine) handleGlobal(ev models.ChangeEvent) {
	if ev.Type != models.ChangeInsert {
		return
	}
	msg, _, err := ev.Messages()
	if err != nil || msg == nil {
		return
	}
	if msg.SenderID == e.self() || !e.seen.add(msg.ID) {
		return
	}

	if msg.ConversationID == e.ActiveID() {
		if !state.Get(e.store, state.Visible) {
			e.bus.Publish(events.MessageNotification{
				ConversationID: msg.ConversationID,
				Message:        *msg,
				TotalUnread:    state.Get(e.store, state.TotalUnread),
			})
		}
		return
	}

	total := e.bumpUnread(msg.ConversationID)
	e.touchConversation(msg.ConversationID, msg.CreatedAt)
	e.bus.Publish(events.MessageNotification{ConversationID: msg.ConversationID, Message: *msg, TotalUnread: total})
}

func (e *Engine) handleContact(ev models.ChangeEvent) {
	newRow, oldRow, err := ev.Contacts()
	if err != nil {
		e.log.Warn(e.baseContext(), "undecodable contact change", "error", err)
		return
	}
	row := newRow
	if row == nil {
		row = oldRow
	}
	if row == nil {
		return
	}
	e.bus.Publish(events.ContactNotification{Change: ev.Type, Contact: *row})
}

func (e *Engine) markRead(ctx context.Context, id string) {
	if e.reads != nil {
		if err := e.reads.MarkRead(ctx, id); err != nil {
			e.log.Debug(ctx, "mark read failed", "conversation_id", id, "error", err)
			return
		}
	}
	state.DeleteEntry(e.store, state.UnreadCounts, id)
	e.publishTotal()
}

func (e *Engine) bumpUnread(id string) int {
	state.UpdateEntry(e.store, state.UnreadCounts, id, func(n int, _ bool) (int, bool) { return n + 1, true })
	return e.publishTotal()
}

func (e *Engine) publishTotal() int {
	total := 0
	for _, n := range state.Get(e.store, state.UnreadCounts) {
		total += n
	}
	state.Set(e.store, state.TotalUnread, total)
	return total
}

// touchConversation moves a conversation up the recency order.
func (e *Engine) touchConversation(id string, at time.Time) {
	if at.IsZero() {
		at = e.clock.Now()
	}
	state.Update(e.store, state.Conversations, func(cur []models.Conversation) []models.Conversation {
		i := slices.IndexFunc(cur, func(c models.Conversation) bool { return c.ID == id })
		if i < 0 || !at.After(cur[i].LastMessageAt) {
			return cur
		}
		next := slices.Clone(cur)
		next[i].LastMessageAt = at
		models.SortByRecency(next)
		return next
	})
}
