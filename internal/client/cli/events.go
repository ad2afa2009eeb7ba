package cli

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/services"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
)

// watchEvents prints bus events relevant to the user. The returned
// function stops printing.
func (a *App) watchEvents() func() {
	bus := a.backend.Store().Bus()
	return bus.Subscribe(a.printEvent,
		events.KindNotice,
		events.KindError,
		events.KindMessageNotification,
		events.KindMessageReceived,
		events.KindMessageDeleted,
		events.KindTypingUpdated,
		events.KindQueueFlushed,
	)
}

func (a *App) printEvent(ev events.Event) {
	store := a.backend.Store()
	self := state.Get(store, state.CurrentUser).ID

	switch e := ev.(type) {
	case events.Notice:
		fmt.Fprintf(a.out, "\n[%s] %s\n", e.Level, e.Text)

	case events.Error:
		fmt.Fprintf(a.out, "\n[error] %s: %s\n", e.Op, describe(e.Err))

	case events.MessageNotification:
		if !state.Get(store, state.NotificationsEnabled) {
			return
		}
		bell := ""
		if state.Get(store, state.SoundEnabled) {
			bell = "\a"
		}
		fmt.Fprintf(a.out, "\n%s* new message in %s (%d unread)\n", bell, a.conversationTitle(e.ConversationID), e.TotalUnread)

	case events.MessageReceived:
		m := e.Message
		if m.ConversationID != a.backend.ActiveConversation() || (m.SenderID == self && m.Type != models.MessageTypeSystem) {
			return
		}
		for _, r := range a.backend.Render() {
			if r.ID == m.ID && r.ID != "" {
				fmt.Fprintln(a.out)
				a.printMessages([]services.Rendered{r})
				return
			}
		}

	case events.MessageDeleted:
		if e.ConversationID == a.backend.ActiveConversation() {
			fmt.Fprintf(a.out, "\n(message %s deleted)\n", e.MessageID)
		}

	case events.TypingUpdated:
		if e.ConversationID != a.backend.ActiveConversation() || len(e.UserIDs) == 0 {
			return
		}
		verb := "is"
		if len(e.UserIDs) > 1 {
			verb = "are"
		}
		fmt.Fprintf(a.out, "\n%s %s typing...\n", strings.Join(e.UserIDs, ", "), verb)

	case events.QueueFlushed:
		if e.Sent > 0 {
			fmt.Fprintf(a.out, "\nSent %d queued message(s).\n", e.Sent)
		}
		if n := e.Failed + len(e.Dropped); n > 0 {
			fmt.Fprintf(a.out, "\n%d queued message(s) could not be sent.\n", n)
		}
	}
}

// printMessages writes one line per message:
//
//	[15:04] sender: text (status)
func (a *App) printMessages(msgs []services.Rendered) {
	if len(msgs) == 0 {
		fmt.Fprintln(a.out, "No messages yet.")
		return
	}
	self := state.Get(a.backend.Store(), state.CurrentUser).ID

	var b strings.Builder
	for _, m := range msgs {
		sender := m.SenderID
		if sender == self {
			sender = "me"
		}
		id := m.ID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(&b, "[%s] %s %s: %s", m.CreatedAt.Local().Format("15:04"), id, sender, m.Text)
		if m.ReplyToID != "" {
			fmt.Fprintf(&b, " (reply to %s)", m.ReplyToID)
		}
		if m.File != nil && !m.IsTombstone() {
			fmt.Fprintf(&b, " [file %d bytes]", m.File.Size)
		}
		if m.SenderID == self && m.Status != "" && m.Status != models.StatusSent {
			fmt.Fprintf(&b, " (%s)", m.Status)
		}
		b.WriteByte('\n')
	}
	fmt.Fprint(a.out, b.String())
}
