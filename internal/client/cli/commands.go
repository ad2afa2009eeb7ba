package cli

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/services"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
)

func (a *App) commands() []command {
	return []command{
		{name: "register", usage: "register", guest: true, run: a.Register},
		{name: "login", usage: "login", guest: true, run: a.Login},
		{name: "strength", usage: "strength", run: a.strength},

		{name: "list", aliases: []string{"l"}, usage: "(l)ist", session: true, run: a.list},
		{name: "create", usage: "create <title> [participant...]", session: true, run: a.create},
		{name: "unlock", usage: "unlock <conversation>", session: true, run: a.unlock},
		{name: "join", aliases: []string{"j"}, usage: "(j)oin <conversation>", session: true, run: a.join},
		{name: "leave", usage: "leave", session: true, run: a.leave},
		{name: "show", usage: "show", session: true, run: a.show},
		{name: "history", usage: "history", session: true, run: a.history},
		{name: "send", aliases: []string{"s"}, usage: "(s)end <text>", session: true, run: a.send},
		{name: "reply", usage: "reply <message> <text>", session: true, run: a.reply},
		{name: "compose", usage: "compose", session: true, run: a.compose},
		{name: "typing", usage: "typing", session: true, run: a.typing},
		{name: "sendfile", usage: "sendfile <path>", session: true, run: a.sendFile},
		{name: "download", usage: "download <message> [dir]", session: true, run: a.download},
		{name: "delete", usage: "delete <message> [all]", session: true, run: a.delete},
		{name: "status", usage: "status [online|away]", session: true, run: a.setStatus},
		{name: "queue", usage: "queue", session: true, run: a.queue},
		{name: "reconnect", usage: "reconnect", session: true, run: a.reconnect},
		{name: "theme", usage: "theme [system|light|dark]", session: true, run: a.theme},
		{name: "notify", usage: "notify [on|off]", session: true, run: a.toggle(state.NotificationsEnabled, "Notifications", "notify [on|off]")},
		{name: "sound", usage: "sound [on|off]", session: true, run: a.toggle(state.SoundEnabled, "Sound", "sound [on|off]")},
		{name: "logout", usage: "logout", session: true, run: a.Logout},
	}
}

func (a *App) list(ctx context.Context, _ call) error {
	if _, err := a.backend.RefreshConversations(ctx); err != nil {
		fmt.Fprintln(a.out, "Showing cached list:", describe(err))
	}
	a.printConversations()
	return nil
}

func (a *App) printConversations() {
	store := a.backend.Store()
	convs := state.Get(store, state.Conversations)
	if len(convs) == 0 {
		fmt.Fprintln(a.out, "No conversations yet. Use 'create' to start one.")
		return
	}
	kr := state.Get(store, state.Keyring)
	unread := state.Get(store, state.UnreadCounts)
	active := a.backend.ActiveConversation()

	for _, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		lock := ""
		if kr == nil || !kr.Has(c.ID) {
			lock = " [locked]"
		}
		line := fmt.Sprintf("%s %s  %s%s", marker, c.ID, c.Title, lock)
		if n := unread[c.ID]; n > 0 {
			line += fmt.Sprintf("  (%d unread)", n)
		}
		fmt.Fprintln(a.out, line)
	}
}

func (a *App) create(ctx context.Context, c call) error {
	if len(c.Args) == 0 {
		return errUsage{"create <title> [participant...]"}
	}
	pass, err := a.newPassphrase()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pass)

	conv, err := a.backend.CreateConversation(ctx, c.Args[0], c.Args[1:], pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created conversation %s (%s).\n", conv.Title, conv.ID)
	return nil
}

// newPassphrase reads a passphrase twice and reports its strength.
func (a *App) newPassphrase() ([]byte, error) {
	pass, err := getPassword(a.out, "Conversation passphrase: ")
	if err != nil {
		return nil, err
	}
	again, err := getPassword(a.out, "Repeat passphrase: ")
	if err != nil {
		common.WipeByteArray(pass)
		return nil, err
	}
	defer common.WipeByteArray(again)

	if string(pass) != string(again) {
		common.WipeByteArray(pass)
		return nil, fmt.Errorf("passphrases do not match")
	}
	if err := cryptox.ValidatePassphrase(pass); err != nil {
		common.WipeByteArray(pass)
		return nil, err
	}
	fmt.Fprintln(a.out, "Passphrase strength:", cryptox.MeasureStrength(string(pass)).Label)
	return pass, nil
}

func (a *App) unlock(_ context.Context, c call) error {
	if len(c.Args) != 1 {
		return errUsage{"unlock <conversation>"}
	}
	pass, err := getPassword(a.out, "Conversation passphrase: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pass)

	if err := a.backend.Unlock(c.Args[0], pass); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Unlocked.")
	return nil
}

func (a *App) join(ctx context.Context, c call) error {
	if len(c.Args) != 1 {
		return errUsage{"join <conversation>"}
	}
	if err := a.backend.Join(ctx, c.Args[0]); err != nil {
		if a.backend.ActiveConversation() != c.Args[0] {
			return err
		}
		fmt.Fprintln(a.out, "Joined with errors:", describe(err))
	}
	a.printMessages(a.backend.Render())
	return nil
}

func (a *App) leave(ctx context.Context, _ call) error {
	if a.backend.ActiveConversation() == "" {
		return common.ErrNoActiveConversation
	}
	a.backend.Leave(ctx)
	return nil
}

func (a *App) show(context.Context, call) error {
	if a.backend.ActiveConversation() == "" {
		return common.ErrNoActiveConversation
	}
	a.printMessages(a.backend.Render())
	return nil
}

func (a *App) history(ctx context.Context, _ call) error {
	n, err := a.backend.History(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(a.out, "No older messages.")
		return nil
	}
	a.printMessages(a.backend.Render())
	return nil
}

func (a *App) send(ctx context.Context, c call) error {
	return a.deliver(ctx, c.Rest, "")
}

func (a *App) reply(ctx context.Context, c call) error {
	id, text, ok := strings.Cut(c.Rest, " ")
	if !ok {
		return errUsage{"reply <message> <text>"}
	}
	return a.deliver(ctx, strings.TrimSpace(text), id)
}

func (a *App) compose(ctx context.Context, _ call) error {
	text, err := getMultiline(a.reader, "Message:", a.out)
	if err != nil {
		return err
	}
	return a.deliver(ctx, text, "")
}

func (a *App) deliver(ctx context.Context, text, replyToID string) error {
	msg, err := a.backend.Send(ctx, text, replyToID)
	if err != nil {
		return err
	}
	if msg.Status == models.StatusQueued {
		fmt.Fprintln(a.out, "Offline: message queued.")
	}
	return nil
}

func (a *App) typing(ctx context.Context, _ call) error {
	if a.backend.ActiveConversation() == "" {
		return common.ErrNoActiveConversation
	}
	a.backend.Typing(ctx)
	return nil
}

func (a *App) sendFile(ctx context.Context, c call) error {
	if c.Rest == "" {
		return errUsage{"sendfile <path>"}
	}
	msg, err := a.backend.SendFile(ctx, c.Rest)
	if err != nil {
		return err
	}
	if msg.File != nil {
		fmt.Fprintf(a.out, "Sent %s (%d bytes).\n", msg.File.Name, msg.File.Size)
	}
	return nil
}

func (a *App) download(ctx context.Context, c call) error {
	if len(c.Args) == 0 || len(c.Args) > 2 {
		return errUsage{"download <message> [dir]"}
	}
	dir := a.downloadDir
	if len(c.Args) == 2 {
		dir = c.Args[1]
	}
	path, err := a.backend.Download(ctx, c.Args[0], dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Saved to", path)
	return nil
}

func (a *App) delete(ctx context.Context, c call) error {
	switch {
	case len(c.Args) == 1:
		return a.backend.Delete(ctx, c.Args[0], false)
	case len(c.Args) == 2 && c.Args[1] == "all":
		return a.backend.Delete(ctx, c.Args[0], true)
	}
	return errUsage{"delete <message> [all]"}
}

func (a *App) setStatus(ctx context.Context, c call) error {
	if len(c.Args) == 0 {
		store := a.backend.Store()
		fmt.Fprintf(a.out, "Connection: %s\n", a.backend.ConnectionStatus())
		if n := state.Get(store, state.ReconnectAttempts); n > 0 {
			fmt.Fprintf(a.out, "Reconnect attempts: %d\n", n)
		}
		fmt.Fprintf(a.out, "Presence: %s\n", state.Get(store, state.UserStatus))
		return nil
	}
	st := models.UserStatus(c.Args[0])
	if st != models.UserOnline && st != models.UserAway {
		return errUsage{"status [online|away]"}
	}
	return a.backend.SetStatus(ctx, st)
}

func (a *App) queue(context.Context, call) error {
	entries := a.backend.Queued()
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "Outbox is empty.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(a.out, "%s  %s  queued %s\n",
			e.Payload.IdempotencyKey, a.conversationTitle(e.Payload.ConversationID), e.QueuedAt.Format("15:04:05"))
	}
	return nil
}

func (a *App) reconnect(ctx context.Context, _ call) error {
	a.backend.Reconnect(ctx)
	fmt.Fprintln(a.out, "Connection:", a.backend.ConnectionStatus())
	return nil
}

func (a *App) theme(_ context.Context, c call) error {
	store := a.backend.Store()
	if len(c.Args) == 0 {
		fmt.Fprintln(a.out, "Theme:", state.Get(store, state.Theme))
		return nil
	}
	if !slices.Contains(services.Themes, c.Args[0]) {
		return errUsage{"theme [" + strings.Join(services.Themes, "|") + "]"}
	}
	state.Set(store, state.Theme, c.Args[0])
	return nil
}

func (a *App) toggle(key *state.Key[bool], label, usage string) handler {
	return func(_ context.Context, c call) error {
		store := a.backend.Store()
		if len(c.Args) == 0 {
			fmt.Fprintf(a.out, "%s: %s\n", label, onOff(state.Get(store, key)))
			return nil
		}
		v, err := parseOnOff(c.Args[0])
		if err != nil {
			return errUsage{usage}
		}
		state.Set(store, key, v)
		return nil
	}
}

func (a *App) strength(context.Context, call) error {
	pass, err := getPassword(a.out, "Passphrase to rate: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pass)

	s := cryptox.MeasureStrength(string(pass))
	fmt.Fprintf(a.out, "Strength: %s (%d/4)\n", s.Label, s.Score)
	if err := cryptox.ValidatePassphrase(pass); err != nil {
		fmt.Fprintln(a.out, describe(err))
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}
