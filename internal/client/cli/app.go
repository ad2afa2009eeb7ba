package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/services"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
)

// Backend is the client surface the CLI drives. *app.App implements it.
type Backend interface {
	Store() *state.Store
	SignedIn() bool
	SignIn(ctx context.Context, username, password string) (models.User, error)
	SignUp(ctx context.Context, username, password string) (models.User, error)
	Resume(ctx context.Context) (models.User, error)
	SignOut(ctx context.Context) error

	RefreshConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, title string, participants []string, passphrase []byte) (models.Conversation, error)
	Unlock(conversationID string, passphrase []byte) error
	Join(ctx context.Context, id string) error
	Leave(ctx context.Context)
	ActiveConversation() string

	Send(ctx context.Context, text, replyToID string) (models.Message, error)
	SendFile(ctx context.Context, path string) (models.Message, error)
	Download(ctx context.Context, messageID, dir string) (string, error)
	Delete(ctx context.Context, messageID string, everyone bool) error
	History(ctx context.Context) (int, error)
	Render() []services.Rendered
	Typing(ctx context.Context)

	SetStatus(ctx context.Context, st models.UserStatus) error
	Reconnect(ctx context.Context)
	Activity()
	ConnectionStatus() models.ConnectionStatus
	Queued() []models.OutboxEntry
}

// getSimpleText, getPassword and getMultiline are indirections used to
// facilitate testing.
var (
	getSimpleText = GetSimpleText
	getPassword   = GetPassword
	getMultiline  = GetMultiline
)

// App is the interactive front end.
type App struct {
	backend     Backend
	reader      *bufio.Reader
	out         io.Writer
	downloadDir string
}

// syncWriter serializes writes from the REPL and the event printer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// NewApp builds the CLI over b. Downloads are written to downloadDir.
func NewApp(b Backend, in io.Reader, out io.Writer, downloadDir string) *App {
	return &App{
		backend:     b,
		reader:      bufio.NewReader(in),
		out:         &syncWriter{w: out},
		downloadDir: downloadDir,
	}
}

// Run resumes a stored session when there is one, then serves commands
// until the user exits or ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	fmt.Fprintln(a.out, "Welcome to GophChat (type 'help' for commands)")

	stop := a.watchEvents()
	defer stop()

	if user, err := a.backend.Resume(ctx); err == nil {
		fmt.Fprintf(a.out, "Resumed session for %s.\n", user.Username)
		a.printConversations()
	} else if !errors.Is(err, common.ErrNoSession) {
		fmt.Fprintln(a.out, "Could not resume session:", describe(err))
	}

	r := &repl{
		commands: a.commands(),
		loggedIn: a.backend.SignedIn,
		status:   a.status,
		activity: a.backend.Activity,
		describe: describe,
		in:       a.reader,
		out:      a.out,
	}
	r.run(ctx)
}

// status renders the prompt prefix: user, connection and open conversation.
func (a *App) status() string {
	store := a.backend.Store()
	user := state.Get(store, state.CurrentUser)
	if user.ID == "" {
		return "(guest)"
	}
	s := fmt.Sprintf("(%s %s", user.Username, a.backend.ConnectionStatus())
	if id := a.backend.ActiveConversation(); id != "" {
		s += " #" + a.conversationTitle(id)
	}
	if n := state.Get(store, state.TotalUnread); n > 0 {
		s += fmt.Sprintf(" %d unread", n)
	}
	return s + ")"
}

func (a *App) conversationTitle(id string) string {
	for _, c := range state.Get(a.backend.Store(), state.Conversations) {
		if c.ID == id && c.Title != "" {
			return c.Title
		}
	}
	return id
}

// describe turns known failures into user-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, common.ErrMessageTooLong):
		return fmt.Sprintf("message is too long (max %d characters)", services.DefaultMaxMessageRunes)
	case errors.Is(err, common.ErrFileTooLarge):
		return fmt.Sprintf("file is larger than %d MB", services.DefaultMaxFileSize>>20)
	case errors.Is(err, common.ErrEmptyMessage):
		return "nothing to send"
	case errors.Is(err, common.ErrNoActiveConversation):
		return "join a conversation first"
	case errors.Is(err, common.ErrPassphraseTooShort):
		return fmt.Sprintf("passphrase must be at least %d characters", cryptox.MinPassphraseLength)
	case errors.Is(err, cryptox.ErrLockedOut):
		return "too many wrong passphrases, try again later"
	case errors.Is(err, cryptox.ErrWrongPassphrase):
		return "wrong passphrase"
	case errors.Is(err, cryptox.ErrNoPassphrase):
		return "conversation is locked, run 'unlock <id>'"
	case errors.Is(err, services.ErrUnknownConversation):
		return "no such conversation, run 'list'"
	case errors.Is(err, services.ErrAttachmentsDisabled):
		return "attachments are not configured"
	case errors.Is(err, common.ErrUnauthorized):
		return "invalid credentials"
	case errors.Is(err, common.ErrUnavailable):
		return "server unavailable"
	case errors.Is(err, common.ErrNotFound):
		return "not found"
	}
	return err.Error()
}
