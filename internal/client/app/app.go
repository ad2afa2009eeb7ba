// Package app assembles the GophChat client: transports, session,
// connectivity supervisor, realtime engine, services and local
// preferences, and couples their lifecycles.
//
// Session-bound components run only while a user is signed in. Every way
// out of a session (sign-out, expiry, inactivity, Close) resets the state
// store, which zeroes the keyring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/client/attachments"
	"github.com/dmitrijs2005/gophchat/internal/client/client"
	"github.com/dmitrijs2005/gophchat/internal/client/config"
	"github.com/dmitrijs2005/gophchat/internal/client/connectivity"
	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/realtime"
	"github.com/dmitrijs2005/gophchat/internal/client/repositories/preferences"
	"github.com/dmitrijs2005/gophchat/internal/client/services"
	"github.com/dmitrijs2005/gophchat/internal/client/session"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
	"github.com/dmitrijs2005/gophchat/internal/filex"
	"github.com/dmitrijs2005/gophchat/internal/logging"
	"github.com/dmitrijs2005/gophchat/internal/netx"
)

type App struct {
	cfg   *config.Config
	ctx   context.Context
	log   logging.Logger
	clock clock.Clock
	db    *sql.DB
	store *state.Store

	api        *client.GRPCClient
	link       *client.Link
	sessions   *session.Manager
	supervisor *connectivity.Supervisor
	engine     *realtime.Engine
	monitor    *netx.Monitor

	messages      services.MessageService
	conversations services.ConversationService
	preferences   *services.PreferenceService

	// lifecycle serializes session start and teardown.
	lifecycle sync.Mutex

	mu     sync.Mutex
	active bool
	closed bool
	unsubs []func()
}

// New builds the client. ctx bounds every background operation for the
// lifetime of the App. Nothing connects until a session starts.
func New(ctx context.Context, cfg *config.Config, log logging.Logger, version string) (*App, error) {
	if log == nil {
		log = logging.NewDiscard()
	}
	clk := clock.Real()

	dataDir, err := filex.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("error preparing data directory: %w", err)
	}
	cfg.DataDir = dataDir

	db, err := client.InitDatabase(ctx, cfg.Database())
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	api, err := client.NewGRPCClient(cfg.ServerEndpointAddr, version)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error creating api client: %w", err)
	}

	ws := client.NewWSRealtime(cfg.RealtimeURL, func() string {
		access, _ := api.Tokens()
		return access
	}, log)
	ws.SetRequestTimeout(cfg.RequestTimeout)
	link := &client.Link{API: api, Realtime: ws}

	bus := events.NewBus(log)
	store := state.New(bus, log)

	kdf := cryptox.KDFByName(cfg.KDF)
	sessions := session.NewManager(session.Deps{
		API:    api,
		Store:  store,
		Tokens: session.NewFileTokenStore(cfg.Tokens()),
		Clock:  clk,
		Log:    log,
		NewKeyring: func() *cryptox.Keyring {
			return cryptox.NewKeyring(cryptox.NewEngine(kdf),
				cryptox.NewLockout(clk, cfg.LockoutThreshold, cfg.LockoutDuration))
		},
	})

	supervisor := connectivity.New(connectivity.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		Backoff: connectivity.Backoff{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
	}, connectivity.Deps{
		Store:     store,
		Clock:     clk,
		Log:       log,
		Transport: link,
		Session:   sessions,
		Presence:  api,
		Sender:    api,
		Outbox:    connectivity.NewOutbox(clk, cfg.OutboxExpiry),
	})

	engine := realtime.New(realtime.Config{
		TypingDebounce: cfg.TypingDebounce,
		TypingExpiry:   cfg.TypingExpiry,
		RequestTimeout: cfg.RequestTimeout,
	}, realtime.Deps{Store: store, Clock: clk, Log: log, Feed: ws, Reads: api})

	var blobs services.BlobStore
	if cfg.Attachments.Bucket != "" {
		s3, err := attachments.NewS3Store(ctx, attachments.Config{
			Region:       cfg.Attachments.Region,
			Endpoint:     cfg.Attachments.Endpoint,
			AccessKey:    cfg.Attachments.AccessKey,
			SecretKey:    cfg.Attachments.SecretKey,
			Bucket:       cfg.Attachments.Bucket,
			UsePathStyle: cfg.Attachments.UsePathStyle,
		})
		if err != nil {
			_ = link.Close()
			_ = db.Close()
			return nil, fmt.Errorf("error configuring attachments: %w", err)
		}
		blobs = s3
	}

	a := &App{
		cfg:        cfg,
		ctx:        ctx,
		log:        log.With("module", "app"),
		clock:      clk,
		db:         db,
		store:      store,
		api:        api,
		link:       link,
		sessions:   sessions,
		supervisor: supervisor,
		engine:     engine,
		monitor:    netx.NewMonitor(netx.TCPProbe(cfg.ServerEndpointAddr), cfg.OnlineCheckInterval, clk, log),
		messages: services.NewMessageService(services.MessageConfig{RequestTimeout: cfg.RequestTimeout}, services.MessageDeps{
			Store:  store,
			API:    api,
			Outbox: supervisor,
			Blobs:  blobs,
			Clock:  clk,
			Log:    log,
		}),
		conversations: services.NewConversationService(store, api, log),
		preferences:   services.NewPreferenceService(preferences.NewSQLiteRepository(db), store, log),
	}

	if err := a.preferences.Load(ctx); err != nil {
		a.log.Warn(ctx, "preferences not loaded", "error", err)
	}
	a.preferences.Watch(ctx)
	a.wire()
	return a, nil
}

func (a *App) wire() {
	a.api.OnTokensRefreshed(a.sessions.TokensRefreshed)
	a.link.Realtime.OnDisconnect(func(err error) {
		if !a.sessionActive() {
			return
		}
		a.log.Info(a.ctx, "realtime connection lost", "error", err)
		go a.supervisor.ForceReconnect(a.ctx)
	})
	a.monitor.OnChange(a.supervisor.HandleNetworkOnline, a.supervisor.HandleNetworkOffline)

	bus := a.store.Bus()
	a.unsubs = append(a.unsubs,
		bus.Subscribe(func(events.Event) {
			go a.expire("session expired", true)
		}, events.KindSessionExpired),
		bus.Subscribe(func(events.Event) {
			go a.expire("inactivity timeout", false)
		}, events.KindSessionTimeout),
		bus.Subscribe(func(ev events.Event) {
			a.messages.MarkFailed(ev.(events.QueueFlushed).Dropped)
		}, events.KindQueueFlushed),
		bus.Subscribe(func(events.Event) {
			go a.catchUp()
		}, events.KindReconnected),
	)
}

func (a *App) sessionActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Store exposes the client state for observers.
func (a *App) Store() *state.Store { return a.store }

// SignedIn reports whether a user session is installed.
func (a *App) SignedIn() bool {
	return state.Get(a.store, state.CurrentUser).ID != ""
}

func (a *App) SignIn(ctx context.Context, username, password string) (models.User, error) {
	user, err := a.sessions.SignIn(ctx, username, password)
	if err != nil {
		return models.User{}, err
	}
	a.startSession(ctx)
	return user, nil
}

func (a *App) SignUp(ctx context.Context, username, password string) (models.User, error) {
	user, err := a.sessions.SignUp(ctx, username, password)
	if err != nil {
		return models.User{}, err
	}
	a.startSession(ctx)
	return user, nil
}

// Resume continues the session stored by an earlier run.
func (a *App) Resume(ctx context.Context) (models.User, error) {
	user, err := a.sessions.Resume(ctx)
	if err != nil {
		return models.User{}, err
	}
	a.startSession(ctx)
	return user, nil
}

func (a *App) startSession(ctx context.Context) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.active || a.closed {
		a.mu.Unlock()
		return
	}
	a.active = true
	a.mu.Unlock()

	// the engine listens for Reconnected before the first attempt
	if err := a.engine.Start(a.ctx); err != nil {
		a.log.Debug(ctx, "realtime feeds deferred until connected", "error", err)
	}
	a.supervisor.Start(a.ctx)
	a.monitor.Start(a.ctx)

	if _, err := a.conversations.Refresh(ctx); err != nil {
		a.log.Warn(ctx, "conversation list not loaded", "error", err)
	}
}

// stopSession halts the session-bound components. It reports whether a
// session was running.
func (a *App) stopSession(ctx context.Context) bool {
	if !a.deactivate() {
		return false
	}
	a.stopComponents(ctx)
	return true
}

// deactivate clears the session marker and reports whether it was set.
func (a *App) deactivate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	was := a.active
	a.active = false
	return was
}

func (a *App) stopComponents(ctx context.Context) {
	a.monitor.Stop()
	a.supervisor.Stop()
	a.engine.Stop(ctx)
	a.link.Disconnect()
	a.supervisor.Outbox().Clear()
}

// SignOut revokes the session. Local state is reset even when revocation
// fails.
func (a *App) SignOut(ctx context.Context) (err error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	defer func() { err = a.sessions.SignOut(ctx) }()
	a.stopSession(ctx)
	return nil
}

// expire ends the session locally. The supervisor already announces
// inactivity timeouts, so only rejections get a notice here.
func (a *App) expire(reason string, notify bool) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.deactivate() {
		return
	}
	defer func() {
		a.sessions.Expire(a.ctx, reason)
		if notify {
			a.store.Bus().Publish(events.Notice{
				Level:      events.LevelWarning,
				Text:       fmt.Sprintf("Signed out: %s.", reason),
				Persistent: true,
			})
		}
	}()
	a.stopComponents(a.ctx)
}

// catchUp reloads what may have been missed while disconnected.
func (a *App) catchUp() {
	if !a.sessionActive() {
		return
	}
	if _, err := a.conversations.Refresh(a.ctx); err != nil {
		a.log.Debug(a.ctx, "conversation refresh after reconnect failed", "error", err)
	}
	if id := a.engine.ActiveID(); id != "" {
		if _, err := a.messages.LoadLatest(a.ctx, id); err != nil {
			a.log.Debug(a.ctx, "message reload after reconnect failed", "conversation_id", id, "error", err)
		}
	}
}

func (a *App) RefreshConversations(ctx context.Context) ([]models.Conversation, error) {
	return a.conversations.Refresh(ctx)
}

// CreateConversation creates a conversation protected by passphrase.
func (a *App) CreateConversation(ctx context.Context, title string, participants []string, passphrase []byte) (models.Conversation, error) {
	return a.conversations.Create(ctx, title, participants, passphrase)
}

// Unlock installs the passphrase of an existing conversation.
func (a *App) Unlock(conversationID string, passphrase []byte) error {
	return a.conversations.Unlock(conversationID, passphrase)
}

// Join makes id the active conversation and loads its newest messages.
func (a *App) Join(ctx context.Context, id string) error {
	if _, ok := a.conversations.Find(id); !ok {
		return services.ErrUnknownConversation
	}
	subErr := a.engine.EnterConversation(ctx, id)
	_, loadErr := a.messages.LoadLatest(ctx, id)
	return errors.Join(subErr, loadErr)
}

// Leave closes the active conversation, if any.
func (a *App) Leave(ctx context.Context) {
	if id := a.engine.ActiveID(); id != "" {
		a.engine.LeaveConversation(ctx, id)
	}
}

// ActiveConversation returns the id of the open conversation.
func (a *App) ActiveConversation() string { return a.engine.ActiveID() }

// Send encrypts text for the active conversation. replyToID may be empty.
func (a *App) Send(ctx context.Context, text, replyToID string) (models.Message, error) {
	a.engine.StopTyping(ctx)
	return a.messages.Send(ctx, a.engine.ActiveID(), text, replyToID)
}

// Render returns the active conversation's messages as they should be
// displayed.
func (a *App) Render() []services.Rendered {
	return a.messages.Render(a.engine.ActiveID())
}

// SendFile reads path and sends it to the active conversation.
func (a *App) SendFile(ctx context.Context, path string) (models.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Message{}, err
	}
	if info.Size() > services.DefaultMaxFileSize {
		return models.Message{}, common.ErrFileTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Message{}, err
	}
	return a.messages.SendFile(ctx, a.engine.ActiveID(), filepath.Base(path), data)
}

// Download decrypts the attachment of messageID into dir and returns the
// written path.
func (a *App) Download(ctx context.Context, messageID, dir string) (string, error) {
	id := a.engine.ActiveID()
	msgs := state.Get(a.store, state.Messages)[id]
	i := models.IndexOf(msgs, messageID)
	if i < 0 {
		return "", common.ErrNotFound
	}
	name, data, err := a.messages.DownloadFile(ctx, msgs[i])
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := filex.WriteSecret(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (a *App) Delete(ctx context.Context, messageID string, everyone bool) error {
	id := a.engine.ActiveID()
	if id == "" {
		return common.ErrNoActiveConversation
	}
	if everyone {
		return a.messages.DeleteForEveryone(ctx, id, messageID)
	}
	return a.messages.DeleteForMe(ctx, id, messageID)
}

// History loads the page before the oldest loaded message.
func (a *App) History(ctx context.Context) (int, error) {
	return a.messages.LoadOlder(ctx, a.engine.ActiveID())
}

func (a *App) Typing(ctx context.Context) { a.engine.StartTyping(ctx) }

// SetStatus switches between foreground (online) and background (away)
// presence. Coming back to the foreground reconnects when needed.
func (a *App) SetStatus(ctx context.Context, st models.UserStatus) error {
	switch st {
	case models.UserOnline:
		a.supervisor.HandleVisibility(ctx, true)
	case models.UserAway:
		a.supervisor.HandleVisibility(ctx, false)
	default:
		return fmt.Errorf("unsupported status %q", st)
	}
	return nil
}

func (a *App) Reconnect(ctx context.Context) { a.supervisor.ForceReconnect(ctx) }

// Activity counts as user activity for the inactivity timeout.
func (a *App) Activity() { a.supervisor.TrackActivity() }

func (a *App) ConnectionStatus() models.ConnectionStatus { return a.supervisor.Status() }

// Queued returns the entries waiting in the offline outbox.
func (a *App) Queued() []models.OutboxEntry { return a.supervisor.Outbox().Entries() }

// Close ends the process-level lifecycle. Stored tokens are kept so the
// next run can resume; key material is zeroed.
func (a *App) Close(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	defer a.store.Reset()

	a.stopSession(ctx)
	for _, u := range unsubs {
		u()
	}
	a.preferences.Close()
	return errors.Join(a.link.Close(), a.db.Close())
}
