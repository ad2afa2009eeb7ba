package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Config tunes typing indicators and dedup memory. Zero fields take
// defaults.
type Config struct {
	// TypingDebounce is how long local typing is broadcast after the last
	// keystroke.
	TypingDebounce time.Duration
	// TypingExpiry is how long a remote typing flag is trusted without a
	// fresh presence update.
	TypingExpiry   time.Duration
	RequestTimeout time.Duration
	SeenCapacity   int
}

func (c *Config) applyDefaults() {
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = 3 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 6 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 1024
	}
}

type Deps struct {
	Store *state.Store
	Clock clock.Clock
	Log   logging.Logger
	Feed  Feed
	Reads ReadMarker
}

type conversationChannels struct {
	id       string
	messages Subscription
	presence PresenceChannel
}

type timerToken struct {
	timer *clock.Timer
}

// Engine owns the realtime subscriptions of the signed-in user. At most
// one conversation is active; entering, leaving and resubscribing are
// serialized.
type Engine struct {
	cfg   Config
	store *state.Store
	bus   *events.Bus
	clock clock.Clock
	log   logging.Logger
	feed  Feed
	reads ReadMarker
	seen  *seenSet

	// lifecycle serializes channel setup and teardown.
	lifecycle sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	active       *conversationChannels
	global       Subscription
	contacts     Subscription
	typingTimers map[string]map[string]*timerToken
	broadcasting bool
	autoStop     *timerToken
	unsubscribe  func()
}

func New(cfg Config, d Deps) *Engine {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logging.NewDiscard()
	}
	return &Engine{
		cfg:          cfg,
		store:        d.Store,
		bus:          d.Store.Bus(),
		clock:        d.Clock,
		log:          d.Log.With("module", "realtime"),
		feed:         d.Feed,
		reads:        d.Reads,
		seen:         newSeenSet(cfg.SeenCapacity),
		ctx:          context.Background(),
		typingTimers: make(map[string]map[string]*timerToken),
	}
}

// Start opens the global feeds and resubscribes everything whenever the
// connection is re-established.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	if e.unsubscribe == nil {
		e.unsubscribe = e.bus.Subscribe(e.onReconnected, events.KindReconnected)
	}
	e.mu.Unlock()

	return e.ResubscribeGlobal(ctx)
}

// Stop leaves the active conversation and closes the global feeds.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	if id := e.ActiveID(); id != "" {
		e.LeaveConversation(ctx, id)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.closeGlobal(ctx)
	e.seen.reset()
}

func (e *Engine) onReconnected(events.Event) {
	ctx := e.baseContext()
	if err := e.ResubscribeActive(ctx); err != nil {
		e.log.Warn(ctx, "resubscribe active conversation failed", "error", err)
	}
	if err := e.ResubscribeGlobal(ctx); err != nil {
		e.log.Warn(ctx, "resubscribe global feeds failed", "error", err)
	}
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) self() string {
	return state.Get(e.store, state.CurrentUser).ID
}

// ActiveID returns the conversation whose channels are open.
func (e *Engine) ActiveID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return ""
	}
	return e.active.id
}

func (e *Engine) fail(ctx context.Context, op string, err error) {
	e.log.Warn(ctx, op+" failed", "error", err)
	e.bus.Publish(events.Error{Op: op, Err: err})
}

// EnterConversation makes id the active conversation. A different active
// conversation is left first. Subscription failures are reported on the
// bus and returned; the conversation stays active so a reconnection can
// retry.
func (e *Engine) EnterConversation(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("empty conversation id")
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if cur := e.ActiveID(); cur != "" {
		if cur == id {
			return nil
		}
		e.leaveLocked(ctx, cur)
	}

	e.mu.Lock()
	e.active = &conversationChannels{id: id}
	e.mu.Unlock()
	state.Set(e.store, state.ActiveConversation, id)

	err := e.openConversation(ctx, id)
	if err != nil {
		e.fail(ctx, "enter conversation", err)
	}

	e.markRead(ctx, id)
	e.bus.Publish(events.ConversationEntered{ConversationID: id})
	return err
}

// LeaveConversation tears down the channels of id. The active marker is
// cleared only if it still names id.
func (e *Engine) LeaveConversation(ctx context.Context, id string) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.leaveLocked(ctx, id)
}

func (e *Engine) leaveLocked(ctx context.Context, id string) {
	e.mu.Lock()
	ch := e.active
	if ch != nil && ch.id == id {
		e.active = nil
	} else {
		ch = nil
	}
	e.mu.Unlock()

	if ch != nil {
		e.stopTypingOn(ctx, ch.presence)
		e.closeConversation(ctx, ch)
	}
	e.clearTyping(id)

	state.Update(e.store, state.ActiveConversation, func(cur string) string {
		if cur == id {
			return ""
		}
		return cur
	})
	if ch != nil {
		e.bus.Publish(events.ConversationLeft{ConversationID: id})
	}
}

func (e *Engine) openConversation(ctx context.Context, id string) error {
	msgs, err := e.feed.Subscribe(ctx, MessagesTopic(id),
		Filter{Table: models.TableMessages, Column: "conversation_id", Value: id},
		e.guard("conversation feed", e.conversationHandler(id)))
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}

	self := e.self()
	pres, err := e.feed.JoinPresence(ctx, PresenceTopic(id), self, e.presenceHandlers(id))
	if err != nil {
		e.setChannels(id, msgs, nil)
		return fmt.Errorf("join presence: %w", err)
	}
	e.setChannels(id, msgs, pres)

	rec := models.PresenceRecord{
		UserID:   self,
		Status:   state.Get(e.store, state.UserStatus),
		OnlineAt: e.clock.Now(),
	}
	if err := pres.Track(ctx, rec); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (e *Engine) setChannels(id string, msgs Subscription, pres PresenceChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.id == id {
		e.active.messages = msgs
		e.active.presence = pres
	}
}

func (e *Engine) closeConversation(ctx context.Context, ch *conversationChannels) {
	if ch.messages != nil {
		if err := ch.messages.Unsubscribe(ctx); err != nil {
			e.log.Debug(ctx, "unsubscribe messages failed", "conversation_id", ch.id, "error", err)
		}
	}
	if ch.presence != nil {
		if err := ch.presence.Leave(ctx); err != nil {
			e.log.Debug(ctx, "leave presence failed", "conversation_id", ch.id, "error", err)
		}
	}
}

// ResubscribeActive rebuilds the active conversation's channels. It is a
// no-op without an active conversation.
func (e *Engine) ResubscribeActive(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	ch := e.active
	if ch == nil {
		e.mu.Unlock()
		return nil
	}
	old := *ch
	ch.messages, ch.presence = nil, nil
	e.broadcasting = false
	if e.autoStop != nil {
		e.autoStop.timer.Stop()
		e.autoStop = nil
	}
	e.mu.Unlock()

	e.closeConversation(ctx, &old)
	e.clearTyping(old.id)

	if err := e.openConversation(ctx, old.id); err != nil {
		e.fail(ctx, "resubscribe conversation", err)
		return err
	}
	e.log.Debug(ctx, "resubscribed conversation", "conversation_id", old.id)
	return nil
}

// ResubscribeGlobal rebuilds the all-conversations message feed and the
// contact feed.
func (e *Engine) ResubscribeGlobal(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.closeGlobal(ctx)

	self := e.self()
	if self == "" {
		return nil
	}

	global, err := e.feed.Subscribe(ctx, GlobalMessagesTopic,
		Filter{Table: models.TableMessages},
		e.guard("global feed", e.handleGlobal))
	if err != nil {
		e.fail(ctx, "subscribe global feed", err)
		return err
	}
	contacts, err := e.feed.Subscribe(ctx, ContactsTopic(self),
		Filter{Table: models.TableContacts, Column: "contact_id", Value: self},
		e.guard("contact feed", e.handleContact))

	e.mu.Lock()
	e.global = global
	e.contacts = contacts
	e.mu.Unlock()

	if err != nil {
		e.fail(ctx, "subscribe contact feed", err)
		return err
	}
	return nil
}

func (e *Engine) closeGlobal(ctx context.Context) {
	e.mu.Lock()
	global, contacts := e.global, e.contacts
	e.global, e.contacts = nil, nil
	e.mu.Unlock()

	for _, sub := range []Subscription{global, contacts} {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(ctx); err != nil {
			e.log.Debug(ctx, "unsubscribe global failed", "error", err)
		}
	}
}

// guard keeps handler panics inside the engine.
func (e *Engine) guard(name string, h ChangeHandler) ChangeHandler {
	return func(ev models.ChangeEvent) {
		defer func() {
			if r := recover(); r != nil {
				e.fail(e.baseContext(), name, errPanic(r))
			}
		}()
		h(ev)
	}
}

func (e *Engine) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.baseContext(), e.cfg.RequestTimeout)
}

func errPanic(r any) error { return fmt.Errorf("handler panic: %v", r) }
