// Package connectivity owns the client's connection lifecycle: the
// online/offline/reconnecting state machine, the reconnection backoff loop,
// the heartbeat, the inactivity timeout and the offline outbox.
//
// Every timer callback reports through the state store and the event bus;
// no error escapes a callback.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Transport re-establishes and probes the connection to the backend.
type Transport interface {
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// SessionChecker validates the auth session. It returns
// common.ErrSessionExpired (or ErrNoSession) when the session is gone.
type SessionChecker interface {
	Check(ctx context.Context) error
}

// Presence publishes the local user's status ("last seen" refresh).
type Presence interface {
	SetStatus(ctx context.Context, status models.UserStatus) error
}

// Sender delivers one outbound message.
type Sender interface {
	SendMessage(ctx context.Context, msg models.OutboundMessage) (models.Message, error)
}

// Config tunes the supervisor. Zero fields take defaults.
type Config struct {
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	ActivityThrottle  time.Duration
	RequestTimeout    time.Duration
	Backoff           Backoff
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ActivityThrottle <= 0 {
		c.ActivityThrottle = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	def := NewBackoff()
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Multiplier
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = def.MaxAttempts
	}
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Store     *state.Store
	Clock     clock.Clock
	Log       logging.Logger
	Transport Transport
	Session   SessionChecker
	Presence  Presence
	Sender    Sender
	Outbox    *Outbox
}

// Supervisor drives the connectivity state machine.
type Supervisor struct {
	cfg       Config
	store     *state.Store
	bus       *events.Bus
	clock     clock.Clock
	log       logging.Logger
	transport Transport
	session   SessionChecker
	presence  Presence
	sender    Sender
	outbox    *Outbox

	// statusMu serializes status transitions.
	statusMu sync.Mutex

	// attemptMu serializes reconnection attempts.
	attemptMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	running      bool
	looping      bool
	generation   uint64
	retryTimer   *clock.Timer
	heartbeat    *clock.Timer
	sessionTimer *clock.Timer
	lastActivity time.Time
}

func New(cfg Config, d Deps) *Supervisor {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logging.NewDiscard()
	}
	if d.Outbox == nil {
		d.Outbox = NewOutbox(d.Clock, DefaultOutboxExpiry)
	}
	return &Supervisor{
		cfg:       cfg,
		store:     d.Store,
		bus:       d.Store.Bus(),
		clock:     d.Clock,
		log:       d.Log.With("module", "connectivity"),
		transport: d.Transport,
		session:   d.Session,
		presence:  d.Presence,
		sender:    d.Sender,
		outbox:    d.Outbox,
		ctx:       context.Background(),
	}
}

// Status returns the current connection status.
func (s *Supervisor) Status() models.ConnectionStatus {
	return state.Get(s.store, state.Connection)
}

// Attempts returns the failed reconnection attempts of the current episode.
func (s *Supervisor) Attempts() int {
	return state.Get(s.store, state.ReconnectAttempts)
}

// Outbox exposes the offline queue.
func (s *Supervisor) Outbox() *Outbox { return s.outbox }

// Start arms the heartbeat and inactivity timers and makes the first
// connection attempt. ctx bounds every background call.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	s.lastActivity = s.clock.Now()
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, s.onHeartbeat)
	if s.cfg.SessionTimeout > 0 {
		s.sessionTimer = s.clock.AfterFunc(s.cfg.SessionTimeout, s.onSessionTimeout)
	}
	s.mu.Unlock()

	s.ForceReconnect(ctx)
}

// Stop cancels every timer. Pending callbacks become no-ops.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.looping = false
	s.generation++
	s.retryTimer.Stop()
	s.heartbeat.Stop()
	s.sessionTimer.Stop()
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// setStatus is a no-op when status is unchanged; otherwise it stores the
// new value and publishes ConnectivityChanged.
func (s *Supervisor) setStatus(next models.ConnectionStatus) bool {
	s.statusMu.Lock()
	prev := state.Get(s.store, state.Connection)
	if prev == next {
		s.statusMu.Unlock()
		return false
	}
	state.Set(s.store, state.Connection, next)
	s.statusMu.Unlock()

	s.log.Info(s.baseContext(), "connectivity changed", "status", string(next), "previous", string(prev))
	s.bus.Publish(events.ConnectivityChanged{Status: next, Previous: prev})
	return true
}

func (s *Supervisor) notice(level events.Level, text string, persistent bool) {
	s.bus.Publish(events.Notice{Level: level, Text: text, Persistent: persistent})
}

// HandleNetworkOffline reacts to a lost network: online becomes offline
// and any running backoff loop stops.
func (s *Supervisor) HandleNetworkOffline() {
	s.stopLoop()
	if s.setStatus(models.Offline) {
		s.notice(events.LevelWarning, "You are offline. Messages will be sent when the connection is restored.", false)
	}
}

// HandleNetworkOnline reacts to a restored network with an immediate
// reconnection attempt.
func (s *Supervisor) HandleNetworkOnline(ctx context.Context) {
	if s.Status() == models.Online {
		return
	}
	s.ForceReconnect(ctx)
}

// ForceReconnect abandons any running loop and makes one immediate
// attempt; on failure the backoff loop takes over.
func (s *Supervisor) ForceReconnect(ctx context.Context) {
	s.stopLoop()
	state.Set(s.store, state.ReconnectAttempts, 0)

	gen := s.startLoop()
	s.setStatus(models.Reconnecting)
	s.attempt(ctx, gen)
}

func (s *Supervisor) startLoop() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.looping = true
	return s.generation
}

func (s *Supervisor) stopLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.looping = false
	s.retryTimer.Stop()
	s.retryTimer = nil
}

func (s *Supervisor) loopActive(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.looping && s.generation == gen
}

func sessionGone(err error) bool {
	return errors.Is(err, common.ErrSessionExpired) ||
		errors.Is(err, common.ErrNoSession) ||
		errors.Is(err, common.ErrRefreshTokenExpired) ||
		errors.Is(err, common.ErrUnauthorized)
}

// attempt runs one reconnection attempt of loop generation gen.
func (s *Supervisor) attempt(parent context.Context, gen uint64) {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	if !s.loopActive(gen) || s.Status() != models.Reconnecting {
		return
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.RequestTimeout)
	defer cancel()

	if s.session != nil {
		if err := s.session.Check(ctx); err != nil {
			if sessionGone(err) {
				s.onSessionExpired(ctx, err)
				return
			}
			s.attemptFailed(gen, err)
			return
		}
	}

	if err := s.transport.Reconnect(ctx); err != nil {
		s.attemptFailed(gen, err)
		return
	}

	if !s.loopActive(gen) {
		return
	}
	s.reconnected(ctx)
}

func (s *Supervisor) attemptFailed(gen uint64, err error) {
	if !s.loopActive(gen) {
		return
	}
	n := state.Update(s.store, state.ReconnectAttempts, func(v int) int { return v + 1 })
	ctx := s.baseContext()

	delay, ok := s.cfg.Backoff.Delay(n)
	if !ok {
		s.log.Warn(ctx, "reconnection attempts exhausted", "attempts", n, "error", err)
		s.stopLoop()
		s.setStatus(models.Offline)
		s.notice(events.LevelError, "Unable to reconnect. Check your connection and reconnect manually.", true)
		return
	}

	s.log.Debug(ctx, "reconnection attempt failed", "attempt", n, "retry_in", delay, "error", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.looping || s.generation != gen {
		return
	}
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.attempt(s.baseContext(), gen) })
}

// reconnected completes a successful reconnection: the attempt counter is
// reset, subscriptions are rebuilt (Reconnected) and the outbox flushed.
func (s *Supervisor) reconnected(ctx context.Context) {
	attempts := s.Attempts()
	s.stopLoop()
	state.Set(s.store, state.ReconnectAttempts, 0)
	s.setStatus(models.Online)

	s.refreshPresence(ctx, models.UserOnline)

	// Resubscribe before flushing so echoes of flushed sends are observed.
	s.bus.Publish(events.Reconnected{Attempts: attempts})
	s.FlushQueue(ctx)

	if attempts > 0 {
		s.notice(events.LevelInfo, "Connection restored.", false)
	}
}

func (s *Supervisor) onSessionExpired(ctx context.Context, err error) {
	s.log.Warn(ctx, "session expired during reconnection", "error", err)
	s.stopLoop()
	s.bus.Publish(events.SessionExpired{})
}

func (s *Supervisor) refreshPresence(ctx context.Context, status models.UserStatus) {
	state.Set(s.store, state.UserStatus, status)
	if s.presence == nil {
		return
	}
	if err := s.presence.SetStatus(ctx, status); err != nil {
		s.log.Debug(ctx, "presence update failed", "status", string(status), "error", err)
	}
}

func (s *Supervisor) onHeartbeat() {
	if !s.isRunning() {
		return
	}
	defer s.scheduleHeartbeat()

	if !state.Get(s.store, state.Visible) || s.Status() == models.Offline {
		return
	}

	parent := s.baseContext()
	ctx, cancel := context.WithTimeout(parent, s.cfg.RequestTimeout)
	defer cancel()

	err := s.probe(ctx)
	if sessionGone(err) {
		s.onSessionExpired(ctx, err)
		return
	}

	status := s.Status()
	switch {
	case err != nil && status == models.Online:
		s.log.Warn(ctx, "heartbeat failed", "error", err)
		gen := s.startLoop()
		s.setStatus(models.Reconnecting)
		s.attempt(parent, gen)
	case err == nil && status != models.Online:
		s.log.Info(ctx, "heartbeat recovered connection")
		s.reconnected(ctx)
	}
}

func (s *Supervisor) probe(ctx context.Context) error {
	if s.session != nil {
		if err := s.session.Check(ctx); err != nil {
			return err
		}
	}
	if err := s.transport.Ping(ctx); err != nil {
		return err
	}
	if s.presence != nil {
		if err := s.presence.SetStatus(ctx, state.Get(s.store, state.UserStatus)); err != nil {
			s.log.Debug(ctx, "last seen refresh failed", "error", err)
		}
	}
	return nil
}

func (s *Supervisor) scheduleHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, s.onHeartbeat)
}

// TrackActivity records a user interaction and pushes back the inactivity
// timeout. Calls within ActivityThrottle of the previous one are ignored.
func (s *Supervisor) TrackActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.sessionTimer == nil {
		return
	}
	now := s.clock.Now()
	if now.Sub(s.lastActivity) < s.cfg.ActivityThrottle {
		return
	}
	s.lastActivity = now
	s.sessionTimer.Reset(s.cfg.SessionTimeout)
}

func (s *Supervisor) onSessionTimeout() {
	if !s.isRunning() {
		return
	}
	s.log.Info(s.baseContext(), "session timed out after inactivity")
	s.bus.Publish(events.SessionTimeout{})
	s.notice(events.LevelWarning, "Your session timed out due to inactivity.", true)
}

// HandleVisibility couples the connection to foreground state: becoming
// visible while not online triggers an attempt, becoming hidden sets
// presence to away without touching the connection status.
func (s *Supervisor) HandleVisibility(ctx context.Context, visible bool) {
	state.Set(s.store, state.Visible, visible)
	if !visible {
		s.refreshPresence(ctx, models.UserAway)
		return
	}
	s.refreshPresence(ctx, models.UserOnline)
	if s.Status() != models.Online {
		s.ForceReconnect(ctx)
	}
}

// QueueMessage appends msg to the outbox.
func (s *Supervisor) QueueMessage(msg models.OutboundMessage) {
	n := s.outbox.Queue(msg)
	state.Set(s.store, state.OutboxLen, n)
	s.bus.Publish(events.QueueUpdated{Length: n})
}

// FlushQueue sends queued messages through the Sender.
func (s *Supervisor) FlushQueue(ctx context.Context) FlushResult {
	if s.outbox.Len() == 0 {
		return FlushResult{}
	}

	res := s.outbox.Flush(ctx, func(ctx context.Context, msg models.OutboundMessage) error {
		_, err := s.sender.SendMessage(ctx, msg)
		if err != nil {
			s.log.Debug(ctx, "queued send failed", "idempotency_key", msg.IdempotencyKey, "error", err)
		}
		return err
	})

	s.log.Info(ctx, "outbox flushed", "sent", res.Sent, "failed", res.Failed, "remaining", res.Remaining)
	state.Set(s.store, state.OutboxLen, res.Remaining)
	s.bus.Publish(events.QueueFlushed{Sent: res.Sent, Failed: res.Failed, Remaining: res.Remaining, Dropped: res.Dropped})
	s.bus.Publish(events.QueueUpdated{Length: res.Remaining})
	return res
}
