package realtime

import (
	"context"
	"slices"
	"sort"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
)

func (e *Engine) presenceHandlers(id string) PresenceHandlers {
	return PresenceHandlers{
		OnSync: func(members []models.PresenceMember) {
			e.protect("presence sync", func() { e.ApplyPresenceSync(id, members) })
		},
		OnJoin: func(m models.PresenceMember) {
			e.protect("presence join", func() { e.applyJoin(m.UserID) })
		},
		OnLeave: func(m models.PresenceMember) {
			e.protect("presence leave", func() { e.applyLeave(id, m.UserID) })
		},
	}
}

func (e *Engine) protect(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(e.baseContext(), name, errPanic(r))
		}
	}()
	fn()
}

// ApplyPresenceSync reconciles a full presence snapshot of a conversation.
// Every other member is online. A member is typing only if their latest
// record says so; members missing from the snapshot stop typing.
func (e *Engine) ApplyPresenceSync(id string, members []models.PresenceMember) {
	self := e.self()

	online := make([]string, 0, len(members))
	typing := make([]string, 0)
	for _, m := range members {
		if m.UserID == "" || m.UserID == self {
			continue
		}
		online = append(online, m.UserID)
		if rec, ok := m.Latest(); ok && rec.Typing {
			typing = append(typing, m.UserID)
		}
	}
	sort.Strings(online)
	online = slices.Compact(online)
	sort.Strings(typing)
	typing = slices.Compact(typing)

	for _, uid := range online {
		e.applyJoin(uid)
	}

	e.rearmTyping(id, typing)
	e.setTyping(id, typing)

	snap := models.PresenceSnapshot{Online: online, Typing: typing}
	state.MergeEntry(e.store, state.Presence, id, snap)
	e.bus.Publish(events.PresenceUpdated{ConversationID: id, Snapshot: snap})
}

func (e *Engine) applyJoin(uid string) {
	if uid == "" || uid == e.self() {
		return
	}
	added := false
	state.UpdateEntry(e.store, state.OnlineUsers, uid, func(cur, ok bool) (bool, bool) {
		added = !ok || !cur
		return true, true
	})
	if added {
		e.bus.Publish(events.UserOnline{UserID: uid})
	}
}

func (e *Engine) applyLeave(id, uid string) {
	if uid == "" || uid == e.self() {
		return
	}
	removed := false
	state.UpdateEntry(e.store, state.OnlineUsers, uid, func(cur, ok bool) (bool, bool) {
		removed = ok && cur
		return false, false
	})
	if removed {
		e.bus.Publish(events.UserOffline{UserID: uid})
	}
	e.cancelTypingTimer(id, uid)
	e.removeTyping(id, uid)
}

// rearmTyping gives every typing member a fresh expiry timer and cancels
// the timers of members no longer typing.
func (e *Engine) rearmTyping(id string, typing []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timers := e.typingTimers[id]
	if timers == nil {
		timers = make(map[string]*timerToken)
		e.typingTimers[id] = timers
	}
	for uid, tok := range timers {
		if !slices.Contains(typing, uid) {
			tok.timer.Stop()
			delete(timers, uid)
		}
	}
	for _, uid := range typing {
		if tok, ok := timers[uid]; ok {
			tok.timer.Stop()
		}
		tok := &timerToken{}
		timers[uid] = tok
		tok.timer = e.clock.AfterFunc(e.cfg.TypingExpiry, func() { e.expireTyping(id, uid, tok) })
	}
}

func (e *Engine) expireTyping(id, uid string, tok *timerToken) {
	e.mu.Lock()
	timers := e.typingTimers[id]
	if timers == nil || timers[uid] != tok {
		e.mu.Unlock()
		return
	}
	delete(timers, uid)
	e.mu.Unlock()

	e.log.Debug(e.baseContext(), "typing expired", "conversation_id", id, "user_id", uid)
	e.removeTyping(id, uid)
}

func (e *Engine) cancelTypingTimer(id, uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tok, ok := e.typingTimers[id][uid]; ok {
		tok.timer.Stop()
		delete(e.typingTimers[id], uid)
	}
}

// clearTyping cancels every typing timer of a conversation and empties its
// typing set.
func (e *Engine) clearTyping(id string) {
	e.mu.Lock()
	for _, tok := range e.typingTimers[id] {
		tok.timer.Stop()
	}
	delete(e.typingTimers, id)
	e.mu.Unlock()

	if _, ok := state.GetEntry(e.store, state.Typing, id); ok {
		state.DeleteEntry(e.store, state.Typing, id)
		e.bus.Publish(events.TypingUpdated{ConversationID: id})
	}
}

func (e *Engine) setTyping(id string, typing []string) {
	changed := false
	state.UpdateEntry(e.store, state.Typing, id, func(cur []string, ok bool) ([]string, bool) {
		changed = !slices.Equal(cur, typing)
		return typing, len(typing) > 0
	})
	if changed {
		e.bus.Publish(events.TypingUpdated{ConversationID: id, UserIDs: slices.Clone(typing)})
	}
}

func (e *Engine) removeTyping(id, uid string) {
	var next []string
	changed := false
	state.UpdateEntry(e.store, state.Typing, id, func(cur []string, ok bool) ([]string, bool) {
		i := slices.Index(cur, uid)
		if i < 0 {
			next = cur
			return cur, ok
		}
		changed = true
		next = slices.Delete(slices.Clone(cur), i, i+1)
		return next, len(next) > 0
	})
	if changed {
		e.bus.Publish(events.TypingUpdated{ConversationID: id, UserIDs: slices.Clone(next)})
	}
}

// TypingUsers returns who is typing in a conversation.
func (e *Engine) TypingUsers(id string) []string {
	v, _ := state.GetEntry(e.store, state.Typing, id)
	return slices.Clone(v)
}

// StartTyping broadcasts typing=true for the active conversation if not
// already broadcasting and pushes back the automatic stop.
func (e *Engine) StartTyping(ctx context.Context) {
	e.mu.Lock()
	if e.active == nil || e.active.presence == nil {
		e.mu.Unlock()
		return
	}
	ch := e.active.presence
	first := !e.broadcasting
	e.broadcasting = true

	if e.autoStop != nil {
		e.autoStop.timer.Stop()
	}
	tok := &timerToken{}
	e.autoStop = tok
	tok.timer = e.clock.AfterFunc(e.cfg.TypingDebounce, func() { e.autoStopTyping(tok) })
	e.mu.Unlock()

	if first {
		e.track(ctx, ch, true)
	}
}

func (e *Engine) autoStopTyping(tok *timerToken) {
	e.mu.Lock()
	if e.autoStop != tok {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := e.requestContext()
	defer cancel()
	e.StopTyping(ctx)
}

// StopTyping cancels the automatic stop and sends one final typing=false.
func (e *Engine) StopTyping(ctx context.Context) {
	e.mu.Lock()
	var ch PresenceChannel
	if e.active != nil {
		ch = e.active.presence
	}
	e.mu.Unlock()
	e.stopTypingOn(ctx, ch)
}

func (e *Engine) stopTypingOn(ctx context.Context, ch PresenceChannel) {
	e.mu.Lock()
	if e.autoStop != nil {
		e.autoStop.timer.Stop()
		e.autoStop = nil
	}
	was := e.broadcasting
	e.broadcasting = false
	e.mu.Unlock()

	if was && ch != nil {
		e.track(ctx, ch, false)
	}
}

// Broadcasting reports whether local typing is being broadcast.
func (e *Engine) Broadcasting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broadcasting
}

func (e *Engine) track(ctx context.Context, ch PresenceChannel, typing bool) {
	rec := models.PresenceRecord{
		UserID:   e.self(),
		Typing:   typing,
		Status:   state.Get(e.store, state.UserStatus),
		OnlineAt: e.clock.Now(),
	}
	if err := ch.Track(ctx, rec); err != nil {
		e.log.Debug(ctx, "typing broadcast failed", "typing", typing, "error", err)
	}
}
