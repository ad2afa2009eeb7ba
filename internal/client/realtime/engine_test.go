package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
)

type fakeSub struct {
	topic   string
	filter  Filter
	handler ChangeHandler
	closed  bool
}

func (s *fakeSub) Unsubscribe(context.Context) error {
	s.closed = true
	return nil
}

type fakePresence struct {
	mu       sync.Mutex
	handlers PresenceHandlers
	tracks   []models.PresenceRecord
	left     bool
}

func (p *fakePresence) Track(_ context.Context, rec models.PresenceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, rec)
	return nil
}

func (p *fakePresence) Leave(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = true
	return nil
}

func (p *fakePresence) typingFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bool
	for _, r := range p.tracks {
		out = append(out, r.Typing)
	}
	return out
}

type fakeFeed struct {
	mu        sync.Mutex
	subs      map[string][]*fakeSub
	presence  map[string][]*fakePresence
	failTopic string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: map[string][]*fakeSub{}, presence: map[string][]*fakePresence{}}
}

func (f *fakeFeed) Subscribe(_ context.Context, topic string, filter Filter, h ChangeHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return nil, errors.New("subscribe refused")
	}
	s := &fakeSub{topic: topic, filter: filter, handler: h}
	f.subs[topic] = append(f.subs[topic], s)
	return s, nil
}

func (f *fakeFeed) JoinPresence(_ context.Context, topic, _ string, h PresenceHandlers) (PresenceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePresence{handlers: h}
	f.presence[topic] = append(f.presence[topic], p)
	return p, nil
}

func (f *fakeFeed) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

func (f *fakeFeed) latest(topic string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[topic]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

func (f *fakeFeed) latestPresence(topic string) *fakePresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.presence[topic]
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

func (f *fakeFeed) deliver(t *testing.T, topic string, typ models.ChangeType, newRow, oldRow *models.Message) {
	t.Helper()
	ev, err := models.NewMessageChange(typ, newRow, oldRow)
	require.NoError(t, err)
	s := f.latest(topic)
	require.NotNil(t, s, "no subscription for %s", topic)
	s.handler(ev)
}

type fakeReads struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeReads) MarkRead(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return nil
}

func (r *fakeReads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func collect[T events.Event](l *eventLog) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []T
	for _, ev := range l.events {
		if t, ok := ev.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

const self = "alice"

type harness struct {
	engine *Engine
	store  *state.Store
	clock  *clock.FakeClock
	feed   *fakeFeed
	reads  *fakeReads
	log    *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.Fake(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus(nil)
	el := &eventLog{}
	bus.Subscribe(el.handle)
	store := state.New(bus, nil)
	state.Set(store, state.CurrentUser, models.User{ID: self, Username: self})

	h := &harness{store: store, clock: fc, feed: newFakeFeed(), reads: &fakeReads{}, log: el}
	h.engine = New(Config{TypingDebounce: 3 * time.Second, TypingExpiry: 6 * time.Second}, Deps{
		Store: store,
		Clock: fc,
		Feed:  h.feed,
		Reads: h.reads,
	})
	require.NoError(t, h.engine.Start(context.Background()))
	return h
}

func (h *harness) messages(id string) []models.Message {
	v, _ := state.GetEntry(h.store, state.Messages, id)
	return v
}

func incoming(id, key string) *models.Message {
	return &models.Message{
		ID: id, ConversationID: "c1", SenderID: "bob", Ciphertext: "ct-" + id, IV: "iv",
		IdempotencyKey: key, Type: models.MessageTypeText,
		CreatedAt: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEnterConversation_SubscribesAndMarksRead(t *testing.T) {
	h := newHarness(t)
	state.MergeEntry(h.store, state.UnreadCounts, "c1", 3)

	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))

	assert.Equal(t, "c1", state.Get(h.store, state.ActiveConversation))
	sub := h.feed.latest(MessagesTopic("c1"))
	require.NotNil(t, sub)
	assert.Equal(t, Filter{Table: models.TableMessages, Column: "conversation_id", Value: "c1"}, sub.filter)
	require.NotNil(t, h.feed.latestPresence(PresenceTopic("c1")))
	assert.Equal(t, 1, h.reads.count())
	assert.Zero(t, state.Get(h.store, state.TotalUnread))
	assert.Len(t, collect[events.ConversationEntered](h.log), 1)

	// Entering again is a no-op.
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	assert.Equal(t, 1, h.feed.count(MessagesTopic("c1")))
}

func TestEnterConversation_LeavesPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))
	first := h.feed.latest(MessagesTopic("c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))

	pres.handlers.OnSync([]models.PresenceMember{{UserID: "bob", Records: []models.PresenceRecord{{UserID: "bob", Typing: true}}}})
	require.Equal(t, []string{"bob"}, h.engine.TypingUsers("c1"))

	require.NoError(t, h.engine.EnterConversation(ctx, "c2"))
	assert.True(t, first.closed)
	assert.True(t, pres.left)
	assert.Empty(t, h.engine.TypingUsers("c1"))
	assert.Equal(t, "c2", state.Get(h.store, state.ActiveConversation))
	left := collect[events.ConversationLeft](h.log)
	require.Len(t, left, 1)
	assert.Equal(t, "c1", left[0].ConversationID)

	// The cancelled expiry timer never fires.
	before := len(collect[events.TypingUpdated](h.log))
	h.clock.Advance(time.Minute)
	assert.Len(t, collect[events.TypingUpdated](h.log), before)
}

func TestEnterConversation_FailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	h.feed.failTopic = MessagesTopic("c1")

	err := h.engine.EnterConversation(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, "c1", state.Get(h.store, state.ActiveConversation))
	assert.Len(t, collect[events.Error](h.log), 1)

	h.feed.failTopic = ""
	require.NoError(t, h.engine.ResubscribeActive(context.Background()))
	assert.Equal(t, 1, h.feed.count(MessagesTopic("c1")))
}

func TestLeaveConversation_KeepsNewerMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))
	state.Set(h.store, state.ActiveConversation, "c9")

	h.engine.LeaveConversation(ctx, "c1")
	assert.Equal(t, "c9", state.Get(h.store, state.ActiveConversation))
	assert.Empty(t, h.engine.ActiveID())

	h.engine.LeaveConversation(ctx, "c1")
	assert.Len(t, collect[events.ConversationLeft](h.log), 1)
}

func TestInsert_DeduplicatedAndReadWhenActive(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	topic := MessagesTopic("c1")

	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m1", "k1"), nil)
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m1", "k1"), nil)
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m1", ""), nil)

	msgs := h.messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "ct-m1", msgs[0].Ciphertext)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Len(t, collect[events.MessageReceived](h.log), 1)
	assert.Equal(t, 2, h.reads.count()) // enter + one receipt
	assert.Zero(t, state.Get(h.store, state.TotalUnread))
}

func TestInsert_HiddenCountsUnread(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	state.Set(h.store, state.Visible, false)

	h.feed.deliver(t, MessagesTopic("c1"), models.ChangeInsert, incoming("m1", "k1"), nil)
	h.feed.deliver(t, MessagesTopic("c1"), models.ChangeInsert, incoming("m2", "k2"), nil)

	n, _ := state.GetEntry(h.store, state.UnreadCounts, "c1")
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, state.Get(h.store, state.TotalUnread))
	assert.Equal(t, 1, h.reads.count())
}

func TestInsert_OwnMessageConfirmsOptimisticCopy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	state.MergeEntry(h.store, state.Messages, "c1", []models.Message{{
		ConversationID: "c1", SenderID: self, IdempotencyKey: "opt-1", Status: models.StatusSending, Ciphertext: "ct",
	}})

	echo := &models.Message{ID: "m9", ConversationID: "c1", SenderID: self, IdempotencyKey: "opt-1", Ciphertext: "ct", IV: "iv"}
	h.feed.deliver(t, MessagesTopic("c1"), models.ChangeInsert, echo, nil)
	h.feed.deliver(t, MessagesTopic("c1"), models.ChangeInsert, echo, nil)

	msgs := h.messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m9", msgs[0].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	confirmed := collect[events.SendConfirmed](h.log)
	require.Len(t, confirmed, 2)
	assert.Equal(t, "opt-1", confirmed[0].IdempotencyKey)
	assert.Empty(t, collect[events.MessageReceived](h.log))
}

func TestUpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	topic := MessagesTopic("c1")
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m1", "k1"), nil)
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m2", "k2"), nil)
	state.Set(h.store, state.Visible, false)
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m3", "k3"), nil)
	require.Equal(t, 1, state.Get(h.store, state.TotalUnread))

	// Unknown id: no-op.
	h.feed.deliver(t, topic, models.ChangeUpdate, incoming("zz", ""), nil)
	assert.Len(t, h.messages("c1"), 3)
	assert.Empty(t, collect[events.MessageUpdated](h.log))

	// Tombstone stays in place and leaves unread counts alone.
	ts := incoming("m1", "").Tombstone()
	h.feed.deliver(t, topic, models.ChangeUpdate, &ts, nil)
	msgs := h.messages("c1")
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].IsTombstone())
	assert.Equal(t, "k1", msgs[0].IdempotencyKey)
	assert.Equal(t, 1, state.Get(h.store, state.TotalUnread))

	// Hidden for self: removed locally.
	hidden := incoming("m2", "k2")
	hidden.HiddenFor = []string{self}
	h.feed.deliver(t, topic, models.ChangeUpdate, hidden, nil)
	assert.Len(t, h.messages("c1"), 2)

	h.feed.deliver(t, topic, models.ChangeDelete, nil, incoming("m3", ""))
	msgs = h.messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Len(t, collect[events.MessageDeleted](h.log), 2)
}

func TestDelete_OldRowWithOnlyID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	topic := MessagesTopic("c1")
	h.feed.deliver(t, topic, models.ChangeInsert, incoming("m1", "k1"), nil)
	require.Len(t, h.messages("c1"), 1)

	h.feed.deliver(t, topic, models.ChangeDelete, nil, &models.Message{ID: "m1"})
	assert.Empty(t, h.messages("c1"))
	deleted := collect[events.MessageDeleted](h.log)
	require.Len(t, deleted, 1)
	assert.Equal(t, "c1", deleted[0].ConversationID)
}

func TestGlobalFeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state.Set(h.store, state.Conversations, []models.Conversation{
		{ID: "c1", LastMessageAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)},
		{ID: "c2", LastMessageAt: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))

	other := incoming("g1", "")
	other.ConversationID = "c2"
	h.feed.deliver(t, GlobalMessagesTopic, models.ChangeInsert, other, nil)
	h.feed.deliver(t, GlobalMessagesTopic, models.ChangeInsert, other, nil)

	mine := incoming("g2", "")
	mine.ConversationID, mine.SenderID = "c3", self
	h.feed.deliver(t, GlobalMessagesTopic, models.ChangeInsert, mine, nil)

	h.feed.deliver(t, GlobalMessagesTopic, models.ChangeInsert, incoming("g3", ""), nil) // active conversation

	n, _ := state.GetEntry(h.store, state.UnreadCounts, "c2")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, state.Get(h.store, state.TotalUnread))
	notes := collect[events.MessageNotification](h.log)
	require.Len(t, notes, 1)
	assert.Equal(t, "c2", notes[0].ConversationID)
	assert.Equal(t, 1, notes[0].TotalUnread)
	assert.Equal(t, "c2", state.Get(h.store, state.Conversations)[0].ID)
}

func TestContactFeed(t *testing.T) {
	h := newHarness(t)
	sub := h.feed.latest(ContactsTopic(self))
	require.NotNil(t, sub)

	sub.handler(models.ChangeEvent{
		Type:  models.ChangeInsert,
		Table: models.TableContacts,
		New:   []byte(`{"id":"r1","user_id":"bob","contact_id":"alice","status":"pending"}`),
	})
	got := collect[events.ContactNotification](h.log)
	require.Len(t, got, 1)
	assert.Equal(t, models.ContactPending, got[0].Contact.Status)
	assert.Equal(t, "bob", got[0].Contact.UserID)
}

func TestPresenceSync_TypingFromLatestRecordAndExpiry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))

	pres.handlers.OnSync([]models.PresenceMember{
		{UserID: self, Records: []models.PresenceRecord{{Typing: true}}},
		{UserID: "bob", Records: []models.PresenceRecord{{Typing: true}}},
		{UserID: "carol", Records: []models.PresenceRecord{{Typing: true}, {Typing: false}}},
	})
	assert.Equal(t, []string{"bob"}, h.engine.TypingUsers("c1"))
	online := state.Get(h.store, state.OnlineUsers)
	assert.True(t, online["bob"])
	assert.True(t, online["carol"])
	assert.False(t, online[self])
	snap, _ := state.GetEntry(h.store, state.Presence, "c1")
	assert.Equal(t, []string{"bob", "carol"}, snap.Online)

	// A fresh sync refreshes the timer.
	h.clock.Advance(4 * time.Second)
	pres.handlers.OnSync([]models.PresenceMember{{UserID: "bob", Records: []models.PresenceRecord{{Typing: true}}}})
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, h.engine.TypingUsers("c1"))

	h.clock.Advance(2 * time.Second)
	assert.Empty(t, h.engine.TypingUsers("c1"))
	updates := collect[events.TypingUpdated](h.log)
	require.NotEmpty(t, updates)
	assert.Empty(t, updates[len(updates)-1].UserIDs)
}

func TestPresenceSync_AbsenceStopsTyping(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))

	pres.handlers.OnSync([]models.PresenceMember{{UserID: "bob", Records: []models.PresenceRecord{{Typing: true}}}})
	pres.handlers.OnSync([]models.PresenceMember{{UserID: "bob", Records: []models.PresenceRecord{{Typing: false}}}})
	assert.Empty(t, h.engine.TypingUsers("c1"))
	assert.Zero(t, h.clock.Pending())
}

func TestPresenceJoinLeave(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EnterConversation(context.Background(), "c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))

	pres.handlers.OnJoin(models.PresenceMember{UserID: "bob"})
	pres.handlers.OnJoin(models.PresenceMember{UserID: "bob"})
	pres.handlers.OnJoin(models.PresenceMember{UserID: self})
	assert.Len(t, collect[events.UserOnline](h.log), 1)

	pres.handlers.OnSync([]models.PresenceMember{{UserID: "bob", Records: []models.PresenceRecord{{Typing: true}}}})
	pres.handlers.OnLeave(models.PresenceMember{UserID: "bob"})
	assert.Len(t, collect[events.UserOffline](h.log), 1)
	assert.Empty(t, h.engine.TypingUsers("c1"))
	assert.False(t, state.Get(h.store, state.OnlineUsers)["bob"])
}

func TestTypingBroadcast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))
	base := len(pres.typingFlags()) // initial track on join

	h.engine.StartTyping(ctx)
	h.clock.Advance(2 * time.Second)
	h.engine.StartTyping(ctx)
	h.clock.Advance(2 * time.Second)
	assert.True(t, h.engine.Broadcasting())
	assert.Equal(t, []bool{true}, pres.typingFlags()[base:])

	h.clock.Advance(time.Second) // debounce elapses after the last keystroke
	assert.False(t, h.engine.Broadcasting())
	assert.Equal(t, []bool{true, false}, pres.typingFlags()[base:])

	h.engine.StartTyping(ctx)
	h.engine.StopTyping(ctx)
	h.engine.StopTyping(ctx)
	h.clock.Advance(time.Minute)
	assert.Equal(t, []bool{true, false, true, false}, pres.typingFlags()[base:])
}

func TestLeaveStopsTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))
	pres := h.feed.latestPresence(PresenceTopic("c1"))
	h.engine.StartTyping(ctx)

	h.engine.LeaveConversation(ctx, "c1")
	flags := pres.typingFlags()
	assert.False(t, flags[len(flags)-1])
	assert.Zero(t, h.clock.Pending())
}

func TestResubscribe_SafeWithoutChannels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.ResubscribeActive(ctx))
	require.NoError(t, h.engine.ResubscribeGlobal(ctx))
	assert.Equal(t, 2, h.feed.count(GlobalMessagesTopic))
	assert.True(t, h.feed.subs[GlobalMessagesTopic][0].closed)
}

func TestReconnectedResubscribesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))

	h.store.Bus().Publish(events.Reconnected{Attempts: 2})

	assert.Equal(t, 2, h.feed.count(MessagesTopic("c1")))
	assert.True(t, h.feed.subs[MessagesTopic("c1")][0].closed)
	assert.Equal(t, 2, h.feed.count(GlobalMessagesTopic))

	h.engine.Stop(ctx)
	h.store.Bus().Publish(events.Reconnected{})
	assert.Equal(t, 2, h.feed.count(MessagesTopic("c1")))
}

func TestResubscribeActive_CancelsTypingAutoStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.EnterConversation(ctx, "c1"))
	h.engine.StartTyping(ctx)
	require.True(t, h.engine.Broadcasting())

	require.NoError(t, h.engine.ResubscribeActive(ctx))
	assert.False(t, h.engine.Broadcasting())
	assert.Zero(t, h.clock.Pending())

	pres := h.feed.latestPresence(PresenceTopic("c1"))
	before := len(pres.typingFlags())
	h.clock.Advance(time.Minute)
	assert.Len(t, pres.typingFlags(), before)
}
