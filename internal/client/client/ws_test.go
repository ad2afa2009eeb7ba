package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/realtime"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *serverConn) send(t *testing.T, f Frame) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteJSON(f))
}

// wsServer acks every request unless told to reject or ignore its type.
type wsServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   []*serverConn
	frames  []Frame
	auth    []string
	reject  map[string]string
	ignore  map[string]bool
	refuse  bool
	joined  chan *serverConn
	upgrade websocket.Upgrader
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		reject: map[string]string{},
		ignore: map[string]bool{},
		joined: make(chan *serverConn, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	s.joined <- sc

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, f)
		msg, rejected := s.reject[f.Type]
		ignored := s.ignore[f.Type]
		s.mu.Unlock()

		switch {
		case ignored:
		case rejected:
			sc.mu.Lock()
			_ = conn.WriteJSON(Frame{Type: FrameError, Ref: f.Ref, Error: msg})
			sc.mu.Unlock()
		default:
			sc.mu.Lock()
			_ = conn.WriteJSON(Frame{Type: FrameAck, Ref: f.Ref})
			sc.mu.Unlock()
		}
	}
}

func (s *wsServer) framesOf(typ string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *wsServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-s.joined:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
		return nil
	}
}

func connectWS(t *testing.T, s *wsServer) (*WSRealtime, *serverConn) {
	t.Helper()
	w := NewWSRealtime(s.url(), func() string { return "tok" }, nil)
	w.SetRequestTimeout(2 * time.Second)
	require.NoError(t, w.Connect(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return w, s.waitConn(t)
}

func changeFrame(t *testing.T, topic string, msg models.Message) Frame {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return Frame{Type: FrameChange, Topic: topic, Change: &models.ChangeEvent{
		Type: models.ChangeInsert, Table: models.TableMessages, New: raw,
	}}
}

func TestWS_ConnectSendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)

	assert.True(t, w.Connected())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, []string{"Bearer tok"}, s.auth)
}

func TestWS_ConnectRejectedIsUnauthorized(t *testing.T) {
	s := newWSServer(t)
	s.refuse = true

	w := NewWSRealtime(s.url(), nil, nil)
	err := w.Connect(context.Background())
	require.ErrorIs(t, err, common.ErrUnauthorized)
	assert.False(t, w.Connected())
}

func TestWS_RequestsNeedConnection(t *testing.T) {
	w := NewWSRealtime("ws://127.0.0.1:1", nil, nil)

	require.ErrorIs(t, w.Ping(context.Background()), ErrNotConnected)
	_, err := w.Subscribe(context.Background(), "messages:c1", realtime.Filter{Table: models.TableMessages}, func(models.ChangeEvent) {})
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = w.JoinPresence(context.Background(), "presence:c1", "alice", realtime.PresenceHandlers{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestWS_PingAndServerError(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)

	require.NoError(t, w.Ping(context.Background()))

	s.mu.Lock()
	s.reject[FrameHeartbeat] = "overloaded"
	s.mu.Unlock()

	err := w.Ping(context.Background())
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "overloaded", se.Message)
}

func TestWS_UnansweredRequestTimesOut(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)
	w.SetRequestTimeout(50 * time.Millisecond)

	s.mu.Lock()
	s.ignore[FrameHeartbeat] = true
	s.mu.Unlock()

	require.ErrorIs(t, w.Ping(context.Background()), ErrTimeout)
}

func TestWS_SubscribeDeliversChangesForTopic(t *testing.T) {
	s := newWSServer(t)
	w, sc := connectWS(t, s)

	got := make(chan models.ChangeEvent, 4)
	sub, err := w.Subscribe(context.Background(), "messages:c1",
		realtime.Filter{Table: models.TableMessages, Column: "conversation_id", Value: "c1"},
		func(ev models.ChangeEvent) { got <- ev })
	require.NoError(t, err)

	frames := s.framesOf(FrameSubscribe)
	require.Len(t, frames, 1)
	assert.Equal(t, "messages:c1", frames[0].Topic)
	assert.Equal(t, "conversation_id", frames[0].Filter.Column)

	sc.send(t, changeFrame(t, "messages:other", models.Message{ID: "x"}))
	sc.send(t, changeFrame(t, "messages:c1", models.Message{ID: "m1", ConversationID: "c1"}))

	select {
	case ev := <-got:
		row, _, err := ev.Messages()
		require.NoError(t, err)
		assert.Equal(t, "m1", row.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	require.NoError(t, sub.Unsubscribe(context.Background()))
	require.Len(t, s.framesOf(FrameUnsubscribe), 1)

	// a second unsubscribe is local only
	require.NoError(t, sub.Unsubscribe(context.Background()))
	assert.Len(t, s.framesOf(FrameUnsubscribe), 1)
}

func TestWS_SubscribeRejected(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)
	s.mu.Lock()
	s.reject[FrameSubscribe] = "forbidden"
	s.mu.Unlock()

	_, err := w.Subscribe(context.Background(), "messages:c1", realtime.Filter{}, func(models.ChangeEvent) {})
	require.Error(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.subs)
}

func TestWS_PresenceSyncAndTrack(t *testing.T) {
	s := newWSServer(t)
	w, sc := connectWS(t, s)

	synced := make(chan []models.PresenceMember, 1)
	left := make(chan models.PresenceMember, 1)
	ch, err := w.JoinPresence(context.Background(), "presence:c1", "alice", realtime.PresenceHandlers{
		OnSync:  func(m []models.PresenceMember) { synced <- m },
		OnLeave: func(m models.PresenceMember) { left <- m },
	})
	require.NoError(t, err)

	require.NoError(t, ch.Track(context.Background(), models.PresenceRecord{Typing: true}))
	tracks := s.framesOf(FrameTrack)
	require.Len(t, tracks, 1)
	assert.Equal(t, "alice", tracks[0].Record.UserID)
	assert.True(t, tracks[0].Record.Typing)

	sc.send(t, Frame{Type: FramePresenceSync, Topic: "presence:c1", Members: []models.PresenceMember{
		{UserID: "bob", Records: []models.PresenceRecord{{UserID: "bob", Typing: true}}},
	}})
	sc.send(t, Frame{Type: FramePresenceLeave, Topic: "presence:c1", Member: &models.PresenceMember{UserID: "bob"}})

	select {
	case m := <-synced:
		require.Len(t, m, 1)
		assert.Equal(t, "bob", m[0].UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence sync")
	}
	select {
	case m := <-left:
		assert.Equal(t, "bob", m.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no presence leave")
	}

	require.NoError(t, ch.Leave(context.Background()))
	assert.Len(t, s.framesOf(FramePresenceLeave), 1)
}

func TestWS_DropNotifiesAndReconnectForgetsOldSubscriptions(t *testing.T) {
	s := newWSServer(t)
	w, sc := connectWS(t, s)

	dropped := make(chan error, 1)
	w.OnDisconnect(func(err error) { dropped <- err })

	sub, err := w.Subscribe(context.Background(), "messages:c1", realtime.Filter{}, func(models.ChangeEvent) {})
	require.NoError(t, err)
	pres, err := w.JoinPresence(context.Background(), "presence:c1", "alice", realtime.PresenceHandlers{})
	require.NoError(t, err)

	require.NoError(t, sc.conn.Close())
	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, w.Connected())
	require.ErrorIs(t, w.Ping(context.Background()), ErrNotConnected)

	require.NoError(t, w.Reconnect(context.Background()))
	s.waitConn(t)
	require.NoError(t, w.Ping(context.Background()))

	require.NoError(t, sub.Unsubscribe(context.Background()))
	require.NoError(t, pres.Leave(context.Background()))
	require.ErrorIs(t, pres.Track(context.Background(), models.PresenceRecord{}), ErrClosed)
	assert.Empty(t, s.framesOf(FrameUnsubscribe))
	assert.Empty(t, s.framesOf(FramePresenceLeave))
}

func TestWS_CloseIsFinal(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)

	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Connect(context.Background()), ErrClosed)
	require.NoError(t, w.Close())
}

func TestWS_DisconnectIsSilentAndReversible(t *testing.T) {
	s := newWSServer(t)
	w, _ := connectWS(t, s)

	notified := false
	w.OnDisconnect(func(error) { notified = true })

	w.Disconnect()
	assert.False(t, w.Connected())
	assert.False(t, notified)

	require.NoError(t, w.Connect(context.Background()))
	s.waitConn(t)
	require.NoError(t, w.Ping(context.Background()))
}
