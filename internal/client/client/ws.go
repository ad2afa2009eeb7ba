package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/realtime"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/logging"
	"github.com/gorilla/websocket"
)

// Frame types exchanged over the realtime socket.
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameTrack         = "track"
	FrameHeartbeat     = "heartbeat"

	FrameAck          = "ack"
	FrameError        = "error"
	FrameChange       = "change"
	FramePresenceSync = "presence_sync"
)

// Frame is one JSON message on the realtime socket. Requests carry a Ref
// that the server echoes in its ack or error frame.
type Frame struct {
	Type    string                  `json:"type"`
	Ref     string                  `json:"ref,omitempty"`
	Topic   string                  `json:"topic,omitempty"`
	Filter  *realtime.Filter        `json:"filter,omitempty"`
	Key     string                  `json:"key,omitempty"`
	Record  *models.PresenceRecord  `json:"record,omitempty"`
	Change  *models.ChangeEvent     `json:"change,omitempty"`
	Members []models.PresenceMember `json:"members,omitempty"`
	Member  *models.PresenceMember  `json:"member,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

const (
	defaultWSRequestTimeout = 10 * time.Second
	wsWriteTimeout          = 5 * time.Second
)

// WSRealtime is the websocket change-feed and presence client. Handlers
// run on the socket's read goroutine and must not issue requests on the
// same WSRealtime synchronously.
type WSRealtime struct {
	url     string
	dialer  *websocket.Dialer
	token   func() string
	log     logging.Logger
	timeout time.Duration

	onDisconnect func(error)

	ref atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	done     chan struct{}
	pending  map[string]chan Frame
	subs     map[string]map[string]*wsSubscription
	presence map[string]*wsPresence
	closed   bool

	writeMu sync.Mutex
}

// NewWSRealtime returns a disconnected client for url. token supplies the
// access token sent on every dial.
func NewWSRealtime(url string, token func() string, log logging.Logger) *WSRealtime {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &WSRealtime{
		url:      url,
		dialer:   websocket.DefaultDialer,
		token:    token,
		log:      log.With("module", "ws"),
		timeout:  defaultWSRequestTimeout,
		subs:     map[string]map[string]*wsSubscription{},
		presence: map[string]*wsPresence{},
	}
}

// SetRequestTimeout bounds the wait for an ack when the caller's context
// has no deadline.
func (w *WSRealtime) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		w.timeout = d
	}
}

// OnDisconnect registers fn to run when an established socket drops.
func (w *WSRealtime) OnDisconnect(fn func(error)) {
	w.mu.Lock()
	w.onDisconnect = fn
	w.mu.Unlock()
}

// Connected reports whether a socket is open.
func (w *WSRealtime) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Connect dials the socket unless one is already open.
func (w *WSRealtime) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.conn != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	header := http.Header{}
	if w.token != nil {
		if tok := w.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial realtime: %w", common.ErrUnauthorized)
		}
		return fmt.Errorf("dial realtime: %w", err)
	}

	w.mu.Lock()
	if w.closed || w.conn != nil {
		w.mu.Unlock()
		_ = conn.Close()
		if w.closed {
			return ErrClosed
		}
		return nil
	}
	w.gen++
	w.conn = conn
	w.done = make(chan struct{})
	w.pending = map[string]chan Frame{}
	// the server forgets subscriptions with the old socket
	w.subs = map[string]map[string]*wsSubscription{}
	w.presence = map[string]*wsPresence{}
	gen := w.gen
	w.mu.Unlock()

	go w.readLoop(conn, gen)
	w.log.Debug(ctx, "realtime connected", "generation", gen)
	return nil
}

// Reconnect drops the current socket, if any, and dials a new one.
func (w *WSRealtime) Reconnect(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.drop(conn, errors.New("reconnect requested"), false)
	}
	return w.Connect(ctx)
}

// Ping sends a heartbeat and waits for its ack.
func (w *WSRealtime) Ping(ctx context.Context) error {
	_, err := w.request(ctx, Frame{Type: FrameHeartbeat})
	return err
}

// Disconnect drops the current socket without notifying the disconnect
// hook. A later Connect dials again.
func (w *WSRealtime) Disconnect() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		w.drop(conn, errors.New("disconnect requested"), false)
	}
}

// Close shuts the socket down for good.
func (w *WSRealtime) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	w.drop(conn, ErrClosed, false)
	return nil
}

// drop tears conn down if it is still current. Pending requests fail.
func (w *WSRealtime) drop(conn *websocket.Conn, cause error, notify bool) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	close(w.done)
	pending := w.pending
	w.pending = map[string]chan Frame{}
	hook := w.onDisconnect
	w.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	w.log.Debug(context.Background(), "realtime disconnected", "cause", cause)
	if notify && hook != nil {
		hook(cause)
	}
}

func (w *WSRealtime) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			w.drop(conn, err, true)
			return
		}
		w.dispatch(gen, f)
	}
}

func (w *WSRealtime) dispatch(gen uint64, f Frame) {
	switch f.Type {
	case FrameAck, FrameError:
		w.mu.Lock()
		ch, ok := w.pending[f.Ref]
		delete(w.pending, f.Ref)
		w.mu.Unlock()
		if ok {
			ch <- f
			close(ch)
		}
	case FrameChange:
		if f.Change == nil {
			return
		}
		for _, sub := range w.subscribers(gen, f.Topic) {
			sub.handler(*f.Change)
		}
	case FramePresenceSync, FramePresenceJoin, FramePresenceLeave:
		p := w.presenceFor(gen, f.Topic)
		if p == nil {
			return
		}
		p.deliver(f)
	default:
		w.log.Debug(context.Background(), "unknown frame", "type", f.Type)
	}
}

func (w *WSRealtime) subscribers(gen uint64, topic string) []*wsSubscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return nil
	}
	out := make([]*wsSubscription, 0, len(w.subs[topic]))
	for _, s := range w.subs[topic] {
		out = append(out, s)
	}
	return out
}

func (w *WSRealtime) presenceFor(gen uint64, topic string) *wsPresence {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return nil
	}
	return w.presence[topic]
}

func (w *WSRealtime) nextRef() string {
	return strconv.FormatUint(w.ref.Add(1), 10)
}

// request writes f and waits for the matching ack. It returns the
// generation of the socket that acknowledged it.
func (w *WSRealtime) request(ctx context.Context, f Frame) (uint64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	f.Ref = w.nextRef()
	reply := make(chan Frame, 1)

	w.mu.Lock()
	conn, gen, done := w.conn, w.gen, w.done
	if conn == nil {
		w.mu.Unlock()
		return 0, ErrNotConnected
	}
	w.pending[f.Ref] = reply
	w.mu.Unlock()

	if err := w.write(conn, f); err != nil {
		w.forget(gen, f.Ref)
		w.drop(conn, err, true)
		return 0, fmt.Errorf("write %s: %w", f.Type, err)
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return 0, ErrClosed
		}
		if r.Type == FrameError {
			return 0, &ServerError{Ref: r.Ref, Message: r.Error}
		}
		return gen, nil
	case <-done:
		return 0, ErrClosed
	case <-ctx.Done():
		w.forget(gen, f.Ref)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ErrTimeout
		}
		return 0, ctx.Err()
	}
}

func (w *WSRealtime) forget(gen uint64, ref string) {
	w.mu.Lock()
	if gen == w.gen {
		delete(w.pending, ref)
	}
	w.mu.Unlock()
}

func (w *WSRealtime) write(conn *websocket.Conn, f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}

type wsSubscription struct {
	w       *WSRealtime
	gen     uint64
	id      string
	topic   string
	handler realtime.ChangeHandler
}

// Subscribe opens a change-feed subscription on topic.
func (w *WSRealtime) Subscribe(ctx context.Context, topic string, filter realtime.Filter, h realtime.ChangeHandler) (realtime.Subscription, error) {
	f := Frame{Type: FrameSubscribe, Topic: topic, Filter: &filter}

	// register before the ack so no change racing the ack is lost
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := &wsSubscription{w: w, gen: w.gen, id: w.nextRef(), topic: topic, handler: h}
	if w.subs[topic] == nil {
		w.subs[topic] = map[string]*wsSubscription{}
	}
	w.subs[topic][sub.id] = sub
	w.mu.Unlock()

	gen, err := w.request(ctx, f)
	if err != nil || gen != sub.gen {
		sub.remove()
		if err == nil {
			err = ErrClosed
		}
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// remove drops the local registration and reports whether the topic has
// no subscribers left on the live socket.
func (s *wsSubscription) remove() bool {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.gen != w.gen {
		return false
	}
	delete(w.subs[s.topic], s.id)
	if len(w.subs[s.topic]) == 0 {
		delete(w.subs, s.topic)
		return w.conn != nil
	}
	return false
}

func (s *wsSubscription) Unsubscribe(ctx context.Context) error {
	if !s.remove() {
		return nil
	}
	_, err := s.w.request(ctx, Frame{Type: FrameUnsubscribe, Topic: s.topic})
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

type wsPresence struct {
	w     *WSRealtime
	gen   uint64
	topic string
	key   string
	h     realtime.PresenceHandlers
}

// JoinPresence joins the presence channel topic under key.
func (w *WSRealtime) JoinPresence(ctx context.Context, topic, key string, h realtime.PresenceHandlers) (realtime.PresenceChannel, error) {
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return nil, ErrNotConnected
	}
	p := &wsPresence{w: w, gen: w.gen, topic: topic, key: key, h: h}
	w.presence[topic] = p
	w.mu.Unlock()

	gen, err := w.request(ctx, Frame{Type: FramePresenceJoin, Topic: topic, Key: key})
	if err != nil || gen != p.gen {
		p.remove()
		if err == nil {
			err = ErrClosed
		}
		return nil, fmt.Errorf("join presence %s: %w", topic, err)
	}
	return p, nil
}

func (p *wsPresence) deliver(f Frame) {
	switch f.Type {
	case FramePresenceSync:
		if p.h.OnSync != nil {
			p.h.OnSync(f.Members)
		}
	case FramePresenceJoin:
		if p.h.OnJoin != nil && f.Member != nil {
			p.h.OnJoin(*f.Member)
		}
	case FramePresenceLeave:
		if p.h.OnLeave != nil && f.Member != nil {
			p.h.OnLeave(*f.Member)
		}
	}
}

func (p *wsPresence) remove() bool {
	w := p.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if p.gen != w.gen || w.presence[p.topic] != p {
		return false
	}
	delete(w.presence, p.topic)
	return w.conn != nil
}

func (p *wsPresence) stale() bool {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.gen != p.w.gen
}

func (p *wsPresence) Track(ctx context.Context, rec models.PresenceRecord) error {
	if p.stale() {
		return ErrClosed
	}
	if rec.UserID == "" {
		rec.UserID = p.key
	}
	_, err := p.w.request(ctx, Frame{Type: FrameTrack, Topic: p.topic, Key: p.key, Record: &rec})
	return err
}

func (p *wsPresence) Leave(ctx context.Context) error {
	if !p.remove() {
		return nil
	}
	_, err := p.w.request(ctx, Frame{Type: FramePresenceLeave, Topic: p.topic, Key: p.key})
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
