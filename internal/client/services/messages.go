package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/gophchat/internal/client/client"
	"github.com/dmitrijs2005/gophchat/internal/client/events"
	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
	"github.com/dmitrijs2005/gophchat/internal/logging"
	"github.com/google/uuid"
)

const (
	DefaultMaxMessageRunes = 10_000
	DefaultMaxFileSize     = 10 << 20
	DefaultHistoryPage     = 50
	DefaultHistoryWindow   = 500
)

var (
	ErrAttachmentsDisabled = errors.New("attachment storage is not configured")
	ErrNotAFile            = errors.New("message has no attachment")
	ErrUndecryptable       = errors.New("attachment could not be decrypted")
)

// MessageAPI is the backend surface used for messages.
type MessageAPI interface {
	SendMessage(ctx context.Context, msg models.OutboundMessage) (models.Message, error)
	FetchMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error)
	DeleteForMe(ctx context.Context, messageID string) error
	DeleteForEveryone(ctx context.Context, messageID string) error
}

// Outbox decides between sending now and queueing for later.
// connectivity.Supervisor implements it.
type Outbox interface {
	Status() models.ConnectionStatus
	QueueMessage(msg models.OutboundMessage)
}

// BlobStore keeps encrypted attachments.
type BlobStore interface {
	Put(ctx context.Context, conversationID string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type MessageConfig struct {
	MaxMessageRunes int
	MaxFileSize     int64
	HistoryPage     int
	HistoryWindow   int
	RequestTimeout  time.Duration
}

func (c *MessageConfig) applyDefaults() {
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = DefaultMaxMessageRunes
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.HistoryPage <= 0 {
		c.HistoryPage = DefaultHistoryPage
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

type MessageDeps struct {
	Store  *state.Store
	API    MessageAPI
	Outbox Outbox
	// Blobs may be nil; file messages are then refused.
	Blobs BlobStore
	Clock clock.Clock
	Log   logging.Logger
}

// Rendered is a message prepared for display.
type Rendered struct {
	models.Message
	Text      string
	Decrypted bool
}

type MessageService interface {
	Send(ctx context.Context, conversationID, text, replyToID string) (models.Message, error)
	SendFile(ctx context.Context, conversationID, name string, data []byte) (models.Message, error)
	DownloadFile(ctx context.Context, msg models.Message) (name string, data []byte, err error)
	DeleteForMe(ctx context.Context, conversationID, messageID string) error
	DeleteForEveryone(ctx context.Context, conversationID, messageID string) error
	// LoadLatest merges the newest page into the local list.
	LoadLatest(ctx context.Context, conversationID string) (int, error)
	// LoadOlder merges the page preceding the oldest loaded message.
	LoadOlder(ctx context.Context, conversationID string) (int, error)
	Render(conversationID string) []Rendered
	// MarkFailed flags the optimistic copies carrying the given
	// idempotency keys as failed.
	MarkFailed(keys []string) int
}

type messageService struct {
	cfg    MessageConfig
	store  *state.Store
	bus    *events.Bus
	api    MessageAPI
	outbox Outbox
	blobs  BlobStore
	clock  clock.Clock
	log    logging.Logger
}

func NewMessageService(cfg MessageConfig, d MessageDeps) MessageService {
	cfg.applyDefaults()
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logging.NewDiscard()
	}
	return &messageService{
		cfg:    cfg,
		store:  d.Store,
		bus:    d.Store.Bus(),
		api:    d.API,
		outbox: d.Outbox,
		blobs:  d.Blobs,
		clock:  d.Clock,
		log:    d.Log.With("module", "messages"),
	}
}

func (s *messageService) keyring() (*cryptox.Keyring, error) {
	kr := state.Get(s.store, state.Keyring)
	if kr == nil {
		return nil, common.ErrNoSession
	}
	return kr, nil
}

func (s *messageService) self() string {
	return state.Get(s.store, state.CurrentUser).ID
}

func (s *messageService) Send(ctx context.Context, conversationID, text, replyToID string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, common.ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" {
		return models.Message{}, common.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageRunes {
		return models.Message{}, common.ErrMessageTooLong
	}

	kr, err := s.keyring()
	if err != nil {
		return models.Message{}, err
	}
	sealed, err := kr.Seal(conversationID, text)
	if err != nil {
		return models.Message{}, fmt.Errorf("encryption error: %w", err)
	}

	return s.dispatch(ctx, models.OutboundMessage{
		ConversationID: conversationID,
		UserID:         s.self(),
		Ciphertext:     sealed.Ciphertext,
		IV:             sealed.IV,
		IdempotencyKey: uuid.NewString(),
		ReplyToID:      replyToID,
		Type:           models.MessageTypeText,
	})
}

func (s *messageService) SendFile(ctx context.Context, conversationID, name string, data []byte) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, common.ErrNoActiveConversation
	}
	if s.blobs == nil {
		return models.Message{}, ErrAttachmentsDisabled
	}
	if len(data) == 0 {
		return models.Message{}, common.ErrEmptyMessage
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return models.Message{}, common.ErrFileTooLarge
	}

	kr, err := s.keyring()
	if err != nil {
		return models.Message{}, err
	}

	name = filepath.Base(name)
	caption, err := kr.Seal(conversationID, name)
	if err != nil {
		return models.Message{}, fmt.Errorf("encryption error: %w", err)
	}
	blob, iv, err := kr.SealFile(conversationID, data)
	if err != nil {
		return models.Message{}, fmt.Errorf("encryption error: %w", err)
	}

	key, err := s.blobs.Put(ctx, conversationID, blob)
	if err != nil {
		return models.Message{}, fmt.Errorf("error uploading attachment: %w", err)
	}

	// The file name travels only inside the encrypted caption.
	msg, err := s.dispatch(ctx, models.OutboundMessage{
		ConversationID: conversationID,
		UserID:         s.self(),
		Ciphertext:     caption.Ciphertext,
		IV:             caption.IV,
		IdempotencyKey: uuid.NewString(),
		Type:           models.MessageTypeFile,
		File: &models.FileMetadata{
			MimeType:  http.DetectContentType(data),
			Size:      int64(len(data)),
			ObjectKey: key,
			IV:        base64.StdEncoding.EncodeToString(iv),
		},
	})
	if err != nil || msg.File == nil {
		return msg, err
	}
	file := *msg.File
	file.Name = name
	msg.File = &file
	return msg, nil
}

// dispatch inserts the optimistic copy, then sends or queues out.
func (s *messageService) dispatch(ctx context.Context, out models.OutboundMessage) (models.Message, error) {
	local := models.Message{
		ConversationID: out.ConversationID,
		SenderID:       out.UserID,
		Ciphertext:     out.Ciphertext,
		IV:             out.IV,
		IdempotencyKey: out.IdempotencyKey,
		ReplyToID:      out.ReplyToID,
		Type:           out.Type,
		File:           out.File,
		Status:         models.StatusSending,
		CreatedAt:      s.clock.Now(),
	}
	state.UpdateEntry(s.store, state.Messages, out.ConversationID, func(cur []models.Message, _ bool) ([]models.Message, bool) {
		return append(slices.Clone(cur), local), true
	})
	s.bus.Publish(events.MessageReceived{Message: local})

	if s.outbox.Status() != models.Online {
		return s.queue(ctx, out, local), nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	sent, err := s.api.SendMessage(rctx, out)
	if err != nil {
		if transient(err) {
			s.log.Info(ctx, "send failed, queued", "idempotency_key", out.IdempotencyKey, "error", err)
			return s.queue(ctx, out, local), nil
		}
		s.setStatus(out.ConversationID, out.IdempotencyKey, models.StatusFailed)
		return models.Message{}, fmt.Errorf("error sending message: %w", err)
	}

	if sent.IdempotencyKey == "" {
		sent.IdempotencyKey = out.IdempotencyKey
	}
	if sent.ConversationID == "" {
		sent.ConversationID = out.ConversationID
	}
	if sent.Status == "" || sent.Status == models.StatusSending {
		sent.Status = models.StatusSent
	}
	s.confirm(sent)
	return sent, nil
}

func (s *messageService) queue(ctx context.Context, out models.OutboundMessage, local models.Message) models.Message {
	s.outbox.QueueMessage(out)
	s.setStatus(out.ConversationID, out.IdempotencyKey, models.StatusQueued)
	s.log.Debug(ctx, "message queued", "idempotency_key", out.IdempotencyKey)
	local.Status = models.StatusQueued
	return local
}

func transient(err error) bool {
	return errors.Is(err, common.ErrUnavailable) ||
		errors.Is(err, client.ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded)
}

// confirm replaces the optimistic copy with the stored message. A message
// already confirmed by the realtime echo is replaced again.
func (s *messageService) confirm(msg models.Message) {
	state.UpdateEntry(s.store, state.Messages, msg.ConversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOfIdempotencyKey(cur, msg.IdempotencyKey)
		if i < 0 {
			i = models.IndexOf(cur, msg.ID)
		}
		if i < 0 {
			return append(slices.Clone(cur), msg), true
		}
		next := slices.Clone(cur)
		next[i] = msg
		return next, true
	})
	s.bus.Publish(events.SendConfirmed{IdempotencyKey: msg.IdempotencyKey, Message: msg})
}

func (s *messageService) setStatus(conversationID, key string, st models.MessageStatus) bool {
	found := false
	state.UpdateEntry(s.store, state.Messages, conversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOfIdempotencyKey(cur, key)
		// a confirmed message is never downgraded
		if i < 0 || cur[i].ID != "" {
			return cur, ok
		}
		found = true
		next := slices.Clone(cur)
		next[i].Status = st
		return next, true
	})
	return found
}

func (s *messageService) MarkFailed(keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	n := 0
	for conversationID := range state.Get(s.store, state.Messages) {
		for _, key := range keys {
			if s.setStatus(conversationID, key, models.StatusFailed) {
				n++
			}
		}
	}
	if n > 0 {
		s.log.Info(context.Background(), "expired sends marked failed", "count", n)
	}
	return n
}

func (s *messageService) DownloadFile(ctx context.Context, msg models.Message) (string, []byte, error) {
	if msg.File == nil || msg.File.ObjectKey == "" {
		return "", nil, ErrNotAFile
	}
	if s.blobs == nil {
		return "", nil, ErrAttachmentsDisabled
	}
	kr, err := s.keyring()
	if err != nil {
		return "", nil, err
	}

	blob, err := s.blobs.Get(ctx, msg.File.ObjectKey)
	if err != nil {
		return "", nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(msg.File.IV)
	if err != nil {
		return "", nil, fmt.Errorf("error decoding attachment iv: %w", err)
	}
	data := kr.OpenFile(msg.ConversationID, blob, iv)
	if data == nil {
		return "", nil, ErrUndecryptable
	}
	return fileName(kr.Open(msg.ConversationID, msg.Ciphertext, msg.IV), msg.File.ObjectKey), data, nil
}

// fileName recovers the attachment name from the decrypted caption,
// falling back to the object key's base name.
func fileName(caption cryptox.Opened, objectKey string) string {
	if caption.OK {
		if name := filepath.Base(caption.Text); name != "." && name != ".." && name != string(filepath.Separator) {
			return name
		}
	}
	return "attachment-" + filepath.Base(objectKey)
}

func (s *messageService) DeleteForMe(ctx context.Context, conversationID, messageID string) error {
	if err := s.api.DeleteForMe(ctx, messageID); err != nil {
		return fmt.Errorf("error deleting message: %w", err)
	}

	removed := false
	state.UpdateEntry(s.store, state.Messages, conversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOf(cur, messageID)
		if i < 0 {
			return cur, ok
		}
		removed = true
		return slices.Delete(slices.Clone(cur), i, i+1), true
	})
	if removed {
		s.bus.Publish(events.MessageDeleted{ConversationID: conversationID, MessageID: messageID})
	}
	return nil
}

func (s *messageService) DeleteForEveryone(ctx context.Context, conversationID, messageID string) error {
	if err := s.api.DeleteForEveryone(ctx, messageID); err != nil {
		return fmt.Errorf("error deleting message: %w", err)
	}

	var tomb *models.Message
	state.UpdateEntry(s.store, state.Messages, conversationID, func(cur []models.Message, ok bool) ([]models.Message, bool) {
		i := models.IndexOf(cur, messageID)
		if i < 0 {
			return cur, ok
		}
		next := slices.Clone(cur)
		next[i] = next[i].Tombstone()
		tomb = &next[i]
		return next, true
	})
	if tomb != nil {
		s.bus.Publish(events.MessageUpdated{Message: *tomb})
	}
	return nil
}

func (s *messageService) LoadLatest(ctx context.Context, conversationID string) (int, error) {
	return s.load(ctx, conversationID, time.Time{}, false)
}

func (s *messageService) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	var before time.Time
	for _, m := range state.Get(s.store, state.Messages)[conversationID] {
		if m.ID == "" {
			continue
		}
		if before.IsZero() || m.CreatedAt.Before(before) {
			before = m.CreatedAt
		}
	}
	return s.load(ctx, conversationID, before, true)
}

// load fetches one page and merges it. The window is trimmed from the
// newest end when paging back and from the oldest end otherwise.
func (s *messageService) load(ctx context.Context, conversationID string, before time.Time, older bool) (int, error) {
	if conversationID == "" {
		return 0, common.ErrNoActiveConversation
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	page, err := s.api.FetchMessages(rctx, conversationID, before, s.cfg.HistoryPage)
	if err != nil {
		return 0, fmt.Errorf("error fetching messages: %w", err)
	}

	// the backend pages newest first
	slices.Reverse(page)
	self := s.self()

	added := 0
	state.UpdateEntry(s.store, state.Messages, conversationID, func(cur []models.Message, _ bool) ([]models.Message, bool) {
		next := slices.Clone(cur)
		for _, m := range page {
			if m.HiddenForUser(self) {
				continue
			}
			if m.Status == "" {
				m.Status = models.StatusSent
			}
			if i := models.IndexOf(next, m.ID); i >= 0 {
				next[i] = m
				continue
			}
			if i := models.IndexOfIdempotencyKey(next, m.IdempotencyKey); i >= 0 {
				next[i] = m
				continue
			}
			next = append(next, m)
			added++
		}
		models.SortByCreatedAt(next)

		if extra := len(next) - s.cfg.HistoryWindow; extra > 0 {
			if older {
				next = next[:len(next)-extra]
			} else {
				next = next[extra:]
			}
		}
		return next, true
	})

	s.log.Debug(ctx, "history page merged", "conversation_id", conversationID, "fetched", len(page), "added", added)
	return added, nil
}

func (s *messageService) Render(conversationID string) []Rendered {
	msgs := slices.Clone(state.Get(s.store, state.Messages)[conversationID])
	models.SortByCreatedAt(msgs)
	kr := state.Get(s.store, state.Keyring)

	out := make([]Rendered, 0, len(msgs))
	for _, m := range msgs {
		r := Rendered{Message: m}
		switch {
		case m.IsTombstone():
			r.Text = "message deleted"
		case m.Type == models.MessageTypeSystem:
			r.Text, r.Decrypted = m.Ciphertext, true
		case kr == nil:
			r.Text = cryptox.Placeholder(m.Ciphertext)
		default:
			opened := kr.Open(conversationID, m.Ciphertext, m.IV)
			r.Text, r.Decrypted = opened.Text, opened.OK
		}
		out = append(out, r)
	}
	return out
}
