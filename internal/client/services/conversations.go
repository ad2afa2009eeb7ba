package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/client/state"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"github.com/dmitrijs2005/gophchat/internal/cryptox"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

var ErrUnknownConversation = errors.New("unknown conversation")

type ConversationAPI interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, title, salt string, participants []string) (models.Conversation, error)
}

type ConversationService interface {
	// Refresh reloads the conversation list, most recent first, with its
	// unread counters.
	Refresh(ctx context.Context) ([]models.Conversation, error)
	// Create starts a conversation under a fresh salt and stores
	// passphrase for it.
	Create(ctx context.Context, title string, participants []string, passphrase []byte) (models.Conversation, error)
	Find(id string) (models.Conversation, bool)
	// Unlock checks passphrase against the newest loaded message of the
	// conversation and stores it on success.
	Unlock(conversationID string, passphrase []byte) error
}

type conversationService struct {
	store   *state.Store
	api     ConversationAPI
	log     logging.Logger
	timeout time.Duration
}

func NewConversationService(store *state.Store, api ConversationAPI, log logging.Logger) ConversationService {
	if log == nil {
		log = logging.NewDiscard()
	}
	return &conversationService{store: store, api: api, log: log.With("module", "conversations"), timeout: 10 * time.Second}
}

func (s *conversationService) Refresh(ctx context.Context) ([]models.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	convs, err := s.api.FetchConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching conversations: %w", err)
	}
	models.SortByRecency(convs)

	active := state.Get(s.store, state.ActiveConversation)
	unread := make(map[string]int, len(convs))
	total := 0
	for i := range convs {
		if convs[i].ID == active {
			convs[i].UnreadCount = 0
		}
		if n := convs[i].UnreadCount; n > 0 {
			unread[convs[i].ID] = n
			total += n
		}
	}

	s.store.Batch(
		state.Assign(state.Conversations, convs),
		state.Assign(state.UnreadCounts, unread),
		state.Assign(state.TotalUnread, total),
	)
	s.log.Debug(ctx, "conversations refreshed", "count", len(convs), "unread", total)
	return convs, nil
}

func (s *conversationService) Create(ctx context.Context, title string, participants []string, passphrase []byte) (models.Conversation, error) {
	if err := cryptox.ValidatePassphrase(passphrase); err != nil {
		return models.Conversation{}, err
	}
	kr := state.Get(s.store, state.Keyring)
	if kr == nil {
		return models.Conversation{}, common.ErrNoSession
	}

	salt := cryptox.NewSalt()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conv, err := s.api.CreateConversation(ctx, title, cryptox.EncodeSalt(salt), participants)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("error creating conversation: %w", err)
	}
	if conv.Salt == "" {
		conv.Salt = cryptox.EncodeSalt(salt)
	}

	stored, err := cryptox.DecodeSalt(conv.Salt)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("error decoding salt: %w", err)
	}
	if err := kr.Set(conv.ID, passphrase, stored); err != nil {
		return models.Conversation{}, fmt.Errorf("error storing passphrase: %w", err)
	}

	state.Update(s.store, state.Conversations, func(cur []models.Conversation) []models.Conversation {
		next := slices.DeleteFunc(slices.Clone(cur), func(c models.Conversation) bool { return c.ID == conv.ID })
		next = append([]models.Conversation{conv}, next...)
		return next
	})
	s.log.Info(ctx, "conversation created", "conversation_id", conv.ID)
	return conv, nil
}

func (s *conversationService) Find(id string) (models.Conversation, bool) {
	convs := state.Get(s.store, state.Conversations)
	i := slices.IndexFunc(convs, func(c models.Conversation) bool { return c.ID == id })
	if i < 0 {
		return models.Conversation{}, false
	}
	return convs[i], true
}

func (s *conversationService) Unlock(conversationID string, passphrase []byte) error {
	conv, ok := s.Find(conversationID)
	if !ok {
		return ErrUnknownConversation
	}
	kr := state.Get(s.store, state.Keyring)
	if kr == nil {
		return common.ErrNoSession
	}
	salt, err := cryptox.DecodeSalt(conv.Salt)
	if err != nil {
		return fmt.Errorf("error decoding salt: %w", err)
	}

	var probe *cryptox.Sealed
	msgs := state.Get(s.store, state.Messages)[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ID != "" && !m.IsTombstone() && m.Type != models.MessageTypeSystem {
			probe = &cryptox.Sealed{Ciphertext: m.Ciphertext, IV: m.IV}
			break
		}
	}
	return kr.Unlock(conversationID, passphrase, salt, probe)
}
