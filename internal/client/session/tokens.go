package session

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophchat/internal/filex"
)

// Tokens is the persisted token pair.
type Tokens struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (t Tokens) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }

// TokenStore persists tokens between runs.
type TokenStore interface {
	Load() (Tokens, error)
	Save(Tokens) error
	Clear() error
}

// FileTokenStore keeps tokens in an owner-only JSON file.
type FileTokenStore struct {
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Load() (Tokens, error) {
	b, err := filex.ReadOptional(s.path)
	if err != nil || b == nil {
		return Tokens{}, err
	}
	var t Tokens
	if err := json.Unmarshal(b, &t); err != nil {
		return Tokens{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return t, nil
}

func (s *FileTokenStore) Save(t Tokens) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return filex.WriteSecret(s.path, b)
}

func (s *FileTokenStore) Clear() error {
	return filex.RemoveIfExists(s.path)
}

// NopTokenStore persists nothing.
type NopTokenStore struct{}

func (NopTokenStore) Load() (Tokens, error) { return Tokens{}, nil }
func (NopTokenStore) Save(Tokens) error     { return nil }
func (NopTokenStore) Clear() error          { return nil }
