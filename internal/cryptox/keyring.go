package cryptox

import (
	"bytes"
	"errors"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/common"
)

var (
	ErrNoPassphrase    = errors.New("no passphrase set for conversation")
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrLockedOut       = errors.New("too many failed attempts, try again later")
	ErrSaltMismatch    = errors.New("conversation salt is immutable")
)

type material struct {
	passphrase []byte
	salt       []byte
}

// Keyring holds per-conversation key material in memory.
type Keyring struct {
	engine  *Engine
	lockout *Lockout

	mu      sync.RWMutex
	entries map[string]*material
}

func NewKeyring(engine *Engine, lockout *Lockout) *Keyring {
	return &Keyring{
		engine:  engine,
		lockout: lockout,
		entries: make(map[string]*material),
	}
}

// Engine exposes the underlying engine.
func (k *Keyring) Engine() *Engine { return k.engine }

// Lockout exposes the lockout policy.
func (k *Keyring) Lockout() *Lockout { return k.lockout }

// Set stores the passphrase for a conversation. Changing the passphrase
// invalidates the cached key; the salt cannot change once recorded.
func (k *Keyring) Set(conversationID string, passphrase, salt []byte) error {
	if conversationID == "" || len(passphrase) == 0 || len(salt) == 0 {
		return ErrInvalidInput
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.entries[conversationID]
	if !ok {
		k.entries[conversationID] = &material{
			passphrase: bytes.Clone(passphrase),
			salt:       bytes.Clone(salt),
		}
		return nil
	}

	if !bytes.Equal(m.salt, salt) {
		return ErrSaltMismatch
	}
	if !bytes.Equal(m.passphrase, passphrase) {
		k.engine.Forget(m.passphrase, m.salt)
		common.WipeByteArray(m.passphrase)
		m.passphrase = bytes.Clone(passphrase)
	}
	return nil
}

// Unlock verifies passphrase against probe (a message known to belong to
// the conversation) before storing it. A nil probe skips verification.
// Failures count towards the lockout.
func (k *Keyring) Unlock(conversationID string, passphrase, salt []byte, probe *Sealed) error {
	if k.lockout.IsLockedOut(conversationID) {
		return ErrLockedOut
	}
	if len(passphrase) == 0 || len(salt) == 0 {
		return ErrInvalidInput
	}

	if probe != nil {
		if opened := k.engine.Decrypt(probe.Ciphertext, probe.IV, passphrase, salt); !opened.OK {
			k.engine.Forget(passphrase, salt)
			if k.lockout.RecordFailedAttempt(conversationID) {
				return ErrLockedOut
			}
			return ErrWrongPassphrase
		}
	}

	if err := k.Set(conversationID, passphrase, salt); err != nil {
		return err
	}
	k.lockout.Reset(conversationID)
	return nil
}

// Has reports whether a passphrase is held for the conversation.
func (k *Keyring) Has(conversationID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.entries[conversationID]
	return ok
}

// with runs fn with private copies of the conversation's material.
func (k *Keyring) with(conversationID string, fn func(passphrase, salt []byte)) bool {
	k.mu.RLock()
	m, ok := k.entries[conversationID]
	var pass, salt []byte
	if ok {
		pass, salt = bytes.Clone(m.passphrase), bytes.Clone(m.salt)
	}
	k.mu.RUnlock()
	if !ok {
		return false
	}
	defer common.WipeByteArray(pass)
	fn(pass, salt)
	return true
}

// Seal encrypts plaintext for a conversation.
func (k *Keyring) Seal(conversationID, plaintext string) (Sealed, error) {
	var (
		out Sealed
		err error
	)
	if !k.with(conversationID, func(p, s []byte) { out, err = k.engine.Encrypt(plaintext, p, s) }) {
		return Sealed{}, ErrNoPassphrase
	}
	return out, err
}

// Open decrypts a conversation payload. Without a passphrase the result is
// the placeholder, exactly as for a wrong key.
func (k *Keyring) Open(conversationID, ciphertext, iv string) Opened {
	var out Opened
	if !k.with(conversationID, func(p, s []byte) { out = k.engine.Decrypt(ciphertext, iv, p, s) }) {
		return Opened{Text: Placeholder(ciphertext)}
	}
	return out
}

// SealFile encrypts a binary buffer for a conversation.
func (k *Keyring) SealFile(conversationID string, data []byte) (ciphertext, iv []byte, err error) {
	if !k.with(conversationID, func(p, s []byte) { ciphertext, iv, err = k.engine.EncryptFile(data, p, s) }) {
		return nil, nil, ErrNoPassphrase
	}
	return ciphertext, iv, err
}

// OpenFile decrypts a binary buffer, returning nil on failure.
func (k *Keyring) OpenFile(conversationID string, ciphertext, iv []byte) []byte {
	var out []byte
	k.with(conversationID, func(p, s []byte) { out = k.engine.DecryptFile(ciphertext, iv, p, s) })
	return out
}

// Forget drops one conversation's material.
func (k *Keyring) Forget(conversationID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.entries[conversationID]; ok {
		k.engine.Forget(m.passphrase, m.salt)
		common.WipeByteArray(m.passphrase)
		delete(k.entries, conversationID)
	}
}

// Clear zeroes every passphrase and cached key. It never panics.
func (k *Keyring) Clear() {
	if k == nil {
		return
	}
	defer func() { _ = recover() }()
	defer k.engine.ClearKeys()

	k.mu.Lock()
	defer k.mu.Unlock()
	for id, m := range k.entries {
		common.WipeByteArray(m.passphrase)
		delete(k.entries, id)
	}
}

// Zero implements state.Zeroer.
func (k *Keyring) Zero() { k.Clear() }
