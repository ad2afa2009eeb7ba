package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/dmitrijs2005/gophchat/internal/common"
)

var (
	// ErrInvalidInput is returned when plaintext, passphrase or salt is empty.
	ErrInvalidInput = errors.New("invalid input")
)

// Sealed is an encrypted payload ready for transport.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Opened is the result of a decryption attempt. When OK is false, Text
// holds the placeholder for the ciphertext.
type Opened struct {
	Text string
	OK   bool
}

// Engine encrypts and decrypts with passphrase-derived keys and caches
// derived keys by passphrase identity. Safe for concurrent use.
type Engine struct {
	kdf  KDF
	rand io.Reader

	mu   sync.Mutex
	keys map[[sha256.Size]byte][]byte
}

// NewEngine returns an Engine using kdf (PBKDF2 when nil).
func NewEngine(kdf KDF) *Engine {
	if kdf == nil {
		kdf = PBKDF2{}
	}
	return &Engine{
		kdf:  kdf,
		rand: rand.Reader,
		keys: make(map[[sha256.Size]byte][]byte),
	}
}

// KDFName reports the configured key derivation function.
func (e *Engine) KDFName() string { return e.kdf.Name() }

func identity(passphrase, salt []byte) [sha256.Size]byte {
	h := sha256.New()
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(salt)))
	h.Write(l[:])
	h.Write(salt)
	h.Write(passphrase)
	var id [sha256.Size]byte
	copy(id[:], h.Sum(nil))
	return id
}

// key returns a private copy of the derived key. The caller wipes it.
func (e *Engine) key(passphrase, salt []byte) []byte {
	id := identity(passphrase, salt)

	e.mu.Lock()
	if cached, ok := e.keys[id]; ok {
		out := append([]byte(nil), cached...)
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()

	// Derivation is CPU bound and runs outside the lock.
	derived := e.kdf.Derive(passphrase, salt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, raced := e.keys[id]; raced {
		common.WipeByteArray(derived)
		return append([]byte(nil), existing...)
	}
	e.keys[id] = derived
	return append([]byte(nil), derived...)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e *Engine) seal(plaintext, passphrase, salt []byte) (ciphertext, nonce []byte, err error) {
	if len(plaintext) == 0 || len(passphrase) == 0 || len(salt) == 0 {
		return nil, nil, ErrInvalidInput
	}

	key := e.key(passphrase, salt)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, nil, err
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (e *Engine) open(ciphertext, nonce, passphrase, salt []byte) (plaintext []byte, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			plaintext, ok = nil, false
		}
	}()

	if len(passphrase) == 0 || len(salt) == 0 || len(nonce) != NonceSize || len(ciphertext) < gcmTagSize {
		return nil, false
	}

	key := e.key(passphrase, salt)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, false
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return pt, true
}

// Encrypt seals plaintext with the key derived from passphrase and salt.
func (e *Engine) Encrypt(plaintext string, passphrase, salt []byte) (Sealed, error) {
	ct, nonce, err := e.seal([]byte(plaintext), passphrase, salt)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a Sealed payload. It never fails: any problem yields
// OK=false with Placeholder(ciphertext) as Text.
func (e *Engine) Decrypt(ciphertext, iv string, passphrase, salt []byte) Opened {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return Opened{Text: Placeholder(ciphertext)}
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return Opened{Text: placeholderFromBytes(ct)}
	}

	pt, ok := e.open(ct, nonce, passphrase, salt)
	if !ok {
		return Opened{Text: placeholderFromBytes(ct)}
	}
	return Opened{Text: string(pt), OK: true}
}

// EncryptFile seals a binary buffer. The nonce is returned separately.
func (e *Engine) EncryptFile(data, passphrase, salt []byte) (ciphertext, iv []byte, err error) {
	return e.seal(data, passphrase, salt)
}

// DecryptFile opens a buffer sealed by EncryptFile, returning nil on any
// failure.
func (e *Engine) DecryptFile(ciphertext, iv, passphrase, salt []byte) []byte {
	pt, ok := e.open(ciphertext, iv, passphrase, salt)
	if !ok {
		return nil
	}
	return pt
}

// Forget zeroes and drops the cached key for one passphrase/salt pair.
func (e *Engine) Forget(passphrase, salt []byte) {
	id := identity(passphrase, salt)
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.keys[id]; ok {
		common.WipeByteArray(k)
		delete(e.keys, id)
	}
}

// ClearKeys zeroes and drops every cached key. It never panics.
func (e *Engine) ClearKeys() {
	defer func() { _ = recover() }()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, k := range e.keys {
		common.WipeByteArray(k)
		delete(e.keys, id)
	}
}

// cachedKeys reports the number of cached keys.
func (e *Engine) cachedKeys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// NewSalt returns SaltSize random bytes.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// EncodeSalt and DecodeSalt convert salts to and from their transport form.
func EncodeSalt(salt []byte) string { return base64.StdEncoding.EncodeToString(salt) }

func DecodeSalt(s string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, ErrInvalidInput
	}
	return salt, nil
}
