package cryptox

import (
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// NonceSize is the GCM nonce length (96 bits).
	NonceSize = 12
	// SaltSize is the per-conversation salt length (128 bits).
	SaltSize = 16

	// PBKDF2Iterations is the fixed iteration count of the default KDF.
	PBKDF2Iterations = 100_000
)

// KDF turns a passphrase and salt into a KeySize-byte key. Implementations
// must be deterministic and free of side effects.
type KDF interface {
	Name() string
	Derive(passphrase, salt []byte) []byte
}

// PBKDF2 is PBKDF2-HMAC-SHA256 with PBKDF2Iterations rounds.
type PBKDF2 struct{}

func (PBKDF2) Name() string { return "pbkdf2-sha256" }

func (PBKDF2) Derive(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// Argon2ID is Argon2id with time=1, memory=64 MiB, threads=4.
type Argon2ID struct{}

func (Argon2ID) Name() string { return "argon2id" }

func (Argon2ID) Derive(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// KDFByName resolves a configured KDF name. Unknown names yield PBKDF2.
func KDFByName(name string) KDF {
	switch name {
	case Argon2ID{}.Name(), "argon2":
		return Argon2ID{}
	default:
		return PBKDF2{}
	}
}

// DeriveKey runs the default KDF.
func DeriveKey(passphrase, salt []byte) []byte {
	return PBKDF2{}.Derive(passphrase, salt)
}
