// Package cryptox implements the client-side cryptography of GophChat.
//
// Keys are derived per conversation from a passphrase and a 16-byte salt
// (PBKDF2-HMAC-SHA256, 100 000 iterations, or Argon2id when configured) and
// used with AES-256-GCM and a fresh 96-bit nonce per message. Ciphertexts
// and nonces travel base64 encoded.
//
// Decryption never returns an error: on any failure it yields OK=false and a
// placeholder string computed from the ciphertext bytes alone, so a wrong
// key renders the same stable glyphs every time and reveals nothing about
// why decryption failed.
//
// Key material lives in memory only. Engine.ClearKeys and Keyring.Clear
// zero every cached passphrase and derived key.
package cryptox
