package cryptox

import (
	"encoding/base64"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	placeholderContext = "gophchat 2025 undecryptable placeholder v1"
	gcmTagSize         = 16
	minPlaceholderLen  = 4
	maxPlaceholderLen  = 256
)

var placeholderGlyphs = []rune("░▒▓█▀▄▌▐■□▪▫◆◇○●◊※¤§¶†‡∆∑≈≠")

// Placeholder renders deterministic gibberish for a ciphertext that could
// not be decrypted. The output depends only on the ciphertext bytes and has
// roughly the length of the plaintext it stands in for.
func Placeholder(ciphertext string) string {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) == 0 {
		raw = []byte(ciphertext)
	}
	return placeholderFromBytes(raw)
}

func placeholderFromBytes(raw []byte) string {
	n := len(raw) - gcmTagSize
	if n < minPlaceholderLen {
		n = minPlaceholderLen
	}
	if n > maxPlaceholderLen {
		n = maxPlaceholderLen
	}

	h := blake3.NewDeriveKey(placeholderContext)
	_, _ = h.Write(raw)
	stream := make([]byte, n)
	_, _ = h.Digest().Read(stream)

	var b strings.Builder
	b.Grow(n * 3)
	for _, v := range stream {
		b.WriteRune(placeholderGlyphs[int(v)%len(placeholderGlyphs)])
	}
	return b.String()
}
