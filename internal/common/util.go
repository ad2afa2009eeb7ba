package common

import (
	"crypto/rand"
	"crypto/subtle"
	"runtime"
)

// GenerateRandByteArray returns size bytes from crypto/rand.
// It panics if the system random source fails, which on supported
// platforms never happens.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WipeByteArray overwrites b with zeros. Nil and empty slices are ignored.
//
//go:noinline
func WipeByteArray(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(&b)
}
