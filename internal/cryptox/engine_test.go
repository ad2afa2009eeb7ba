package cryptox

import (
	"encoding/base64"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPass = []byte("correct horse battery")
	testSalt = []byte("0123456789abcdef")
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e := NewEngine(nil)

	cases := []string{"hello", "x", "многоязычный текст ✓", string(make([]byte, 4096))}
	for _, pt := range cases {
		sealed, err := e.Encrypt(pt, testPass, testSalt)
		require.NoError(t, err)

		iv, err := base64.StdEncoding.DecodeString(sealed.IV)
		require.NoError(t, err)
		assert.Len(t, iv, NonceSize)

		got := e.Decrypt(sealed.Ciphertext, sealed.IV, testPass, testSalt)
		assert.True(t, got.OK)
		assert.Equal(t, pt, got.Text)
	}
}

func TestEncrypt_EmptyInput(t *testing.T) {
	e := NewEngine(nil)

	_, err := e.Encrypt("", testPass, testSalt)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Encrypt("hi", nil, testSalt)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Encrypt("hi", testPass, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDecrypt_WrongKeyIsDeterministic(t *testing.T) {
	e := NewEngine(nil)
	sealed, err := e.Encrypt("attack at dawn", testPass, testSalt)
	require.NoError(t, err)

	first := e.Decrypt(sealed.Ciphertext, sealed.IV, []byte("wrong"), testSalt)
	require.False(t, first.OK)
	require.NotEmpty(t, first.Text)
	assert.NotEqual(t, "attack at dawn", first.Text)

	for i := 0; i < 5; i++ {
		again := e.Decrypt(sealed.Ciphertext, sealed.IV, []byte("wrong"), testSalt)
		assert.Equal(t, first, again)
	}

	// A different wrong key renders the same placeholder.
	other := e.Decrypt(sealed.Ciphertext, sealed.IV, []byte("also wrong"), testSalt)
	assert.Equal(t, first.Text, other.Text)
}

func TestDecrypt_MalformedInputNeverPanics(t *testing.T) {
	e := NewEngine(nil)
	sealed, err := e.Encrypt("payload", testPass, testSalt)
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	raw[0] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	inputs := []struct {
		name   string
		ct, iv string
	}{
		{"not base64", "%%%", sealed.IV},
		{"bad iv", sealed.Ciphertext, "%%%"},
		{"short iv", sealed.Ciphertext, base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		{"short ciphertext", base64.StdEncoding.EncodeToString([]byte{1}), sealed.IV},
		{"empty", "", ""},
		{"tampered", tampered, sealed.IV},
	}
	for _, in := range inputs {
		t.Run(in.name, func(t *testing.T) {
			var got Opened
			require.NotPanics(t, func() { got = e.Decrypt(in.ct, in.iv, testPass, testSalt) })
			assert.False(t, got.OK)
			assert.NotEmpty(t, got.Text)
		})
	}
}

func TestEncrypt_UniqueIVs(t *testing.T) {
	e := NewEngine(nil)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		sealed, err := e.Encrypt("same", testPass, testSalt)
		require.NoError(t, err)
		seen[sealed.IV] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestFileRoundTrip(t *testing.T) {
	e := NewEngine(nil)
	data := []byte{0, 1, 2, 3, 250, 251, 252}

	ct, iv, err := e.EncryptFile(data, testPass, testSalt)
	require.NoError(t, err)
	assert.Len(t, iv, NonceSize)

	assert.Equal(t, data, e.DecryptFile(ct, iv, testPass, testSalt))
	assert.Nil(t, e.DecryptFile(ct, iv, []byte("nope"), testSalt))
	assert.Nil(t, e.DecryptFile(ct[:3], iv, testPass, testSalt))
}

func TestKeyCache(t *testing.T) {
	e := NewEngine(nil)

	_, err := e.Encrypt("a", testPass, testSalt)
	require.NoError(t, err)
	_, err = e.Encrypt("b", testPass, testSalt)
	require.NoError(t, err)
	assert.Equal(t, 1, e.cachedKeys())

	_, err = e.Encrypt("c", []byte("another"), testSalt)
	require.NoError(t, err)
	assert.Equal(t, 2, e.cachedKeys())

	e.Forget([]byte("another"), testSalt)
	assert.Equal(t, 1, e.cachedKeys())

	assert.NotPanics(t, e.ClearKeys)
	assert.Equal(t, 0, e.cachedKeys())
}

func TestEngine_ConcurrentUse(t *testing.T) {
	e := NewEngine(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sealed, err := e.Encrypt("concurrent", testPass, testSalt)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, e.Decrypt(sealed.Ciphertext, sealed.IV, testPass, testSalt).OK)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cachedKeys())
}

func TestKDF(t *testing.T) {
	a := DeriveKey(testPass, testSalt)
	b := DeriveKey(testPass, testSalt)
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DeriveKey(testPass, []byte("fedcba9876543210")))

	assert.Equal(t, "argon2id", KDFByName("argon2id").Name())
	assert.Equal(t, "pbkdf2-sha256", KDFByName("").Name())
	assert.Len(t, Argon2ID{}.Derive(testPass, testSalt), KeySize)
}

func TestPlaceholder(t *testing.T) {
	p := Placeholder("c29tZSBjaXBoZXJ0ZXh0IHRoYXQgaXMgbG9uZw==")
	assert.Equal(t, p, Placeholder("c29tZSBjaXBoZXJ0ZXh0IHRoYXQgaXMgbG9uZw=="))
	assert.Equal(t, minPlaceholderLen, utf8.RuneCountInString(Placeholder("")))
	assert.Equal(t, maxPlaceholderLen, utf8.RuneCountInString(placeholderFromBytes(make([]byte, 4096))))
	assert.NotEqual(t, Placeholder("YQ=="), Placeholder("Yg=="))
}

func TestSalt(t *testing.T) {
	s := NewSalt()
	require.Len(t, s, SaltSize)

	decoded, err := DecodeSalt(EncodeSalt(s))
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	_, err = DecodeSalt("")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = DecodeSalt("***")
	require.Error(t, err)
}

// Two members sharing passphrase and salt read each other; a third with a
// different passphrase sees only the placeholder.
func TestSharedConversationScenario(t *testing.T) {
	alice, bob, carol := NewEngine(nil), NewEngine(nil), NewEngine(nil)

	sealed, err := alice.Encrypt("hello", []byte("p1"), []byte("s1"))
	require.NoError(t, err)

	got := bob.Decrypt(sealed.Ciphertext, sealed.IV, []byte("p1"), []byte("s1"))
	assert.Equal(t, Opened{Text: "hello", OK: true}, got)

	denied := carol.Decrypt(sealed.Ciphertext, sealed.IV, []byte("p2"), []byte("s1"))
	assert.False(t, denied.OK)
	assert.NotEmpty(t, denied.Text)
}
