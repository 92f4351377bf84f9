package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string   `json:"name"`
	Tags  []string `json:"tags,omitempty"`
	Count int      `json:"count"`
}

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("passphrase"), salt)
	require.Len(t, key, KeySize)

	in := testPayload{Name: "Ada", Tags: []string{"friend"}, Count: 3}
	ciphertext, nonce, err := Seal(in, key)
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, nonce)

	var out testPayload
	require.NoError(t, Open(ciphertext, nonce, key, &out))
	require.Equal(t, in, out)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("passphrase"), salt)
	wrongKey := DeriveKey([]byte("not the passphrase"), salt)

	ciphertext, nonce, err := Seal(testPayload{Name: "Ada"}, key)
	require.NoError(t, err)

	var out testPayload
	require.Error(t, Open(ciphertext, nonce, wrongKey, &out))
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key := DeriveKey([]byte("passphrase"), salt)

	ciphertext, nonce, err := Seal(testPayload{Name: "Ada"}, key)
	require.NoError(t, err)
	ciphertext[0] ^= 0xff

	var out testPayload
	require.Error(t, Open(ciphertext, nonce, key, &out))
}

func TestDeriveKey_SaltMatters(t *testing.T) {
	saltA, err := NewSalt()
	require.NoError(t, err)
	saltB, err := NewSalt()
	require.NoError(t, err)

	keyA := DeriveKey([]byte("passphrase"), saltA)
	keyB := DeriveKey([]byte("passphrase"), saltB)
	require.NotEqual(t, keyA, keyB)
}
