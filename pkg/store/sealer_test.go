package store

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := NewSealerFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	sealed, err := s.Seal("sk-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-secret")

	again, err := s.Seal("sk-secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)

	legacy, err := s.Open("sk-plaintext")
	require.NoError(t, err)
	assert.Equal(t, "sk-plaintext", legacy)

	empty, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestNewSealerKeyLength(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
	_, err = NewSealerFromBase64("!!!")
	assert.Error(t, err)
}
