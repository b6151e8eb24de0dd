package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionID(t *testing.T) {
	id, err := GenerateSessionID()
	require.NoError(t, err)
	assert.Len(t, id, 64)

	_, err = hex.DecodeString(id)
	assert.NoError(t, err, "session id must be hex")

	seen := make(map[string]bool)
	for range 100 {
		id, err := GenerateSessionID()
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate session id")
		seen[id] = true
	}
}

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.Len(t, token, 43)
	assert.NotContains(t, token, "=")

	// Each call generates a unique token
	token2, err := GenerateSecureToken()
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestHashAPIKey(t *testing.T) {
	key := "bot-integration-key-12345"

	hashed, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, []byte(key), hashed)

	assert.True(t, CompareAPIKey(hashed, key))
	assert.False(t, CompareAPIKey(hashed, "wrong-key"))
	assert.False(t, CompareAPIKey(hashed, ""))
	assert.False(t, CompareAPIKey(nil, key))

	// Same key produces different hashes due to salt
	hashed2, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, hashed, hashed2)
}

func TestSignData(t *testing.T) {
	key := []byte("key")
	sig := SignData("The quick brown fox jumps over the lazy dog", key)
	// Widely published HMAC-SHA256 test vector
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", sig)
	assert.Len(t, HMACSHA256(key, []byte("x")), 32)
}
