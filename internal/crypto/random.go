package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SessionIDBytes is the entropy of a session identifier (256 bits)
const SessionIDBytes = 32

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateSessionID returns a 64 character hex identifier backed by 256 bits
// of crypto/rand output. It carries no information about the user it is
// issued to.
func GenerateSessionID() (string, error) {
	b, err := randomBytes(SessionIDBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateSecureToken creates a cryptographically secure random token.
// The result is unpadded base64url (43 characters), which keeps it inside the
// provider's 64 character deep-link payload limit.
func GenerateSecureToken() (string, error) {
	b, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey hashes an integration or admin API key using bcrypt
func HashAPIKey(key string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
}

// CompareAPIKey reports whether key matches a hash produced by HashAPIKey
func CompareAPIKey(hashed []byte, key string) bool {
	if len(hashed) == 0 || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hashed, []byte(key)) == nil
}
