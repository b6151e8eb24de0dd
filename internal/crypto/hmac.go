package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSHA256 returns the raw HMAC-SHA256 of message under key
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// SignData returns the hex-encoded HMAC-SHA256 of data under key
func SignData(data string, key []byte) string {
	return hex.EncodeToString(HMACSHA256(key, []byte(data)))
}
