package device

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// apiKeyBytes is the entropy drawn per key: 192 bits, which base64url
// encodes to exactly 32 characters with no padding.
const apiKeyBytes = 24

// apiKeyLength is the length of every generated key.
const apiKeyLength = 32

// GenerateAPIKey returns a new device credential: 32 characters from
// the URL-safe base64 alphabet backed by 192 bits from crypto/rand.
// Keys are opaque; nothing about the device is derivable from them.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyPrefix returns the first 8 characters of an api key. The prefix
// is what goes into cache keys and log lines; the full key never does.
func KeyPrefix(key string) string {
	const prefixLen = 8
	if len(key) < prefixLen {
		return key
	}
	return key[:prefixLen]
}

// ValidKeyShape reports whether a presented credential has the shape of
// a generated key. Used to cheaply reject garbage before a store lookup.
func ValidKeyShape(key string) bool {
	if len(key) != apiKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
