// Package keygen generates raw API keys. Only the HMAC digest of a raw
// key is ever persisted; the raw string is shown to the caller once.
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// keyBytes gives roughly 256 bits of entropy per key.
const keyBytes = 32

// Generate creates a raw API key of the form {prefix}.{token}. The token
// is URL-safe base64, usable in headers, query strings, and cookies.
func Generate(prefix string) (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return prefix + "." + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Mask returns a safe-to-log version of a raw key showing only the prefix.
func Mask(rawKey string) string {
	prefix, _, ok := strings.Cut(rawKey, ".")
	if !ok {
		return "***"
	}
	return prefix + ".***"
}
