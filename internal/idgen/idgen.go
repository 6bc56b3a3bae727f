// Package idgen generates random identifiers and secrets from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randomBytes fills n bytes from crypto/rand. A failing system entropy
// source is unrecoverable, so it panics rather than returning an error.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix + 24 hex chars, e.g. WithPrefix("wh_") for
// webhook subscription IDs or WithPrefix("q_") for queue items.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex returns a random hex string of numBytes random bytes. Webhook
// signing secrets use Hex(32).
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}
