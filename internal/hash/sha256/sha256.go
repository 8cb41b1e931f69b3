// Package sha256 provides SHA-256 digests used for request fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fieldSeparator cannot appear in user-typed search text.
const fieldSeparator = "\x1f"

// Hasher implements aggregator.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint joins the parts with a unit separator and hashes the result, so
// ("a b", "c") and ("a", "b c") never collide.
func (h *Hasher) Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, fieldSeparator)))
	return hex.EncodeToString(sum[:])
}
