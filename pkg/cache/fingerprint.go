package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/parapet-ai/parapet/pkg/jsontree"
)

// Fingerprint derives the cache key for a request. It hashes the
// provider, the upstream path, and the canonical serialisation of the
// (possibly redacted) body, so structurally equal bodies with different
// key order map to the same entry. SHA-256 keeps accidental collisions
// out of reach.
func Fingerprint(provider, path string, body jsontree.Value) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}
