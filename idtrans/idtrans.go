// Package idtrans encodes and decodes the composite keys this engine builds
// out of a backend name plus that backend's own identifier for something
// (an item pointer, a dedup key) — the same "{prefix}_{id}" scheme the
// teacher used to route a proxy-scoped item ID back to its origin server,
// repurposed here for webhook dedup/coalescing keys (webhook.itemKey) so two
// backends reporting the same remote ID never collide.
package idtrans

import (
	"fmt"
	"strings"
)

const sep = "_"

// Encode creates a backend-scoped key: "{backend}_{id}".
// Returns an empty string if id is empty.
func Encode(backend, id string) string {
	if id == "" {
		return ""
	}
	return backend + sep + id
}

// Decode splits a backend-scoped key into the backend name and the original
// id, assuming the backend name itself contains no underscore.
//
//	"plex_abc123" → ("plex", "abc123", nil)
//
// Returns an error if the key has no separator (i.e. it was not produced by
// Encode). In that case id is set to key so callers can pass it through as-is.
func Decode(key string) (backend, id string, err error) {
	idx := strings.Index(key, sep)
	if idx <= 0 {
		return "", key, fmt.Errorf("idtrans: %q has no backend prefix", key)
	}
	return key[:idx], key[idx+len(sep):], nil
}

// DecodeBackend returns only the backend name from a scoped key, which is
// enough to look up which adapter produced it.
func DecodeBackend(key string) (string, error) {
	backend, _, err := Decode(key)
	return backend, err
}
