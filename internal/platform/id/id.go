// Package id generates the identifiers used by the sync runtime: client ids,
// anonymous presence ids, and wire message ids.
package id

import "github.com/google/uuid"

// New returns a random v4 UUID string.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a random id with a short type prefix, e.g. "anon_…".
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + uuid.NewString()
}
