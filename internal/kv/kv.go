// Package kv defines the uniform key-value tier capability used by the
// profile cache and the encrypted store. Tiers are interchangeable at the
// interface level; identity and priority order are fixed by composition in
// cmd/subguardd.
package kv

import "context"

// Tier is a single persistence tier. Implementations must be safe for
// concurrent use.
type Tier interface {
	// Name identifies the tier in logs ("sqlite", "redis", "legacy-file").
	Name() string

	// Get returns the raw bytes stored under key. The second return value
	// is false when the key is absent; absence is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}
