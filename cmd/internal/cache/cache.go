// Package cache abstracts the key/value cache collaborator.
//
// The session and rate-limit subsystems use it for soft state that should
// survive a process restart (the restricted-action denylist), so adapters
// are eventually consistent across restarts, not across processes.
package cache

import "context"

// Cache is the cache collaborator: plain get/set over opaque bytes.
type Cache interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}
