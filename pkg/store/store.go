// Package store defines the small key-value contract the session uses to
// persist a completed scenario's result, plus the key names it writes.
//
// Implementations live in sub-packages: [badger] for a local embedded store,
// [postgres] for a shared database and [mock] for tests.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Keys written on scenario completion.
const (
	KeyPlace               = "place"
	KeyConversationPartner = "conversationPartner"
	KeyConversationGoal    = "conversationGoal"
	KeyChatSessionID       = "chatSessionId"
)

// Store is a string key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// Get returns the value stored under key or [ErrNotFound].
	Get(ctx context.Context, key string) (string, error)

	// Close releases the store's resources.
	Close() error
}

// PutAll writes every entry of kv and returns the joined errors of the writes
// that failed. Entries are written in no particular order.
func PutAll(ctx context.Context, s Store, kv map[string]string) error {
	var errs []error
	for k, v := range kv {
		if err := s.Put(ctx, k, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
