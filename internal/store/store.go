package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrUnavailable marks any transport-level failure of the backing store.
	// Callers match it with errors.Is and decide whether to retry.
	ErrUnavailable = errors.New("store unavailable")

	ErrInvalidPath             = errors.New("invalid store path")
	ErrUnsupportedSubscription = errors.New("subscription path not supported by this backend")
)

// Store is a keyed, hierarchical, realtime-synchronized store. Records are
// addressed by slash-separated paths (rooms/{roomId},
// rooms/{roomId}/players/{playerId}) and every mutation fans out the full
// value at each subscribed path to its subscribers.
type Store interface {
	// Write fully overwrites the value at path, creating it if absent.
	Write(ctx context.Context, path string, value any) error

	// Update merges only the named fields at path, leaving siblings
	// untouched. Field keys may themselves be slash-paths relative to path,
	// which makes a multi-record batched update a single call.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes the subtree at path. Removing an absent path is a no-op.
	Remove(ctx context.Context, path string) error

	// ReadOnce returns the current value at path without subscribing,
	// or nil when the path is absent.
	ReadOnce(ctx context.Context, path string) (json.RawMessage, error)

	// Subscribe delivers the full current value at path immediately, then
	// again after every mutation at, under, or above path (nil when the
	// path has been removed). The returned func stops delivery; it is
	// synchronous, fn is never invoked after it returns. fn must not call
	// back into the store.
	Subscribe(path string, fn func(json.RawMessage)) (func(), error)
}
