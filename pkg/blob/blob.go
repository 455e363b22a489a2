// Package blob implements the content-addressed byte store that backs
// batch parts and rollups: get/set/list/delete keyed by an opaque blob
// key, durable, with no ordering guarantees between keys.
package blob

import "context"

// Blob is the capability set the persist layer uses to durably store
// batch parts and rollups. Implementations must treat a key as
// immutable once written: overwriting an existing key with different
// bytes is caller error.
type Blob interface {
	// Get fetches the bytes stored at key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set durably stores value at key. Calling Set twice for the same
	// key with different bytes is forbidden; implementations may
	// return an error or silently keep the first value.
	Set(ctx context.Context, key string, value []byte) error

	// List returns every key with the given prefix. Order is
	// unspecified.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deletes are eventually visible to List/Get;
	// deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
