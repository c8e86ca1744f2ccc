// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrRevisionMismatch is returned by a conditional write whose expected
	// revision no longer matches the stored one.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// AnyRevision makes Put unconditional.
const AnyRevision int64 = -1

// Entry is a stored value and its revision. Revisions start at 1 and grow by
// one on every write.
type Entry struct {
	Key      string
	Value    []byte
	Revision int64
}

// KV defines the key-value backend used by the relay.
type KV interface {
	// Get returns the entry stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value under key. expectedRevision 0 requires the key to be
	// absent, a positive value requires that exact revision, AnyRevision
	// writes unconditionally. Returns the new revision.
	Put(ctx context.Context, key string, value []byte, expectedRevision int64) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds member to the set stored under key.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set stored under key.
	SRem(ctx context.Context, key, member string) error

	// SIsMember reports whether member belongs to the set under key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SMembers returns the members of the set under key in insertion order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
