package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/vibe-relay/internal/shared"
)

// Options controls conditional write retries.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultOptions returns the retry settings used when none are configured.
func DefaultOptions() Options {
	return Options{MaxRetries: 5, BaseDelay: 20 * time.Millisecond}
}

// Store exposes typed accessors over a KV backend.
type Store struct {
	kv   KV
	opts Options
	now  func() time.Time
}

// New creates a Store over kv.
func New(kv KV, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	return &Store{kv: kv, opts: opts, now: time.Now}
}

// KV returns the underlying backend.
func (s *Store) KV() KV {
	return s.kv
}

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// getJSON decodes the value under key into out and returns its revision.
func (s *Store) getJSON(ctx context.Context, key string, out any) (int64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any, expectedRevision int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, data, expectedRevision)
}

// mutateFunc changes the decoded value in place. exists is false when the key
// was absent and the value is the zero value.
type mutateFunc[T any] func(v *T, exists bool) error

// updateJSON performs a read-modify-write of the JSON value under key. The
// write is conditional on the revision that was read; on a mismatch or a
// busy database the cycle is repeated with exponential backoff.
func updateJSON[T any](ctx context.Context, s *Store, key string, fn mutateFunc[T]) (T, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		var v T
		rev, err := s.getJSON(ctx, key, &v)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			rev = 0
		} else if err != nil {
			return v, err
		}

		if err := fn(&v, exists); err != nil {
			return v, err
		}

		_, err = s.putJSON(ctx, key, v, rev)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrRevisionMismatch) && !shared.IsSQLiteConflictError(err) {
			return v, err
		}

		lastErr = err
		delay := s.opts.BaseDelay * time.Duration(1<<attempt)
		slog.Debug("Conditional write lost, retrying",
			"key", key,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(delay):
		}
	}

	var zero T
	return zero, fmt.Errorf("update %s after %d attempts: %w", key, s.opts.MaxRetries, lastErr)
}
