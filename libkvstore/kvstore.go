// Package libkvstore abstracts the key-value storage used by the message
// cache. Three backends implement the same contract: an in-memory map for
// tests and ephemeral sessions, a Valkey server for shared deployments, and
// an embedded SQLite file for on-device persistence.
package libkvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("libkvstore: key not found")
	// ErrManagerClosed is returned by Executor after Close.
	ErrManagerClosed = errors.New("libkvstore: manager closed")
)

// Config carries the connection settings for networked backends.
type Config struct {
	KVAddr     string
	KVPassword string
}

// KV is the operation set the cache layer relies on. Values are opaque
// bytes; callers handle serialization.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Manager owns the backend connection and hands out executors bound to it.
type Manager interface {
	Executor(ctx context.Context) (KV, error)
	Close() error
}
