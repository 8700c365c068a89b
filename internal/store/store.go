// Package store provides the widget's persistent key-value storage.
package store

import (
	"context"
	"errors"
	"time"
)

// Keys persisted for each visitor.
const (
	KeySender       = "cb-sender"
	KeyHistory      = "cb-history"
	KeyAccessToken  = "cb-access-token"
	KeyRefreshToken = "cb-refresh-token"
)

// ErrUnavailable is returned when the backing storage cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// Store is a text key-value store that survives restarts.
// Callers encode structured values themselves.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// SetIfAbsent stores value only if key is missing and returns the value
	// actually stored afterwards.
	SetIfAbsent(ctx context.Context, key, value string) (string, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Namespaced is a store that partitions keys per visitor.
type Namespaced interface {
	// Namespace returns a Store scoped to ns.
	Namespace(ns string) Store

	// DeleteNamespace removes every key of ns.
	DeleteNamespace(ctx context.Context, ns string) (int64, error)

	// IdleNamespaces lists namespaces not written for longer than ttl.
	IdleNamespaces(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}
