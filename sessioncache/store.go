// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessioncache implements the four-level token hierarchy
// (AuthToken, SessionToken, ProjectToken, and the single-use
// VerificationToken/ResetToken) backed by a fast external key-value
// store, with cascading TTL-driven expiration.
package sessioncache

import (
	"context"
	"time"
)

// expiredKeyPattern is the keyspace-notification pattern the reaper
// subscribes to. Redis publishes this pattern when keyspace
// notifications are enabled for expired events (notify-keyspace-events
// "Ex").
const expiredKeyPattern = "__keyevent@0__:expired"

// Store is the narrow key-value interface sessioncache depends on.
// Production code is backed by Redis (see redisStore); tests inject an
// in-memory fake driven by a clock.Clock, the same inject-the-effectful-
// boundary discipline lib/clock applies to time.
type Store interface {
	// Get returns the value at key and true, or false if the key does
	// not exist (or has expired).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value at key with the given TTL. A zero TTL means no
	// expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value at key only if key does not already exist.
	// Returns whether the set happened. Used for the cross-process
	// cascade lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Del removes the named keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// TTL returns the remaining time-to-live of key, and whether the
	// key exists. A key with no expiration returns (0, true).
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// CompareAndSwap atomically replaces the value at key with
	// newValue, and resets its TTL, if and only if the current value
	// is byte-identical to oldValue. Returns whether the swap
	// happened. This is the optimistic-lock primitive spec.md calls
	// for when mutating a ProjectToken's parent-session membership
	// set: callers read-modify-compare-and-swap, retrying on failure.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error)

	// Subscribe returns a Subscription delivering the key names of
	// every key matching pattern that expires from this point on.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// Subscription delivers expired-key notifications.
type Subscription interface {
	// Keys delivers the name of each key as it expires. Closed when
	// the subscription is closed or the connection is lost.
	Keys() <-chan string

	Close() error
}
