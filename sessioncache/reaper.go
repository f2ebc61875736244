// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// CloseReason identifies why the Reaper closed a set of connections
// during a cascade.
type CloseReason string

const (
	ReasonSessionExpired CloseReason = "session-expired"
	ReasonProjectEnded   CloseReason = "project-ended"
)

// ConnectionCloser closes every connection bound to a session or
// project token, giving reason. Implemented by the Connection
// Registry; kept as an interface here so sessioncache does not import
// registry (registry already depends on sessioncache for validation).
type ConnectionCloser interface {
	CloseSession(sessionToken string, reason CloseReason)
	CloseProject(projectToken string, reason CloseReason)
}

// ContextFlusher durably persists a ProjectToken's multi-file context
// before it is removed from the cache. Implemented by the Persistence
// Gateway.
type ContextFlusher interface {
	FlushProjectContext(ctx context.Context, projectToken string, record ProjectRecord) error
}

// Reaper subscribes to the store's expiration notifications and drives
// cascading cleanup: session expiry detaches its projects and closes
// its connections; a project whose parent set has emptied is flushed
// to durable storage and removed.
type Reaper struct {
	cache   *Cache
	closer  ConnectionCloser
	flusher ContextFlusher
	logger  *slog.Logger

	group singleflight.Group
}

// NewReaper constructs a Reaper over cache, using closer to tear down
// live connections and flusher to persist project context on project
// death.
func NewReaper(cache *Cache, closer ConnectionCloser, flusher ContextFlusher, logger *slog.Logger) *Reaper {
	return &Reaper{cache: cache, closer: closer, flusher: flusher, logger: logger}
}

// Run subscribes to key-expiration notifications and processes them
// until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	sub, err := r.cache.store.Subscribe(ctx, expiredKeyPattern)
	if err != nil {
		return fmt.Errorf("sessioncache: subscribing to expiration events: %w", err)
	}
	defer sub.Close()

	r.logger.Info("reaper listening for expired keys")
	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-sub.Keys():
			if !ok {
				return nil
			}
			r.handleExpiredKey(ctx, key)
		}
	}
}

func (r *Reaper) handleExpiredKey(ctx context.Context, key string) {
	var (
		kind  TokenKind
		token string
	)
	switch {
	case strings.HasPrefix(key, sessionHookPrefix):
		kind, token = KindSession, strings.TrimPrefix(key, sessionHookPrefix)
	case strings.HasPrefix(key, authHookPrefix):
		kind, token = KindAuth, strings.TrimPrefix(key, authHookPrefix)
	default:
		// Not a hook key we act on (e.g. a single-use token or a
		// project's cascade lock expiring on its own).
		return
	}

	r.logger.Info("expiration hook fired", "kind", kind, "token", token)

	// Cross-process dedup: only one replica should run the cascade
	// for a given token, even if several subscribe to the same
	// keyspace notification. Combined with in-process singleflight so
	// a duplicate delivery within this process collapses too.
	_, _, _ = r.group.Do(string(kind)+":"+token, func() (any, error) {
		lockKey := cascadeLockKey(key)
		acquired, err := r.cache.store.SetNX(ctx, lockKey, []byte("1"), 10*time.Second)
		if err != nil {
			r.logger.Error("cascade lock failed", "key", key, "error", err)
			return nil, err
		}
		if !acquired {
			r.logger.Info("cascade already owned by another replica", "key", key)
			return nil, nil
		}

		var cascadeErr error
		switch kind {
		case KindSession:
			cascadeErr = r.cache.CascadeDetachSession(ctx, token, r.closer, r.flusher)
		case KindAuth:
			cascadeErr = r.cascadeAuth(ctx, token)
		}
		if cascadeErr != nil {
			r.logger.Error("cascade failed, will retry on next notification or fall back to lazy cleanup",
				"kind", kind, "token", token, "error", cascadeErr)
		}
		return nil, cascadeErr
	})
}

// cascadeAuth detaches every session bound to authToken. Sessions
// carry their own hook keys and TTLs; rather than track a reverse
// auth→sessions index, expiry simply lets each session's own TTL
// (bounded above by the parent auth TTL) carry it to expiration in
// turn. The auth record itself is removed so validate() rejects it
// immediately rather than waiting out its TTL.
func (r *Reaper) cascadeAuth(ctx context.Context, authToken string) error {
	return r.cache.store.Del(ctx, authKey(authToken), authHookKey(authToken))
}
