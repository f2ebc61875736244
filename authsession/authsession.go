// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authsession exposes the higher-level verbs the request path
// uses against the Session Cache: authenticate a presented session
// token, acquire a new session, activate a project within it, and
// drive an explicit logout.
package authsession

import (
	"context"

	"github.com/bureau-foundation/completion-backend/errs"
	"github.com/bureau-foundation/completion-backend/sessioncache"
)

// RejectReason distinguishes why authentication failed. The Session
// Cache cannot itself tell a missing token apart from an expired one
// (Redis removes the key either way), so those two collapse into
// ReasonExpired; ReasonMismatchedParent is reserved for a session
// whose parent auth token has separately been revoked or expired
// while the session record had not yet been cleaned up by the reaper.
type RejectReason string

const (
	ReasonMissing          RejectReason = "missing"
	ReasonExpired          RejectReason = "expired"
	ReasonMismatchedParent RejectReason = "mismatched-parent"
)

// Authz is the resolved authorization context for a session.
type Authz struct {
	UserID        string
	SessionToken  string
	ProjectTokens []string
	Preferences   map[string]any
}

// Manager wraps sessioncache.Cache with the request path's verbs.
type Manager struct {
	cache   *sessioncache.Cache
	closer  sessioncache.ConnectionCloser
	flusher sessioncache.ContextFlusher
}

// New constructs a Manager over cache. closer and flusher are the same
// Connection Registry and Persistence Gateway the Reaper uses, so an
// explicit logout drives the identical cascade an expired session's
// TTL would.
func New(cache *sessioncache.Cache, closer sessioncache.ConnectionCloser, flusher sessioncache.ContextFlusher) *Manager {
	return &Manager{cache: cache, closer: closer, flusher: flusher}
}

func reject(reason RejectReason) error {
	return errs.New(errs.Unauthenticated, string(reason))
}

// AuthenticateSession validates sessionToken and resolves its parent
// auth token, returning the full Authz the rest of the request path
// needs.
func (m *Manager) AuthenticateSession(ctx context.Context, sessionToken string) (Authz, error) {
	if sessionToken == "" {
		return Authz{}, reject(ReasonMissing)
	}

	record, err := m.cache.Validate(ctx, sessioncache.KindSession, sessionToken)
	if err != nil {
		return Authz{}, reject(ReasonExpired)
	}
	session := record.(sessioncache.SessionRecord)

	authRecord, err := m.cache.Validate(ctx, sessioncache.KindAuth, session.AuthToken)
	if err != nil {
		return Authz{}, reject(ReasonMismatchedParent)
	}
	auth := authRecord.(sessioncache.AuthRecord)

	return Authz{
		UserID:        auth.UserID,
		SessionToken:  sessionToken,
		ProjectTokens: session.ProjectTokens,
		Preferences:   session.Preferences,
	}, nil
}

// AcquireSession creates a new SessionToken bound to authToken. Rejects
// if authToken is missing or invalid.
func (m *Manager) AcquireSession(ctx context.Context, authToken string, preferences map[string]any) (string, error) {
	if authToken == "" {
		return "", reject(ReasonMissing)
	}
	return m.cache.IssueSession(ctx, authToken, preferences)
}

// ActivateProject wraps attach_project: idempotent, returns the
// project token whether newly created or reused.
func (m *Manager) ActivateProject(ctx context.Context, sessionToken, projectID string) (string, error) {
	return m.cache.AttachProject(ctx, sessionToken, projectID)
}

// DeactivateSession performs an explicit logout, driving the
// detach-session cascade immediately rather than waiting for the
// reaper to observe expiration: live connections bound to the session
// are closed and any project left without sessions is flushed and
// torn down, same as TTL-triggered expiry (spec.md S3).
func (m *Manager) DeactivateSession(ctx context.Context, sessionToken string) error {
	return m.cache.CascadeDetachSession(ctx, sessionToken, m.closer, m.flusher)
}
