// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/errs"
	"github.com/bureau-foundation/completion-backend/lib/clock"
	"github.com/bureau-foundation/completion-backend/lib/codec"
)

// TokenKind identifies which record type validate, Touch, and the
// reaper's cascade logic operate on.
type TokenKind string

const (
	KindAuth         TokenKind = "auth"
	KindSession      TokenKind = "session"
	KindProject      TokenKind = "project"
	KindVerification TokenKind = "verification"
	KindReset        TokenKind = "reset"
)

// casRetries bounds the optimistic-lock retry loop used when mutating
// a shared membership set (a ProjectToken's parent-session set, a
// SessionToken's child-project set). Contention on a single token is
// expected to be rare and short-lived.
const casRetries = 8

// Cache is the Session Cache: the four-level token hierarchy backed
// by Store, with TTLs enforced by the store itself.
type Cache struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	cfg    config.TokenConfig
}

// New constructs a Cache over store, using cfg for TTLs and clk for
// timestamping records (injectable for deterministic tests).
func New(store Store, clk clock.Clock, logger *slog.Logger, cfg config.TokenConfig) *Cache {
	return &Cache{store: store, clock: clk, logger: logger, cfg: cfg}
}

func newToken() string {
	return uuid.NewString()
}

// IssueAuth allocates a new AuthToken for userID with absolute TTL
// T_auth, plus its expiration hook.
func (c *Cache) IssueAuth(ctx context.Context, userID string) (string, error) {
	token := newToken()
	record := AuthRecord{UserID: userID, IssuedAt: c.clock.Now()}
	if err := c.putWithHook(ctx, authKey(token), authHookKey(token), record, c.cfg.AuthTokenTTL); err != nil {
		return "", fmt.Errorf("sessioncache: issuing auth token: %w", err)
	}
	return token, nil
}

// IssueSession creates a SessionToken whose parent is authToken and
// whose child project set is empty. Its TTL is the lesser of the
// parent AuthToken's remaining TTL and the configured session TTL.
func (c *Cache) IssueSession(ctx context.Context, authToken string, preferences map[string]any) (string, error) {
	remaining, ok, err := c.store.TTL(ctx, authKey(authToken))
	if err != nil {
		return "", fmt.Errorf("sessioncache: checking auth token ttl: %w", err)
	}
	if !ok {
		return "", errs.New(errs.Unauthenticated, "auth token not found or expired")
	}

	ttl := c.cfg.SessionTokenTTL
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}

	token := newToken()
	record := SessionRecord{AuthToken: authToken, Preferences: preferences}
	if err := c.putWithHook(ctx, sessionKey(token), sessionHookKey(token), record, ttl); err != nil {
		return "", fmt.Errorf("sessioncache: issuing session token: %w", err)
	}
	return token, nil
}

// AttachProject resolves or creates the ProjectToken for projectID
// under sessionToken's user and adds sessionToken to its parent set.
// If a ProjectToken for projectID already exists under any live
// session of the same user, it is reused.
func (c *Cache) AttachProject(ctx context.Context, sessionToken, projectID string) (string, error) {
	session, ok, err := c.getSession(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.Unauthenticated, "session token not found or expired")
	}
	auth, ok, err := c.getAuth(ctx, session.AuthToken)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.New(errs.Unauthenticated, "parent auth token not found or expired")
	}

	indexKey := projectIndexKey(auth.UserID, projectID)
	projectToken, existing, err := c.resolveExistingProject(ctx, indexKey)
	if err != nil {
		return "", err
	}

	wantsStored := sessionWantsContextStored(session)

	if !existing {
		projectToken = newToken()
		record := ProjectRecord{ProjectID: projectID, SessionTokens: []string{sessionToken}, StoreContextDurably: wantsStored}
		if err := c.putProject(ctx, projectToken, record); err != nil {
			return "", fmt.Errorf("sessioncache: creating project token: %w", err)
		}
		if err := c.store.Set(ctx, indexKey, []byte(projectToken), 0); err != nil {
			return "", fmt.Errorf("sessioncache: indexing project token: %w", err)
		}
	} else {
		if err := c.addSessionToProject(ctx, projectToken, sessionToken, wantsStored); err != nil {
			return "", err
		}
	}

	if err := c.addProjectToSession(ctx, sessionToken, projectToken); err != nil {
		return "", err
	}
	return projectToken, nil
}

// resolveExistingProject looks up the project index and confirms the
// referenced ProjectToken is still live (the index and the record can
// fall out of sync if the project was destroyed without the index
// being cleaned up, though detachSession always cleans both together).
func (c *Cache) resolveExistingProject(ctx context.Context, indexKey string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, indexKey)
	if err != nil {
		return "", false, fmt.Errorf("sessioncache: reading project index: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	token := string(raw)
	if _, exists, err := c.store.Get(ctx, projectKey(token)); err != nil {
		return "", false, fmt.Errorf("sessioncache: checking project token: %w", err)
	} else if !exists {
		_ = c.store.Del(ctx, indexKey)
		return "", false, nil
	}
	return token, true, nil
}

// DetachSession removes sessionToken from every child ProjectToken's
// parent set, destroying any ProjectToken whose parent set becomes
// empty, then removes the SessionToken itself. It performs only the
// cache's own bookkeeping, with no connection-close or context-flush
// side effects; CascadeDetachSession is the production entry point
// that also drives those.
func (c *Cache) DetachSession(ctx context.Context, sessionToken string) error {
	return c.detachSession(ctx, sessionToken, nil, nil)
}

// CascadeDetachSession runs the full detach-session cascade spec.md
// §4.3 describes: it closes connections bound to sessionToken, then
// detaches it from every project, flushing a project's context to
// durable storage and closing its connections first if its parent
// set empties as a result. The Reaper calls this when a session's
// hook key expires; an explicit deactivate_session call drives the
// identical cascade immediately rather than waiting on the reaper to
// notice the expiry (spec.md S3 — both close connections with reason
// session-expired).
func (c *Cache) CascadeDetachSession(ctx context.Context, sessionToken string, closer ConnectionCloser, flusher ContextFlusher) error {
	closer.CloseSession(sessionToken, ReasonSessionExpired)
	return c.detachSession(ctx, sessionToken, closer, flusher)
}

func (c *Cache) detachSession(ctx context.Context, sessionToken string, closer ConnectionCloser, flusher ContextFlusher) error {
	session, ok, err := c.getSession(ctx, sessionToken)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	for _, projectToken := range session.ProjectTokens {
		if err := c.removeSessionFromProject(ctx, projectToken, sessionToken, closer, flusher); err != nil {
			return err
		}
	}

	if err := c.store.Del(ctx, sessionKey(sessionToken), sessionHookKey(sessionToken)); err != nil {
		return fmt.Errorf("sessioncache: removing session token: %w", err)
	}
	return nil
}

// removeSessionFromProject drops sessionToken from a ProjectToken's
// parent set, destroying the project (and its index entry) once the
// set is empty. Returns nil if the project is already gone. If the
// set empties and closer/flusher are non-nil, the project's context
// is flushed and its connections closed before the record is removed.
func (c *Cache) removeSessionFromProject(ctx context.Context, projectToken, sessionToken string, closer ConnectionCloser, flusher ContextFlusher) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, raw, ok, err := c.getProjectRaw(ctx, projectToken)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		updated := record.withoutSession(sessionToken)
		if len(updated.SessionTokens) == 0 {
			if flusher != nil {
				if err := flusher.FlushProjectContext(ctx, projectToken, updated); err != nil {
					return fmt.Errorf("sessioncache: flushing project context for %s: %w", projectToken, err)
				}
			}
			if closer != nil {
				closer.CloseProject(projectToken, ReasonProjectEnded)
			}
			if err := c.store.Del(ctx, projectKey(projectToken)); err != nil {
				return fmt.Errorf("sessioncache: destroying empty project: %w", err)
			}
			// The index is keyed by user-id, not recoverable from the
			// project record alone without the owning auth token; the
			// stale index entry is cleaned up lazily by
			// resolveExistingProject on next lookup.
			return nil
		}

		newRaw, err := codec.Marshal(updated)
		if err != nil {
			return fmt.Errorf("sessioncache: encoding project record: %w", err)
		}
		swapped, err := c.store.CompareAndSwap(ctx, projectKey(projectToken), raw, newRaw, 0)
		if err != nil {
			return fmt.Errorf("sessioncache: swapping project record: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("sessioncache: removing session %s from project %s: exhausted retries", sessionToken, projectToken)
}

// addSessionToProject adds sessionToken to a ProjectToken's parent
// set, narrowing StoreContextDurably if the joining session's own
// preference disagrees.
func (c *Cache) addSessionToProject(ctx context.Context, projectToken, sessionToken string, wantsStored bool) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, raw, ok, err := c.getProjectRaw(ctx, projectToken)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.Internal, "project token vanished during attach")
		}
		if record.hasSession(sessionToken) {
			return nil
		}
		updated := record.withSession(sessionToken)
		updated.StoreContextDurably = updated.StoreContextDurably && wantsStored
		newRaw, err := codec.Marshal(updated)
		if err != nil {
			return fmt.Errorf("sessioncache: encoding project record: %w", err)
		}
		swapped, err := c.store.CompareAndSwap(ctx, projectKey(projectToken), raw, newRaw, 0)
		if err != nil {
			return fmt.Errorf("sessioncache: swapping project record: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("sessioncache: adding session %s to project %s: exhausted retries", sessionToken, projectToken)
}

// addProjectToSession adds projectToken to a SessionToken's child set.
func (c *Cache) addProjectToSession(ctx context.Context, sessionToken, projectToken string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, raw, ok, err := c.getSessionRaw(ctx, sessionToken)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.Unauthenticated, "session token not found or expired")
		}
		if record.hasProject(projectToken) {
			return nil
		}
		updated := record.withProject(projectToken)
		newRaw, err := codec.Marshal(updated)
		if err != nil {
			return fmt.Errorf("sessioncache: encoding session record: %w", err)
		}
		ttl, exists, err := c.store.TTL(ctx, sessionKey(sessionToken))
		if err != nil {
			return fmt.Errorf("sessioncache: reading session ttl: %w", err)
		}
		if !exists {
			return errs.New(errs.Unauthenticated, "session token not found or expired")
		}
		swapped, err := c.store.CompareAndSwap(ctx, sessionKey(sessionToken), raw, newRaw, ttl)
		if err != nil {
			return fmt.Errorf("sessioncache: swapping session record: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("sessioncache: adding project %s to session %s: exhausted retries", projectToken, sessionToken)
}

// UpdateContext applies a file change to a ProjectToken's multi-file
// context, appends it to the bounded change-log, and returns the
// resulting monotonic change-index.
func (c *Cache) UpdateContext(ctx context.Context, projectToken, filePath, content, digest string) (int64, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		record, raw, ok, err := c.getProjectRaw(ctx, projectToken)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errs.New(errs.InvalidRequest, "project token not found or expired")
		}

		index := record.NextChangeIndex
		updated := record
		if updated.Context == nil {
			updated.Context = map[string]string{}
		} else {
			updated.Context = cloneStringMap(record.Context)
		}
		updated.Context[filePath] = content
		updated.ChangeLog = append(append([]ContextChange{}, record.ChangeLog...), ContextChange{
			Index:    index,
			FilePath: filePath,
			Digest:   digest,
			Content:  content,
		})
		if bound := c.cfg.ChangeLogBound; bound > 0 && len(updated.ChangeLog) > bound {
			updated.ChangeLog = updated.ChangeLog[len(updated.ChangeLog)-bound:]
		}
		updated.NextChangeIndex = index + 1

		newRaw, err := codec.Marshal(updated)
		if err != nil {
			return 0, fmt.Errorf("sessioncache: encoding project record: %w", err)
		}
		swapped, err := c.store.CompareAndSwap(ctx, projectKey(projectToken), raw, newRaw, 0)
		if err != nil {
			return 0, fmt.Errorf("sessioncache: swapping project record: %w", err)
		}
		if swapped {
			return index, nil
		}
	}
	return 0, fmt.Errorf("sessioncache: updating context for project %s: exhausted retries", projectToken)
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sessionWantsContextStored reads a session's "store_context"
// preference, defaulting to true (opted in) if absent or not a bool —
// an unset preference should not silently discard context a client
// never asked to have withheld.
func sessionWantsContextStored(session SessionRecord) bool {
	value, ok := session.Preferences["store_context"]
	if !ok {
		return true
	}
	wants, ok := value.(bool)
	if !ok {
		return true
	}
	return wants
}

// IssueVerification mints a single-use VerificationToken.
func (c *Cache) IssueVerification(ctx context.Context, userID string) (string, error) {
	return c.issueSingleUse(ctx, Verification, userID, verifyKey, c.cfg.VerificationTokenTTL)
}

// IssueReset mints a single-use ResetToken.
func (c *Cache) IssueReset(ctx context.Context, userID string) (string, error) {
	return c.issueSingleUse(ctx, Reset, userID, resetKey, c.cfg.ResetTokenTTL)
}

func (c *Cache) issueSingleUse(ctx context.Context, kind SingleUseKind, userID string, keyFor func(string) string, ttl time.Duration) (string, error) {
	token := newToken()
	record := SingleUseRecord{Kind: kind, UserID: userID, IssuedAt: c.clock.Now()}
	raw, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("sessioncache: encoding single-use token: %w", err)
	}
	if err := c.store.Set(ctx, keyFor(token), raw, ttl); err != nil {
		return "", fmt.Errorf("sessioncache: storing single-use token: %w", err)
	}
	return token, nil
}

// ConsumeVerification validates and deletes a VerificationToken in one
// step, returning its record. A second call with the same token fails
// with errs.Unauthenticated.
func (c *Cache) ConsumeVerification(ctx context.Context, token string) (SingleUseRecord, error) {
	return c.consumeSingleUse(ctx, verifyKey(token))
}

// ConsumeReset validates and deletes a ResetToken in one step.
func (c *Cache) ConsumeReset(ctx context.Context, token string) (SingleUseRecord, error) {
	return c.consumeSingleUse(ctx, resetKey(token))
}

func (c *Cache) consumeSingleUse(ctx context.Context, key string) (SingleUseRecord, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return SingleUseRecord{}, fmt.Errorf("sessioncache: reading single-use token: %w", err)
	}
	if !ok {
		return SingleUseRecord{}, errs.New(errs.Unauthenticated, "token not found or expired")
	}
	var record SingleUseRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return SingleUseRecord{}, fmt.Errorf("sessioncache: decoding single-use token: %w", err)
	}
	if err := c.store.Del(ctx, key); err != nil {
		return SingleUseRecord{}, fmt.Errorf("sessioncache: consuming single-use token: %w", err)
	}
	return record, nil
}

// Validate performs a constant-time lookup of token under kind. TTL
// refresh on read is forbidden: TTLs are authoritative and only Touch
// extends them.
func (c *Cache) Validate(ctx context.Context, kind TokenKind, token string) (any, error) {
	switch kind {
	case KindAuth:
		record, ok, err := c.getAuth(ctx, token)
		return singleOrReject(record, ok, err)
	case KindSession:
		record, ok, err := c.getSession(ctx, token)
		return singleOrReject(record, ok, err)
	case KindProject:
		record, ok, err := c.getProject(ctx, token)
		return singleOrReject(record, ok, err)
	default:
		return nil, errs.New(errs.InvalidRequest, fmt.Sprintf("unknown token kind %q", kind))
	}
}

func singleOrReject[T any](record T, ok bool, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Unauthenticated, "token not found or expired")
	}
	return record, nil
}

// Touch extends a live AuthToken or SessionToken's TTL (and its hook
// key's TTL) back to the full configured duration. Driven by
// connection keep-alive activity, never by validate.
func (c *Cache) Touch(ctx context.Context, kind TokenKind, token string) error {
	switch kind {
	case KindAuth:
		return c.touch(ctx, authKey(token), authHookKey(token), c.cfg.AuthTokenTTL)
	case KindSession:
		return c.touch(ctx, sessionKey(token), sessionHookKey(token), c.cfg.SessionTokenTTL)
	default:
		return errs.New(errs.InvalidRequest, fmt.Sprintf("token kind %q does not support touch", kind))
	}
}

func (c *Cache) touch(ctx context.Context, key, hookKey string, ttl time.Duration) error {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("sessioncache: reading %s: %w", key, err)
	}
	if !ok {
		return errs.New(errs.Unauthenticated, "token not found or expired")
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("sessioncache: extending %s ttl: %w", key, err)
	}
	hookTTL := ttl - c.cfg.HookMargin
	if hookTTL < 0 {
		hookTTL = 0
	}
	if err := c.store.Set(ctx, hookKey, nil, hookTTL); err != nil {
		return fmt.Errorf("sessioncache: extending %s ttl: %w", hookKey, err)
	}
	return nil
}

func (c *Cache) putWithHook(ctx context.Context, key, hookKey string, record any, ttl time.Duration) error {
	raw, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("storing record: %w", err)
	}
	hookTTL := ttl - c.cfg.HookMargin
	if hookTTL < 0 {
		hookTTL = 0
	}
	if err := c.store.Set(ctx, hookKey, nil, hookTTL); err != nil {
		return fmt.Errorf("storing expiration hook: %w", err)
	}
	return nil
}

func (c *Cache) putProject(ctx context.Context, token string, record ProjectRecord) error {
	raw, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return c.store.Set(ctx, projectKey(token), raw, 0)
}

func (c *Cache) getAuth(ctx context.Context, token string) (AuthRecord, bool, error) {
	raw, ok, err := c.store.Get(ctx, authKey(token))
	if err != nil || !ok {
		return AuthRecord{}, ok, err
	}
	var record AuthRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return AuthRecord{}, false, fmt.Errorf("decoding auth record: %w", err)
	}
	return record, true, nil
}

func (c *Cache) getSession(ctx context.Context, token string) (SessionRecord, bool, error) {
	record, _, ok, err := c.getSessionRaw(ctx, token)
	return record, ok, err
}

func (c *Cache) getSessionRaw(ctx context.Context, token string) (SessionRecord, []byte, bool, error) {
	raw, ok, err := c.store.Get(ctx, sessionKey(token))
	if err != nil || !ok {
		return SessionRecord{}, nil, ok, err
	}
	var record SessionRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return SessionRecord{}, nil, false, fmt.Errorf("decoding session record: %w", err)
	}
	return record, raw, true, nil
}

func (c *Cache) getProject(ctx context.Context, token string) (ProjectRecord, bool, error) {
	record, _, ok, err := c.getProjectRaw(ctx, token)
	return record, ok, err
}

func (c *Cache) getProjectRaw(ctx context.Context, token string) (ProjectRecord, []byte, bool, error) {
	raw, ok, err := c.store.Get(ctx, projectKey(token))
	if err != nil || !ok {
		return ProjectRecord{}, nil, ok, err
	}
	var record ProjectRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return ProjectRecord{}, nil, false, fmt.Errorf("decoding project record: %w", err)
	}
	return record, raw, true, nil
}

func projectIndexKey(userID, projectID string) string {
	return "project_index:" + userID + ":" + projectID
}
