// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

// Key namespaces. Each long-lived token type has a companion "_hook"
// key whose TTL is set to the real TTL minus a safety margin (ε); the
// reaper subscribes to its expiration and runs cascading cleanup while
// the main record is still readable. ProjectTokens have no hook key:
// they do not expire on a timer, only when their parent-session set
// empties (see detachSession).
const (
	authPrefix        = "auth:"
	authHookPrefix    = "auth_hook:"
	sessionPrefix     = "session:"
	sessionHookPrefix = "session_hook:"
	projectPrefix     = "project:"
	verifyPrefix      = "verify:"
	resetPrefix       = "reset:"

	cascadeLockPrefix = "cascade_lock:"
)

func authKey(token string) string        { return authPrefix + token }
func authHookKey(token string) string    { return authHookPrefix + token }
func sessionKey(token string) string     { return sessionPrefix + token }
func sessionHookKey(token string) string { return sessionHookPrefix + token }
func projectKey(token string) string     { return projectPrefix + token }
func verifyKey(token string) string      { return verifyPrefix + token }
func resetKey(token string) string       { return resetPrefix + token }
func cascadeLockKey(key string) string   { return cascadeLockPrefix + key }
