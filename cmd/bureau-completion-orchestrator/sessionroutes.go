// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/completion-backend/authsession"
	"github.com/bureau-foundation/completion-backend/gateway"
	"github.com/bureau-foundation/completion-backend/sessioncache"
)

// sessionRoutes wires the token-hierarchy verbs of spec.md §4.3 and
// §6 to real HTTP endpoints: acquisition is idempotent GET,
// deactivation is PUT (spec.md §6). Without these, no client can ever
// obtain the session_token/project_token cookies the WebSocket and
// framed-TCP connect handlers require.
type sessionRoutes struct {
	cache  *sessioncache.Cache
	store  *gateway.Store
	auth   *authsession.Manager
	logger *slog.Logger
}

func newSessionRoutes(cache *sessioncache.Cache, store *gateway.Store, auth *authsession.Manager, logger *slog.Logger) *sessionRoutes {
	return &sessionRoutes{cache: cache, store: store, auth: auth, logger: logger}
}

func (s *sessionRoutes) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/auth/acquire", s.acquireAuth)
	mux.HandleFunc("GET /v1/session/acquire", s.acquireSession)
	mux.HandleFunc("GET /v1/session/project", s.activateProject)
	mux.HandleFunc("PUT /v1/session/deactivate", s.deactivateSession)
}

// acquireAuth stands in for the login/OAuth success callback spec.md
// §4 names as the AuthToken's origin (out of scope as an identity
// provider integration): it records the user and mints an AuthToken
// for user_id. A real deployment fronts this with whatever identity
// provider authenticates the caller first; this endpoint is the
// narrow seam where that provider's confirmed user-id enters the
// token hierarchy.
func (s *sessionRoutes) acquireAuth(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertUser(r.Context(), userID); err != nil {
		s.logger.Error("upsert user failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	authToken, err := s.cache.IssueAuth(r.Context(), userID)
	if err != nil {
		s.logger.Error("issue auth failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	setTokenCookie(w, "auth_token", authToken)
	w.WriteHeader(http.StatusOK)
}

func (s *sessionRoutes) acquireSession(w http.ResponseWriter, r *http.Request) {
	authCookie, err := r.Cookie("auth_token")
	if err != nil {
		http.Error(w, "missing auth_token cookie", http.StatusUnauthorized)
		return
	}

	sessionToken, err := s.auth.AcquireSession(r.Context(), authCookie.Value, nil)
	if err != nil {
		http.Error(w, "auth token rejected", http.StatusUnauthorized)
		return
	}

	setTokenCookie(w, "session_token", sessionToken)
	w.WriteHeader(http.StatusOK)
}

func (s *sessionRoutes) activateProject(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie("session_token")
	if err != nil {
		http.Error(w, "missing session_token cookie", http.StatusUnauthorized)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		http.Error(w, "missing project_id", http.StatusBadRequest)
		return
	}

	projectToken, err := s.auth.ActivateProject(r.Context(), sessionCookie.Value, projectID)
	if err != nil {
		http.Error(w, "session rejected", http.StatusUnauthorized)
		return
	}

	setTokenCookie(w, "project_token", projectToken)
	w.WriteHeader(http.StatusOK)
}

func (s *sessionRoutes) deactivateSession(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie("session_token")
	if err != nil {
		http.Error(w, "missing session_token cookie", http.StatusUnauthorized)
		return
	}

	if err := s.auth.DeactivateSession(r.Context(), sessionCookie.Value); err != nil {
		s.logger.Error("deactivate session failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	clearTokenCookie(w, "session_token")
	w.WriteHeader(http.StatusOK)
}

func setTokenCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearTokenCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
