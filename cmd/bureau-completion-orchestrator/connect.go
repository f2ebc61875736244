// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/completion-backend/authsession"
	"github.com/bureau-foundation/completion-backend/errs"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/ratelimit"
	"github.com/bureau-foundation/completion-backend/registry"
	"github.com/bureau-foundation/completion-backend/wire"
)

// connectHandler upgrades authenticated clients to a WebSocket
// connection and registers them with the Connection Registry. It is
// the client-facing half of spec.md §6: cookies carry the session and
// project tokens; the frame stream carries everything else.
type connectHandler struct {
	upgrader     websocket.Upgrader
	auth         *authsession.Manager
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	limits       *ratelimit.Registry
	logger       *slog.Logger
}

func newConnectHandler(auth *authsession.Manager, reg *registry.Registry, orch *orchestrator.Orchestrator, limits *ratelimit.Registry, logger *slog.Logger) *connectHandler {
	return &connectHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboards and IDE plugins connect from many origins;
			// the session/project cookie pair is the actual
			// authorization boundary, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		auth:         auth,
		registry:     reg,
		orchestrator: orch,
		limits:       limits,
		logger:       logger,
	}
}

func (h *connectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := r.RemoteAddr
	if !h.limits.Allow("connect", clientIP) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	sessionCookie, err := r.Cookie("session_token")
	if err != nil {
		http.Error(w, "missing session_token cookie", http.StatusUnauthorized)
		return
	}
	projectCookie, err := r.Cookie("project_token")
	if err != nil {
		http.Error(w, "missing project_token cookie", http.StatusUnauthorized)
		return
	}

	authz, err := h.auth.AuthenticateSession(r.Context(), sessionCookie.Value)
	if err != nil {
		http.Error(w, "session rejected", http.StatusUnauthorized)
		return
	}
	if !containsToken(authz.ProjectTokens, projectCookie.Value) {
		http.Error(w, "project not attached to session", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connectionID := uuid.NewString()
	sink := registry.NewWebSocketSink(conn, h.logger)
	h.registry.Register(connectionID, sink, authz.SessionToken, projectCookie.Value)
	h.logger.Info("connection registered",
		"connection_id", connectionID, "user_id", authz.UserID, "project_token", projectCookie.Value)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := h.orchestrator.ListenForReplies(ctx, connectionID); err != nil && ctx.Err() == nil {
			h.logger.Warn("reply listener exited", "connection_id", connectionID, "error", err)
		}
	}()

	h.readLoop(ctx, conn, connectionID, authz, projectCookie.Value)
	h.registry.Unregister(connectionID, "read-loop-closed")
}

// readLoop decodes frames off conn until the client disconnects or
// sends something the orchestrator rejects outright, dispatching each
// one to the orchestrator in turn. A single slow or malformed client
// only blocks its own read loop, never another connection's.
func (h *connectHandler) readLoop(ctx context.Context, conn *websocket.Conn, connectionID string, authz authsession.Authz, projectToken string) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.registry.Deliver(connectionID, wire.ErrorFrame("", string(errs.InvalidRequest), "malformed frame"))
			continue
		}
		if frame.Type == wire.TypePing {
			h.registry.Deliver(connectionID, wire.Frame{Type: wire.TypePong})
			continue
		}
		if !h.limits.Allow("frame", authz.UserID) {
			h.registry.Deliver(connectionID, wire.ErrorFrame(frame.RequestID, string(errs.RateLimited), "too many requests"))
			continue
		}

		if err := h.orchestrator.HandleFrame(ctx, connectionID, authz.UserID, projectToken, frame); err != nil {
			h.registry.Deliver(connectionID, wire.ErrorFrame(frame.RequestID, string(errs.KindOf(err)), err.Error()))
		}
	}
}

func containsToken(tokens []string, target string) bool {
	for _, token := range tokens {
		if token == target {
			return true
		}
	}
	return false
}
