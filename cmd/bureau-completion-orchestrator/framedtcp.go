// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/completion-backend/authsession"
	"github.com/bureau-foundation/completion-backend/errs"
	"github.com/bureau-foundation/completion-backend/lib/netutil"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/ratelimit"
	"github.com/bureau-foundation/completion-backend/registry"
	"github.com/bureau-foundation/completion-backend/wire"
)

// framedTCPServer accepts IDE-plugin connections that speak the
// length-prefixed framing directly over TCP rather than WebSocket —
// the same frame stream, minus the HTTP upgrade and cookie jar a
// browser gives the dashboard for free (spec.md §6).
type framedTCPServer struct {
	auth             *authsession.Manager
	registry         *registry.Registry
	orchestrator     *orchestrator.Orchestrator
	limits           *ratelimit.Registry
	logger           *slog.Logger
	handshakeTimeout time.Duration
}

func newFramedTCPServer(auth *authsession.Manager, reg *registry.Registry, orch *orchestrator.Orchestrator, limits *ratelimit.Registry, logger *slog.Logger, handshakeTimeout time.Duration) *framedTCPServer {
	return &framedTCPServer{
		auth:             auth,
		registry:         reg,
		orchestrator:     orch,
		limits:           limits,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
	}
}

// Serve accepts connections on listener until ctx is canceled or
// listener is closed.
func (s *framedTCPServer) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *framedTCPServer) handleConn(ctx context.Context, conn net.Conn) {
	clientIP := conn.RemoteAddr().String()
	if !s.limits.Allow("connect", clientIP) {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	handshake, err := registry.ReadFramedMessage(conn)
	if err != nil {
		s.logger.Warn("framed-tcp handshake read failed", "error", err)
		conn.Close()
		return
	}
	if handshake.Type != wire.TypeConnect {
		s.logger.Warn("framed-tcp first frame was not connect", "type", handshake.Type)
		conn.Close()
		return
	}
	var connectPayload wire.ConnectPayload
	if err := wire.DecodePayload(handshake, &connectPayload); err != nil {
		conn.Close()
		return
	}

	authz, err := s.auth.AuthenticateSession(ctx, connectPayload.SessionToken)
	if err != nil {
		conn.Close()
		return
	}
	if !containsToken(authz.ProjectTokens, connectPayload.ProjectToken) {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	connectionID := uuid.NewString()
	sink := registry.NewFramedTCPSink(conn, s.logger)
	s.registry.Register(connectionID, sink, authz.SessionToken, connectPayload.ProjectToken)
	s.logger.Info("framed-tcp connection registered",
		"connection_id", connectionID, "user_id", authz.UserID, "project_token", connectPayload.ProjectToken)

	listenCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := s.orchestrator.ListenForReplies(listenCtx, connectionID); err != nil && listenCtx.Err() == nil {
			s.logger.Warn("reply listener exited", "connection_id", connectionID, "error", err)
		}
	}()

	s.readLoop(listenCtx, conn, connectionID, authz, connectPayload.ProjectToken)
	s.registry.Unregister(connectionID, "read-loop-closed")
}

func (s *framedTCPServer) readLoop(ctx context.Context, conn net.Conn, connectionID string, authz authsession.Authz, projectToken string) {
	for {
		frame, err := registry.ReadFramedMessage(conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.logger.Debug("framed-tcp read loop exiting", "connection_id", connectionID, "error", err)
			}
			return
		}
		if frame.Type == wire.TypePing {
			s.registry.Deliver(connectionID, wire.Frame{Type: wire.TypePong})
			continue
		}
		if !s.limits.Allow("frame", authz.UserID) {
			s.registry.Deliver(connectionID, wire.ErrorFrame(frame.RequestID, string(errs.RateLimited), "too many requests"))
			continue
		}

		if err := s.orchestrator.HandleFrame(ctx, connectionID, authz.UserID, projectToken, frame); err != nil {
			s.registry.Deliver(connectionID, wire.ErrorFrame(frame.RequestID, string(errs.KindOf(err)), err.Error()))
		}
	}
}
