// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/completion-backend/wire"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10

	// outboundBuffer bounds how many frames a slow client can leave
	// unread before the registry considers it backpressured.
	outboundBuffer = 256
)

// WebSocketSink adapts a *websocket.Conn to the Sink interface. All
// writes to the connection happen on a single goroutine (run); Send
// only enqueues onto an internal channel, since gorilla/websocket
// connections are not safe for concurrent writers.
type WebSocketSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	outbound  chan wire.Frame
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketSink wraps conn and starts its write pump. Call Close
// when the connection's read loop exits.
func NewWebSocketSink(conn *websocket.Conn, logger *slog.Logger) *WebSocketSink {
	sink := &WebSocketSink{
		conn:     conn,
		logger:   logger,
		outbound: make(chan wire.Frame, outboundBuffer),
		done:     make(chan struct{}),
	}
	go sink.run()
	return sink
}

func (s *WebSocketSink) Send(frame wire.Frame) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

func (s *WebSocketSink) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = s.conn.Close()
	})
}

func (s *WebSocketSink) run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.writeFrame(frame); err != nil {
				s.logger.Warn("websocket write failed", "error", err)
				s.Close("write-error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("ping-failed")
				return
			}
		}
	}
}

func (s *WebSocketSink) writeFrame(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
