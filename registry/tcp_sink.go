// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/completion-backend/lib/netutil"
	"github.com/bureau-foundation/completion-backend/wire"
)

// maxFrameBytes bounds a single framed-TCP message, guarding against a
// misbehaving client claiming an unbounded length prefix.
const maxFrameBytes = 8 << 20

// FramedTCPSink adapts a net.Conn to the Sink interface for IDE
// plugins that speak the length-prefixed framing directly over TCP
// rather than WebSocket: each message is a 4-byte big-endian length
// followed by that many bytes of JSON-encoded wire.Frame. As with
// WebSocketSink, all writes happen on a single goroutine (run); Send
// only enqueues onto an internal channel.
type FramedTCPSink struct {
	conn   net.Conn
	logger *slog.Logger

	outbound  chan wire.Frame
	closeOnce sync.Once
	done      chan struct{}
}

// NewFramedTCPSink wraps conn and starts its write pump. Call Close
// when the connection's read loop exits.
func NewFramedTCPSink(conn net.Conn, logger *slog.Logger) *FramedTCPSink {
	sink := &FramedTCPSink{
		conn:     conn,
		logger:   logger,
		outbound: make(chan wire.Frame, outboundBuffer),
		done:     make(chan struct{}),
	}
	go sink.run()
	return sink
}

func (s *FramedTCPSink) Send(frame wire.Frame) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

func (s *FramedTCPSink) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *FramedTCPSink) run() {
	for {
		select {
		case <-s.done:
			return
		case frame, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.writeFrame(frame); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					s.logger.Warn("framed-tcp write failed", "error", err)
				}
				s.Close("write-error")
				return
			}
		}
	}
}

func (s *FramedTCPSink) writeFrame(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := s.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

// ReadFramedMessage reads one length-prefixed JSON frame off conn,
// the inverse of writeFrame. Shared by the connect-handshake and read
// loop so both speak the identical wire format.
func ReadFramedMessage(conn net.Conn) (wire.Frame, error) {
	var header [4]byte
	if _, err := readFull(conn, header[:]); err != nil {
		return wire.Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return wire.Frame{}, fmt.Errorf("registry: framed-tcp message of %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := readFull(conn, data); err != nil {
		return wire.Frame{}, err
	}
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return wire.Frame{}, fmt.Errorf("registry: decoding framed-tcp message: %w", err)
	}
	return frame, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
