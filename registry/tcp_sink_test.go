// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/completion-backend/wire"
)

func TestFramedTCPSinkRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewFramedTCPSink(server, logger)
	defer sink.Close("test-done")

	want, err := wire.Encode(wire.TypeCompletionPartial, "req-1", wire.ModelReplyPayload{ModelID: "model-a", Completion: "ok"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !sink.Send(want) {
		t.Fatal("Send returned false")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := ReadFramedMessage(client)
	if err != nil {
		t.Fatalf("ReadFramedMessage: %v", err)
	}
	if got.Type != want.Type || got.RequestID != want.RequestID {
		t.Errorf("got = %+v, want %+v", got, want)
	}

	var payload wire.ModelReplyPayload
	if err := wire.DecodePayload(got, &payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.ModelID != "model-a" || payload.Completion != "ok" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestFramedTCPSinkSendWithoutWritePumpIsNonBlocking(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// No run() goroutine draining outbound: Send must still return
	// immediately (false, since nothing is receiving) rather than
	// block the caller.
	sink := &FramedTCPSink{
		conn:     server,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		outbound: make(chan wire.Frame),
		done:     make(chan struct{}),
	}

	if sink.Send(wire.Frame{Type: wire.TypePing}) {
		t.Fatal("Send on an undrained unbuffered channel should report backpressure, not succeed")
	}
}
