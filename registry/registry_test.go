// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/completion-backend/sessioncache"
	"github.com/bureau-foundation/completion-backend/wire"
)

type fakeSink struct {
	sent   []wire.Frame
	full   bool
	closed string
}

func (s *fakeSink) Send(frame wire.Frame) bool {
	if s.full {
		return false
	}
	s.sent = append(s.sent, frame)
	return true
}

func (s *fakeSink) Close(reason string) { s.closed = reason }

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDeliverUnknownConnectionIsDropped(t *testing.T) {
	r := newTestRegistry()
	// Must not panic.
	r.Deliver("nonexistent", wire.Frame{Type: wire.TypePing})
}

func TestDeliverToRegisteredConnection(t *testing.T) {
	r := newTestRegistry()
	sink := &fakeSink{}
	r.Register("conn-1", sink, "session-1", "project-1")

	r.Deliver("conn-1", wire.Frame{Type: wire.TypePong})
	if len(sink.sent) != 1 || sink.sent[0].Type != wire.TypePong {
		t.Fatalf("expected frame delivered, got %v", sink.sent)
	}
}

func TestDeliverDropsOnBackpressure(t *testing.T) {
	r := newTestRegistry()
	sink := &fakeSink{full: true}
	r.Register("conn-1", sink, "session-1", "project-1")

	r.Deliver("conn-1", wire.Frame{Type: wire.TypePong})

	if sink.closed != "backpressure" {
		t.Errorf("expected sink closed with backpressure, got %q", sink.closed)
	}
	if r.Len() != 0 {
		t.Errorf("expected connection removed from registry, got %d remaining", r.Len())
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSink{}
	b := &fakeSink{}
	r.Register("conn-a", a, "session-a", "project-1")
	r.Register("conn-b", b, "session-b", "project-1")

	r.Broadcast("project-1", wire.Frame{Type: wire.TypeContextBroadcast}, "conn-a")

	if len(a.sent) != 0 {
		t.Errorf("expected originator to receive nothing, got %v", a.sent)
	}
	if len(b.sent) != 1 {
		t.Errorf("expected other connection to receive broadcast, got %v", b.sent)
	}
}

func TestCloseSessionClosesOnlyItsConnections(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSink{}
	b := &fakeSink{}
	r.Register("conn-a", a, "session-1", "project-1")
	r.Register("conn-b", b, "session-2", "project-1")

	r.CloseSession("session-1", sessioncache.ReasonSessionExpired)

	if a.closed != string(sessioncache.ReasonSessionExpired) {
		t.Errorf("expected conn-a closed, got %q", a.closed)
	}
	if b.closed != "" {
		t.Errorf("expected conn-b untouched, got %q", b.closed)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 connection remaining, got %d", r.Len())
	}
}

func TestCloseProjectClosesEveryBoundConnection(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSink{}
	b := &fakeSink{}
	r.Register("conn-a", a, "session-1", "project-1")
	r.Register("conn-b", b, "session-2", "project-1")

	r.CloseProject("project-1", sessioncache.ReasonProjectEnded)

	if a.closed == "" || b.closed == "" {
		t.Errorf("expected both connections closed, got a=%q b=%q", a.closed, b.closed)
	}
	if r.Len() != 0 {
		t.Errorf("expected registry empty, got %d", r.Len())
	}
}
