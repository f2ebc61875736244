// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the Connection Registry: the process-
// local set of live bidirectional connections, with O(1) delivery to
// a specific connection and broadcast to every connection bound to a
// project.
package registry

import (
	"log/slog"
	"sync"

	"github.com/bureau-foundation/completion-backend/sessioncache"
	"github.com/bureau-foundation/completion-backend/wire"
)

// Sink is the outbound side of one connection. Implementations must
// make Send non-blocking: if the underlying transport is backed up,
// Send returns false and the registry drops the connection rather
// than stall dispatch for every other connection.
type Sink interface {
	// Send enqueues frame for delivery. Returns false if the sink's
	// outbound buffer is full.
	Send(frame wire.Frame) bool

	// Close tears down the underlying transport, informing the client
	// of reason where the transport allows it (a WebSocket close
	// frame code/reason).
	Close(reason string)
}

// entry is one registered connection.
type entry struct {
	sink         Sink
	sessionToken string
	projectToken string
}

// Registry is the Connection Registry. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byID      map[string]entry
	bySession map[string]map[string]struct{}
	byProject map[string]map[string]struct{}
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		byID:      make(map[string]entry),
		bySession: make(map[string]map[string]struct{}),
		byProject: make(map[string]map[string]struct{}),
	}
}

// Register inserts connectionID into the primary map and the
// session/project secondary indexes.
func (r *Registry) Register(connectionID string, sink Sink, sessionToken, projectToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[connectionID] = entry{sink: sink, sessionToken: sessionToken, projectToken: projectToken}
	addIndex(r.bySession, sessionToken, connectionID)
	addIndex(r.byProject, projectToken, connectionID)
}

// Unregister removes connectionID from every index and closes its
// sink with reason.
func (r *Registry) Unregister(connectionID, reason string) {
	r.mu.Lock()
	e, ok := r.byID[connectionID]
	if ok {
		delete(r.byID, connectionID)
		removeIndex(r.bySession, e.sessionToken, connectionID)
		removeIndex(r.byProject, e.projectToken, connectionID)
	}
	r.mu.Unlock()

	if ok {
		e.sink.Close(reason)
	}
}

// Deliver enqueues message on connectionID's sink. If the connection
// is unknown, the message is dropped (not retried) per spec.md §4.2.
// If the sink reports backpressure, the connection is dropped with
// reason "backpressure" rather than blocking dispatch.
func (r *Registry) Deliver(connectionID string, frame wire.Frame) {
	r.mu.RLock()
	e, ok := r.byID[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if !e.sink.Send(frame) {
		r.logger.Warn("dropping connection on backpressure", "connection_id", connectionID)
		r.Unregister(connectionID, "backpressure")
	}
}

// Broadcast delivers frame to every connection bound to projectToken
// except exceptConnectionID (pass "" to exclude none).
func (r *Registry) Broadcast(projectToken string, frame wire.Frame, exceptConnectionID string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byProject[projectToken]))
	for id := range r.byProject[projectToken] {
		if id != exceptConnectionID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deliver(id, frame)
	}
}

// CloseSession closes every connection bound to sessionToken with
// reason. Satisfies sessioncache.ConnectionCloser.
func (r *Registry) CloseSession(sessionToken string, reason sessioncache.CloseReason) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.bySession[sessionToken]))
	for id := range r.bySession[sessionToken] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id, string(reason))
	}
}

// CloseProject closes every connection bound to projectToken with
// reason. Satisfies sessioncache.ConnectionCloser.
func (r *Registry) CloseProject(projectToken string, reason sessioncache.CloseReason) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byProject[projectToken]))
	for id := range r.byProject[projectToken] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id, string(reason))
	}
}

// Len returns the number of registered connections, for admin/metrics
// display.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func addIndex(index map[string]map[string]struct{}, key, connectionID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connectionID] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, connectionID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(index, key)
	}
}
