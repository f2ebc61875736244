// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bureau-foundation/completion-backend/adminstats"
	"github.com/bureau-foundation/completion-backend/lib/codec"
	"github.com/bureau-foundation/completion-backend/lib/service"
)

// dialTimeout bounds how long a single poll waits for the orchestrator
// to accept the connection and answer.
const dialTimeout = 3 * time.Second

// fetchStats dials the orchestrator's admin socket, issues a "stats"
// request, and decodes the response. Each call opens a fresh
// connection: the socket protocol handles one request per connection
// (lib/service.SocketServer), and polls are infrequent enough that
// reconnecting every tick costs nothing worth amortizing.
func fetchStats(socketPath string) (adminstats.Snapshot, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return adminstats.Snapshot{}, fmt.Errorf("connecting to admin socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(dialTimeout))

	request := struct {
		Action string `cbor:"action"`
	}{Action: "stats"}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return adminstats.Snapshot{}, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response service.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return adminstats.Snapshot{}, fmt.Errorf("decoding response: %w", err)
	}
	if !response.OK {
		return adminstats.Snapshot{}, errors.New(response.Error)
	}

	var snapshot adminstats.Snapshot
	if err := codec.Unmarshal(response.Data, &snapshot); err != nil {
		return adminstats.Snapshot{}, fmt.Errorf("decoding stats payload: %w", err)
	}
	return snapshot, nil
}
