// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adminstats defines the CBOR response shape the orchestrator's
// admin socket serves and cmd/bureau-completion-admin polls, so the
// two binaries agree on the wire format without either importing the
// other's internals.
package adminstats

// Snapshot is the "stats" action's response payload: aggregate,
// point-in-time operational counters. No per-user or per-project
// detail is exposed here — the admin dashboard shows fleet health,
// not individual request content.
type Snapshot struct {
	Connections    int   `cbor:"connections"`
	InferenceDepth int64 `cbor:"inference_depth"`
	PersistDepth   int64 `cbor:"persist_depth"`
	UptimeSeconds  int64 `cbor:"uptime_seconds"`
}
