// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides shared infrastructure for the completion
// backend's binaries: the standard structured logger and a Unix socket
// server with NDJSON action dispatch.
//
// A completion-backend binary is a standalone Go process reachable over
// a Unix domain socket for local administrative calls (health checks,
// drain requests, stats dumps) in addition to whatever network-facing
// listeners it runs. This package extracts the parts of that shape
// that are common across binaries:
//
//   - Logger: a JSON slog handler on stderr, shared so every binary
//     emits the same log shape.
//   - Socket server: NDJSON Unix socket server with action dispatch,
//     connection timeouts, and graceful shutdown.
//
// Binaries compose these utilities in their own main() function rather
// than subclassing a framework. The package provides building blocks,
// not a runtime.
package service
