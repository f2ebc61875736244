// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/wire"
)

// stubInvoker stands in for the opaque inference callable: model
// loading, tokenization, and inference internals are out of scope
// here (the orchestrator and worker pool only need something that
// accepts an InferenceTask and returns a completion under a timeout).
// Its output is a deterministic function of (model-id, request-id) so
// repeated runs against the same task are reproducible, and it sleeps
// a model-dependent duration to exercise the per-model timeout path
// realistically. Invoke has no shared mutable state, so one
// stubInvoker is safe to call concurrently from every pool worker.
type stubInvoker struct{}

func newStubInvoker() *stubInvoker {
	return &stubInvoker{}
}

func (s *stubInvoker) Invoke(ctx context.Context, task orchestrator.InferenceTask) (wire.ModelReplyPayload, error) {
	seed := seedFor(task.ModelID, task.RequestID)
	latency := time.Duration(50+seed%450) * time.Millisecond
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return wire.ModelReplyPayload{}, ctx.Err()
	}

	return wire.ModelReplyPayload{
		Completion: fmt.Sprintf("/* stub completion for %s */", task.ModelID),
		Confidence: 0.5 + float64(seed%500)/1000,
		Logprobs:   []float64{-0.1, -0.3, -0.5},
	}, nil
}

func seedFor(modelID, requestID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(modelID))
	h.Write([]byte(requestID))
	return int64(h.Sum64() % 1000)
}
