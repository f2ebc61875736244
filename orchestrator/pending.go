// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sync"
	"time"

	"github.com/bureau-foundation/completion-backend/wire"
)

// pendingRequest tracks one in-flight completion or chat request
// while its model replies are still arriving. It is sealed (a final
// frame sent, a persist task enqueued) either when every expected
// model has replied or when the deadline timer fires, whichever
// happens first — never both, guarded by sealed.
type pendingRequest struct {
	mu sync.Mutex

	requestID    string
	connectionID string
	frameType    wire.Type // completion.partial/final or chat.partial/final
	userID       string
	projectID    string

	context             wire.CodeContext
	contextualTelemetry wire.ContextualTelemetry
	behavioralTelemetry wire.BehavioralTelemetry

	pendingModels map[string]bool
	replies       []wire.ModelReplyPayload

	deadline *time.Timer
	sealed   bool
}

// recordReply adds a model's reply. Returns true if this was the last
// outstanding reply for the request (the caller should seal it). A
// reply for a model-id no longer in pendingModels — already recorded,
// or never requested because it was a duplicate in the original
// model-id list — is a no-op.
func (p *pendingRequest) recordReply(reply wire.ModelReplyPayload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return false
	}
	if !p.pendingModels[reply.ModelID] {
		return false
	}
	delete(p.pendingModels, reply.ModelID)
	p.replies = append(p.replies, reply)
	return len(p.pendingModels) == 0
}

// seal marks the request as finished and returns its final state,
// with ok false if something else already sealed it first.
func (p *pendingRequest) seal() (replies []wire.ModelReplyPayload, timedOut []string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return nil, nil, false
	}
	p.sealed = true
	p.deadline.Stop()
	timedOut = make([]string, 0, len(p.pendingModels))
	for modelID := range p.pendingModels {
		timedOut = append(timedOut, modelID)
	}
	return p.replies, timedOut, true
}
