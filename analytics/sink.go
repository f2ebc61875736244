// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package analytics implements the Analytics Sink (spec.md §4.7): a
// fire-and-forget interface the orchestrator uses to emit behavioral
// and contextual telemetry envelopes, off the hot completion path.
// It is the same persist queue viewed through a different envelope
// type, sampled under backpressure so a slow durable store never
// blocks request handling.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/wire"
)

// Event is the envelope enqueued on the persist queue for an
// analytics-only write: telemetry about a request that isn't tied to
// a generation (e.g. a rejected or abandoned request).
type Event struct {
	RequestID           string                   `json:"request_id"`
	UserID              string                   `json:"user_id"`
	ProjectID           string                   `json:"project_id"`
	ContextualTelemetry wire.ContextualTelemetry `json:"contextual_telemetry,omitempty"`
	BehavioralTelemetry wire.BehavioralTelemetry `json:"behavioral_telemetry,omitempty"`
}

// Sink is the interface the orchestrator depends on for fire-and-forget
// telemetry emission.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// QueueSink enqueues Events onto the persist queue's broker, sampling
// 1-in-SampleDenominator once the queue's depth exceeds HardCap so a
// backed-up persistence path degrades to coarser analytics rather
// than adding to the backlog or blocking the caller (spec.md §5's
// "persistence queue growth is tolerated... beyond a hard cap, the
// analytics sink begins sampling").
type QueueSink struct {
	broker            broker.Broker
	logger            *slog.Logger
	hardCap           int64
	sampleDenominator int64
	counter           atomic.Int64
}

// Config bundles QueueSink's tunables.
type Config struct {
	HardCap           int64
	SampleDenominator int64
}

// New constructs a QueueSink. A SampleDenominator <= 1 disables
// sampling (every event over HardCap is still emitted).
func New(b broker.Broker, logger *slog.Logger, cfg Config) *QueueSink {
	denominator := cfg.SampleDenominator
	if denominator <= 0 {
		denominator = 1
	}
	return &QueueSink{broker: b, logger: logger, hardCap: cfg.HardCap, sampleDenominator: denominator}
}

// Emit enqueues event, sampling it out if the persist queue is beyond
// its hard cap. Emit never blocks the caller on a durable-store
// failure: enqueue errors are logged and dropped, matching the
// fire-and-forget contract.
func (s *QueueSink) Emit(ctx context.Context, event Event) {
	if s.hardCap > 0 {
		depth, err := s.broker.Depth(ctx, broker.Persist)
		if err != nil {
			s.logger.Warn("analytics: measuring queue depth", "error", err)
		} else if depth > s.hardCap {
			n := s.counter.Add(1)
			if n%s.sampleDenominator != 0 {
				return
			}
		}
	}

	task := orchestrator.PersistTask{
		Kind:                orchestrator.PersistTelemetry,
		RequestID:           event.RequestID,
		UserID:              event.UserID,
		ProjectID:           event.ProjectID,
		ContextualTelemetry: event.ContextualTelemetry,
		BehavioralTelemetry: event.BehavioralTelemetry,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		s.logger.Error("analytics: marshaling event", "request_id", event.RequestID, "error", err)
		return
	}
	if err := s.broker.Enqueue(ctx, broker.Persist, broker.Envelope{Payload: broker.CompressPayload(payload)}); err != nil {
		s.logger.Error("analytics: enqueuing event", "request_id", event.RequestID, "error", err)
	}
}
