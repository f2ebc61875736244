// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persistworker implements the Persistence Worker Pool
// (spec.md §4.6): it claims tasks from the persist queue and writes
// them through the Persistence Gateway, retrying transient failures
// with bounded exponential backoff before dead-lettering a task that
// never succeeds.
package persistworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/gateway"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/wire"
)

// Gateway is the narrow set of durable-store verbs persistworker
// depends on. gateway.Store implements this.
type Gateway interface {
	CreateQueryRecord(ctx context.Context, record gateway.QueryRecord) error
	AppendGroundTruth(ctx context.Context, userID string, feedback wire.FeedbackPayload) error
	WriteContextSnapshot(ctx context.Context, projectID, filePath, content, digestHex string, changeIndex int64) error
	UpsertTelemetry(ctx context.Context, requestID, userID, projectID string, contextual wire.ContextualTelemetry, behavioral wire.BehavioralTelemetry) error
}

// DeadLetterer receives a task that failed every retry. Production
// code logs and optionally persists to a dead-letter table; tests can
// swap in a capturing fake.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, task broker.Task, err error)
}

// LoggingDeadLetterer logs a dead-lettered task at error level and
// drops it. It is the default when no DeadLetterer is supplied.
type LoggingDeadLetterer struct {
	Logger *slog.Logger
}

func (d LoggingDeadLetterer) DeadLetter(ctx context.Context, task broker.Task, err error) {
	d.Logger.Error("persistworker: dead-lettering task", "task_id", task.ID, "error", err)
}

// Config bundles Pool's tunables.
type Config struct {
	ConsumerName string
	Concurrency  int
	ClaimBatch   int
	MaxRetries   int
	RetryBase    time.Duration
}

// Pool runs a bounded number of concurrent task processors against the
// persist queue, ordering retries per task (not globally) via bounded
// exponential backoff.
type Pool struct {
	broker       broker.Broker
	gateway      Gateway
	deadLetterer DeadLetterer
	logger       *slog.Logger
	consumerName string
	concurrency  int
	claimBatch   int
	maxRetries   int
	retryBase    time.Duration
}

// New constructs a Pool. deadLetterer may be nil, in which case a
// LoggingDeadLetterer is used.
func New(b broker.Broker, gw Gateway, deadLetterer DeadLetterer, logger *slog.Logger, cfg Config) *Pool {
	if deadLetterer == nil {
		deadLetterer = LoggingDeadLetterer{Logger: logger}
	}
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = cfg.Concurrency
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 100 * time.Millisecond
	}
	return &Pool{
		broker:       b,
		gateway:      gw,
		deadLetterer: deadLetterer,
		logger:       logger,
		consumerName: cfg.ConsumerName,
		concurrency:  cfg.Concurrency,
		claimBatch:   claimBatch,
		maxRetries:   cfg.MaxRetries,
		retryBase:    retryBase,
	}
}

// Run claims and processes tasks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	sem := make(chan struct{}, p.concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tasks, err := p.broker.Claim(ctx, broker.Persist, p.consumerName, p.claimBatch, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("persistworker: claiming tasks", "error", err)
			continue
		}

		for _, task := range tasks {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			go func(task broker.Task) {
				defer func() { <-sem }()
				p.process(ctx, task)
			}(task)
		}
	}
}

// process decodes task and writes it through the gateway, retrying
// transient failures with exponential backoff bounded by
// p.maxRetries. A write that still fails after the retry budget is
// dead-lettered rather than acked, so it never blocks the stream for
// every task behind it.
func (p *Pool) process(ctx context.Context, task broker.Task) {
	raw, err := broker.DecompressPayload(task.Envelope.Payload)
	if err != nil {
		p.logger.Error("persistworker: decompressing task", "task_id", task.ID, "error", err)
		p.deadLetterer.DeadLetter(ctx, task, err)
		return
	}

	var persistTask orchestrator.PersistTask
	if err := json.Unmarshal(raw, &persistTask); err != nil {
		p.logger.Error("persistworker: decoding task", "task_id", task.ID, "error", err)
		p.deadLetterer.DeadLetter(ctx, task, err)
		return
	}

	writeErr := p.writeWithRetry(ctx, persistTask)
	if writeErr != nil {
		p.deadLetterer.DeadLetter(ctx, task, writeErr)
		return
	}
	if err := p.broker.Ack(ctx, broker.Persist, task.ID); err != nil {
		p.logger.Error("persistworker: acking task", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) writeWithRetry(ctx context.Context, task orchestrator.PersistTask) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(p.retryBase) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = p.write(ctx, task)
		if lastErr == nil {
			return nil
		}
		p.logger.Warn("persistworker: write failed, retrying",
			"kind", task.Kind, "request_id", task.RequestID, "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func (p *Pool) write(ctx context.Context, task orchestrator.PersistTask) error {
	switch task.Kind {
	case orchestrator.PersistQuery:
		return p.gateway.CreateQueryRecord(ctx, gateway.QueryRecord{
			RequestID:           task.RequestID,
			UserID:              task.UserID,
			ProjectID:           task.ProjectID,
			Context:             task.Context,
			ContextualTelemetry: task.ContextualTelemetry,
			BehavioralTelemetry: task.BehavioralTelemetry,
			Replies:             task.Replies,
			TimedOut:            task.TimedOut,
		})
	case orchestrator.PersistFeedback:
		if task.Feedback == nil {
			return nil
		}
		return p.gateway.AppendGroundTruth(ctx, task.UserID, *task.Feedback)
	case orchestrator.PersistContext:
		return p.gateway.WriteContextSnapshot(ctx, task.ProjectID, task.FilePath, task.Content, task.Digest, task.ChangeIndex)
	case orchestrator.PersistTelemetry:
		return p.gateway.UpsertTelemetry(ctx, task.RequestID, task.UserID, task.ProjectID, task.ContextualTelemetry, task.BehavioralTelemetry)
	default:
		p.logger.Error("persistworker: unknown persist task kind", "kind", task.Kind)
		return nil
	}
}

// ReclaimLoop periodically reclaims tasks claimed but not acked for
// at least minIdle, redelivering them to this pool's consumer.
func (p *Pool) ReclaimLoop(ctx context.Context, interval, minIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tasks, err := p.broker.ReclaimStale(ctx, broker.Persist, p.consumerName, minIdle, p.claimBatch)
			if err != nil {
				p.logger.Error("persistworker: reclaiming stale tasks", "error", err)
				continue
			}
			for _, task := range tasks {
				go p.process(ctx, task)
			}
		}
	}
}
