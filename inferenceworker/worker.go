// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inferenceworker implements the Inference Worker Pool
// (spec.md §4.5): it claims tasks from the inference queue, invokes
// the named model under a per-model timeout strictly shorter than the
// overall request deadline, and publishes the result back on the
// requesting connection's reply channel.
package inferenceworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/redact"
	"github.com/bureau-foundation/completion-backend/wire"
)

// ModelInvoker runs one model against an inference task and returns
// its reply. Loading, warming, and routing between concrete model
// backends is out of scope here; Pool only enforces the timeout and
// concurrency contract around whatever Invoke does.
type ModelInvoker interface {
	Invoke(ctx context.Context, task orchestrator.InferenceTask) (wire.ModelReplyPayload, error)
}

// Pool runs a bounded number of concurrent task processors against
// the inference queue.
type Pool struct {
	broker          broker.Broker
	invoker         ModelInvoker
	redactor        redact.Detector
	logger          *slog.Logger
	consumerName    string
	concurrency     int
	perModelTimeout time.Duration
	claimBatch      int
}

// Config bundles Pool's tunables.
type Config struct {
	ConsumerName    string
	Concurrency     int
	PerModelTimeout time.Duration
	ClaimBatch      int
}

// New constructs a Pool. redactor may be nil, in which case
// redact.Default{} is used.
func New(b broker.Broker, invoker ModelInvoker, redactor redact.Detector, logger *slog.Logger, cfg Config) *Pool {
	if redactor == nil {
		redactor = redact.Default{}
	}
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = cfg.Concurrency
	}
	return &Pool{
		broker:          b,
		invoker:         invoker,
		redactor:        redactor,
		logger:          logger,
		consumerName:    cfg.ConsumerName,
		concurrency:     cfg.Concurrency,
		perModelTimeout: cfg.PerModelTimeout,
		claimBatch:      claimBatch,
	}
}

// Run claims and processes tasks until ctx is canceled. Up to
// p.concurrency tasks are processed concurrently; Run blocks on a
// semaphore when that limit is reached before claiming more.
func (p *Pool) Run(ctx context.Context) error {
	sem := make(chan struct{}, p.concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tasks, err := p.broker.Claim(ctx, broker.Inference, p.consumerName, p.claimBatch, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("inferenceworker: claiming tasks", "error", err)
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

func (p *Pool) process(ctx context.Context, task broker.Task) {
	var inf orchestrator.InferenceTask
	if err := json.Unmarshal(task.Envelope.Payload, &inf); err != nil {
		p.logger.Error("inferenceworker: decoding task", "task_id", task.ID, "error", err)
		return
	}

	inf.Context.Prefix = p.redactor.Redact(inf.Context.Prefix)
	inf.Context.Suffix = p.redactor.Redact(inf.Context.Suffix)
	inf.Context.SelectedText = p.redactor.Redact(inf.Context.SelectedText)

	callCtx, cancel := context.WithTimeout(ctx, p.perModelTimeout)
	defer cancel()

	start := time.Now()
	payload, err := p.invoker.Invoke(callCtx, inf)
	payload.ModelID = inf.ModelID
	payload.GenerationTimeMS = time.Since(start).Milliseconds()
	if err != nil {
		payload.Error = err.Error()
	}

	reply := orchestrator.ModelReply{RequestID: inf.RequestID, Payload: payload}
	raw, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		p.logger.Error("inferenceworker: marshaling reply", "task_id", task.ID, "error", marshalErr)
		return
	}
	if task.Envelope.ReplyChannel != "" {
		if err := p.broker.Publish(ctx, task.Envelope.ReplyChannel, raw); err != nil {
			p.logger.Error("inferenceworker: publishing reply", "task_id", task.ID, "error", err)
		}
	}
	if err := p.broker.Ack(ctx, broker.Inference, task.ID); err != nil {
		p.logger.Error("inferenceworker: acking task", "task_id", task.ID, "error", err)
	}
}

// ReclaimLoop periodically reclaims tasks that have been claimed but
// not acked for at least minIdle, redelivering them to this pool's
// consumer name. Run it alongside Run in its own goroutine.
func (p *Pool) ReclaimLoop(ctx context.Context, interval, minIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tasks, err := p.broker.ReclaimStale(ctx, broker.Inference, p.consumerName, minIdle, p.claimBatch)
			if err != nil {
				p.logger.Error("inferenceworker: reclaiming stale tasks", "error", err)
				continue
			}
			for _, task := range tasks {
				go p.process(ctx, task)
			}
		}
	}
}
