// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements the Request Orchestrator (spec.md
// §4.4): it turns client frames into inference and persistence tasks,
// correlates model replies back to the request that asked for them,
// and enforces the request deadline.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/digest"
	"github.com/bureau-foundation/completion-backend/errs"
	"github.com/bureau-foundation/completion-backend/registry"
	"github.com/bureau-foundation/completion-backend/sessioncache"
	"github.com/bureau-foundation/completion-backend/wire"
	"github.com/google/uuid"
)

// Orchestrator wires the Connection Registry, Session Cache, and Task
// Broker together along the request path.
type Orchestrator struct {
	registry *registry.Registry
	cache    *sessioncache.Cache
	broker   broker.Broker
	logger   *slog.Logger
	deadline time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest // requestID -> request
}

// New constructs an Orchestrator.
func New(reg *registry.Registry, cache *sessioncache.Cache, b broker.Broker, logger *slog.Logger, cfg config.RequestConfig) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		cache:    cache,
		broker:   b,
		logger:   logger,
		deadline: cfg.Deadline,
		pending:  make(map[string]*pendingRequest),
	}
}

// ListenForReplies subscribes to a connection's reply channel and
// routes each arriving ModelReply to its pendingRequest until ctx is
// canceled (typically when the connection is unregistered). Call it
// once per connection, in its own goroutine, right after
// registry.Register.
func (o *Orchestrator) ListenForReplies(ctx context.Context, connectionID string) error {
	sub, err := o.broker.Subscribe(ctx, replyChannel(connectionID))
	if err != nil {
		return fmt.Errorf("orchestrator: subscribing reply channel for %s: %w", connectionID, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var reply ModelReply
			if err := json.Unmarshal(raw, &reply); err != nil {
				o.logger.Error("orchestrator: decoding model reply", "connection_id", connectionID, "error", err)
				continue
			}
			o.handleModelReply(reply)
		}
	}
}

func replyChannel(connectionID string) string {
	return "conn:" + connectionID
}

// HandleFrame dispatches an inbound frame from an authenticated
// connection. userID and projectToken identify the caller and the
// project the connection is bound to.
func (o *Orchestrator) HandleFrame(ctx context.Context, connectionID, userID, projectToken string, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeCompletionRequest:
		return o.handleCompletionRequest(ctx, connectionID, userID, projectToken, frame)
	case wire.TypeChatRequest:
		return o.handleChatRequest(ctx, connectionID, userID, projectToken, frame)
	case wire.TypeCompletionFeedback:
		return o.handleFeedback(ctx, connectionID, userID, projectToken, frame)
	case wire.TypeContextUpdate:
		return o.handleContextUpdate(ctx, connectionID, userID, projectToken, frame)
	default:
		return errs.New(errs.InvalidRequest, fmt.Sprintf("unhandled frame type %q", frame.Type))
	}
}

func (o *Orchestrator) handleCompletionRequest(ctx context.Context, connectionID, userID, projectToken string, frame wire.Frame) error {
	var payload wire.CompletionRequestPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return errs.Wrap(errs.InvalidRequest, "decoding completion request", err)
	}
	if len(payload.ModelIDs) == 0 {
		return errs.New(errs.InvalidRequest, "completion request names no models")
	}

	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req, modelIDs := o.register(requestID, connectionID, wire.TypeCompletionPartial, userID, projectToken, payload.ModelIDs,
		payload.Context, payload.ContextualTelemetry, payload.BehavioralTelemetry)

	for _, modelID := range modelIDs {
		task := InferenceTask{RequestID: requestID, ConnectionID: connectionID, ModelID: modelID, Context: payload.Context}
		if err := o.enqueueInference(ctx, connectionID, task); err != nil {
			o.logger.Error("orchestrator: enqueuing inference task", "request_id", requestID, "model_id", modelID, "error", err)
		}
	}

	o.armDeadline(req)
	return nil
}

func (o *Orchestrator) handleChatRequest(ctx context.Context, connectionID, userID, projectToken string, frame wire.Frame) error {
	var payload wire.ChatRequestPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return errs.Wrap(errs.InvalidRequest, "decoding chat request", err)
	}
	if payload.ModelID == "" {
		return errs.New(errs.InvalidRequest, "chat request names no model")
	}

	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	req, _ := o.register(requestID, connectionID, wire.TypeChatPartial, userID, projectToken, []string{payload.ModelID},
		payload.Context, wire.ContextualTelemetry{}, wire.BehavioralTelemetry{})

	task := InferenceTask{
		RequestID:    requestID,
		ConnectionID: connectionID,
		ModelID:      payload.ModelID,
		Context:      payload.Context,
		IsChat:       true,
		ChatHistory:  payload.History,
	}
	if err := o.enqueueInference(ctx, connectionID, task); err != nil {
		o.logger.Error("orchestrator: enqueuing chat task", "request_id", requestID, "error", err)
	}

	o.armDeadline(req)
	return nil
}

// register builds a pendingRequest for requestID and returns it along
// with modelIDs deduplicated to first occurrence: per spec.md §4.4, a
// model-id repeated within one request is treated once and the
// duplicate is silently dropped, rather than dispatched twice.
func (o *Orchestrator) register(requestID, connectionID string, frameType wire.Type, userID, projectID string,
	modelIDs []string, ctxt wire.CodeContext, contextual wire.ContextualTelemetry, behavioral wire.BehavioralTelemetry) (*pendingRequest, []string) {

	pendingModels := make(map[string]bool, len(modelIDs))
	deduped := make([]string, 0, len(modelIDs))
	for _, modelID := range modelIDs {
		if pendingModels[modelID] {
			continue
		}
		pendingModels[modelID] = true
		deduped = append(deduped, modelID)
	}
	req := &pendingRequest{
		requestID:           requestID,
		connectionID:        connectionID,
		frameType:           frameType,
		userID:              userID,
		projectID:           projectID,
		context:             ctxt,
		contextualTelemetry: contextual,
		behavioralTelemetry: behavioral,
		pendingModels:       pendingModels,
	}

	o.mu.Lock()
	o.pending[requestID] = req
	o.mu.Unlock()
	return req, deduped
}

func (o *Orchestrator) armDeadline(req *pendingRequest) {
	req.deadline = time.AfterFunc(o.deadline, func() {
		o.seal(req, true)
	})
}

func (o *Orchestrator) enqueueInference(ctx context.Context, connectionID string, task InferenceTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling inference task: %w", err)
	}
	return o.broker.Enqueue(ctx, broker.Inference, broker.Envelope{Payload: payload, ReplyChannel: replyChannel(connectionID)})
}

func (o *Orchestrator) handleModelReply(reply ModelReply) {
	o.mu.Lock()
	req, ok := o.pending[reply.RequestID]
	o.mu.Unlock()
	if !ok {
		return
	}

	finalFrameType := wire.TypeCompletionFinal
	partialFrameType := wire.TypeCompletionPartial
	if req.frameType == wire.TypeChatPartial {
		finalFrameType, partialFrameType = wire.TypeChatFinal, wire.TypeChatPartial
	}

	partial, err := wire.Encode(partialFrameType, reply.RequestID, reply.Payload)
	if err == nil {
		o.registry.Deliver(req.connectionID, partial)
	}

	if req.recordReply(reply.Payload) {
		o.finishRequest(req, finalFrameType, false)
	}
}

func (o *Orchestrator) seal(req *pendingRequest, timedOut bool) {
	finalFrameType := wire.TypeCompletionFinal
	if req.frameType == wire.TypeChatPartial {
		finalFrameType = wire.TypeChatFinal
	}
	o.finishRequest(req, finalFrameType, timedOut)
}

func (o *Orchestrator) finishRequest(req *pendingRequest, finalFrameType wire.Type, timedOutByDeadline bool) {
	replies, timedOut, ok := req.seal()
	if !ok {
		return
	}

	o.mu.Lock()
	delete(o.pending, req.requestID)
	o.mu.Unlock()

	returned := make([]string, 0, len(replies))
	for _, reply := range replies {
		returned = append(returned, reply.ModelID)
	}
	final, err := wire.Encode(finalFrameType, req.requestID, wire.CompletionFinalPayload{Returned: returned, TimedOut: timedOut})
	if err == nil {
		o.registry.Deliver(req.connectionID, final)
	}

	task := PersistTask{
		Kind:                PersistQuery,
		RequestID:           req.requestID,
		UserID:              req.userID,
		ProjectID:           req.projectID,
		Context:             req.context,
		ContextualTelemetry: req.contextualTelemetry,
		BehavioralTelemetry: req.behavioralTelemetry,
		Replies:             replies,
		TimedOut:            timedOut,
	}
	o.enqueuePersist(req.requestID, task)

	telemetryTask := PersistTask{
		Kind:                PersistTelemetry,
		RequestID:           req.requestID,
		UserID:              req.userID,
		ProjectID:           req.projectID,
		ContextualTelemetry: req.contextualTelemetry,
		BehavioralTelemetry: req.behavioralTelemetry,
	}
	o.enqueuePersist(req.requestID, telemetryTask)
}

func (o *Orchestrator) enqueuePersist(requestID string, task PersistTask) {
	payload, err := json.Marshal(task)
	if err != nil {
		o.logger.Error("orchestrator: marshaling persist task", "request_id", requestID, "kind", task.Kind, "error", err)
		return
	}
	if err := o.broker.Enqueue(context.Background(), broker.Persist, broker.Envelope{Payload: broker.CompressPayload(payload)}); err != nil {
		o.logger.Error("orchestrator: enqueuing persist task", "request_id", requestID, "kind", task.Kind, "error", err)
	}
}

func (o *Orchestrator) handleFeedback(ctx context.Context, connectionID, userID, projectToken string, frame wire.Frame) error {
	var payload wire.FeedbackPayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return errs.Wrap(errs.InvalidRequest, "decoding feedback", err)
	}

	task := PersistTask{Kind: PersistFeedback, UserID: userID, ProjectID: projectToken, Feedback: &payload}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling feedback task: %w", err)
	}
	if err := o.broker.Enqueue(ctx, broker.Persist, broker.Envelope{Payload: broker.CompressPayload(raw)}); err != nil {
		return fmt.Errorf("orchestrator: enqueuing feedback task: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleContextUpdate(ctx context.Context, connectionID, userID, projectToken string, frame wire.Frame) error {
	var payload wire.ContextUpdatePayload
	if err := wire.DecodePayload(frame, &payload); err != nil {
		return errs.Wrap(errs.InvalidRequest, "decoding context update", err)
	}

	sum, err := digest.ContextFile([]byte(payload.Content))
	if err != nil {
		return fmt.Errorf("orchestrator: digesting context file: %w", err)
	}
	digestHex := digest.Hex(sum)

	changeIndex, err := o.cache.UpdateContext(ctx, projectToken, payload.FilePath, payload.Content, digestHex)
	if err != nil {
		return err
	}

	broadcast, err := wire.Encode(wire.TypeContextBroadcast, "", wire.ContextBroadcastPayload{
		ChangeIndex: changeIndex,
		FilePath:    payload.FilePath,
		Digest:      digestHex,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: encoding context broadcast: %w", err)
	}
	o.registry.Broadcast(projectToken, broadcast, connectionID)

	task := PersistTask{
		Kind:        PersistContext,
		UserID:      userID,
		ProjectID:   projectToken,
		FilePath:    payload.FilePath,
		Content:     payload.Content,
		Digest:      digestHex,
		ChangeIndex: changeIndex,
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("orchestrator: marshaling context persist task: %w", err)
	}
	if err := o.broker.Enqueue(ctx, broker.Persist, broker.Envelope{Payload: broker.CompressPayload(raw)}); err != nil {
		return fmt.Errorf("orchestrator: enqueuing context persist task: %w", err)
	}
	return nil
}
