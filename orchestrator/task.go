// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "github.com/bureau-foundation/completion-backend/wire"

// InferenceTask is the envelope payload enqueued on the inference
// queue: one per model per completion or chat request. Workers decode
// this, invoke ModelID, and publish a ModelReply to ReplyChannel.
type InferenceTask struct {
	RequestID    string             `json:"request_id"`
	ConnectionID string             `json:"connection_id"`
	ModelID      string             `json:"model_id"`
	Context      wire.CodeContext   `json:"context"`
	IsChat       bool               `json:"is_chat,omitempty"`
	ChatHistory  []wire.ChatMessage `json:"chat_history,omitempty"`
}

// ModelReply is published on the requesting connection's reply
// channel by an inference worker once ModelID has produced a result
// or failed.
type ModelReply struct {
	RequestID string                 `json:"request_id"`
	Payload   wire.ModelReplyPayload `json:"payload"`
}

// PersistKind distinguishes the shape of a PersistTask.
type PersistKind string

const (
	PersistQuery     PersistKind = "query"
	PersistFeedback  PersistKind = "feedback"
	PersistContext   PersistKind = "context"
	PersistTelemetry PersistKind = "telemetry"
)

// PersistTask is the envelope payload enqueued on the persist queue.
// Exactly one of the kind-specific fields is populated, matching Kind.
type PersistTask struct {
	Kind PersistKind `json:"kind"`

	// PersistQuery fields.
	RequestID           string                   `json:"request_id,omitempty"`
	UserID              string                   `json:"user_id,omitempty"`
	ProjectID           string                   `json:"project_id,omitempty"`
	ModelIDs            []string                 `json:"model_ids,omitempty"`
	Context             wire.CodeContext         `json:"context,omitempty"`
	ContextualTelemetry wire.ContextualTelemetry `json:"contextual_telemetry,omitempty"`
	BehavioralTelemetry wire.BehavioralTelemetry `json:"behavioral_telemetry,omitempty"`
	Replies             []wire.ModelReplyPayload `json:"replies,omitempty"`
	TimedOut            []string                 `json:"timed_out,omitempty"`

	// PersistFeedback fields.
	Feedback *wire.FeedbackPayload `json:"feedback,omitempty"`

	// PersistContext fields.
	FilePath    string `json:"file_path,omitempty"`
	Content     string `json:"content,omitempty"`
	Digest      string `json:"digest,omitempty"`
	ChangeIndex int64  `json:"change_index,omitempty"`
}
