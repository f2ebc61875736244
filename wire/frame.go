// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the client-facing message frame format carried
// over the bidirectional connection (WebSocket). Frames are
// JSON-encoded: the client boundary favors the universally-supported,
// inspectable format over the internal CBOR envelopes used between
// the orchestrator, broker, and workers (see lib/codec).
package wire

import "encoding/json"

// Type identifies the shape of a frame's Payload.
type Type string

const (
	TypeCompletionRequest  Type = "completion.request"
	TypeCompletionPartial  Type = "completion.partial"
	TypeCompletionFinal    Type = "completion.final"
	TypeCompletionFeedback Type = "completion.feedback"
	TypeChatRequest        Type = "chat.request"
	TypeChatPartial        Type = "chat.partial"
	TypeChatFinal          Type = "chat.final"
	TypeContextUpdate      Type = "context.update"
	TypeContextBroadcast   Type = "context.broadcast"
	TypeError              Type = "error"
	TypePing               Type = "ping"
	TypePong               Type = "pong"

	// TypeConnect is the first frame a framed-TCP client must send:
	// the WebSocket transport carries the session/project tokens as
	// cookies on the upgrade request, but a raw TCP socket has no
	// handshake of its own to carry them, so the connect frame plays
	// that role.
	TypeConnect Type = "connect"
)

// Frame is the self-describing envelope for every message exchanged
// over a connection. RequestID is client-chosen on requests and
// echoed verbatim on every reply frame associated with that request,
// so a client with several in-flight requests can demultiplex
// replies that may arrive out of submission order.
type Frame struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CodeContext is the code surrounding the cursor at the time of the
// request.
type CodeContext struct {
	Prefix       string `json:"prefix"`
	Suffix       string `json:"suffix"`
	FileName     string `json:"file_name,omitempty"`
	SelectedText string `json:"selected_text,omitempty"`
}

// ContextualTelemetry describes the editing context surrounding a
// request, used for offline analysis — never for request routing.
type ContextualTelemetry struct {
	VersionID                string  `json:"version_id,omitempty"`
	TriggerTypeID            int     `json:"trigger_type_id,omitempty"`
	LanguageID               string  `json:"language_id,omitempty"`
	FilePath                 string  `json:"file_path,omitempty"`
	CaretLine                int     `json:"caret_line,omitempty"`
	DocumentCharLength       int     `json:"document_char_length,omitempty"`
	RelativeDocumentPosition float64 `json:"relative_document_position,omitempty"`
}

// BehavioralTelemetry describes the client's recent interaction
// pattern, used for offline analysis.
type BehavioralTelemetry struct {
	TimeSinceLastShownMS    int64   `json:"time_since_last_shown_ms,omitempty"`
	TimeSinceLastAcceptedMS int64   `json:"time_since_last_accepted_ms,omitempty"`
	TypingSpeed             float64 `json:"typing_speed,omitempty"`
}

// CompletionRequestPayload is the payload of a completion.request
// frame.
type CompletionRequestPayload struct {
	ModelIDs            []string            `json:"model_ids"`
	Context             CodeContext         `json:"context"`
	ContextualTelemetry ContextualTelemetry `json:"contextual_telemetry,omitempty"`
	BehavioralTelemetry BehavioralTelemetry `json:"behavioral_telemetry,omitempty"`
	ChangeIndices       []int64             `json:"change_indices,omitempty"`
}

// ChatRequestPayload is the payload of a chat.request frame. Chat is
// single-model: exactly one entry in ModelIDs is honored, any
// further entries are ignored.
type ChatRequestPayload struct {
	ChatID  string        `json:"chat_id"`
	ModelID string        `json:"model_id"`
	History []ChatMessage `json:"history"`
	Context CodeContext   `json:"context,omitempty"`
}

// ChatMessage is one turn of chat history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelReplyPayload is the payload of a completion.partial or
// chat.partial frame — one model's contribution to a request.
type ModelReplyPayload struct {
	ModelID          string    `json:"model_id"`
	Completion       string    `json:"completion,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	Logprobs         []float64 `json:"logprobs,omitempty"`
	GenerationTimeMS int64     `json:"generation_time_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// CompletionFinalPayload closes out a request: Returned lists the
// model-ids that produced a reply before the deadline; TimedOut lists
// the model-ids that did not.
type CompletionFinalPayload struct {
	Returned []string `json:"returned"`
	TimedOut []string `json:"timed_out,omitempty"`
}

// FeedbackPayload is the payload of a completion.feedback frame.
type FeedbackPayload struct {
	RequestID     string `json:"request_id"`
	ModelID       string `json:"model_id"`
	Accepted      bool   `json:"accepted"`
	ShownAtUnixMS int64  `json:"shown_at_unix_ms,omitempty"`
	GroundTruth   string `json:"ground_truth,omitempty"`
}

// ContextUpdatePayload is the payload of a context.update frame sent
// by a client to mutate a project's multi-file context.
type ContextUpdatePayload struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// ContextBroadcastPayload is the payload of a context.broadcast frame
// sent to every other connection bound to the same project.
type ContextBroadcastPayload struct {
	ChangeIndex int64  `json:"change_index"`
	FilePath    string `json:"file_path"`
	Digest      string `json:"digest"`
}

// ConnectPayload is the payload of the connect frame a framed-TCP
// client sends as its first message, carrying the tokens a WebSocket
// client instead presents as cookies.
type ConnectPayload struct {
	SessionToken string `json:"session_token"`
	ProjectToken string `json:"project_token"`
}

// ErrorPayload is the payload of an error frame. Kind is one of the
// errs.Kind string values; Message is safe to display to the user.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
