// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// Encode marshals a typed payload into a Frame ready to write to a
// connection.
func Encode(frameType Type, requestID string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType, RequestID: requestID}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshaling %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, RequestID: requestID, Payload: raw}, nil
}

// DecodePayload unmarshals a Frame's payload into target, a pointer
// to one of the Payload types in this package.
func DecodePayload(frame Frame, target any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("wire: %s frame has no payload", frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return fmt.Errorf("wire: decoding %s payload: %w", frame.Type, err)
	}
	return nil
}

// ErrorFrame builds a ready-to-send error frame for the given kind
// and message, optionally in reply to requestID.
func ErrorFrame(requestID string, kind string, message string) Frame {
	frame, err := Encode(TypeError, requestID, ErrorPayload{Kind: kind, Message: message})
	if err != nil {
		// ErrorPayload always marshals; this path is unreachable.
		panic(err)
	}
	return frame
}
