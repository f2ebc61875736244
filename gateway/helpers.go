// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/completion-backend/digest"
	"github.com/bureau-foundation/completion-backend/lib/sealed"
	"github.com/bureau-foundation/completion-backend/wire"
)

func marshalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("gateway: marshaling %T: %w", v, err)
	}
	return string(raw), nil
}

func generationDigestHex(requestID string, reply wire.ModelReplyPayload) string {
	sum, err := digest.Generation(requestID, reply.ModelID, reply.Completion)
	if err != nil {
		return ""
	}
	return digest.Hex(sum)
}

func digestFor(content string) string {
	sum, err := digest.ContextFile([]byte(content))
	if err != nil {
		return ""
	}
	return digest.Hex(sum)
}

// sealSnapshot encrypts data to recipient using age, returning the
// base64 ciphertext as raw bytes ready for the BLOB column.
func sealSnapshot(data []byte, recipient string) ([]byte, error) {
	ciphertext, err := sealed.Encrypt(data, []string{recipient})
	if err != nil {
		return nil, err
	}
	return []byte(ciphertext), nil
}
