// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes keyed BLAKE3 content digests used to
// de-duplicate generations and to stamp multi-file-context broadcasts
// with a compact, tamper-evident fingerprint of the changed file's
// contents. Each content category hashes under its own domain key so
// that a digest computed for one category can never collide with a
// digest computed for another over the same bytes.
package digest

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different digests
// in different contexts.
type domainKey [32]byte

// Domain separation keys, ASCII-encoded and zero-padded to 32 bytes.
var (
	contextFileDomainKey = domainKey{
		'c', 'o', 'm', 'p', 'l', 'e', 't', 'i', 'o', 'n', '.', 'c', 'o', 'n', 't', 'e',
		'x', 't', '.', 'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	generationDomainKey = domainKey{
		'c', 'o', 'm', 'p', 'l', 'e', 't', 'i', 'o', 'n', '.', 'g', 'e', 'n', 'e', 'r',
		'a', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ContextFile returns the digest of a single file's content for the
// context.broadcast message's digest field. Two different files (or
// two different versions of the same file) with different content
// will, with overwhelming probability, never collide.
func ContextFile(content []byte) ([Size]byte, error) {
	return keyedHash(contextFileDomainKey, content)
}

// Generation returns a dedup fingerprint for a (request-id, model-id,
// completion-text) triple. Combined with the row-level idempotency
// key in the gateway, this guards against a redelivered inference
// task producing a second generation row whose content silently
// diverges from the first.
func Generation(requestID, modelID, completionText string) ([Size]byte, error) {
	hasher, err := blake3.NewKeyed(generationDomainKey[:])
	if err != nil {
		return [Size]byte{}, err
	}
	hasher.Write([]byte(requestID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(modelID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(completionText))
	var out [Size]byte
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

func keyedHash(key domainKey, content []byte) ([Size]byte, error) {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return [Size]byte{}, err
	}
	hasher.Write(content)
	var out [Size]byte
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

// Hex formats a digest as lowercase hex, for inclusion in wire
// messages and log fields.
func Hex(d [Size]byte) string {
	return hex.EncodeToString(d[:])
}
