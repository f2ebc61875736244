// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package redact scrubs likely-secret substrings out of code context
// before it leaves the process boundary to a model invocation or a
// persisted record.
package redact

import "regexp"

const placeholder = "[REDACTED]"

// pattern pairs a detector regexp with the reason recorded for what
// it matched, for callers that want to know what was removed.
type pattern struct {
	name string
	re   *regexp.Regexp
}

// patterns is a conservative, low-false-negative set of common
// credential shapes: cloud provider keys, bearer tokens, private key
// blocks, and generic "key = value"-style assignments whose key name
// suggests a secret. It is intentionally permissive (more false
// positives, fewer false negatives) since the cost of over-redacting
// a line of code shown to a model is far lower than the cost of
// leaking a credential into a third-party inference request.
var patterns = []pattern{
	{"aws-access-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"private-key-block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"bearer-token", regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{20,}`)},
	{"generic-secret-assignment", regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|passwd)\s*[:=]\s*['"][^'"\n]{8,}['"]`)},
}

// Detector redacts secret-shaped substrings from text.
type Detector interface {
	Redact(text string) string
}

// Default is a Detector using the conservative pattern set above.
type Default struct{}

// Redact returns text with every pattern match replaced by a
// placeholder. Input too large to scan is returned unchanged rather
// than rejected — callers enforce size limits upstream if needed.
func (Default) Redact(text string) string {
	for _, p := range patterns {
		text = p.re.ReplaceAllString(text, placeholder)
	}
	return text
}
