// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import "testing"

func TestContextFileDeterministic(t *testing.T) {
	a, err := ContextFile([]byte("package main\n"))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	b, err := ContextFile([]byte("package main\n"))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	if a != b {
		t.Error("expected identical content to produce identical digests")
	}
}

func TestContextFileDistinguishesContent(t *testing.T) {
	a, err := ContextFile([]byte("one"))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	b, err := ContextFile([]byte("two"))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	if a == b {
		t.Error("expected different content to produce different digests")
	}
}

func TestGenerationDomainSeparation(t *testing.T) {
	// The same bytes hashed as a context file vs. as a generation
	// fingerprint must not collide — that's the point of keyed
	// domain separation.
	content := "return a + b"
	fileDigest, err := ContextFile([]byte(content))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	genDigest, err := Generation("", "", content)
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if fileDigest == genDigest {
		t.Error("expected context-file and generation domains to diverge on identical bytes")
	}
}

func TestGenerationDistinguishesRequestAndModel(t *testing.T) {
	a, err := Generation("req-1", "model-a", "same completion")
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	b, err := Generation("req-1", "model-b", "same completion")
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	if a == b {
		t.Error("expected different model-ids to produce different digests")
	}
}

func TestHexRoundTrip(t *testing.T) {
	d, err := ContextFile([]byte("x"))
	if err != nil {
		t.Fatalf("ContextFile: %v", err)
	}
	if got := len(Hex(d)); got != Size*2 {
		t.Errorf("Hex length = %d, want %d", got, Size*2)
	}
}
