// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/completion-backend/lib/testutil"
)

type recordingCloser struct {
	mu             sync.Mutex
	closedSessions []string
	closedProjects []string
}

func (c *recordingCloser) CloseSession(sessionToken string, reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedSessions = append(c.closedSessions, sessionToken)
}

func (c *recordingCloser) CloseProject(projectToken string, reason CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedProjects = append(c.closedProjects, projectToken)
}

type recordingFlusher struct {
	mu      sync.Mutex
	flushed []string
}

func (f *recordingFlusher) FlushProjectContext(ctx context.Context, projectToken string, record ProjectRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, projectToken)
	return nil
}

func TestReaperCascadesSessionExpiration(t *testing.T) {
	cache, store, _ := testCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authToken, err := cache.IssueAuth(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueAuth: %v", err)
	}
	sessionToken, err := cache.IssueSession(ctx, authToken, nil)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	projectToken, err := cache.AttachProject(ctx, sessionToken, "proj-x")
	if err != nil {
		t.Fatalf("AttachProject: %v", err)
	}

	closer := &recordingCloser{}
	flusher := &recordingFlusher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := NewReaper(cache, closer, flusher, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reaper.Run(ctx)
	}()

	// Give Run a moment to subscribe before firing the expiration.
	time.Sleep(10 * time.Millisecond)
	store.Expire(sessionHookKey(sessionToken))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		closer.mu.Lock()
		n := len(closer.closedSessions)
		closer.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.closedSessions) != 1 || closer.closedSessions[0] != sessionToken {
		t.Fatalf("expected session %q closed, got %v", sessionToken, closer.closedSessions)
	}
	if len(closer.closedProjects) != 1 || closer.closedProjects[0] != projectToken {
		t.Fatalf("expected project %q closed (last parent session gone), got %v", projectToken, closer.closedProjects)
	}

	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	if len(flusher.flushed) != 1 || flusher.flushed[0] != projectToken {
		t.Fatalf("expected project context flushed for %q, got %v", projectToken, flusher.flushed)
	}

	if _, err := cache.Validate(ctx, KindSession, sessionToken); err == nil {
		t.Error("expected session record removed after cascade")
	}

	cancel()
	testutil.RequireClosed(t, done, time.Second, "waiting for reaper to stop")
}

func TestReaperDoesNotCascadeWhenOtherSessionsRemain(t *testing.T) {
	cache, store, _ := testCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authToken, _ := cache.IssueAuth(ctx, "user-1")
	sessionA, _ := cache.IssueSession(ctx, authToken, nil)
	sessionB, _ := cache.IssueSession(ctx, authToken, nil)
	projectToken, err := cache.AttachProject(ctx, sessionA, "proj-x")
	if err != nil {
		t.Fatalf("AttachProject A: %v", err)
	}
	if _, err := cache.AttachProject(ctx, sessionB, "proj-x"); err != nil {
		t.Fatalf("AttachProject B: %v", err)
	}

	closer := &recordingCloser{}
	flusher := &recordingFlusher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := NewReaper(cache, closer, flusher, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reaper.Run(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	store.Expire(sessionHookKey(sessionA))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		closer.mu.Lock()
		n := len(closer.closedSessions)
		closer.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	flusher.mu.Lock()
	flushed := len(flusher.flushed)
	flusher.mu.Unlock()
	if flushed != 0 {
		t.Errorf("expected no flush while project still has a live parent session, got %d", flushed)
	}

	record, err := cache.Validate(ctx, KindProject, projectToken)
	if err != nil {
		t.Fatalf("expected project to survive: %v", err)
	}
	project := record.(ProjectRecord)
	if len(project.SessionTokens) != 1 || project.SessionTokens[0] != sessionB {
		t.Errorf("expected only sessionB remaining, got %v", project.SessionTokens)
	}
}
