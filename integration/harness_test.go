// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build integration

// Package integration exercises the completion backend end to end
// against a real Redis instance and a real SQLite file, wiring the
// same components cmd/bureau-completion-orchestrator,
// cmd/bureau-completion-worker, and cmd/bureau-completion-storekeeper
// wire in production. Scenarios mirror spec.md §8's S1-S6.
//
// Run with: go test -tags integration ./integration/...
// A Redis instance is required at COMPLETION_TEST_REDIS_ADDR (default
// 127.0.0.1:6379); the suite skips if one isn't reachable.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/completion-backend/authsession"
	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/gateway"
	"github.com/bureau-foundation/completion-backend/inferenceworker"
	"github.com/bureau-foundation/completion-backend/lib/clock"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/persistworker"
	"github.com/bureau-foundation/completion-backend/redact"
	"github.com/bureau-foundation/completion-backend/registry"
	"github.com/bureau-foundation/completion-backend/sessioncache"
	"github.com/bureau-foundation/completion-backend/wire"
)

// requireRedis connects to the integration test's Redis instance,
// flushing the target DB so each test starts from empty streams and
// keys. Skips the test if no Redis is reachable, since this suite is
// opt-in (build-tag gated) precisely because it needs real infra.
func requireRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("COMPLETION_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	db := 15
	if v := os.Getenv("COMPLETION_TEST_REDIS_DB"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("invalid COMPLETION_TEST_REDIS_DB: %v", err)
		}
		db = parsed
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		t.Skipf("no reachable redis at %s: %v", addr, err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing test redis db: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

// harness wires one orchestrator, one inference worker pool, and one
// persistence worker pool together over a shared Redis broker and a
// temp-file SQLite gateway, the same graph the three cmd/ binaries
// assemble in production.
type harness struct {
	client   *redis.Client
	cache    *sessioncache.Cache
	auth     *authsession.Manager
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	store    *gateway.Store
	dbPath   string
	invoker  *controlledInvoker

	cancel context.CancelFunc
	done   sync.WaitGroup
}

func newHarness(t *testing.T, requestCfg config.RequestConfig) *harness {
	t.Helper()

	client := requireRedis(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := broker.EnsureGroups(ctx, client, broker.Inference, broker.Persist); err != nil {
		t.Fatalf("EnsureGroups: %v", err)
	}
	taskBroker := broker.NewRedisBroker(client)

	dbPath := filepath.Join(t.TempDir(), "integration.db")
	store, err := gateway.Open(config.StoreConfig{
		Path:     dbPath,
		PoolSize: 4,
	}, logger)
	if err != nil {
		t.Fatalf("gateway.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cache := sessioncache.New(sessioncache.NewRedisStore(client), clock.Real(), logger, config.TokenConfig{
		AuthTokenTTL:         time.Minute,
		SessionTokenTTL:      time.Minute,
		VerificationTokenTTL: time.Minute,
		ResetTokenTTL:        time.Minute,
		HookMargin:           200 * time.Millisecond,
		ChangeLogBound:       50,
	})
	reg := registry.New(logger)
	reaper := sessioncache.NewReaper(cache, reg, store, logger)
	auth := authsession.New(cache, reg, store)
	orch := orchestrator.New(reg, cache, taskBroker, logger, requestCfg)

	invoker := newControlledInvoker()
	workerPool := inferenceworker.New(taskBroker, invoker, redact.Default{}, logger, inferenceworker.Config{
		ConsumerName: "test-worker", Concurrency: 8, PerModelTimeout: requestCfg.PerModelTimeout, ClaimBatch: 10,
	})
	storeKeeper := persistworker.New(taskBroker, store, persistworker.LoggingDeadLetterer{Logger: logger}, logger, persistworker.Config{
		ConsumerName: "test-storekeeper", Concurrency: 8, ClaimBatch: 10, MaxRetries: 3, RetryBase: 20 * time.Millisecond,
	})

	h := &harness{client: client, cache: cache, auth: auth, registry: reg, orch: orch, store: store, dbPath: dbPath, invoker: invoker, cancel: cancel}

	h.done.Add(3)
	go func() { defer h.done.Done(); reaper.Run(ctx) }()
	go func() { defer h.done.Done(); workerPool.Run(ctx) }()
	go func() { defer h.done.Done(); storeKeeper.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		h.done.Wait()
	})

	return h
}

// capturingSink records every frame delivered to it. Safe for
// concurrent Send calls from the orchestrator's reply listener.
type capturingSink struct {
	mu     sync.Mutex
	frames []wire.Frame
	closed string
}

func (s *capturingSink) Send(frame wire.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *capturingSink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = reason
}

func (s *capturingSink) snapshot() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *capturingSink) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// connectedUser is one authenticated, registered connection: a live
// session and project bound to a connection ID, with its own sink and
// reply listener running.
type connectedUser struct {
	connID       string
	sessionToken string
	projectToken string
	sink         *capturingSink
}

// connect issues a full auth->session->project chain for userID,
// attaches it to projectID (sharing a ProjectToken with any other
// connectedUser that names the same projectID under the same userID),
// and registers a connection with its own reply listener.
func connect(t *testing.T, h *harness, userID, projectID string) *connectedUser {
	t.Helper()
	ctx := context.Background()

	authToken, err := h.cache.IssueAuth(ctx, userID)
	if err != nil {
		t.Fatalf("IssueAuth: %v", err)
	}
	sessionToken, err := h.cache.IssueSession(ctx, authToken, nil)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	projectToken, err := h.cache.AttachProject(ctx, sessionToken, projectID)
	if err != nil {
		t.Fatalf("AttachProject: %v", err)
	}

	sink := &capturingSink{}
	connID := fmt.Sprintf("conn-%s-%d", userID, time.Now().UnixNano())
	h.registry.Register(connID, sink, sessionToken, projectToken)

	listenCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.orch.ListenForReplies(listenCtx, connID)

	return &connectedUser{connID: connID, sessionToken: sessionToken, projectToken: projectToken, sink: sink}
}

// modelBehavior configures how controlledInvoker responds to a given
// model ID: either a delayed success or an error (simulating a model
// that never returns within its per-model timeout).
type modelBehavior struct {
	delay      time.Duration
	completion string
	confidence float64
	err        error
}

// controlledInvoker is a deterministic inferenceworker.ModelInvoker
// that returns a configured modelBehavior per model ID, or an
// immediate empty completion for any model ID not explicitly
// configured.
type controlledInvoker struct {
	mu        sync.Mutex
	behaviors map[string]modelBehavior
}

func newControlledInvoker() *controlledInvoker {
	return &controlledInvoker{behaviors: make(map[string]modelBehavior)}
}

func (c *controlledInvoker) set(modelID string, b modelBehavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviors[modelID] = b
}

func (c *controlledInvoker) Invoke(ctx context.Context, task orchestrator.InferenceTask) (wire.ModelReplyPayload, error) {
	c.mu.Lock()
	behavior, ok := c.behaviors[task.ModelID]
	c.mu.Unlock()
	if !ok {
		behavior = modelBehavior{completion: "stub-" + task.ModelID, confidence: 0.5}
	}

	if behavior.delay > 0 {
		select {
		case <-time.After(behavior.delay):
		case <-ctx.Done():
			return wire.ModelReplyPayload{}, ctx.Err()
		}
	}
	if behavior.err != nil {
		return wire.ModelReplyPayload{}, behavior.err
	}
	return wire.ModelReplyPayload{ModelID: task.ModelID, Completion: behavior.completion, Confidence: behavior.confidence}, nil
}

// waitFor polls condition until it returns true or the deadline
// elapses, failing the test on timeout. Integration scenarios poll
// rather than sleep a fixed duration since worker claim/ack latency
// against real Redis varies with machine load.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !condition() {
		t.Fatalf("condition not met within %s", timeout)
	}
}
