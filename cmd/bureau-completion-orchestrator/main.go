// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command bureau-completion-orchestrator is the client-facing server:
// it terminates WebSocket connections from IDE plugins and dashboards,
// authenticates them against the Session Cache, and hands their frames
// to the Request Orchestrator for dispatch onto the inference and
// persistence queues (spec.md §4, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/completion-backend/adminstats"
	"github.com/bureau-foundation/completion-backend/authsession"
	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/gateway"
	"github.com/bureau-foundation/completion-backend/lib/clock"
	"github.com/bureau-foundation/completion-backend/lib/process"
	"github.com/bureau-foundation/completion-backend/lib/service"
	"github.com/bureau-foundation/completion-backend/lib/version"
	"github.com/bureau-foundation/completion-backend/orchestrator"
	"github.com/bureau-foundation/completion-backend/ratelimit"
	"github.com/bureau-foundation/completion-backend/registry"
	"github.com/bureau-foundation/completion-backend/sessioncache"
)

// startedAt records process start for the admin socket's uptime
// counter.
var startedAt = time.Now()

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	var configPath string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to config file (overrides COMPLETION_CONFIG)")
	flag.Parse()

	if showVersion {
		fmt.Printf("bureau-completion-orchestrator %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := service.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := broker.EnsureGroups(ctx, redisClient, broker.Inference, broker.Persist); err != nil {
		return fmt.Errorf("ensuring broker consumer groups: %w", err)
	}

	store, err := gateway.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening persistence gateway: %w", err)
	}
	defer store.Close()

	taskBroker := broker.NewRedisBroker(redisClient)
	cache := sessioncache.New(sessioncache.NewRedisStore(redisClient), clock.Real(), logger, cfg.Tokens)
	reg := registry.New(logger)
	reaper := sessioncache.NewReaper(cache, reg, store, logger)
	auth := authsession.New(cache, reg, store)
	orch := orchestrator.New(reg, cache, taskBroker, logger, cfg.Request)
	limits := ratelimit.NewRegistry(cfg.RateLimits, 10*time.Minute)

	handler := newConnectHandler(auth, reg, orch, limits, logger)
	mux := http.NewServeMux()
	mux.Handle(cfg.Transport.WebSocketPath, handler)
	newSessionRoutes(cache, store, auth, logger).register(mux)

	var framedTCPDone chan error
	if cfg.Transport.FramedTCPAddress != "" {
		tcpListener, err := net.Listen("tcp", cfg.Transport.FramedTCPAddress)
		if err != nil {
			return fmt.Errorf("listening on framed-tcp address: %w", err)
		}
		tcpServer := newFramedTCPServer(auth, reg, orch, limits, logger, cfg.Transport.HandshakeTimeout)
		framedTCPDone = make(chan error, 1)
		go func() { framedTCPDone <- tcpServer.Serve(ctx, tcpListener) }()
	}

	var adminDone chan error
	if cfg.Transport.AdminSocketPath != "" {
		adminServer := service.NewSocketServer(cfg.Transport.AdminSocketPath, logger)
		adminServer.Handle("stats", func(ctx context.Context, _ []byte) (any, error) {
			inferenceDepth, err := taskBroker.Depth(ctx, broker.Inference)
			if err != nil {
				return nil, fmt.Errorf("reading inference queue depth: %w", err)
			}
			persistDepth, err := taskBroker.Depth(ctx, broker.Persist)
			if err != nil {
				return nil, fmt.Errorf("reading persist queue depth: %w", err)
			}
			return adminstats.Snapshot{
				Connections:    reg.Len(),
				InferenceDepth: inferenceDepth,
				PersistDepth:   persistDepth,
				UptimeSeconds:  int64(time.Since(startedAt).Seconds()),
			}, nil
		})
		adminDone = make(chan error, 1)
		go func() { adminDone <- adminServer.Serve(ctx) }()
	}

	httpServer := &http.Server{
		Addr:         cfg.Transport.WebSocketAddress,
		Handler:      mux,
		ReadTimeout:  cfg.Transport.HandshakeTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
	}

	reaperDone := make(chan error, 1)
	go func() { reaperDone <- reaper.Run(ctx) }()

	evictTicker := time.NewTicker(time.Minute)
	defer evictTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-evictTicker.C:
				limits.EvictAll()
			}
		}
	}()

	serveDone := make(chan error, 1)
	go func() { serveDone <- httpServer.ListenAndServe() }()

	logger.Info("orchestrator running",
		"websocket_address", cfg.Transport.WebSocketAddress,
		"websocket_path", cfg.Transport.WebSocketPath,
		"framed_tcp_address", cfg.Transport.FramedTCPAddress,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := <-serveDone; err != nil && err != http.ErrServerClosed {
		logger.Error("http server error", "error", err)
	}
	if err := <-reaperDone; err != nil && ctx.Err() == nil {
		logger.Error("reaper error", "error", err)
	}
	if framedTCPDone != nil {
		if err := <-framedTCPDone; err != nil && ctx.Err() == nil {
			logger.Error("framed-tcp server error", "error", err)
		}
	}
	if adminDone != nil {
		if err := <-adminDone; err != nil && ctx.Err() == nil {
			logger.Error("admin socket error", "error", err)
		}
	}

	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
