// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command bureau-completion-storekeeper runs the Persistence Worker
// Pool (spec.md §4.7): it claims tasks from the persist queue and
// writes each one — a completed query, a feedback correction, an
// incremental context snapshot, or a standalone telemetry event — to
// the durable store through the Persistence Gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/gateway"
	"github.com/bureau-foundation/completion-backend/lib/process"
	"github.com/bureau-foundation/completion-backend/lib/service"
	"github.com/bureau-foundation/completion-backend/lib/version"
	"github.com/bureau-foundation/completion-backend/persistworker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	var configPath, consumerName string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to config file (overrides COMPLETION_CONFIG)")
	flag.StringVar(&consumerName, "consumer-name", "", "broker consumer group member name (default: hostname-pid)")
	flag.Parse()

	if showVersion {
		fmt.Printf("bureau-completion-storekeeper %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if consumerName == "" {
		host, hostErr := os.Hostname()
		if hostErr != nil {
			host = "unknown"
		}
		consumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
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
	taskBroker := broker.NewRedisBroker(redisClient)

	store, err := gateway.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening persistence gateway: %w", err)
	}
	defer store.Close()

	pool := persistworker.New(taskBroker, store, persistworker.LoggingDeadLetterer{Logger: logger}, logger, persistworker.Config{
		ConsumerName: consumerName,
		Concurrency:  8,
		ClaimBatch:   cfg.Queues.PersistenceBatchSize,
		MaxRetries:   cfg.Queues.PersistenceMaxRetries,
		RetryBase:    200 * time.Millisecond,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	reclaimDone := make(chan error, 1)
	go func() { reclaimDone <- pool.ReclaimLoop(ctx, 30*time.Second, time.Minute) }()

	logger.Info("storekeeper running", "consumer_name", consumerName, "store_path", cfg.Store.Path)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-runDone; err != nil && ctx.Err() == nil {
		logger.Error("worker pool error", "error", err)
	}
	if err := <-reclaimDone; err != nil && ctx.Err() == nil {
		logger.Error("reclaim loop error", "error", err)
	}

	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
