// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command bureau-completion-worker runs the Inference Worker Pool
// (spec.md §4.5): it claims tasks from the inference queue, invokes a
// model for each requested model-id under a per-model timeout, and
// publishes replies back to the orchestrator's reply channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bureau-foundation/completion-backend/broker"
	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/inferenceworker"
	"github.com/bureau-foundation/completion-backend/lib/process"
	"github.com/bureau-foundation/completion-backend/lib/service"
	"github.com/bureau-foundation/completion-backend/lib/version"
	"github.com/bureau-foundation/completion-backend/redact"
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
		fmt.Printf("bureau-completion-worker %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if consumerName == "" {
		consumerName = defaultConsumerName()
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

	pool := inferenceworker.New(taskBroker, newStubInvoker(), redact.Default{}, logger, inferenceworker.Config{
		ConsumerName:    consumerName,
		Concurrency:     16,
		PerModelTimeout: cfg.Request.PerModelTimeout,
		ClaimBatch:      cfg.Queues.PersistenceBatchSize,
	})

	if cfg.Models.PreloadModels {
		logger.Info("model preload requested but no-op on the stub invoker", "default_model_ids", cfg.Models.DefaultModelIDs)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- pool.Run(ctx) }()

	reclaimDone := make(chan error, 1)
	go func() { reclaimDone <- pool.ReclaimLoop(ctx, 30*time.Second, time.Minute) }()

	logger.Info("inference worker running", "consumer_name", consumerName)

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
