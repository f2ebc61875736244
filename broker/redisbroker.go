// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField = "payload"
	replyField   = "reply_channel"

	// groupSuffix names the consumer group for a queue's stream:
	// "inference" → "inference-workers".
	groupSuffix = "-workers"
)

// redisBroker is the production Broker, backed by Redis Streams for
// the durable queues and Redis Pub/Sub for reply fan-out.
type redisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing go-redis client as a Broker. The
// consumer groups for both queues are created (idempotently) on first
// use by EnsureGroups.
func NewRedisBroker(client *redis.Client) Broker {
	return &redisBroker{client: client}
}

// EnsureGroups creates the consumer group for every queue this broker
// serves, ignoring "group already exists" errors. Call once at
// startup before any Claim.
func EnsureGroups(ctx context.Context, client *redis.Client, queues ...Queue) error {
	for _, queue := range queues {
		err := client.XGroupCreateMkStream(ctx, string(queue), group(queue), "$").Err()
		if err != nil && !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
			return fmt.Errorf("broker: creating consumer group for %s: %w", queue, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func group(queue Queue) string {
	return string(queue) + groupSuffix
}

func (b *redisBroker) Enqueue(ctx context.Context, queue Queue, envelope Envelope) error {
	values := map[string]any{payloadField: envelope.Payload}
	if envelope.ReplyChannel != "" {
		values[replyField] = envelope.ReplyChannel
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(queue),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("broker: enqueuing to %s: %w", queue, err)
	}
	return nil
}

func (b *redisBroker) Claim(ctx context.Context, queue Queue, consumer string, count int, block time.Duration) ([]Task, error) {
	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group(queue),
		Consumer: consumer,
		Streams:  []string{string(queue), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: claiming from %s: %w", queue, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return tasksFromMessages(result[0].Messages, 1), nil
}

func (b *redisBroker) Depth(ctx context.Context, queue Queue) (int64, error) {
	length, err := b.client.XLen(ctx, string(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: measuring depth of %s: %w", queue, err)
	}
	return length, nil
}

func (b *redisBroker) Ack(ctx context.Context, queue Queue, taskID string) error {
	if err := b.client.XAck(ctx, string(queue), group(queue), taskID).Err(); err != nil {
		return fmt.Errorf("broker: acking %s/%s: %w", queue, taskID, err)
	}
	return nil
}

func (b *redisBroker) ReclaimStale(ctx context.Context, queue Queue, consumer string, minIdle time.Duration, count int) ([]Task, error) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   string(queue),
		Group:    group(queue),
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: reclaiming stale tasks from %s: %w", queue, err)
	}
	return tasksFromMessages(messages, 2), nil
}

// tasksFromMessages converts Redis Stream messages into Tasks.
// deliveryCount is a floor: Redis Streams doesn't expose the true
// delivery count without a separate XPENDING call per entry, so
// reclaimed tasks (which by definition have been delivered at least
// twice) are stamped 2 and fresh claims are stamped 1. Callers that
// need an exact count track it themselves in the task payload.
func tasksFromMessages(messages []redis.XMessage, deliveryCount int64) []Task {
	tasks := make([]Task, 0, len(messages))
	for _, msg := range messages {
		envelope := Envelope{}
		if payload, ok := msg.Values[payloadField]; ok {
			if s, ok := payload.(string); ok {
				envelope.Payload = []byte(s)
			}
		}
		if reply, ok := msg.Values[replyField]; ok {
			if s, ok := reply.(string); ok {
				envelope.ReplyChannel = s
			}
		}
		tasks = append(tasks, Task{ID: msg.ID, Envelope: envelope, DeliveryCount: deliveryCount})
	}
	return tasks
}

func (b *redisBroker) Publish(ctx context.Context, replyChannel string, payload []byte) error {
	if err := b.client.Publish(ctx, replyChannel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publishing to %s: %w", replyChannel, err)
	}
	return nil
}

func (b *redisBroker) Subscribe(ctx context.Context, replyChannel string) (ReplySubscription, error) {
	pubsub := b.client.Subscribe(ctx, replyChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("broker: subscribing to %s: %w", replyChannel, err)
	}
	messages := make(chan []byte, 64)
	go func() {
		defer close(messages)
		for msg := range pubsub.Channel() {
			select {
			case messages <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisReplySubscription{pubsub: pubsub, messages: messages}, nil
}

type redisReplySubscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
}

func (s *redisReplySubscription) Messages() <-chan []byte { return s.messages }

func (s *redisReplySubscription) Close() error { return s.pubsub.Close() }
