// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the Task Broker: two FIFO queues
// (inference, persist) plus a reply-channel namespace, used to route
// work from the Request Orchestrator to the worker pools and route
// results back.
package broker

import (
	"context"
	"time"
)

// Queue names the two task queues spec.md §4.4 exposes.
type Queue string

const (
	Inference Queue = "inference"
	Persist   Queue = "persist"
)

// Envelope is a task enqueued on a Queue. Payload is an
// opaque, queue-specific CBOR-encoded body; ReplyChannel, if set, is
// the reply-channel name (of the form "conn:<connection-id>") workers
// publish results to.
type Envelope struct {
	Payload      []byte
	ReplyChannel string
}

// Task is a claimed unit of work. ID identifies it for Ack and for
// redelivery accounting; it is opaque to callers beyond that.
type Task struct {
	ID            string
	Envelope      Envelope
	DeliveryCount int64
}

// Broker is the narrow interface the orchestrator and worker pools
// depend on. Production code is backed by Redis Streams
// (redisBroker); see SPEC_FULL.md §10.2.
type Broker interface {
	// Enqueue appends envelope to queue.
	Enqueue(ctx context.Context, queue Queue, envelope Envelope) error

	// Claim reads up to count unclaimed tasks from queue under the
	// named consumer, blocking up to block for at least one task (0
	// blocks indefinitely). Returns an empty slice, not an error, on
	// timeout.
	Claim(ctx context.Context, queue Queue, consumer string, count int, block time.Duration) ([]Task, error)

	// Ack acknowledges successful processing of taskID, removing it
	// from the queue's pending-entries list.
	Ack(ctx context.Context, queue Queue, taskID string) error

	// ReclaimStale claims up to count tasks that have been pending
	// (claimed but not acked) for at least minIdle, reassigning them
	// to consumer. This is the broker's visibility-timeout redelivery
	// mechanism: a worker that crashed mid-task leaves its claims
	// here for another worker to pick up.
	ReclaimStale(ctx context.Context, queue Queue, consumer string, minIdle time.Duration, count int) ([]Task, error)

	// Publish sends payload to replyChannel (a pub/sub broadcast, not
	// a durable queue: a reply for a connection no longer registered
	// anywhere is simply never read).
	Publish(ctx context.Context, replyChannel string, payload []byte) error

	// Subscribe returns a subscription delivering every message
	// published to replyChannel from this point on. Each backend
	// process subscribes only to the reply channels of connections it
	// has registered locally.
	Subscribe(ctx context.Context, replyChannel string) (ReplySubscription, error)

	// Depth reports the approximate number of tasks outstanding on
	// queue (claimed-but-unacked plus unclaimed), used by the
	// analytics sink to decide when to start sampling under
	// backpressure.
	Depth(ctx context.Context, queue Queue) (int64, error)
}

// ReplySubscription delivers messages published to one reply channel.
type ReplySubscription interface {
	Messages() <-chan []byte
	Close() error
}
