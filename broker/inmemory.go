// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBroker is a process-local Broker: a per-queue FIFO of
// pending tasks plus an in-flight set keyed by task ID, tracking claim
// time for ReclaimStale. It backs unit tests across the module and a
// single-process deployment that has no Redis available.
type InMemoryBroker struct {
	mu       sync.Mutex
	nextID   int
	pending  map[Queue][]Task
	inFlight map[Queue]map[string]claimedTask
	subs     map[string][]chan []byte
}

type claimedTask struct {
	task      Task
	claimedAt time.Time
}

// NewInMemoryBroker constructs an empty InMemoryBroker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		pending:  make(map[Queue][]Task),
		inFlight: make(map[Queue]map[string]claimedTask),
		subs:     make(map[string][]chan []byte),
	}
}

func (b *InMemoryBroker) Enqueue(ctx context.Context, queue Queue, envelope Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("%d-0", b.nextID)
	b.pending[queue] = append(b.pending[queue], Task{ID: id, Envelope: envelope, DeliveryCount: 0})
	return nil
}

func (b *InMemoryBroker) Claim(ctx context.Context, queue Queue, consumer string, count int, block time.Duration) ([]Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queued := b.pending[queue]
	if len(queued) > count {
		queued, b.pending[queue] = queued[:count], queued[count:]
	} else {
		b.pending[queue] = nil
	}

	if b.inFlight[queue] == nil {
		b.inFlight[queue] = make(map[string]claimedTask)
	}
	claimed := make([]Task, 0, len(queued))
	for _, task := range queued {
		task.DeliveryCount++
		b.inFlight[queue][task.ID] = claimedTask{task: task, claimedAt: time.Now()}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (b *InMemoryBroker) Ack(ctx context.Context, queue Queue, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight[queue], taskID)
	return nil
}

func (b *InMemoryBroker) ReclaimStale(ctx context.Context, queue Queue, consumer string, minIdle time.Duration, count int) ([]Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reclaimed []Task
	now := time.Now()
	for id, entry := range b.inFlight[queue] {
		if len(reclaimed) >= count {
			break
		}
		if now.Sub(entry.claimedAt) < minIdle {
			continue
		}
		entry.task.DeliveryCount++
		entry.claimedAt = now
		b.inFlight[queue][id] = entry
		reclaimed = append(reclaimed, entry.task)
	}
	return reclaimed, nil
}

func (b *InMemoryBroker) Depth(ctx context.Context, queue Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.pending[queue]) + len(b.inFlight[queue])), nil
}

func (b *InMemoryBroker) Publish(ctx context.Context, replyChannel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]chan []byte{}, b.subs[replyChannel]...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

func (b *InMemoryBroker) Subscribe(ctx context.Context, replyChannel string) (ReplySubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[replyChannel] = append(b.subs[replyChannel], ch)
	return &inMemoryReplySubscription{ch: ch}, nil
}

type inMemoryReplySubscription struct {
	ch chan []byte
}

func (s *inMemoryReplySubscription) Messages() <-chan []byte { return s.ch }

func (s *inMemoryReplySubscription) Close() error { return nil }
