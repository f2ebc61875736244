// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for tests. TTLs are recorded but not
// enforced by a background sweep; tests that need expiration behavior
// call Expire directly to simulate the store's own background
// deletion firing a keyspace notification, which is the boundary
// sessioncache actually reacts to.
type fakeStore struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	subs   []chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: make(map[string][]byte),
		ttls:   make(map[string]time.Duration),
	}
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	s.ttls[key] = ttl
	return true, nil
}

func (s *fakeStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
		delete(s.ttls, key)
	}
	return nil
}

func (s *fakeStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return 0, false, nil
	}
	return s.ttls[key], true, nil
}

func (s *fakeStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	if !ok {
		current = nil
	}
	if !bytes.Equal(current, oldValue) {
		return false, nil
	}
	stored := make([]byte, len(newValue))
	copy(stored, newValue)
	s.values[key] = stored
	s.ttls[key] = ttl
	return true, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan string, 64)
	s.subs = append(s.subs, ch)
	return &fakeSubscription{ch: ch}, nil
}

// Expire simulates the store expiring key in the background: the
// value is removed and, if it matches pattern (a simple prefix/suffix
// glob used only by this test double), every subscription is notified.
func (s *fakeStore) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.ttls, key)
	for _, sub := range s.subs {
		sub <- key
	}
}

type fakeSubscription struct {
	ch chan string
}

func (s *fakeSubscription) Keys() <-chan string { return s.ch }

func (s *fakeSubscription) Close() error { return nil }
