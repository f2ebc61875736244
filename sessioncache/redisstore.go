// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessioncache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript atomically replaces a key's value only if its
// current value matches the expected one, and applies a fresh TTL on
// success. Expressed as a Lua script because go-redis has no built-in
// compare-and-swap and a WATCH/MULTI transaction would require a
// round trip per retry from the client anyway; doing the compare
// inside Redis keeps the whole operation a single network hop.
var compareAndSwapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
	current = ''
end
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// redisStore is the production Store, backed by go-redis.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing go-redis client as a Store.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	switch {
	case ttl == -2*time.Nanosecond:
		// Redis TTL returns -2 for a key that does not exist;
		// go-redis surfaces the sentinel unmultiplied.
		return 0, false, nil
	case ttl == -1*time.Nanosecond:
		// -1 means the key exists with no expiration.
		return 0, true, nil
	default:
		return ttl, true, nil
	}
}

func (s *redisStore) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	result, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, oldValue, newValue, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (s *redisStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	keys := make(chan string, 256)
	go func() {
		defer close(keys)
		for msg := range pubsub.Channel() {
			select {
			case keys <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, keys: keys}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	keys   chan string
}

func (s *redisSubscription) Keys() <-chan string { return s.keys }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }
