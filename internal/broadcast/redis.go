// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// DefaultRedisChannel is the pub/sub channel name.
const DefaultRedisChannel = "authflow:broadcast"

// RedisChannel carries messages over Redis pub/sub, so tabs served by
// different processes see each other.
type RedisChannel struct {
	client  *goredis.Client
	channel string
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel creates a channel on client. An empty name selects
// DefaultRedisChannel.
func NewRedisChannel(client *goredis.Client, name string) *RedisChannel {
	if name == "" {
		name = DefaultRedisChannel
	}
	return &RedisChannel{client: client, channel: name}
}

// Publish encodes msg and publishes it.
func (r *RedisChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("BROADCAST_ENCODE_FAILED").Wrap(err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return oops.Code("BROADCAST_PUBLISH_FAILED").With("channel", r.channel).Wrap(err)
	}
	return nil
}

// Subscribe subscribes to the channel and waits for the server to confirm.
func (r *RedisChannel) Subscribe(ctx context.Context) (<-chan Message, func(), error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, oops.Code("BROADCAST_SUBSCRIBE_FAILED").With("channel", r.channel).Wrap(err)
	}

	out := make(chan Message, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		in := ps.Channel()
		for {
			select {
			case <-done:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					slog.Warn("ignoring malformed broadcast", "channel", r.channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}, nil
}
