// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis implements chainwork.NotifyFabric on top of Redis
// pub/sub (github.com/redis/go-redis/v9), so wakeups fan out across a
// worker fleet rather than staying confined to one process.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Fabric is a Redis-backed chainwork.NotifyFabric.
type Fabric struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing *redis.Client. prefix namespaces the pub/sub
// channels (e.g. by environment); an empty prefix is fine for a single
// deployment sharing one Redis instance.
func New(rdb *redis.Client, prefix string) *Fabric {
	return &Fabric{rdb: rdb, prefix: prefix}
}

func (f *Fabric) channel(topic, key string) string {
	if f.prefix == "" {
		return fmt.Sprintf("chainwork:%s:%s", topic, key)
	}
	return fmt.Sprintf("%s:chainwork:%s:%s", f.prefix, topic, key)
}

// NotifyJobScheduled implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobScheduled(ctx context.Context, typeName string, count int) error {
	return f.rdb.Publish(ctx, f.channel("job-scheduled", typeName), strconv.Itoa(count)).Err()
}

// ListenJobScheduled implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobScheduled(ctx context.Context, typeNames []string, onNotification func(typeName string, count int)) (func(), error) {
	channels := make([]string, len(typeNames))
	byChannel := make(map[string]string, len(typeNames))
	for i, t := range typeNames {
		ch := f.channel("job-scheduled", t)
		channels[i] = ch
		byChannel[ch] = t
	}

	sub := f.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("notifyadapter/redis: subscribe job-scheduled: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				count, _ := strconv.Atoi(msg.Payload)
				if count == 0 {
					count = 1
				}
				onNotification(byChannel[msg.Channel], count)
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}

// NotifyJobChainCompleted implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobChainCompleted(ctx context.Context, chainID string) error {
	return f.rdb.Publish(ctx, f.channel("chain-completed", chainID), "1").Err()
}

// ListenJobChainCompleted implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobChainCompleted(ctx context.Context, chainID string, onNotification func()) (func(), error) {
	return f.listenOnce(ctx, f.channel("chain-completed", chainID), onNotification)
}

// NotifyJobOwnershipLost implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobOwnershipLost(ctx context.Context, jobID string) error {
	return f.rdb.Publish(ctx, f.channel("ownership-lost", jobID), "1").Err()
}

// ListenJobOwnershipLost implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobOwnershipLost(ctx context.Context, jobID string, onNotification func()) (func(), error) {
	return f.listenOnce(ctx, f.channel("ownership-lost", jobID), onNotification)
}

func (f *Fabric) listenOnce(ctx context.Context, channel string, onNotification func()) (func(), error) {
	sub := f.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("notifyadapter/redis: subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				onNotification()
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}
