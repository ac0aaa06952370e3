// Copyright 2026 Galen Authors
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

// Package bus is an in-process named-channel pub/sub.
//
// Delivery is fire-and-forget, at-most-once to currently connected
// subscribers. Late subscribers get no replay. Slow subscribers never
// block publishers: each subscription has a bounded buffer and overruns
// are dropped, which is acceptable because the live stream is always
// reconcilable against the durable row.
package bus

import (
	"log/slog"
	"sync"
)

const subscriberBuffer = 256

// Bus multiplexes published frames to per-channel subscribers.
type Bus struct {
	mu       sync.RWMutex
	channels map[string][]chan []byte
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{channels: make(map[string][]chan []byte)}
}

// Publish delivers a frame to every current subscriber of the channel.
// Never blocks: a subscriber whose buffer is full misses the frame.
func (b *Bus) Publish(channel string, frame []byte) {
	// Hold the read lock across the sends: they never block, and the
	// lock keeps an unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.channels[channel] {
		select {
		case ch <- frame:
		default:
			slog.Debug("Dropping frame for slow subscriber", "channel", channel)
		}
	}
}

// Subscribe registers a new subscriber on a channel. The returned cancel
// function unsubscribes and closes the stream; it is safe to call more
// than once.
func (b *Bus) Subscribe(channel string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			removed := false
			subs := b.channels[channel]
			for i, sub := range subs {
				if sub == ch {
					b.channels[channel] = append(subs[:i], subs[i+1:]...)
					removed = true
					break
				}
			}
			if len(b.channels[channel]) == 0 {
				delete(b.channels, channel)
			}
			b.mu.Unlock()
			// CloseChannel may have closed ch already; only close what we
			// removed ourselves.
			if removed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// CloseChannel closes all subscriber streams on a channel, signalling
// that no further frames will arrive. Used after a terminal event.
func (b *Bus) CloseChannel(channel string) {
	b.mu.Lock()
	subs := b.channels[channel]
	delete(b.channels, channel)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// SubscriberCount reports the number of active subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}
