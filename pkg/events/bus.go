// Package events implements the engine's internal pub/sub bus for job
// and extension lifecycle events. Publishing never blocks: a slow
// subscriber drops events instead of back-pressuring the dispatcher.
package events

import (
	"context"
	"sync"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

const defaultSubscriberBuffer = 256

// Bus fan-outs events to topic subscribers over bounded channels.
type Bus struct {
	logger *logrus.Logger
	buffer int

	mutex       sync.RWMutex
	subscribers map[string][]*subscription
	nextID      int
	closed      bool

	stats Stats
}

// Stats counters for the bus.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

type subscription struct {
	id     int
	topics map[string]bool // empty means all topics
	ch     chan types.Event
}

// NewBus creates a bus with the given per-subscriber buffer size
// (default 256 when zero).
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		logger:      logger,
		buffer:      buffer,
		subscribers: make(map[string][]*subscription),
	}
}

// Subscribe registers for the given topics (none means every topic)
// and returns the delivery channel plus an unsubscribe func. The
// channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe(topics ...string) (<-chan types.Event, func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	sub := &subscription{
		id:     b.nextID,
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan types.Event, b.buffer),
	}
	b.nextID++
	for _, t := range topics {
		sub.topics[t] = true
	}

	key := subscriptionKey(topics)
	b.subscribers[key] = append(b.subscribers[key], sub)

	unsubscribe := func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		subs := b.subscribers[key]
		for i, s := range subs {
			if s.id == sub.id {
				b.subscribers[key] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// SubscribeFunc runs handler on its own goroutine for every matching
// event until ctx is cancelled.
func (b *Bus) SubscribeFunc(ctx context.Context, handler func(types.Event), topics ...string) {
	ch, unsubscribe := b.Subscribe(topics...)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				handler(ev)
			}
		}
	}()
}

// Publish delivers the event to every matching subscriber without
// blocking. Full subscriber channels drop the event.
func (b *Bus) Publish(event types.Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.stats.Published++

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			if len(sub.topics) > 0 && !sub.topics[event.Topic] {
				continue
			}
			select {
			case sub.ch <- event:
				b.stats.Delivered++
			default:
				b.stats.Dropped++
				if b.logger != nil {
					b.logger.WithFields(logrus.Fields{
						"topic":          event.Topic,
						"job_id":         event.JobID,
						"correlation_id": event.CorrelationID,
					}).Debug("Event dropped, subscriber channel full")
				}
			}
		}
	}
}

// GetStats returns a copy of the bus counters.
func (b *Bus) GetStats() Stats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.stats
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subscribers, key)
	}
}

func subscriptionKey(topics []string) string {
	if len(topics) == 0 {
		return "*"
	}
	key := topics[0]
	for _, t := range topics[1:] {
		key += "," + t
	}
	return key
}
