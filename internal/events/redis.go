package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across pods over Redis Pub/Sub. Subscribers
// on every pod receive events published on any pod; local handlers are
// dispatched from the per-type subscription goroutine.
type RedisBus struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[Type]*typeSub
	nextID int
	closed bool
}

type typeSub struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers map[int]Handler
}

// NewRedisBus connects a bus to a Redis instance. channelPrefix namespaces
// the pub/sub channels, one channel per event type.
func NewRedisBus(rdb *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "fieldbus:events:"
	}
	return &RedisBus{
		rdb:    rdb,
		prefix: channelPrefix,
		subs:   make(map[Type]*typeSub),
	}
}

func (b *RedisBus) channel(t Type) string { return b.prefix + string(t) }

// Publish marshals the event and sends it on the type's channel.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	stamp(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(ev.Type), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe registers a handler; the first handler for a type opens the
// Redis subscription and starts its receive loop.
func (b *RedisBus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	ts, ok := b.subs[t]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ts = &typeSub{
			pubsub:   b.rdb.Subscribe(ctx, b.channel(t)),
			cancel:   cancel,
			handlers: make(map[int]Handler),
		}
		b.subs[t] = ts
		go b.receive(ctx, t, ts.pubsub)
	}

	b.nextID++
	id := b.nextID
	ts.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ts, ok := b.subs[t]
		if !ok {
			return
		}
		delete(ts.handlers, id)
		if len(ts.handlers) == 0 {
			ts.cancel()
			ts.pubsub.Close()
			delete(b.subs, t)
		}
	}
}

func (b *RedisBus) receive(ctx context.Context, t Type, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			b.mu.Lock()
			var handlers []Handler
			if ts, ok := b.subs[t]; ok {
				for _, h := range ts.handlers {
					handlers = append(handlers, h)
				}
			}
			b.mu.Unlock()
			for _, h := range handlers {
				h(ctx, &ev)
			}
		}
	}
}

// Close tears down every Redis subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t, ts := range b.subs {
		ts.cancel()
		ts.pubsub.Close()
		delete(b.subs, t)
	}
	return nil
}
