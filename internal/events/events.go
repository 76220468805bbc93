// Package events carries the supervisor's domain events: tag value
// updates for live consumers, alarm activations and clears, and alarm
// notification intents. A local in-process bus serves single-pod
// deployments; a Redis-backed bus fans out across pods.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridline/fieldbus/internal/model"
)

// Type classifies event categories.
type Type string

const (
	EventTagValue       Type = "tag.value"
	EventAlarmActivated Type = "alarm.activated"
	EventAlarmCleared   Type = "alarm.cleared"
	EventNotifyIntent   Type = "alarm.notify"
)

// Event is one published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Tag value updates.
	TagID         int64       `json:"tag_id,omitempty"`
	TagExternalID string      `json:"tag_external_id,omitempty"`
	Value         model.Value `json:"value,omitempty"`

	// Alarm events.
	ConfigID    int64  `json:"config_id,omitempty"`
	Message     string `json:"message,omitempty"`
	ThreatLevel string `json:"threat_level,omitempty"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, ev *Event)

// Bus is the publish/subscribe contract shared by the local and Redis
// implementations.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(t Type, h Handler) (unsubscribe func())
	Close() error
}

// stamp fills in the event id and timestamp when the publisher left them
// zero.
func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
}

// LocalBus is an in-memory pub/sub implementation for single-process
// deployments.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscriber
	nextID int
	closed bool
}

type subscriber struct {
	id      int
	handler Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[Type][]subscriber)}
}

// Publish delivers the event to all matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, ev *Event) error {
	stamp(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, sub := range b.subs[ev.Type] {
		h := sub.handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panic", "type", ev.Type, "panic", r)
				}
			}()
			h(ctx, ev)
		}()
	}
	return nil
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *LocalBus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[t]
		for i, e := range entries {
			if e.id == id {
				b.subs[t] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[Type][]subscriber)
	b.mu.Unlock()
	return nil
}
