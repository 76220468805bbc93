package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/fieldbus/internal/model"
)

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventTagValue, func(_ context.Context, ev *Event) {
		got <- ev
	})

	err := bus.Publish(context.Background(), &Event{
		Type:  EventTagValue,
		TagID: 7,
		Value: model.Int(42),
	})
	require.NoError(t, err)

	ev := waitFor(t, got)
	assert.Equal(t, int64(7), ev.TagID)
	assert.NotEmpty(t, ev.ID, "publish must stamp an id")
	assert.False(t, ev.Timestamp.IsZero())
}

func TestLocalBusFiltersByType(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventAlarmActivated, func(_ context.Context, ev *Event) {
		got <- ev
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventTagValue}))
	select {
	case <-got:
		t.Fatal("handler received an event of the wrong type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	unsub := bus.Subscribe(EventTagValue, func(_ context.Context, ev *Event) {
		got <- ev
	})
	unsub()

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventTagValue}))
	select {
	case <-got:
		t.Fatal("handler received an event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusSurvivesHandlerPanic(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(EventTagValue, func(context.Context, *Event) {
		panic("boom")
	})
	bus.Subscribe(EventTagValue, func(_ context.Context, ev *Event) {
		got <- ev
	})

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventTagValue}))
	waitFor(t, got)
}
