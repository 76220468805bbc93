// Package notify fans alarm notification intents out to the recipients
// subscribed to the triggering config. Delivery transports are pluggable;
// the default sender writes structured log lines, which is what a
// deployment without an SMTP or SMS gateway gets.
package notify

import (
	"context"
	"log/slog"

	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/model"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	SubscriptionsForConfig(ctx context.Context, configID int64) ([]model.Subscription, error)
}

// Sender delivers one notification to one recipient over one medium.
type Sender interface {
	SendEmail(ctx context.Context, to, message string, level model.ThreatLevel) error
	SendSMS(ctx context.Context, to, message string, level model.ThreatLevel) error
}

// Dispatcher subscribes to notification intents and routes them.
type Dispatcher struct {
	store  Store
	sender Sender
}

func NewDispatcher(store Store, sender Sender) *Dispatcher {
	return &Dispatcher{store: store, sender: sender}
}

// Start subscribes the dispatcher on the bus and returns the unsubscribe
// function.
func (d *Dispatcher) Start(bus events.Bus) func() {
	return bus.Subscribe(events.EventNotifyIntent, d.Handle)
}

// Handle processes one notification intent.
func (d *Dispatcher) Handle(ctx context.Context, ev *events.Event) {
	subs, err := d.store.SubscriptionsForConfig(ctx, ev.ConfigID)
	if err != nil {
		slog.Error("load subscriptions", "config_id", ev.ConfigID, "error", err)
		return
	}

	level := model.ThreatLevel(ev.ThreatLevel)
	for _, sub := range subs {
		if sub.EmailEnabled && sub.Email != "" {
			if err := d.sender.SendEmail(ctx, sub.Email, ev.Message, level); err != nil {
				slog.Error("email notification", "to", sub.Email, "error", err)
			}
		}
		if sub.SMSEnabled && sub.Phone != "" {
			if err := d.sender.SendSMS(ctx, sub.Phone, ev.Message, level); err != nil {
				slog.Error("sms notification", "to", sub.Phone, "error", err)
			}
		}
	}
}

// LogSender records notifications in the process log instead of sending
// them anywhere.
type LogSender struct{}

func (LogSender) SendEmail(_ context.Context, to, message string, level model.ThreatLevel) error {
	slog.Info("alarm notification", "medium", "email", "to", to, "level", level, "message", message)
	return nil
}

func (LogSender) SendSMS(_ context.Context, to, message string, level model.ThreatLevel) error {
	slog.Info("alarm notification", "medium", "sms", "to", to, "level", level, "message", message)
	return nil
}
