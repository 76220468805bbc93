// Package sched fires time-of-day write schedules. The runner wakes on a
// short cadence and enqueues at most one write per schedule per day: a
// schedule is due when today's target instant has passed, today is an
// enabled weekday, and the schedule has not already fired at or after
// that instant.
package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// Store is the persistence surface the runner needs.
type Store interface {
	EnabledSchedules(ctx context.Context) ([]model.Schedule, error)
	EnqueueWrite(ctx context.Context, tagID int64, v model.Value) error
	SetScheduleLastRun(ctx context.Context, id int64, at time.Time) error
}

// Runner scans schedules and converts due ones into queued writes.
type Runner struct {
	store    Store
	interval time.Duration
}

func NewRunner(store Store, interval time.Duration) *Runner {
	return &Runner{store: store, interval: interval}
}

// Run executes ticks at the configured cadence until the context ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("schedule runner started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("schedule runner stopped")
			return
		case <-ticker.C:
			r.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every due schedule once.
func (r *Runner) Tick(ctx context.Context, now time.Time) {
	schedules, err := r.store.EnabledSchedules(ctx)
	if err != nil {
		slog.Error("load schedules", "error", err)
		return
	}

	for _, sch := range schedules {
		if len(sch.Days) != 7 {
			slog.Error("schedule has a malformed day list",
				"schedule", sch.Alias, "days", len(sch.Days))
			continue
		}
		if !Due(sch, now) {
			continue
		}
		if err := r.store.EnqueueWrite(ctx, sch.TagID, sch.WriteValue); err != nil {
			slog.Error("enqueue scheduled write", "schedule", sch.Alias, "error", err)
			continue
		}
		if err := r.store.SetScheduleLastRun(ctx, sch.ID, now); err != nil {
			slog.Error("stamp schedule", "schedule", sch.Alias, "error", err)
			continue
		}
		slog.Info("schedule fired", "schedule", sch.Alias, "tag_id", sch.TagID)
	}
}

// Due reports whether a schedule should fire at the given instant.
func Due(sch model.Schedule, now time.Time) bool {
	if len(sch.Days) != 7 {
		return false
	}
	// Days is indexed Monday=0; time.Weekday counts Sunday=0.
	if !sch.Days[(int(now.Weekday())+6)%7] {
		return false
	}

	target := time.Date(now.Year(), now.Month(), now.Day(),
		sch.Hour, sch.Minute, 0, 0, now.Location())

	if sch.CreatedAt.After(target) {
		// Created after today's slot; first fire is tomorrow at the earliest.
		return false
	}
	if target.After(now) {
		return false
	}
	if sch.LastRun != nil && !sch.LastRun.Before(target) {
		return false
	}
	return true
}
