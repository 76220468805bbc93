// Package cleanup prunes the supervisor's unbounded tables: per-tag
// history beyond its retention window, processed write requests and
// retired alarm activations past their grace period.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridline/fieldbus/internal/store"
)

// Store is the persistence surface the runner needs.
type Store interface {
	TagsWithRetention(ctx context.Context) ([]store.RetentionTag, error)
	PruneHistory(ctx context.Context, tagID int64, cutoff time.Time) (int64, error)
	DeleteProcessedWrites(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteInactiveAlarms(ctx context.Context, olderThan time.Time) (int64, error)
}

// Runner executes the pruning pass on a fixed cadence.
type Runner struct {
	store    Store
	interval time.Duration

	writeGrace time.Duration
	alarmGrace time.Duration
}

func NewRunner(s Store, interval, writeGrace, alarmGrace time.Duration) *Runner {
	return &Runner{
		store:      s,
		interval:   interval,
		writeGrace: writeGrace,
		alarmGrace: alarmGrace,
	}
}

// Run executes passes at the configured cadence until the context ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("cleanup runner started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup runner stopped")
			return
		case <-ticker.C:
			r.Pass(ctx, time.Now())
		}
	}
}

// Pass runs one full pruning sweep.
func (r *Runner) Pass(ctx context.Context, now time.Time) {
	tags, err := r.store.TagsWithRetention(ctx)
	if err != nil {
		slog.Error("load retention tags", "error", err)
	} else {
		var pruned int64
		for _, t := range tags {
			n, err := r.store.PruneHistory(ctx, t.ID, now.Add(-t.Retention))
			if err != nil {
				slog.Error("prune history", "tag_id", t.ID, "error", err)
				continue
			}
			pruned += n
		}
		if pruned > 0 {
			slog.Info("history pruned", "entries", pruned)
		}
	}

	if n, err := r.store.DeleteProcessedWrites(ctx, now.Add(-r.writeGrace)); err != nil {
		slog.Error("delete processed writes", "error", err)
	} else if n > 0 {
		slog.Info("processed writes deleted", "count", n)
	}

	if n, err := r.store.DeleteInactiveAlarms(ctx, now.Add(-r.alarmGrace)); err != nil {
		slog.Error("delete retired alarms", "error", err)
	} else if n > 0 {
		slog.Info("retired alarms deleted", "count", n)
	}
}
