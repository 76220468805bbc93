// Package history throttles tag readings into the persistent history
// table. Each tag carries its own sampling interval; the sampler compares
// it against the last recorded sample and batches the inserts of one poll
// cycle into a single COPY.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// Store is the persistence surface the sampler needs.
type Store interface {
	AppendHistory(ctx context.Context, entries []model.HistoryEntry) error
	SetLastHistoryAt(ctx context.Context, tagIDs []int64, at time.Time) error
}

// Observation is one freshly polled (tag, value) pair.
type Observation struct {
	Tag   *model.Tag
	Value model.Value
}

// Sampler decides which observations of a poll cycle become history rows.
type Sampler struct {
	store Store
}

func NewSampler(store Store) *Sampler {
	return &Sampler{store: store}
}

// Sample filters the cycle's observations through each tag's interval and
// persists the due ones. Tags with a zero interval or zero retention never
// record history; without a retention window the entries would outlive
// every cleanup pass.
func (s *Sampler) Sample(ctx context.Context, obs []Observation, now time.Time) error {
	var (
		entries []model.HistoryEntry
		tagIDs  []int64
	)
	for _, o := range obs {
		if !due(o.Tag, now) {
			continue
		}
		entries = append(entries, model.HistoryEntry{
			TagID:     o.Tag.ID,
			Timestamp: now,
			Value:     o.Value,
		})
		tagIDs = append(tagIDs, o.Tag.ID)
	}
	if len(entries) == 0 {
		return nil
	}

	if err := s.store.AppendHistory(ctx, entries); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if err := s.store.SetLastHistoryAt(ctx, tagIDs, now); err != nil {
		return fmt.Errorf("stamp history throttle: %w", err)
	}
	slog.Debug("history sampled", "entries", len(entries))
	return nil
}

func due(t *model.Tag, now time.Time) bool {
	if t.HistoryRetention <= 0 || t.HistoryInterval <= 0 {
		return false
	}
	return t.LastHistoryAt == nil || now.Sub(*t.LastHistoryAt) >= t.HistoryInterval
}
