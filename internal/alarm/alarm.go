// Package alarm turns polled tag values into alarm activations. Per tag
// the evaluator enforces the at-most-one-active rule: of all triggered
// configs the highest threat level wins, ties go to the oldest config,
// and a change of winner retires the previous activation before the new
// one is raised.
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridline/fieldbus/internal/events"
	"github.com/gridline/fieldbus/internal/model"
)

// Store is the persistence surface the evaluator needs.
type Store interface {
	EnabledConfigs(ctx context.Context, tagIDs []int64) ([]model.AlarmConfig, error)
	ActiveActivations(ctx context.Context, tagIDs []int64) ([]model.ActivatedAlarm, error)
	InsertActivations(ctx context.Context, acts []model.ActivatedAlarm) error
	DeactivateActivations(ctx context.Context, ids []int64) error
	TouchNotified(ctx context.Context, configID int64, at time.Time) error
}

// Observation is one freshly polled (tag, value) pair.
type Observation struct {
	TagID         int64
	TagExternalID string
	Value         model.Value
}

// Evaluator reconciles alarm state against a batch of observations.
type Evaluator struct {
	store Store
	bus   events.Bus
}

func NewEvaluator(store Store, bus events.Bus) *Evaluator {
	return &Evaluator{store: store, bus: bus}
}

// Evaluate processes one poll cycle's observations. Config and activation
// state for the whole batch is loaded in two queries, then reconciled per
// tag in memory.
func (e *Evaluator) Evaluate(ctx context.Context, obs []Observation, now time.Time) error {
	if len(obs) == 0 {
		return nil
	}

	tagIDs := make([]int64, len(obs))
	for i, o := range obs {
		tagIDs[i] = o.TagID
	}

	configs, err := e.store.EnabledConfigs(ctx, tagIDs)
	if err != nil {
		return fmt.Errorf("load alarm configs: %w", err)
	}
	active, err := e.store.ActiveActivations(ctx, tagIDs)
	if err != nil {
		return fmt.Errorf("load active alarms: %w", err)
	}

	configsByTag := make(map[int64][]model.AlarmConfig)
	for _, c := range configs {
		configsByTag[c.TagID] = append(configsByTag[c.TagID], c)
	}
	activeByTag := make(map[int64]model.ActivatedAlarm)
	for _, a := range active {
		activeByTag[a.TagID] = a
	}

	var (
		raise  []model.ActivatedAlarm
		retire []int64
	)
	for _, o := range obs {
		winner := pickWinner(configsByTag[o.TagID], o.Value)
		current, hasActive := activeByTag[o.TagID]

		switch {
		case winner == nil && !hasActive:
			// Quiet tag, nothing to do.

		case winner == nil && hasActive:
			retire = append(retire, current.ID)
			e.publishCleared(ctx, o, current.ConfigID)

		case winner != nil && hasActive && current.ConfigID == winner.ID:
			// Same alarm still active; only the cooldown clock matters.
			e.maybeNotify(ctx, o, winner, now)

		default:
			// New winner, possibly displacing a lower-priority activation.
			if hasActive {
				retire = append(retire, current.ID)
				e.publishCleared(ctx, o, current.ConfigID)
			}
			raise = append(raise, model.ActivatedAlarm{
				ConfigID:    winner.ID,
				TagID:       o.TagID,
				ActivatedAt: now,
				Active:      true,
			})
			e.publish(ctx, events.EventAlarmActivated, o, winner)
			e.maybeNotify(ctx, o, winner, now)
		}
	}

	if err := e.store.DeactivateActivations(ctx, retire); err != nil {
		return fmt.Errorf("retire alarms: %w", err)
	}
	if err := e.store.InsertActivations(ctx, raise); err != nil {
		return fmt.Errorf("raise alarms: %w", err)
	}
	return nil
}

// pickWinner returns the triggered config with the highest threat level,
// breaking ties toward the lowest id. Nil when nothing triggers.
func pickWinner(configs []model.AlarmConfig, v model.Value) *model.AlarmConfig {
	var winner *model.AlarmConfig
	for i := range configs {
		c := &configs[i]
		if !c.Triggered(v) {
			continue
		}
		if winner == nil ||
			c.ThreatLevel.Priority() > winner.ThreatLevel.Priority() ||
			(c.ThreatLevel.Priority() == winner.ThreatLevel.Priority() && c.ID < winner.ID) {
			winner = c
		}
	}
	return winner
}

func (e *Evaluator) maybeNotify(ctx context.Context, o Observation, cfg *model.AlarmConfig, now time.Time) {
	if !cfg.ShouldNotify(now) {
		return
	}
	if err := e.store.TouchNotified(ctx, cfg.ID, now); err != nil {
		slog.Error("stamp alarm notification", "config", cfg.Alias, "error", err)
		return
	}
	cfg.LastNotified = &now
	e.publish(ctx, events.EventNotifyIntent, o, cfg)
}

func (e *Evaluator) publish(ctx context.Context, t events.Type, o Observation, cfg *model.AlarmConfig) {
	err := e.bus.Publish(ctx, &events.Event{
		Type:          t,
		TagID:         o.TagID,
		TagExternalID: o.TagExternalID,
		Value:         o.Value,
		ConfigID:      cfg.ID,
		Message:       cfg.Message,
		ThreatLevel:   string(cfg.ThreatLevel),
	})
	if err != nil {
		slog.Error("publish alarm event", "type", t, "error", err)
	}
}

func (e *Evaluator) publishCleared(ctx context.Context, o Observation, configID int64) {
	err := e.bus.Publish(ctx, &events.Event{
		Type:          events.EventAlarmCleared,
		TagID:         o.TagID,
		TagExternalID: o.TagExternalID,
		Value:         o.Value,
		ConfigID:      configID,
	})
	if err != nil {
		slog.Error("publish alarm event", "type", events.EventAlarmCleared, "error", err)
	}
}
