package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gridline/fieldbus/internal/model"
)

const alarmColumns = `id, tag_id, alias, trigger_value, operator, threat_level,
	message, enabled, notification_cooldown_s, last_notified`

func scanAlarmConfig(row interface{ Scan(...any) error }) (model.AlarmConfig, error) {
	var (
		c         model.AlarmConfig
		cooldownS int64
		notified  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.TagID, &c.Alias, &c.TriggerValue, &c.Operator,
		&c.ThreatLevel, &c.Message, &c.Enabled, &cooldownS, &notified)
	if err != nil {
		return c, err
	}
	c.NotificationCooldown = time.Duration(cooldownS) * time.Second
	c.LastNotified = nullTime(notified)
	return c, nil
}

func (s *Store) queryAlarmConfigs(ctx context.Context, query string, args ...any) ([]model.AlarmConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alarm configs: %w", err)
	}
	defer rows.Close()

	var configs []model.AlarmConfig
	for rows.Next() {
		c, err := scanAlarmConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alarm config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// EnabledConfigs returns the enabled alarm configs for a batch of tags.
func (s *Store) EnabledConfigs(ctx context.Context, tagIDs []int64) ([]model.AlarmConfig, error) {
	return s.queryAlarmConfigs(ctx,
		"SELECT "+alarmColumns+" FROM alarm_configs WHERE enabled AND tag_id = ANY($1) ORDER BY id",
		pq.Array(tagIDs))
}

// ListAlarmConfigs returns configs, optionally filtered to one tag.
func (s *Store) ListAlarmConfigs(ctx context.Context, tagExternalID *uuid.UUID) ([]model.AlarmConfig, error) {
	if tagExternalID == nil {
		return s.queryAlarmConfigs(ctx,
			"SELECT "+alarmColumns+" FROM alarm_configs ORDER BY id")
	}
	return s.queryAlarmConfigs(ctx, `
		SELECT `+alarmColumns+` FROM alarm_configs
		WHERE tag_id = (SELECT id FROM tags WHERE external_id = $1)
		ORDER BY id`, *tagExternalID)
}

// CreateAlarmConfig inserts a config unless the (alias, tag) pair exists.
func (s *Store) CreateAlarmConfig(ctx context.Context, c *model.AlarmConfig) (bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alarm_configs (tag_id, alias, trigger_value, operator,
			threat_level, message, enabled, notification_cooldown_s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alias, tag_id) DO NOTHING
		RETURNING id`,
		c.TagID, c.Alias, c.TriggerValue, c.Operator, c.ThreatLevel,
		c.Message, c.Enabled, int64(c.NotificationCooldown/time.Second),
	).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert alarm config %s: %w", c.Alias, err)
	}
	return true, nil
}

// ActiveActivations returns the active activation per tag for a batch of
// tags, joined for the tag id. The at-most-one invariant keeps this to at
// most one row per tag.
func (s *Store) ActiveActivations(ctx context.Context, tagIDs []int64) ([]model.ActivatedAlarm, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.config_id, c.tag_id, a.activated_at, a.is_active
		FROM activated_alarms a
		JOIN alarm_configs c ON c.id = a.config_id
		WHERE a.is_active AND c.tag_id = ANY($1)`,
		pq.Array(tagIDs))
	if err != nil {
		return nil, fmt.Errorf("query active activations: %w", err)
	}
	defer rows.Close()

	var acts []model.ActivatedAlarm
	for rows.Next() {
		var a model.ActivatedAlarm
		if err := rows.Scan(&a.ID, &a.ConfigID, &a.TagID, &a.ActivatedAt, &a.Active); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// InsertActivations creates activation rows for newly triggered alarms.
func (s *Store) InsertActivations(ctx context.Context, acts []model.ActivatedAlarm) error {
	if len(acts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activations: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO activated_alarms (config_id, activated_at, is_active) VALUES ($1, $2, TRUE)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare activations: %w", err)
	}
	for _, a := range acts {
		if _, err := stmt.ExecContext(ctx, a.ConfigID, a.ActivatedAt); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert activation for config %d: %w", a.ConfigID, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// DeactivateActivations clears the active flag on a batch of activations.
func (s *Store) DeactivateActivations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE activated_alarms SET is_active = FALSE WHERE id = ANY($1)",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("deactivate activations: %w", err)
	}
	return nil
}

// TouchNotified stamps a config's cooldown clock.
func (s *Store) TouchNotified(ctx context.Context, configID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE alarm_configs SET last_notified = $2 WHERE id = $1", configID, at)
	if err != nil {
		return fmt.Errorf("touch last_notified for config %d: %w", configID, err)
	}
	return nil
}

// ActiveAlarmConfigForTag returns the config behind a tag's active
// activation, for the API's value payload. Nil when no alarm is active.
func (s *Store) ActiveAlarmConfigForTag(ctx context.Context, tagID int64) (*model.AlarmConfig, error) {
	c, err := scanAlarmConfig(s.db.QueryRowContext(ctx, `
		SELECT c.id, c.tag_id, c.alias, c.trigger_value, c.operator,
			c.threat_level, c.message, c.enabled, c.notification_cooldown_s,
			c.last_notified
		FROM activated_alarms a
		JOIN alarm_configs c ON c.id = a.config_id
		WHERE a.is_active AND c.tag_id = $1
		LIMIT 1`, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active alarm for tag %d: %w", tagID, err)
	}
	return &c, nil
}

// SubscriptionsForConfig returns the notification subscriptions for one
// alarm config.
func (s *Store) SubscriptionsForConfig(ctx context.Context, configID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, email, phone, email_enabled, sms_enabled
		FROM alarm_subscriptions WHERE config_id = $1`, configID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.ID, &sub.ConfigID, &sub.Email, &sub.Phone,
			&sub.EmailEnabled, &sub.SMSEnabled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateSubscription registers a notification recipient for a config.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alarm_subscriptions (config_id, email, phone, email_enabled, sms_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		sub.ConfigID, sub.Email, sub.Phone, sub.EmailEnabled, sub.SMSEnabled,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("insert subscription for config %d: %w", sub.ConfigID, err)
	}
	return nil
}

// DeleteInactiveAlarms prunes deactivated alarm rows older than the cutoff.
func (s *Store) DeleteInactiveAlarms(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM activated_alarms WHERE NOT is_active AND activated_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete inactive alarms: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountAlarmConfigs supports the registration fleet cap.
func (s *Store) CountAlarmConfigs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM alarm_configs").Scan(&n)
	return n, err
}
