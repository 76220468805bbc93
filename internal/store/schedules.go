package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gridline/fieldbus/internal/model"
)

// EnabledSchedules returns every schedule the runner should consider.
func (s *Store) EnabledSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_id, alias, write_value, hour, minute, days, enabled,
			created_at, last_run
		FROM schedules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		var (
			sch     model.Schedule
			days    pq.BoolArray
			lastRun sql.NullTime
		)
		err := rows.Scan(&sch.ID, &sch.TagID, &sch.Alias, &sch.WriteValue,
			&sch.Hour, &sch.Minute, &days, &sch.Enabled, &sch.CreatedAt, &lastRun)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sch.Days = []bool(days)
		sch.LastRun = nullTime(lastRun)
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// CreateSchedule inserts a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sch *model.Schedule) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO schedules (tag_id, alias, write_value, hour, minute, days, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		sch.TagID, sch.Alias, sch.WriteValue, sch.Hour, sch.Minute,
		pq.BoolArray(sch.Days), sch.Enabled,
	).Scan(&sch.ID, &sch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sch.Alias, err)
	}
	return nil
}

// SetScheduleLastRun stamps a schedule after it fires.
func (s *Store) SetScheduleLastRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET last_run = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("update schedule %d last_run: %w", id, err)
	}
	return nil
}
