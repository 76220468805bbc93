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

const tagColumns = `id, device_id, external_id, alias, description, channel,
	data_type, address, unit_id, read_amount, history_interval_s,
	history_retention_s, last_history_at, current_value, last_updated, is_active`

func scanTag(row interface{ Scan(...any) error }) (model.Tag, error) {
	var (
		t                   model.Tag
		intervalS, retentS  int64
		lastHistory, lastUp sql.NullTime
	)
	err := row.Scan(&t.ID, &t.DeviceID, &t.ExternalID, &t.Alias, &t.Description,
		&t.Channel, &t.DataType, &t.Address, &t.UnitID, &t.ReadAmount,
		&intervalS, &retentS, &lastHistory, &t.CurrentValue, &lastUp, &t.Active)
	if err != nil {
		return t, err
	}
	t.HistoryInterval = time.Duration(intervalS) * time.Second
	t.HistoryRetention = time.Duration(retentS) * time.Second
	t.LastHistoryAt = nullTime(lastHistory)
	t.LastUpdated = nullTime(lastUp)
	return t, nil
}

func (s *Store) queryTags(ctx context.Context, query string, args ...any) ([]model.Tag, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ActiveTags returns a device's pollable tags in address order, so each
// poll cycle reads them deterministically.
func (s *Store) ActiveTags(ctx context.Context, deviceID int64) ([]model.Tag, error) {
	return s.queryTags(ctx,
		"SELECT "+tagColumns+" FROM tags WHERE device_id = $1 AND is_active ORDER BY address, id",
		deviceID)
}

// ListTags returns tags, optionally filtered to one device alias.
func (s *Store) ListTags(ctx context.Context, deviceAlias string) ([]model.Tag, error) {
	if deviceAlias == "" {
		return s.queryTags(ctx, "SELECT "+tagColumns+" FROM tags ORDER BY id")
	}
	return s.queryTags(ctx, `
		SELECT `+tagColumns+` FROM tags
		WHERE device_id = (SELECT id FROM devices WHERE alias = $1)
		ORDER BY id`, deviceAlias)
}

// TagByExternalID resolves the public tag id used by API clients.
func (s *Store) TagByExternalID(ctx context.Context, externalID uuid.UUID) (*model.Tag, error) {
	t, err := scanTag(s.db.QueryRowContext(ctx,
		"SELECT "+tagColumns+" FROM tags WHERE external_id = $1", externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tag %s: %w", externalID, err)
	}
	return &t, nil
}

// TagsByExternalIDs resolves a batch of public ids; unknown ids are simply
// absent from the result.
func (s *Store) TagsByExternalIDs(ctx context.Context, ids []uuid.UUID) ([]model.Tag, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return s.queryTags(ctx,
		"SELECT "+tagColumns+" FROM tags WHERE external_id = ANY($1)",
		pq.Array(strs))
}

// CreateTag inserts a tag unless its (device, channel, address, unit)
// position is taken.
func (s *Store) CreateTag(ctx context.Context, t *model.Tag) (bool, error) {
	if t.ExternalID == uuid.Nil {
		t.ExternalID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (device_id, external_id, alias, description, channel,
			data_type, address, unit_id, read_amount, history_interval_s,
			history_retention_s, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_id, channel, address, unit_id) DO NOTHING
		RETURNING id`,
		t.DeviceID, t.ExternalID, t.Alias, t.Description, t.Channel,
		t.DataType, t.Address, t.UnitID, t.ReadAmount,
		int64(t.HistoryInterval/time.Second), int64(t.HistoryRetention/time.Second),
		t.Active,
	).Scan(&t.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert tag %s: %w", t.Alias, err)
	}
	return true, nil
}

// DeleteTag removes a tag and its dependents.
func (s *Store) DeleteTag(ctx context.Context, externalID uuid.UUID) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"DELETE FROM tags WHERE external_id = $1 RETURNING id", externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("delete tag %s: %w", externalID, err)
	}
	return id, nil
}

// CommitTagValue persists a fresh reading. Value and timestamp land in one
// row update, so readers never see them out of step.
func (s *Store) CommitTagValue(ctx context.Context, tagID int64, v model.Value, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tags SET current_value = $2, last_updated = $3 WHERE id = $1",
		tagID, v, at)
	if err != nil {
		return fmt.Errorf("commit tag %d value: %w", tagID, err)
	}
	return nil
}

// SetLastHistoryAt bulk-updates the sampler throttle timestamps.
func (s *Store) SetLastHistoryAt(ctx context.Context, tagIDs []int64, at time.Time) error {
	if len(tagIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE tags SET last_history_at = $2 WHERE id = ANY($1)",
		pq.Array(tagIDs), at)
	if err != nil {
		return fmt.Errorf("update last_history_at: %w", err)
	}
	return nil
}

// CountTags supports the registration fleet cap.
func (s *Store) CountTags(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tags").Scan(&n)
	return n, err
}

// CurrentValues loads every persisted reading, used to warm the cache on
// startup.
func (s *Store) CurrentValues(ctx context.Context) ([]model.Tag, error) {
	return s.queryTags(ctx,
		"SELECT "+tagColumns+" FROM tags WHERE last_updated IS NOT NULL")
}
