package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gridline/fieldbus/internal/model"
)

// EnqueueWrite appends a write request for a tag. Channel validation
// happens in the write-queue service before this is called.
func (s *Store) EnqueueWrite(ctx context.Context, tagID int64, v model.Value) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO write_requests (tag_id, value) VALUES ($1, $2)",
		tagID, v)
	if err != nil {
		return fmt.Errorf("enqueue write for tag %d: %w", tagID, err)
	}
	return nil
}

// PendingWrites returns a device's unprocessed writes oldest first, each
// joined with its tag so the engine can encode without a second query.
func (s *Store) PendingWrites(ctx context.Context, deviceID int64) ([]model.WriteRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.tag_id, w.value, w.enqueued_at,
			t.id, t.device_id, t.external_id, t.alias, t.description, t.channel,
			t.data_type, t.address, t.unit_id, t.read_amount, t.history_interval_s,
			t.history_retention_s, t.last_history_at, t.current_value,
			t.last_updated, t.is_active
		FROM write_requests w
		JOIN tags t ON t.id = w.tag_id
		WHERE NOT w.processed AND t.device_id = $1
		ORDER BY w.enqueued_at, w.id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query pending writes: %w", err)
	}
	defer rows.Close()

	var writes []model.WriteRequest
	for rows.Next() {
		var (
			w                   model.WriteRequest
			t                   model.Tag
			intervalS, retentS  int64
			lastHistory, lastUp sql.NullTime
		)
		err := rows.Scan(&w.ID, &w.TagID, &w.Value, &w.EnqueuedAt,
			&t.ID, &t.DeviceID, &t.ExternalID, &t.Alias, &t.Description,
			&t.Channel, &t.DataType, &t.Address, &t.UnitID, &t.ReadAmount,
			&intervalS, &retentS, &lastHistory, &t.CurrentValue, &lastUp, &t.Active)
		if err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		t.HistoryInterval = time.Duration(intervalS) * time.Second
		t.HistoryRetention = time.Duration(retentS) * time.Second
		t.LastHistoryAt = nullTime(lastHistory)
		t.LastUpdated = nullTime(lastUp)
		w.Tag = &t
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// CompleteWrite flips the processed flag, recording an error note for
// writes that failed validation or encoding and will not be retried.
func (s *Store) CompleteWrite(ctx context.Context, id int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE write_requests SET processed = TRUE, error = $2 WHERE id = $1",
		id, note)
	if err != nil {
		return fmt.Errorf("complete write %d: %w", id, err)
	}
	return nil
}

// DeleteProcessedWrites prunes the queue of finished requests older than
// the cutoff.
func (s *Store) DeleteProcessedWrites(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM write_requests WHERE processed AND enqueued_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete processed writes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
