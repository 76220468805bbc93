package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gridline/fieldbus/internal/model"
)

// AppendHistory bulk-inserts sampled history entries using COPY.
func (s *Store) AppendHistory(ctx context.Context, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("history_entries", "tag_id", "timestamp", "value"))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare history copy: %w", err)
	}
	for _, e := range entries {
		raw, err := e.Value.MarshalJSON()
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("marshal history value: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.TagID, e.Timestamp, string(raw)); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("copy history entry: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("flush history copy: %w", err)
	}
	stmt.Close()
	return tx.Commit()
}

// HistorySince returns a tag's entries newer than the cutoff, oldest
// first, matching the API's presentation order.
func (s *Store) HistorySince(ctx context.Context, tagID int64, since time.Time) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_id, timestamp, value FROM history_entries
		WHERE tag_id = $1 AND timestamp >= $2
		ORDER BY timestamp`, tagID, since)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(&e.ID, &e.TagID, &e.Timestamp, &e.Value); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneHistory deletes a tag's entries older than the cutoff.
func (s *Store) PruneHistory(ctx context.Context, tagID int64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM history_entries WHERE tag_id = $1 AND timestamp < $2",
		tagID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history for tag %d: %w", tagID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetentionTag pairs a tag id with its configured history retention.
type RetentionTag struct {
	ID        int64
	Retention time.Duration
}

// TagsWithRetention lists the tags the cleanup loop must prune.
func (s *Store) TagsWithRetention(ctx context.Context) ([]RetentionTag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, history_retention_s FROM tags WHERE history_retention_s > 0")
	if err != nil {
		return nil, fmt.Errorf("query retention tags: %w", err)
	}
	defer rows.Close()

	var tags []RetentionTag
	for rows.Next() {
		var (
			t       RetentionTag
			retentS int64
		)
		if err := rows.Scan(&t.ID, &retentS); err != nil {
			return nil, fmt.Errorf("scan retention tag: %w", err)
		}
		t.Retention = time.Duration(retentS) * time.Second
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
