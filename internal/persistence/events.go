package persistence

import (
	"context"
	"fmt"
	"time"
)

// ProcessedEvent is one entry of an entity's dedup history.
type ProcessedEvent struct {
	EventID     string
	TraceID     string
	ProcessedAt time.Time
}

// MarkProcessed records eventID against entityKey and trims the history to
// the newest keep entries. It reports false if the event was already recorded.
func (s *Store) MarkProcessed(ctx context.Context, entityKey, eventID, traceID string, at time.Time, keep int) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark processed: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO processed_events (entity_key, event_id, trace_id, processed_at)
			VALUES (?, ?, ?, ?);
		`, entityKey, eventID, traceID, at.UTC())
		if err != nil {
			return fmt.Errorf("insert processed event: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1

		if keep > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM processed_events
				WHERE entity_key = ?
				  AND id NOT IN (
					SELECT id FROM processed_events
					WHERE entity_key = ?
					ORDER BY id DESC
					LIMIT ?
				  );
			`, entityKey, entityKey, keep); err != nil {
				return fmt.Errorf("trim processed events: %w", err)
			}
		}
		return tx.Commit()
	})
	return inserted, err
}

// RecentEvents returns an entity's dedup history, oldest first, limited to
// the newest limit entries processed at or after since.
func (s *Store) RecentEvents(ctx context.Context, entityKey string, since time.Time, limit int) ([]ProcessedEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, trace_id, processed_at FROM (
			SELECT id, event_id, trace_id, processed_at
			FROM processed_events
			WHERE entity_key = ? AND processed_at >= ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, entityKey, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query processed events: %w", err)
	}
	defer rows.Close()

	var out []ProcessedEvent
	for rows.Next() {
		var ev ProcessedEvent
		if err := rows.Scan(&ev.EventID, &ev.TraceID, &ev.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan processed event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("processed events rows: %w", err)
	}
	return out, nil
}
