package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EntityRecord is the durable part of an entity actor's state.
type EntityRecord struct {
	Key          string
	Session      []byte
	LastActivity time.Time
	CreatedAt    time.Time
}

// LoadEntity returns the stored record, or found=false for a key never saved.
func (s *Store) LoadEntity(ctx context.Context, key string) (EntityRecord, bool, error) {
	rec := EntityRecord{Key: key}
	var (
		session      sql.NullString
		lastActivity sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session, last_activity, created_at FROM entity_state WHERE entity_key = ?;
	`, key).Scan(&session, &lastActivity, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("load entity %s: %w", key, err)
	}
	if session.Valid && session.String != "" {
		rec.Session = []byte(session.String)
	}
	if lastActivity.Valid {
		rec.LastActivity = lastActivity.Time
	}
	return rec, true, nil
}

// SaveEntity upserts the record. A nil Session clears any active session.
func (s *Store) SaveEntity(ctx context.Context, rec EntityRecord) error {
	var session any
	if len(rec.Session) > 0 {
		session = string(rec.Session)
	}
	var lastActivity any
	if !rec.LastActivity.IsZero() {
		lastActivity = rec.LastActivity.UTC()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_state (entity_key, session, last_activity, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(entity_key) DO UPDATE SET
				session = excluded.session,
				last_activity = excluded.last_activity,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.Key, session, lastActivity)
		if err != nil {
			return fmt.Errorf("save entity %s: %w", rec.Key, err)
		}
		return nil
	})
}

// ListEntities returns every known entity, most recently active first.
func (s *Store) ListEntities(ctx context.Context) ([]EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, session, last_activity, created_at
		FROM entity_state
		ORDER BY COALESCE(last_activity, created_at) DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var (
			rec          EntityRecord
			session      sql.NullString
			lastActivity sql.NullTime
		)
		if err := rows.Scan(&rec.Key, &session, &lastActivity, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if session.Valid && session.String != "" {
			rec.Session = []byte(session.String)
		}
		if lastActivity.Valid {
			rec.LastActivity = lastActivity.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
