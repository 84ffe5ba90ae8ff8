package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// BindThread routes replies in (channelID, threadTS) to entityKey. Rebinding
// an existing thread keeps the first binding.
func (s *Store) BindThread(ctx context.Context, channelID, threadTS, entityKey string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO thread_aliases (channel_id, thread_ts, entity_key)
			VALUES (?, ?, ?);
		`, channelID, threadTS, entityKey)
		if err != nil {
			return fmt.Errorf("bind thread %s/%s: %w", channelID, threadTS, err)
		}
		return nil
	})
}

// ResolveThread returns the entity key bound to a thread, if any.
func (s *Store) ResolveThread(ctx context.Context, channelID, threadTS string) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_key FROM thread_aliases WHERE channel_id = ? AND thread_ts = ?;
	`, channelID, threadTS).Scan(&key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve thread %s/%s: %w", channelID, threadTS, err)
	}
	return key, true, nil
}
