package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedThreadAliases int64 `json:"purged_thread_aliases"`
}

// RunRetention deletes audit rows and thread aliases older than the given
// windows. Zero disables a category. Dedup history is bounded per entity by
// MarkProcessed and is never purged by age.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, aliasDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if aliasDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -aliasDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM thread_aliases WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge thread_aliases: %w", err)
		}
		result.PurgedThreadAliases, _ = res.RowsAffected()
	}

	return result, nil
}
