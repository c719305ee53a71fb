package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTokens           int64 `json:"purged_tokens"`
	PurgedKnowledgeCurrent int64 `json:"purged_knowledge_current"`
	PurgedKnowledgeHistory int64 `json:"purged_knowledge_history"`
	PurgedAuditLogs        int64 `json:"purged_audit_logs"`
	PurgedJobs             int64 `json:"purged_jobs"`
}

// RunRetention removes expired tokens and mirror rows, and deletes audit rows and
// terminal jobs older than their retention windows. A zero window keeps rows forever.
// The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, now time.Time, auditLogDays, jobDays int) (RetentionResult, error) {
	var result RetentionResult
	var err error

	if result.PurgedTokens, err = s.PurgeExpiredTokens(ctx, now); err != nil {
		return result, err
	}
	if result.PurgedKnowledgeCurrent, result.PurgedKnowledgeHistory, err = s.PurgeExpiredKnowledge(ctx, now); err != nil {
		return result, err
	}

	if auditLogDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if jobDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -jobDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?;
		`, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge jobs: %w", err)
		}
		result.PurgedJobs, _ = res.RowsAffected()
	}

	return result, nil
}
