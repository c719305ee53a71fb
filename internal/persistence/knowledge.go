package persistence

import (
	"context"
	"fmt"
	"time"
)

// KnowledgeRecord is one mirrored knowledge entry, stored as JSON under its
// "ns:key" name. The mirror is a cache and recovery aid; it is not read back
// during a run.
type KnowledgeRecord struct {
	NSKey     string
	Version   int
	EntryJSON string
	ExpiresAt time.Time
}

// MirrorKnowledge writes the current value for rec.NSKey and appends it to the
// history table. historyExpires bounds how long the history row is kept.
func (s *Store) MirrorKnowledge(ctx context.Context, rec KnowledgeRecord, historyExpires time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_current (ns_key, version, entry_json, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(ns_key) DO UPDATE SET
				version = excluded.version,
				entry_json = excluded.entry_json,
				expires_at = excluded.expires_at
			WHERE excluded.version >= knowledge_current.version;
		`, rec.NSKey, rec.Version, rec.EntryJSON, rec.ExpiresAt.UTC()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO knowledge_history (ns_key, version, entry_json, expires_at)
			VALUES (?, ?, ?, ?);
		`, rec.NSKey, rec.Version, rec.EntryJSON, historyExpires.UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("mirror knowledge %s: %w", rec.NSKey, err)
	}
	return nil
}

// TrimKnowledgeHistory keeps only the newest keep versions for nsKey.
func (s *Store) TrimKnowledgeHistory(ctx context.Context, nsKey string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM knowledge_history
		WHERE ns_key = ? AND version NOT IN (
			SELECT version FROM knowledge_history WHERE ns_key = ? ORDER BY version DESC LIMIT ?
		);
	`, nsKey, nsKey, keep)
	if err != nil {
		return fmt.Errorf("trim knowledge history: %w", err)
	}
	return nil
}

// LoadKnowledgeCurrent returns unexpired current values, keyed by ns:key.
func (s *Store) LoadKnowledgeCurrent(ctx context.Context, now time.Time) (map[string]KnowledgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns_key, version, entry_json, expires_at
		FROM knowledge_current WHERE expires_at > ?;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	defer rows.Close()
	out := make(map[string]KnowledgeRecord)
	for rows.Next() {
		var rec KnowledgeRecord
		if err := rows.Scan(&rec.NSKey, &rec.Version, &rec.EntryJSON, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out[rec.NSKey] = rec
	}
	return out, rows.Err()
}

// KnowledgeHistory returns mirrored versions for nsKey, newest first.
func (s *Store) KnowledgeHistory(ctx context.Context, nsKey string, limit int) ([]KnowledgeRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns_key, version, entry_json, expires_at
		FROM knowledge_history WHERE ns_key = ?
		ORDER BY version DESC LIMIT ?;
	`, nsKey, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge history: %w", err)
	}
	defer rows.Close()
	var out []KnowledgeRecord
	for rows.Next() {
		var rec KnowledgeRecord
		if err := rows.Scan(&rec.NSKey, &rec.Version, &rec.EntryJSON, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan knowledge history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeExpiredKnowledge deletes mirror rows whose TTL ended before now.
func (s *Store) PurgeExpiredKnowledge(ctx context.Context, now time.Time) (current, history int64, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_current WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("purge knowledge_current: %w", err)
	}
	current, _ = res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM knowledge_history WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return current, 0, fmt.Errorf("purge knowledge_history: %w", err)
	}
	history, _ = res.RowsAffected()
	return current, history, nil
}
