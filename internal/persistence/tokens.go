package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is the durable form of a capability token. Rows are kept until
// expires_at and then removed by PurgeExpiredTokens.
type TokenRecord struct {
	ID        string
	Subject   string
	Operation string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Used      bool
}

// PutToken inserts or replaces a token row.
func (s *Store) PutToken(ctx context.Context, rec TokenRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO capability_tokens (id, subject, operation, scope, issued_at, expires_at, used)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				subject = excluded.subject,
				operation = excluded.operation,
				scope = excluded.scope,
				issued_at = excluded.issued_at,
				expires_at = excluded.expires_at,
				used = excluded.used;
		`, rec.ID, rec.Subject, rec.Operation, rec.Scope, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC(), boolToInt(rec.Used))
		return err
	})
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

// GetToken loads a token row. found is false when no row exists.
func (s *Store) GetToken(ctx context.Context, id string) (rec TokenRecord, found bool, err error) {
	var used int
	err = s.db.QueryRowContext(ctx, `
		SELECT id, subject, operation, scope, issued_at, expires_at, used
		FROM capability_tokens WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Subject, &rec.Operation, &rec.Scope, &rec.IssuedAt, &rec.ExpiresAt, &used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, fmt.Errorf("get token: %w", err)
	}
	rec.Used = used != 0
	return rec, true, nil
}

// MarkTokenUsed flips used from 0 to 1. It reports false when the row is
// missing or was already used, so only one caller can ever win.
func (s *Store) MarkTokenUsed(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE capability_tokens SET used = 1 WHERE id = ? AND used = 0;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	return affected == 1, nil
}

// DeleteToken removes a token row. Deleting a missing row is not an error.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capability_tokens WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ListActiveTokens returns unused tokens that have not expired at now.
func (s *Store) ListActiveTokens(ctx context.Context, now time.Time) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, operation, scope, issued_at, expires_at, used
		FROM capability_tokens
		WHERE used = 0 AND expires_at > ?
		ORDER BY issued_at;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()
	var out []TokenRecord
	for rows.Next() {
		var rec TokenRecord
		var used int
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Operation, &rec.Scope, &rec.IssuedAt, &rec.ExpiresAt, &used); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		rec.Used = used != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeExpiredTokens deletes every token whose lifetime ended before now.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM capability_tokens WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
