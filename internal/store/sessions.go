package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"portal-runner/internal/models"
)

// SaveSession persists a fresh browser session snapshot for an account.
// The write is append-and-supersede: prior rows are flipped invalid and the
// new row inserted valid inside one transaction, so concurrent logins for
// the same account leave exactly the last writer's session current. History
// rows are kept for audit, never deleted.
func (s *Store) SaveSession(ctx context.Context, accountID string, state []byte, ttl time.Duration) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE portal_sessions SET is_valid = FALSE WHERE account_id = $1 AND is_valid = TRUE
	`, accountID); err != nil {
		return fmt.Errorf("supersede sessions: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO portal_sessions (account_id, storage_state, created_at, expires_at, is_valid)
		VALUES ($1, $2, $3, $4, TRUE)
	`, accountID, state, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	return nil
}

// LoadSession returns the single valid, unexpired session for an account.
// Expired or superseded rows are ignored, not removed.
func (s *Store) LoadSession(ctx context.Context, accountID string) (models.StoredSession, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, storage_state, created_at, expires_at, is_valid
		FROM portal_sessions
		WHERE account_id = $1 AND is_valid = TRUE AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID)

	var sess models.StoredSession
	err := row.Scan(&sess.AccountID, &sess.StorageState, &sess.CreatedAt, &sess.ExpiresAt, &sess.Valid)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StoredSession{}, false, nil
	}
	if err != nil {
		return models.StoredSession{}, false, fmt.Errorf("scan session: %w", err)
	}
	return sess, true, nil
}

// InvalidateSessions flips every session row for an account to invalid,
// forcing the next acquire to log in from scratch.
func (s *Store) InvalidateSessions(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE portal_sessions SET is_valid = FALSE WHERE account_id = $1 AND is_valid = TRUE
	`, accountID)
	return err
}
