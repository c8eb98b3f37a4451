package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUpgradeToken inserts a new, unbound token.
func (s *SQLStore) CreateUpgradeToken(ctx context.Context, t UpgradeToken) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO trust_upgrade_tokens (token, case_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`),
		t.Token, t.CaseID, t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create upgrade token: %w", err)
	}
	return nil
}

// RedeemUpgradeToken consumes a token with a single conditional UPDATE, so
// concurrent redemptions by different users produce exactly one winner. The
// case's buyer binding is written in the same transaction; if the case is
// already bound to someone else the token is left untouched.
func (s *SQLStore) RedeemUpgradeToken(ctx context.Context, token, userID string, now time.Time) (*Redemption, error) {
	now = now.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var redeemed struct {
		CaseID      string `db:"case_id"`
		RedeemCount int    `db:"redeem_count"`
	}
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE trust_upgrade_tokens
		SET bound_user_id = ?, bound_at = COALESCE(bound_at, ?), redeem_count = redeem_count + 1
		WHERE token = ?
		  AND revoked_at IS NULL
		  AND expires_at > ?
		  AND (bound_user_id IS NULL OR bound_user_id = ?)
		RETURNING case_id, redeem_count`),
		userID, now, token, now, userID).StructScan(&redeemed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenRejected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem upgrade token: %w", err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE trust_cases
		SET buyer_user_id = ?, updated_at = ?
		WHERE case_id = ? AND (buyer_user_id IS NULL OR buyer_user_id = ?)`),
		userID, now, redeemed.CaseID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind buyer: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrAlreadyBound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit token redemption: %w", err)
	}

	return &Redemption{CaseID: redeemed.CaseID, Replay: redeemed.RedeemCount > 1}, nil
}

// RevokeUpgradeToken marks a token unusable.
func (s *SQLStore) RevokeUpgradeToken(ctx context.Context, token string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE trust_upgrade_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`),
		now.UTC(), token)
	if err != nil {
		return fmt.Errorf("failed to revoke upgrade token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
