package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NotifyContacts loads the push subscription and LINE binding of the case's
// registered buyer.
func (s *SQLStore) NotifyContacts(ctx context.Context, caseID string) (*NotifyContacts, error) {
	var row struct {
		CaseID       string         `db:"case_id"`
		BuyerUserID  sql.NullString `db:"buyer_user_id"`
		Subscription []byte         `db:"subscription"`
		LineUserID   sql.NullString `db:"line_user_id"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT c.case_id, c.buyer_user_id, p.subscription, l.line_user_id
		FROM trust_cases c
		LEFT JOIN push_subscriptions p ON p.user_id = c.buyer_user_id
		LEFT JOIN line_bindings l ON l.user_id = c.buyer_user_id
		WHERE c.case_id = ?`), caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notify contacts: %w", err)
	}

	contacts := &NotifyContacts{
		CaseID:      row.CaseID,
		BuyerUserID: row.BuyerUserID.String,
		LineUserID:  row.LineUserID.String,
	}
	if len(row.Subscription) > 0 {
		contacts.PushSubscription = json.RawMessage(row.Subscription)
	}
	return contacts, nil
}

// SavePushSubscription upserts a user's web-push subscription.
func (s *SQLStore) SavePushSubscription(ctx context.Context, userID string, subscription json.RawMessage, now time.Time) error {
	if !json.Valid(subscription) {
		return fmt.Errorf("push subscription for %s is not valid JSON", userID)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO push_subscriptions (user_id, subscription, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET subscription = excluded.subscription, updated_at = excluded.updated_at`),
		userID, string(subscription), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to save push subscription: %w", err)
	}
	return nil
}

// BindLineUser upserts a user's LINE identity.
func (s *SQLStore) BindLineUser(ctx context.Context, userID, lineUserID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO line_bindings (user_id, line_user_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE
		SET line_user_id = excluded.line_user_id, updated_at = excluded.updated_at`),
		userID, lineUserID, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to bind LINE user: %w", err)
	}
	return nil
}
