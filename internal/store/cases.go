package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustcase-svc/internal/trust"
)

const selectCaseSQL = `
		SELECT case_id, state, version, status, agent_id, buyer_user_id,
		       close_reason, closed_at, created_at, updated_at
		FROM trust_cases
		WHERE case_id = ?`

type caseRow struct {
	CaseID      string          `db:"case_id"`
	State       JSONBTrustState `db:"state"`
	Version     int64           `db:"version"`
	Status      string          `db:"status"`
	AgentID     sql.NullString  `db:"agent_id"`
	BuyerUserID sql.NullString  `db:"buyer_user_id"`
	CloseReason sql.NullString  `db:"close_reason"`
	ClosedAt    sql.NullTime    `db:"closed_at"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r caseRow) record() *CaseRecord {
	rec := &CaseRecord{
		CaseID:      r.CaseID,
		State:       r.State.State,
		Version:     r.Version,
		Status:      trust.CaseStatus(r.Status),
		AgentID:     r.AgentID.String,
		BuyerUserID: r.BuyerUserID.String,
		CloseReason: trust.CloseReason(r.CloseReason.String),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time.UTC()
		rec.ClosedAt = &t
	}
	return rec
}

// GetCase retrieves a case by ID.
func (s *SQLStore) GetCase(ctx context.Context, caseID string) (*CaseRecord, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectCaseSQL), caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case %s: %w", caseID, err)
	}
	return row.record(), nil
}

// GetOrInit retrieves a case, seeding the initial document on first access.
// Concurrent initialisers race on the primary key; the loser reads the
// winner's row.
func (s *SQLStore) GetOrInit(ctx context.Context, caseID string, now time.Time) (*CaseRecord, error) {
	rec, err := s.GetCase(ctx, caseID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now = now.UTC()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO trust_cases (case_id, state, version, status, created_at, updated_at)
		VALUES (?, ?, 1, 'active', ?, ?)
		ON CONFLICT (case_id) DO NOTHING`),
		caseID, JSONBTrustState{State: trust.NewTrustState()}, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize case %s: %w", caseID, err)
	}

	return s.GetCase(ctx, caseID)
}

// SaveState writes the document under optimistic concurrency control,
// binding agentID in the same statement when it is set.
func (s *SQLStore) SaveState(ctx context.Context, caseID string, st *trust.TrustState, expectedVersion int64, agentID string, now time.Time) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if agentID == "" {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE trust_cases
			SET state = ?, version = version + 1, updated_at = ?
			WHERE case_id = ? AND version = ? AND status = 'active'`),
			JSONBTrustState{State: st}, now.UTC(), caseID, expectedVersion)
	} else {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE trust_cases
			SET state = ?, version = version + 1, updated_at = ?, agent_id = ?
			WHERE case_id = ? AND version = ? AND status = 'active'
			  AND (agent_id IS NULL OR agent_id = ?)`),
			JSONBTrustState{State: st}, now.UTC(), agentID, caseID, expectedVersion, agentID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save case %s: %w", caseID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// BindAgent records the agent responsible for a case.
func (s *SQLStore) BindAgent(ctx context.Context, caseID, agentID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE trust_cases
		SET agent_id = ?, updated_at = ?
		WHERE case_id = ? AND (agent_id IS NULL OR agent_id = ?)`),
		agentID, now.UTC(), caseID, agentID)
	if err != nil {
		return fmt.Errorf("failed to bind agent to case %s: %w", caseID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetCase(ctx, caseID); err != nil {
			return err
		}
		return ErrAlreadyBound
	}
	return nil
}

// WakeCase flips a dormant case back to active. The status predicate makes
// concurrent wakes resolve to a single winner.
func (s *SQLStore) WakeCase(ctx context.Context, caseID string, now time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE trust_cases
		SET status = 'active', updated_at = ?
		WHERE case_id = ? AND status = 'dormant'`,
		now.UTC(), caseID)
}

// CloseCase closes an active or dormant case.
func (s *SQLStore) CloseCase(ctx context.Context, caseID string, reason trust.CloseReason, now time.Time) (bool, error) {
	now = now.UTC()
	return s.transition(ctx, `
		UPDATE trust_cases
		SET status = 'closed', close_reason = ?, closed_at = ?, updated_at = ?
		WHERE case_id = ? AND status IN ('active', 'dormant')`,
		string(reason), now, now, caseID)
}

func (s *SQLStore) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update case status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// MarkIdleDormant moves active cases untouched since idleSince to dormant and
// returns their IDs.
func (s *SQLStore) MarkIdleDormant(ctx context.Context, idleSince, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`
		UPDATE trust_cases
		SET status = 'dormant', updated_at = ?
		WHERE status = 'active' AND updated_at < ?
		RETURNING case_id`),
		now.UTC(), idleSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to mark idle cases dormant: %w", err)
	}
	return ids, nil
}
