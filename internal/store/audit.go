package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustcase-svc/internal/trust"
)

type auditRow struct {
	ID        string         `db:"id"`
	CaseID    string         `db:"case_id"`
	Action    string         `db:"action"`
	ActorRole string         `db:"actor_role"`
	ActorID   sql.NullString `db:"actor_id"`
	IP        sql.NullString `db:"ip"`
	UserAgent sql.NullString `db:"user_agent"`
	Detail    JSONBGeneric   `db:"detail"`
	CreatedAt time.Time      `db:"created_at"`
}

// AppendAudit inserts an audit entry. Entries are never updated or deleted.
func (s *SQLStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO trust_audit_logs
		(id, case_id, action, actor_role, actor_id, ip, user_agent, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.CaseID, e.Action, e.ActorRole.String(),
		nullString(e.ActorID), nullString(e.IP), nullString(e.UserAgent),
		JSONBGeneric(e.Detail), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", e.Action, err)
	}
	return nil
}

// ListAudit returns a case's audit trail, oldest first.
func (s *SQLStore) ListAudit(ctx context.Context, caseID string) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, case_id, action, actor_role, actor_id, ip, user_agent, detail, created_at
		FROM trust_audit_logs
		WHERE case_id = ?
		ORDER BY created_at ASC, id ASC`), caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		role, err := trust.ParseRole(r.ActorRole)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", r.ID, err)
		}
		entries = append(entries, AuditEntry{
			ID:        r.ID,
			CaseID:    r.CaseID,
			Action:    r.Action,
			ActorRole: role,
			ActorID:   r.ActorID.String,
			IP:        r.IP.String,
			UserAgent: r.UserAgent.String,
			Detail:    map[string]any(r.Detail),
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
