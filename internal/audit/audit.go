// Package audit records who did what to a trust case, when, and from where.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

// Action names written to the audit trail.
const (
	ActionToggleChecklist  = "TOGGLE_CHECKLIST"
	ActionPaymentCompleted = "PAYMENT_COMPLETED"
	ActionAddSupplement    = "ADD_SUPPLEMENT"
	ActionResetCase        = "RESET_CASE"
	ActionWakeCase         = "WAKE_CASE"
	ActionCloseCase        = "CLOSE_CASE"
	ActionMarkDormant      = "MARK_DORMANT"
	ActionUpgrade          = "UPGRADE_TRUST_CASE"
	ActionPaymentExpired   = "PAYMENT_EXPIRED"
)

// AgentSubmit returns the action name for an agent submission of step n.
func AgentSubmit(step int) string { return fmt.Sprintf("AGENT_SUBMIT_%d", step) }

// BuyerConfirm returns the action name for a buyer confirmation of step n.
func BuyerConfirm(step int) string { return fmt.Sprintf("BUYER_CONFIRM_%d", step) }

// Logger appends audit entries.
type Logger struct {
	repo store.AuditRepository
	now  func() time.Time
}

// NewLogger returns a Logger writing to repo.
func NewLogger(repo store.AuditRepository, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{repo: repo, now: now}
}

// Record appends one entry for principal p.
func (l *Logger) Record(ctx context.Context, caseID, action string, p trust.Principal, detail map[string]any) error {
	return l.repo.AppendAudit(ctx, store.AuditEntry{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Action:    action,
		ActorRole: p.Role,
		ActorID:   p.Subject,
		IP:        p.IP,
		UserAgent: p.UserAgent,
		Detail:    detail,
		CreatedAt: l.now().UTC(),
	})
}

// Trail returns a case's entries, oldest first.
func (l *Logger) Trail(ctx context.Context, caseID string) ([]store.AuditEntry, error) {
	return l.repo.ListAudit(ctx, caseID)
}
