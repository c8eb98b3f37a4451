// Package lifecycle moves cases between active, dormant and closed.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

// SweeperSubject identifies the dormancy sweep in the audit trail.
const SweeperSubject = "dormancy-sweep"

// Manager performs lifecycle transitions. Each transition is a single
// conditional update, so racing callers see exactly one winner.
type Manager struct {
	cases    store.LifecycleRepository
	audit    *audit.Logger
	notifier notify.Notifier
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager.
func NewManager(cases store.LifecycleRepository, auditLog *audit.Logger, opts ...Option) *Manager {
	m := &Manager{
		cases:    cases,
		audit:    auditLog,
		notifier: notify.Nop{},
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) load(ctx context.Context, caseID string) (*store.CaseRecord, error) {
	rec, err := m.cases.GetCase(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, trust.Errorf(trust.CodeNotFound, "case %s not found", caseID)
	}
	if err != nil {
		return nil, trust.Internal(err)
	}
	return rec, nil
}

// Wake reactivates a dormant case. Agents and buyers may only wake cases they
// are bound to; the system may wake any case.
func (m *Manager) Wake(ctx context.Context, caseID string, p trust.Principal) (*store.CaseRecord, error) {
	rec, err := m.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := p.Authorize(caseID, rec.Binding(), trust.RoleAgent, trust.RoleBuyer, trust.RoleSystem); err != nil {
		return nil, err
	}
	if rec.Status != trust.CaseDormant {
		return nil, trust.Errorf(trust.CodeInvalidState, "only dormant cases can be woken, case is %s", rec.Status)
	}

	woke, err := m.cases.WakeCase(ctx, caseID, m.now())
	if err != nil {
		return nil, trust.Internal(err)
	}
	if !woke {
		return nil, trust.NewError(trust.CodeInvalidState, "case is no longer dormant")
	}

	m.record(ctx, caseID, audit.ActionWakeCase, p, nil)
	m.notifier.NotifyCase(ctx, caseID, notify.EventCaseWoken, nil)
	return m.load(ctx, caseID)
}

// Close ends a case for good. Agents may close their bound cases; the system
// may close any case.
func (m *Manager) Close(ctx context.Context, caseID string, reason trust.CloseReason, p trust.Principal) (*store.CaseRecord, error) {
	if _, err := trust.ParseCloseReason(string(reason)); err != nil {
		return nil, err
	}
	rec, err := m.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := p.Authorize(caseID, rec.Binding(), trust.RoleAgent, trust.RoleSystem); err != nil {
		return nil, err
	}
	if rec.Status == trust.CaseClosed {
		return nil, trust.NewError(trust.CodeInvalidState, "case is already closed")
	}

	closed, err := m.cases.CloseCase(ctx, caseID, reason, m.now())
	if err != nil {
		return nil, trust.Internal(err)
	}
	if !closed {
		return nil, trust.NewError(trust.CodeInvalidState, "case is already closed")
	}

	m.record(ctx, caseID, audit.ActionCloseCase, p, map[string]any{"reason": string(reason)})
	m.notifier.NotifyCase(ctx, caseID, notify.CaseClosedEvent(reason), nil)
	return m.load(ctx, caseID)
}

// SweepDormant marks active cases idle for longer than idleFor as dormant
// and returns their ids.
func (m *Manager) SweepDormant(ctx context.Context, idleFor time.Duration) ([]string, error) {
	if idleFor <= 0 {
		return nil, trust.NewError(trust.CodeInvalidInput, "idle window must be positive")
	}
	now := m.now()
	ids, err := m.cases.MarkIdleDormant(ctx, now.Add(-idleFor), now)
	if err != nil {
		return nil, trust.Internal(err)
	}

	sweeper := trust.SystemPrincipal(SweeperSubject)
	for _, id := range ids {
		m.record(ctx, id, audit.ActionMarkDormant, sweeper, map[string]any{"idleFor": idleFor.String()})
	}
	m.log.Info("dormancy sweep finished", "marked", len(ids), "idle_for", idleFor)
	return ids, nil
}

func (m *Manager) record(ctx context.Context, caseID, action string, p trust.Principal, detail map[string]any) {
	if err := m.audit.Record(ctx, caseID, action, p, detail); err != nil {
		m.log.Error("failed to write audit entry", "case_id", caseID, "action", action, "error", err)
	}
}
