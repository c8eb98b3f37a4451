// Package engine runs the six-step trust case state machine.
//
// Every mutation follows the same shape: load (or seed) the case, check the
// caller and the step preconditions against the in-memory document, then
// write the whole document back guarded by the row version. A lost race
// re-reads and re-validates; after maxAttempts the caller gets CONFLICT.
package engine

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

const (
	// DefaultPaymentWindow is how long the buyer has to pay after confirming step 5.
	DefaultPaymentWindow = 12 * time.Hour

	maxAttempts = 3
)

// CaseView is what callers get back from every engine operation.
type CaseView struct {
	CaseID    string            `json:"caseId"`
	Status    trust.CaseStatus  `json:"status"`
	Version   int64             `json:"version"`
	State     *trust.TrustState `json:"state"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Engine implements the step operations.
type Engine struct {
	cases         store.CaseRepository
	audit         *audit.Logger
	notifier      notify.Notifier
	now           func() time.Time
	paymentWindow time.Duration
	log           *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for deadlines and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPaymentWindow overrides DefaultPaymentWindow.
func WithPaymentWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.paymentWindow = d
		}
	}
}

// WithNotifier sets where buyer-facing events go.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an Engine over the given repository.
func New(cases store.CaseRepository, auditLog *audit.Logger, opts ...Option) *Engine {
	e := &Engine{
		cases:         cases,
		audit:         auditLog,
		notifier:      notify.Nop{},
		now:           time.Now,
		paymentWindow: DefaultPaymentWindow,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// change describes a successful in-memory edit: what to audit and whom to tell.
type change struct {
	action string
	detail map[string]any
	event  notify.Event
	vars   map[string]string
}

// editFunc edits st in place. Returning a change together with an error
// persists the edit and then reports the error (used for payment expiry).
type editFunc func(st *trust.TrustState, now time.Time) (*change, error)

func (e *Engine) mutate(ctx context.Context, caseID string, p trust.Principal, allowed []trust.Role, edit editFunc) (*CaseView, error) {
	if caseID == "" {
		return nil, trust.NewError(trust.CodeInvalidInput, "case id is required")
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		now := e.now().UTC()

		rec, err := e.cases.GetOrInit(ctx, caseID, now)
		if err != nil {
			return nil, trust.Internal(err)
		}
		if err := p.Authorize(caseID, rec.Binding(), allowed...); err != nil {
			return nil, err
		}
		if rec.Status != trust.CaseActive {
			return nil, trust.Errorf(trust.CodeInvalidState, "case is %s", rec.Status)
		}
		bindTo := agentToBind(rec, p)

		ch, editErr := edit(rec.State, now)
		if ch == nil {
			return nil, editErr
		}
		if err := rec.State.Validate(); err != nil {
			return nil, trust.Internal(err)
		}

		version, err := e.cases.SaveState(ctx, caseID, rec.State, rec.Version, bindTo, now)
		if errors.Is(err, store.ErrVersionConflict) {
			e.log.Debug("case changed underneath, retrying", "case_id", caseID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, trust.Internal(err)
		}

		e.record(ctx, caseID, ch.action, p, ch.detail)
		if ch.event != "" {
			e.notifier.NotifyCase(ctx, caseID, ch.event, ch.vars)
		}

		rec.Version = version
		rec.UpdatedAt = now
		if bindTo != "" {
			rec.AgentID = bindTo
		}
		if editErr != nil {
			return nil, editErr
		}
		return viewOf(rec), nil
	}

	return nil, trust.NewError(trust.CodeConflict, "case was modified concurrently, please retry")
}

// agentToBind returns the agent id to bind with the next save: the acting
// agent when the case has none yet. The binding is written together with the
// document, so a rejected request never binds anyone.
func agentToBind(rec *store.CaseRecord, p trust.Principal) string {
	if p.Role != trust.RoleAgent || rec.AgentID != "" {
		return ""
	}
	return p.Subject
}

// record writes the audit entry. The state change has already been
// committed, so a failure here is logged rather than returned.
func (e *Engine) record(ctx context.Context, caseID, action string, p trust.Principal, detail map[string]any) {
	if err := e.audit.Record(ctx, caseID, action, p, detail); err != nil {
		e.log.Error("failed to write audit entry", "case_id", caseID, "action", action, "error", err)
	}
}

func viewOf(rec *store.CaseRecord) *CaseView {
	return &CaseView{
		CaseID:    rec.CaseID,
		Status:    rec.Status,
		Version:   rec.Version,
		State:     rec.State,
		UpdatedAt: rec.UpdatedAt,
	}
}
