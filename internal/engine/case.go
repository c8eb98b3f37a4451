package engine

import (
	"context"
	"errors"
	"time"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

// AddSupplement appends a free-text note. It is not gated by step progress.
func (e *Engine) AddSupplement(ctx context.Context, caseID, content string, p trust.Principal) (*CaseView, error) {
	content, err := cleanText("content", content)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, trust.NewError(trust.CodeInvalidInput, "content is required")
	}

	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleAgent, trust.RoleBuyer}, func(st *trust.TrustState, now time.Time) (*change, error) {
		st.Supplements = append(st.Supplements, trust.Supplement{
			Role:      p.Role,
			Content:   content,
			Timestamp: now,
		})
		return &change{
			action: audit.ActionAddSupplement,
			detail: map[string]any{"length": len([]rune(content))},
		}, nil
	})
}

// Reset returns every step to its initial state. Supplements are kept.
func (e *Engine) Reset(ctx context.Context, caseID string, p trust.Principal) (*CaseView, error) {
	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleAgent, trust.RoleSystem}, func(st *trust.TrustState, now time.Time) (*change, error) {
		from := st.CurrentStep
		fresh := trust.NewTrustState()
		fresh.Supplements = st.Supplements
		*st = *fresh
		return &change{
			action: audit.ActionResetCase,
			detail: map[string]any{"fromStep": from},
		}, nil
	})
}

// GetStatus returns the case document, seeding it on first access. An
// initiated payment whose deadline has passed is reported as expired, and the
// flip is persisted when the case is active.
func (e *Engine) GetStatus(ctx context.Context, caseID string, p trust.Principal) (*CaseView, error) {
	if caseID == "" {
		return nil, trust.NewError(trust.CodeInvalidInput, "case id is required")
	}
	allowed := []trust.Role{trust.RoleAgent, trust.RoleBuyer, trust.RoleSystem}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		now := e.now().UTC()

		rec, err := e.cases.GetOrInit(ctx, caseID, now)
		if err != nil {
			return nil, trust.Internal(err)
		}
		if err := p.Authorize(caseID, rec.Binding(), allowed...); err != nil {
			return nil, err
		}

		if !expire(rec.State, now) || rec.Status != trust.CaseActive {
			return viewOf(rec), nil
		}

		version, err := e.cases.SaveState(ctx, caseID, rec.State, rec.Version, "", now)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, trust.Internal(err)
		}
		e.record(ctx, caseID, audit.ActionPaymentExpired, p, map[string]any{"step": trust.StepClosing, "passive": true})

		rec.Version = version
		rec.UpdatedAt = now
		return viewOf(rec), nil
	}

	return nil, trust.NewError(trust.CodeConflict, "case was modified concurrently, please retry")
}
