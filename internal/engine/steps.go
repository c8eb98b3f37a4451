package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/trust"
)

var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

// Submit merges the agent's payload into the current step and marks it
// submitted. It never advances the case.
func (e *Engine) Submit(ctx context.Context, caseID string, step int, payload json.RawMessage, p trust.Principal) (*CaseView, error) {
	data, err := trust.DecodeSubmission(step, payload)
	if err != nil {
		return nil, err
	}

	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleAgent}, func(st *trust.TrustState, now time.Time) (*change, error) {
		if step != st.CurrentStep {
			return nil, trust.Errorf(trust.CodeInvalidStep, "step %d is not the current step (%d)", step, st.CurrentStep)
		}
		s := st.Step(step)
		if s.Locked {
			return nil, trust.Errorf(trust.CodeLocked, "step %d is locked", step)
		}

		if step == trust.StepClosing {
			closing := s.Closing()
			switch closing.PaymentStatus {
			case trust.PaymentInitiated:
				return nil, trust.NewError(trust.CodeLocked, "step 5 is awaiting payment")
			case trust.PaymentExpired:
				// Resubmitting after a lapsed payment reopens the step for a
				// fresh buyer confirmation.
				closing.PaymentStatus = trust.PaymentPending
				closing.PaymentDeadline = nil
				s.BuyerStatus = trust.BuyerPending
			}
		}

		if err := trust.MergeSubmission(s.Data, data); err != nil {
			return nil, trust.Internal(err)
		}
		s.AgentStatus = trust.AgentSubmitted

		return &change{
			action: audit.AgentSubmit(step),
			detail: map[string]any{"step": step},
			event:  notify.EventAgentSubmitted,
			vars:   map[string]string{"step": strconv.Itoa(step), "stepName": s.Name},
		}, nil
	})
}

// Confirm records the buyer's confirmation of the current step. Steps 1-4
// lock and advance; step 5 opens the payment window; step 6 locks the case
// once every checklist item is checked.
func (e *Engine) Confirm(ctx context.Context, caseID string, step int, note string, p trust.Principal) (*CaseView, error) {
	if !trust.ValidStep(step) {
		return nil, trust.Errorf(trust.CodeInvalidStep, "step %d does not exist", step)
	}
	note, err := cleanText("note", note)
	if err != nil {
		return nil, err
	}

	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleBuyer}, func(st *trust.TrustState, now time.Time) (*change, error) {
		if step != st.CurrentStep {
			return nil, trust.Errorf(trust.CodeInvalidStep, "step %d is not the current step (%d)", step, st.CurrentStep)
		}
		s := st.Step(step)
		if s.Locked {
			return nil, trust.Errorf(trust.CodeLocked, "step %d is locked", step)
		}
		if s.AgentStatus != trust.AgentSubmitted {
			return nil, trust.Errorf(trust.CodeAgentNotSubmitted, "agent has not submitted step %d", step)
		}

		ch := &change{
			action: audit.BuyerConfirm(step),
			detail: map[string]any{"step": step},
		}

		switch step {
		case trust.StepClosing:
			closing := s.Closing()
			switch closing.PaymentStatus {
			case trust.PaymentInitiated:
				return nil, trust.NewError(trust.CodeUnpaid, "payment already initiated, complete it before the deadline")
			case trust.PaymentExpired:
				return nil, trust.NewError(trust.CodeExpired, "payment deadline has passed")
			case trust.PaymentPending:
				deadline := now.Add(e.paymentWindow)
				closing.PaymentStatus = trust.PaymentInitiated
				closing.PaymentDeadline = &deadline
				ch.detail["paymentDeadline"] = deadline.Format(time.RFC3339)
				ch.event = notify.EventPaymentInitiated
				ch.vars = map[string]string{"deadline": deadline.In(taipei).Format("2006-01-02 15:04")}
			default:
				return nil, trust.Errorf(trust.CodeInvalidState, "payment is %s", closing.PaymentStatus)
			}
			trust.AppendBuyerNote(s.Data, note)
			s.BuyerStatus = trust.BuyerConfirmed

		case trust.StepHandover:
			if !s.Handover().AllChecked() {
				return nil, trust.NewError(trust.CodeChecklistIncomplete, "every handover item must be checked")
			}
			trust.AppendBuyerNote(s.Data, note)
			s.Lock()

		default:
			trust.AppendBuyerNote(s.Data, note)
			s.Lock()
			st.CurrentStep++
		}

		return ch, nil
	})
}

// ToggleChecklistItem sets one handover item. Setting an item to its current
// value is allowed and still recorded.
func (e *Engine) ToggleChecklistItem(ctx context.Context, caseID string, index int, checked bool, p trust.Principal) (*CaseView, error) {
	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleBuyer}, func(st *trust.TrustState, now time.Time) (*change, error) {
		if st.CurrentStep != trust.StepHandover {
			return nil, trust.NewError(trust.CodeInvalidStep, "the checklist is only available at step 6")
		}
		s := st.Step(trust.StepHandover)
		if s.Locked {
			return nil, trust.NewError(trust.CodeLocked, "step 6 is locked")
		}
		items := s.Handover().Checklist
		if index < 0 || index >= len(items) {
			return nil, trust.Errorf(trust.CodeInvalidInput, "checklist index %d out of range", index)
		}
		items[index].Checked = checked

		return &change{
			action: audit.ActionToggleChecklist,
			detail: map[string]any{"index": index, "checked": checked},
		}, nil
	})
}

// PayStep completes the step 5 payment, moves the case to step 6 and seeds
// the handover checklist. A payment attempted after the deadline marks the
// payment expired and fails with EXPIRED.
func (e *Engine) PayStep(ctx context.Context, caseID string, p trust.Principal) (*CaseView, error) {
	return e.mutate(ctx, caseID, p, []trust.Role{trust.RoleBuyer}, func(st *trust.TrustState, now time.Time) (*change, error) {
		if st.CurrentStep != trust.StepClosing {
			return nil, trust.Errorf(trust.CodeInvalidStep, "payment belongs to step 5, case is at step %d", st.CurrentStep)
		}
		s := st.Step(trust.StepClosing)
		closing := s.Closing()

		switch closing.PaymentStatus {
		case trust.PaymentExpired:
			return nil, trust.NewError(trust.CodeExpired, "payment deadline has passed")
		case trust.PaymentInitiated:
		default:
			return nil, trust.NewError(trust.CodeInvalidState, "step 5 must be confirmed before payment")
		}
		if s.BuyerStatus != trust.BuyerConfirmed {
			return nil, trust.NewError(trust.CodeInvalidState, "step 5 must be confirmed before payment")
		}

		if expire(st, now) {
			return &change{
				action: audit.ActionPaymentExpired,
				detail: map[string]any{"step": trust.StepClosing},
			}, trust.NewError(trust.CodeExpired, "payment deadline has passed")
		}

		closing.PaymentStatus = trust.PaymentCompleted
		paidAt := now
		closing.PaidAt = &paidAt
		st.IsPaid = true
		s.Lock()

		st.CurrentStep = trust.StepHandover
		st.Step(trust.StepHandover).Handover().Checklist = trust.SeedHandoverChecklist(st.Step(trust.StepViewing).Viewing().Risks)

		return &change{
			action: audit.ActionPaymentCompleted,
			detail: map[string]any{"paidAt": paidAt.Format(time.RFC3339)},
		}, nil
	})
}

// expire flips an initiated payment whose deadline has passed to expired.
// It reports whether anything changed.
func expire(st *trust.TrustState, now time.Time) bool {
	closing := st.Step(trust.StepClosing).Closing()
	if closing.PaymentStatus != trust.PaymentInitiated || closing.PaymentDeadline == nil {
		return false
	}
	if !now.After(*closing.PaymentDeadline) {
		return false
	}
	closing.PaymentStatus = trust.PaymentExpired
	return true
}
