package notify

import (
	"context"

	"trustcase-svc/internal/trust"
)

// Event names a message in the catalog.
type Event string

const (
	EventAgentSubmitted   Event = "agent_submitted"
	EventPaymentInitiated Event = "payment_initiated"
	EventCaseWoken        Event = "case_woken"
)

// CaseClosedEvent returns the event for a close with the given reason.
func CaseClosedEvent(reason trust.CloseReason) Event {
	return Event("case_closed." + string(reason))
}

// Notifier tells a case's buyer about a state change. Delivery problems are
// the notifier's concern; callers never see them.
type Notifier interface {
	NotifyCase(ctx context.Context, caseID string, ev Event, vars map[string]string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyCase(context.Context, string, Event, map[string]string) {}
