package notify

import (
	"context"
	"encoding/json"
	"errors"

	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

// TargetType is the delivery channel chosen for a case's buyer.
type TargetType string

const (
	TargetPush TargetType = "push"
	TargetLine TargetType = "line"
	TargetNone TargetType = "none"
)

// Target is where notifications for a case go. Type is the primary channel;
// the other identity, when present, is the fallback.
type Target struct {
	Type             TargetType      `json:"type"`
	PushSubscription json.RawMessage `json:"pushSubscription,omitempty"`
	LineUserID       string          `json:"lineUserId,omitempty"`
}

// has reports whether the target carries an identity for channel t.
func (t Target) has(ct TargetType) bool {
	switch ct {
	case TargetPush:
		return len(t.PushSubscription) > 0
	case TargetLine:
		return t.LineUserID != ""
	default:
		return false
	}
}

// secondary returns the fallback channel, or TargetNone.
func (t Target) secondary() TargetType {
	switch {
	case t.Type == TargetPush && t.has(TargetLine):
		return TargetLine
	case t.Type == TargetLine && t.has(TargetPush):
		return TargetPush
	default:
		return TargetNone
	}
}

// Resolver derives a case's Target from the stored contact identities.
type Resolver struct {
	contacts store.ContactRepository
}

// NewResolver returns a Resolver.
func NewResolver(contacts store.ContactRepository) *Resolver {
	return &Resolver{contacts: contacts}
}

// Resolve picks push over LINE over nothing. A case with no registered buyer
// always resolves to TargetNone.
func (r *Resolver) Resolve(ctx context.Context, caseID string) (Target, error) {
	c, err := r.contacts.NotifyContacts(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		return Target{}, trust.Errorf(trust.CodeNotFound, "case %s not found", caseID)
	}
	if err != nil {
		return Target{}, trust.Internal(err)
	}

	t := Target{Type: TargetNone}
	if c.BuyerUserID == "" {
		return t, nil
	}
	if len(c.PushSubscription) > 0 {
		t.PushSubscription = c.PushSubscription
	}
	t.LineUserID = c.LineUserID

	switch {
	case t.has(TargetPush):
		t.Type = TargetPush
	case t.has(TargetLine):
		t.Type = TargetLine
	}
	return t, nil
}
