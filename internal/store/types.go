package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"trustcase-svc/internal/trust"
)

var (
	// ErrNotFound is returned when a case, token or contact row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by SaveState when the row changed since it
	// was read, or is no longer active.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTokenRejected is returned when an upgrade token is unknown, expired,
	// revoked, or bound to another user.
	ErrTokenRejected = errors.New("upgrade token rejected")

	// ErrAlreadyBound is returned when a case is bound to a different party.
	ErrAlreadyBound = errors.New("case already bound to another party")

	// ErrDuplicate is returned on primary-key collisions.
	ErrDuplicate = errors.New("duplicate key")
)

// CaseRecord is one row of trust_cases.
type CaseRecord struct {
	CaseID      string
	State       *trust.TrustState
	Version     int64
	Status      trust.CaseStatus
	AgentID     string
	BuyerUserID string
	CloseReason trust.CloseReason
	ClosedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Binding returns the parties the case is bound to.
func (r *CaseRecord) Binding() trust.Binding {
	return trust.Binding{AgentID: r.AgentID, BuyerUserID: r.BuyerUserID}
}

// AuditEntry is one immutable row of trust_audit_logs.
type AuditEntry struct {
	ID        string
	CaseID    string
	Action    string
	ActorRole trust.Role
	ActorID   string
	IP        string
	UserAgent string
	Detail    map[string]any
	CreatedAt time.Time
}

// UpgradeToken is a single-use credential binding a case to a registered user.
type UpgradeToken struct {
	Token       string
	CaseID      string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	BoundUserID string
	BoundAt     *time.Time
	RedeemCount int
	CreatedAt   time.Time
}

// Redemption is the outcome of a successful token redemption.
type Redemption struct {
	CaseID string
	// Replay is true when the token had already been bound to the same user.
	Replay bool
}

// NotifyContacts holds the delivery identities known for a case's buyer.
type NotifyContacts struct {
	CaseID           string
	BuyerUserID      string
	PushSubscription json.RawMessage
	LineUserID       string
}

// CaseRepository owns the TrustState document of each case.
type CaseRepository interface {
	// GetOrInit returns the case, creating an initial active document if absent.
	GetOrInit(ctx context.Context, caseID string, now time.Time) (*CaseRecord, error)
	GetCase(ctx context.Context, caseID string) (*CaseRecord, error)
	// SaveState replaces the document if the row is still at expectedVersion
	// and active. A non-empty agentID is bound in the same write; a case bound
	// to another agent fails like a stale version. It returns the new version.
	SaveState(ctx context.Context, caseID string, st *trust.TrustState, expectedVersion int64, agentID string, now time.Time) (int64, error)
	// BindAgent sets the bound agent if none is bound yet.
	BindAgent(ctx context.Context, caseID, agentID string, now time.Time) error
}

// LifecycleRepository performs conditional status transitions.
type LifecycleRepository interface {
	GetCase(ctx context.Context, caseID string) (*CaseRecord, error)
	// WakeCase flips dormant to active. It reports false if the case was not dormant.
	WakeCase(ctx context.Context, caseID string, now time.Time) (bool, error)
	// CloseCase closes an active or dormant case. It reports false otherwise.
	CloseCase(ctx context.Context, caseID string, reason trust.CloseReason, now time.Time) (bool, error)
	// MarkIdleDormant moves active cases not updated since idleSince to dormant.
	MarkIdleDormant(ctx context.Context, idleSince, now time.Time) ([]string, error)
}

// AuditRepository stores audit entries.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, caseID string) ([]AuditEntry, error)
}

// UpgradeRepository stores upgrade tokens.
type UpgradeRepository interface {
	CreateUpgradeToken(ctx context.Context, t UpgradeToken) error
	// RedeemUpgradeToken consumes the token for userID and binds the case's
	// buyer in one transaction.
	RedeemUpgradeToken(ctx context.Context, token, userID string, now time.Time) (*Redemption, error)
	RevokeUpgradeToken(ctx context.Context, token string, now time.Time) error
}

// ContactRepository stores notification identities.
type ContactRepository interface {
	NotifyContacts(ctx context.Context, caseID string) (*NotifyContacts, error)
	SavePushSubscription(ctx context.Context, userID string, subscription json.RawMessage, now time.Time) error
	BindLineUser(ctx context.Context, userID, lineUserID string, now time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	CaseRepository
	LifecycleRepository
	AuditRepository
	UpgradeRepository
	ContactRepository

	InitSchema(ctx context.Context) error
	Close() error
}
