// Package upgrade binds an anonymously viewed case to a registered buyer
// through single-use upgrade tokens.
package upgrade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

// MsgTokenRejected is returned for every token the store refuses, whatever
// the reason, so callers learn nothing about token state.
const MsgTokenRejected = "token invalid or expired or revoked"

// Repository is the storage the service needs.
type Repository interface {
	store.UpgradeRepository
	GetCase(ctx context.Context, caseID string) (*store.CaseRecord, error)
}

// Result is a successful redemption.
type Result struct {
	CaseID string `json:"caseId"`
	Replay bool   `json:"replay"`
}

// Service redeems and issues upgrade tokens.
type Service struct {
	repo  Repository
	audit *audit.Logger
	now   func() time.Time
	log   *slog.Logger
}

// NewService returns a Service.
func NewService(repo Repository, auditLog *audit.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, audit: auditLog, now: now, log: slog.Default()}
}

// WithLogger sets the logger used for audit write failures.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

// ValidToken reports whether token has the canonical upgrade token shape: a
// lower-case hyphenated UUID.
func ValidToken(token string) bool {
	id, err := uuid.Parse(token)
	return err == nil && id.String() == token
}

// Upgrade redeems token for the registered user behind p. Redeeming a token
// the same user already holds succeeds again as a replay.
func (s *Service) Upgrade(ctx context.Context, token string, p trust.Principal) (*Result, error) {
	if !ValidToken(token) {
		return nil, trust.NewError(trust.CodeInvalidInput, "malformed upgrade token")
	}
	if p.Role != trust.RoleBuyer {
		return nil, trust.NewError(trust.CodeForbidden, "only buyers can claim a case")
	}
	if p.Subject == "" {
		return nil, trust.NewError(trust.CodeUnauthorized, "a registered identity is required")
	}

	r, err := s.repo.RedeemUpgradeToken(ctx, token, p.Subject, s.now())
	switch {
	case errors.Is(err, store.ErrTokenRejected), errors.Is(err, store.ErrNotFound):
		return nil, trust.NewError(trust.CodeInvalidInput, MsgTokenRejected)
	case errors.Is(err, store.ErrAlreadyBound):
		return nil, trust.NewError(trust.CodeAlreadyBound, "case is already bound to another account")
	case err != nil:
		return nil, trust.Internal(err)
	}

	// The binding is already committed, so audit failures are only logged.
	if err := s.audit.Record(ctx, r.CaseID, audit.ActionUpgrade, p, map[string]any{"replay": r.Replay}); err != nil {
		s.log.Error("failed to write audit entry", "case_id", r.CaseID, "action", audit.ActionUpgrade, "error", err)
	}
	return &Result{CaseID: r.CaseID, Replay: r.Replay}, nil
}

// IssueToken mints a token for an existing case.
func (s *Service) IssueToken(ctx context.Context, caseID string, ttl time.Duration) (*store.UpgradeToken, error) {
	if ttl <= 0 {
		return nil, trust.NewError(trust.CodeInvalidInput, "token lifetime must be positive")
	}
	if _, err := s.repo.GetCase(ctx, caseID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, trust.Errorf(trust.CodeNotFound, "case %s not found", caseID)
		}
		return nil, trust.Internal(err)
	}

	now := s.now().UTC()
	tok := store.UpgradeToken{
		Token:     uuid.New().String(),
		CaseID:    caseID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.repo.CreateUpgradeToken(ctx, tok); err != nil {
		return nil, trust.Internal(err)
	}
	return &tok, nil
}

// Revoke makes a token unusable.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return trust.NewError(trust.CodeInvalidInput, "malformed upgrade token")
	}
	err := s.repo.RevokeUpgradeToken(ctx, token, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return trust.NewError(trust.CodeNotFound, "token not found or already revoked")
	}
	if err != nil {
		return trust.Internal(err)
	}
	return nil
}
