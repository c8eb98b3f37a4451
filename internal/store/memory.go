package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustcase-svc/internal/trust"
)

// MemoryStore is an in-process Store for tests and local development. A
// single mutex serialises every operation, which gives the same conditional
// update semantics as the SQL implementation.
type MemoryStore struct {
	mu     sync.Mutex
	cases  map[string]*CaseRecord
	audit  []AuditEntry
	tokens map[string]*UpgradeToken
	push   map[string]json.RawMessage
	line   map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:  make(map[string]*CaseRecord),
		tokens: make(map[string]*UpgradeToken),
		push:   make(map[string]json.RawMessage),
		line:   make(map[string]string),
	}
}

func (m *MemoryStore) InitSchema(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// copyRecord returns a detached copy so callers never share the stored document.
func copyRecord(rec *CaseRecord) (*CaseRecord, error) {
	out := *rec
	st, err := rec.State.Clone()
	if err != nil {
		return nil, err
	}
	out.State = st
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		out.ClosedAt = &t
	}
	return &out, nil
}

func (m *MemoryStore) GetCase(_ context.Context, caseID string) (*CaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec)
}

func (m *MemoryStore) GetOrInit(_ context.Context, caseID string, now time.Time) (*CaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok {
		now = now.UTC()
		rec = &CaseRecord{
			CaseID:    caseID,
			State:     trust.NewTrustState(),
			Version:   1,
			Status:    trust.CaseActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.cases[caseID] = rec
	}
	return copyRecord(rec)
}

func (m *MemoryStore) SaveState(_ context.Context, caseID string, st *trust.TrustState, expectedVersion int64, agentID string, now time.Time) (int64, error) {
	if st == nil {
		return 0, fmt.Errorf("cannot store a nil trust state")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok || rec.Version != expectedVersion || rec.Status != trust.CaseActive {
		return 0, ErrVersionConflict
	}
	if agentID != "" && rec.AgentID != "" && rec.AgentID != agentID {
		return 0, ErrVersionConflict
	}
	clone, err := st.Clone()
	if err != nil {
		return 0, err
	}
	if agentID != "" {
		rec.AgentID = agentID
	}
	rec.State = clone
	rec.Version++
	rec.UpdatedAt = now.UTC()
	return rec.Version, nil
}

func (m *MemoryStore) BindAgent(_ context.Context, caseID, agentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	if rec.AgentID != "" && rec.AgentID != agentID {
		return ErrAlreadyBound
	}
	rec.AgentID = agentID
	rec.UpdatedAt = now.UTC()
	return nil
}

func (m *MemoryStore) WakeCase(_ context.Context, caseID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok || rec.Status != trust.CaseDormant {
		return false, nil
	}
	rec.Status = trust.CaseActive
	rec.UpdatedAt = now.UTC()
	return true, nil
}

func (m *MemoryStore) CloseCase(_ context.Context, caseID string, reason trust.CloseReason, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok || rec.Status == trust.CaseClosed {
		return false, nil
	}
	now = now.UTC()
	rec.Status = trust.CaseClosed
	rec.CloseReason = reason
	rec.ClosedAt = &now
	rec.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) MarkIdleDormant(_ context.Context, idleSince, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, rec := range m.cases {
		if rec.Status == trust.CaseActive && rec.UpdatedAt.Before(idleSince) {
			rec.Status = trust.CaseDormant
			rec.UpdatedAt = now.UTC()
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, caseID string) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditEntry
	for _, e := range m.audit {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateUpgradeToken(_ context.Context, t UpgradeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[t.Token]; exists {
		return ErrDuplicate
	}
	if _, ok := m.cases[t.CaseID]; !ok {
		return fmt.Errorf("upgrade token references unknown case %s", t.CaseID)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	m.tokens[t.Token] = &t
	return nil
}

func (m *MemoryStore) RedeemUpgradeToken(_ context.Context, token, userID string, now time.Time) (*Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.RevokedAt != nil || !t.ExpiresAt.After(now) {
		return nil, ErrTokenRejected
	}
	if t.BoundUserID != "" && t.BoundUserID != userID {
		return nil, ErrTokenRejected
	}
	rec, ok := m.cases[t.CaseID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.BuyerUserID != "" && rec.BuyerUserID != userID {
		return nil, ErrAlreadyBound
	}

	now = now.UTC()
	t.BoundUserID = userID
	if t.BoundAt == nil {
		t.BoundAt = &now
	}
	t.RedeemCount++
	rec.BuyerUserID = userID
	rec.UpdatedAt = now

	return &Redemption{CaseID: t.CaseID, Replay: t.RedeemCount > 1}, nil
}

func (m *MemoryStore) RevokeUpgradeToken(_ context.Context, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.RevokedAt != nil {
		return ErrNotFound
	}
	now = now.UTC()
	t.RevokedAt = &now
	return nil
}

func (m *MemoryStore) NotifyContacts(_ context.Context, caseID string) (*NotifyContacts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cases[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	c := &NotifyContacts{CaseID: caseID, BuyerUserID: rec.BuyerUserID}
	if rec.BuyerUserID != "" {
		c.PushSubscription = m.push[rec.BuyerUserID]
		c.LineUserID = m.line[rec.BuyerUserID]
	}
	return c, nil
}

func (m *MemoryStore) SavePushSubscription(_ context.Context, userID string, subscription json.RawMessage, _ time.Time) error {
	if !json.Valid(subscription) {
		return fmt.Errorf("push subscription for %s is not valid JSON", userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.push[userID] = append(json.RawMessage(nil), subscription...)
	return nil
}

func (m *MemoryStore) BindLineUser(_ context.Context, userID, lineUserID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.line[userID] = lineUserID
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
