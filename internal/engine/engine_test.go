package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcase-svc/internal/audit"
	"trustcase-svc/internal/notify"
	"trustcase-svc/internal/store"
	"trustcase-svc/internal/trust"
)

const caseID = "case-1"

var (
	agent = trust.Principal{Role: trust.RoleAgent, CaseID: caseID, Subject: "agent-1", IP: "203.0.113.9", UserAgent: "agent-app"}
	buyer = trust.Principal{Role: trust.RoleBuyer, CaseID: caseID, IP: "198.51.100.2", UserAgent: "line-liff"}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentEvent struct {
	caseID string
	event  notify.Event
	vars   map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (n *recordingNotifier) NotifyCase(_ context.Context, caseID string, ev notify.Event, vars map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEvent{caseID: caseID, event: ev, vars: vars})
}

func (n *recordingNotifier) events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.event)
	}
	return out
}

type harness struct {
	eng      *Engine
	store    *store.MemoryStore
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, repo store.CaseRepository) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	if repo == nil {
		repo = mem
	}
	h := &harness{
		store:    mem,
		clock:    &testClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	h.eng = New(repo, audit.NewLogger(mem, h.clock.Now),
		WithClock(h.clock.Now),
		WithNotifier(h.notifier),
	)
	return h
}

func (h *harness) actions(t *testing.T) []string {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), caseID)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// advanceTo walks the case to the given step with submit+confirm pairs.
func (h *harness) advanceTo(t *testing.T, step int) {
	t.Helper()
	ctx := context.Background()
	for n := trust.StepContact; n < step; n++ {
		_, err := h.eng.Submit(ctx, caseID, n, json.RawMessage(`{"note":"ok"}`), agent)
		require.NoError(t, err)
		_, err = h.eng.Confirm(ctx, caseID, n, "", buyer)
		require.NoError(t, err)
	}
}

// toStepSix walks the case through payment.
func (h *harness) toStepSix(t *testing.T, risks string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, caseID, 1, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 1, "", buyer)
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, caseID, 2, json.RawMessage(`{"risks":`+risks+`}`), agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 2, "", buyer)
	require.NoError(t, err)
	h.advanceFrom(t, 3, 5)
	_, err = h.eng.Submit(ctx, caseID, 5, json.RawMessage(`{"contractPrice":15800000}`), agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)
	_, err = h.eng.PayStep(ctx, caseID, buyer)
	require.NoError(t, err)
}

func (h *harness) advanceFrom(t *testing.T, from, to int) {
	t.Helper()
	ctx := context.Background()
	for n := from; n < to; n++ {
		_, err := h.eng.Submit(ctx, caseID, n, nil, agent)
		require.NoError(t, err)
		_, err = h.eng.Confirm(ctx, caseID, n, "", buyer)
		require.NoError(t, err)
	}
}

func TestSubmitThenConfirmAdvancesStepOne(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v, err := h.eng.Submit(ctx, caseID, 1, json.RawMessage(`{"note":"已電聯買方"}`), agent)
	require.NoError(t, err)
	assert.Equal(t, 1, v.State.CurrentStep, "submit never advances")
	assert.Equal(t, trust.AgentSubmitted, v.State.Step(1).AgentStatus)

	v, err = h.eng.Confirm(ctx, caseID, 1, "收到", buyer)
	require.NoError(t, err)
	assert.Equal(t, 2, v.State.CurrentStep)
	assert.True(t, v.State.Step(1).Locked)
	assert.Equal(t, []string{"收到"}, v.State.Step(1).Data.(*trust.ContactData).BuyerNotes)

	assert.Equal(t, []string{"AGENT_SUBMIT_1", "BUYER_CONFIRM_1"}, h.actions(t))
	assert.Equal(t, []notify.Event{notify.EventAgentSubmitted}, h.notifier.events())

	entries, err := h.store.ListAudit(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, trust.RoleAgent, entries[0].ActorRole)
	assert.Equal(t, "203.0.113.9", entries[0].IP)
	assert.Equal(t, "agent-app", entries[0].UserAgent)

	rec, err := h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", rec.AgentID, "first acting agent is bound")
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("buyer cannot submit", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 1, nil, buyer)
		assert.True(t, trust.IsCode(err, trust.CodeForbidden))
	})
	t.Run("not the current step", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 2, nil, agent)
		assert.True(t, trust.IsCode(err, trust.CodeInvalidStep))
	})
	t.Run("no such step", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 0, nil, agent)
		assert.True(t, trust.IsCode(err, trust.CodeInvalidStep))
	})
	t.Run("malformed payload touches nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 1, json.RawMessage(`{"bogus":true}`), agent)
		assert.True(t, trust.IsCode(err, trust.CodeInvalidInput))
		_, err = h.store.GetCase(ctx, caseID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
	t.Run("credential for another case", func(t *testing.T) {
		h := newHarness(t, nil)
		other := agent
		other.CaseID = "case-2"
		_, err := h.eng.Submit(ctx, caseID, 1, nil, other)
		assert.True(t, trust.IsCode(err, trust.CodeForbidden))
	})
	t.Run("second agent on a bound case", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 1, nil, agent)
		require.NoError(t, err)
		intruder := agent
		intruder.Subject = "agent-2"
		_, err = h.eng.Submit(ctx, caseID, 1, nil, intruder)
		assert.True(t, trust.IsCode(err, trust.CodeForbidden))
	})
	t.Run("locked terminal step", func(t *testing.T) {
		h := newHarness(t, nil)
		h.toStepSix(t, `{"waterLeak":false,"wallCancer":false,"structural":false,"other":false}`)
		_, err := h.eng.Submit(ctx, caseID, 6, nil, agent)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err = h.eng.ToggleChecklistItem(ctx, caseID, i, true, buyer)
			require.NoError(t, err)
		}
		_, err = h.eng.Confirm(ctx, caseID, 6, "", buyer)
		require.NoError(t, err)

		_, err = h.eng.Submit(ctx, caseID, 6, nil, agent)
		assert.True(t, trust.IsCode(err, trust.CodeLocked))
	})
}

func TestSubmit_MergesIntoExistingData(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 3)

	_, err := h.eng.Submit(ctx, caseID, 3, json.RawMessage(`{"note":"first","offerPrice":12000000}`), agent)
	require.NoError(t, err)
	v, err := h.eng.Submit(ctx, caseID, 3, json.RawMessage(`{"note":"second"}`), agent)
	require.NoError(t, err)

	data := v.State.Step(3).Data.(*trust.OfferData)
	assert.Equal(t, "second", data.Note)
	require.NotNil(t, data.OfferPrice)
	assert.Equal(t, int64(12000000), *data.OfferPrice)
}

func TestConfirm_RequiresAgentSubmission(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.eng.Confirm(ctx, caseID, 1, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeAgentNotSubmitted))

	_, err = h.eng.Confirm(ctx, caseID, 1, "", agent)
	assert.True(t, trust.IsCode(err, trust.CodeForbidden))

	_, err = h.eng.Confirm(ctx, caseID, 3, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidStep))

	_, err = h.eng.Confirm(ctx, caseID, 1, strings.Repeat("好", MaxTextRunes+1), buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidInput))
}

func TestConfirmStepFive_OpensPaymentWindowOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 5)
	_, err := h.eng.Submit(ctx, caseID, 5, json.RawMessage(`{"contractPrice":15800000}`), agent)
	require.NoError(t, err)

	confirmedAt := h.clock.Now()
	v, err := h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)

	closing := v.State.Step(5).Closing()
	assert.Equal(t, trust.PaymentInitiated, closing.PaymentStatus)
	require.NotNil(t, closing.PaymentDeadline)
	assert.True(t, confirmedAt.Add(12*time.Hour).Equal(*closing.PaymentDeadline))
	assert.Equal(t, 5, v.State.CurrentStep, "payment, not confirmation, advances step 5")
	assert.False(t, v.State.Step(5).Locked)
	assert.Contains(t, h.notifier.events(), notify.EventPaymentInitiated)

	h.clock.Advance(time.Hour)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeUnpaid))

	rec, err := h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, confirmedAt.Add(12*time.Hour).Equal(*rec.State.Step(5).Closing().PaymentDeadline),
		"a repeat confirm must not move the deadline")

	_, err = h.eng.Submit(ctx, caseID, 5, json.RawMessage(`{"contractPrice":1}`), agent)
	assert.True(t, trust.IsCode(err, trust.CodeLocked), "agent cannot rewrite terms while payment is open")
}

func TestPayStep_AfterDeadlineExpires(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 5)
	_, err := h.eng.Submit(ctx, caseID, 5, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)

	h.clock.Advance(12*time.Hour + time.Second)
	_, err = h.eng.PayStep(ctx, caseID, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeExpired))

	rec, err := h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, rec.State.IsPaid)
	assert.Equal(t, trust.PaymentExpired, rec.State.Step(5).Closing().PaymentStatus, "expiry is persisted")
	assert.Equal(t, 5, rec.State.CurrentStep)

	_, err = h.eng.PayStep(ctx, caseID, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeExpired))
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeExpired))

	rec, err = h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, rec.State.IsPaid)
	assert.Contains(t, h.actions(t), audit.ActionPaymentExpired)
	assert.NotContains(t, h.actions(t), audit.ActionPaymentCompleted)
}

func TestPayStep_ExactDeadlineStillPays(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 5)
	_, err := h.eng.Submit(ctx, caseID, 5, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)

	h.clock.Advance(12 * time.Hour)
	v, err := h.eng.PayStep(ctx, caseID, buyer)
	require.NoError(t, err)
	assert.True(t, v.State.IsPaid)
}

func TestResubmitAfterExpiryReopensStepFive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 5)
	_, err := h.eng.Submit(ctx, caseID, 5, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)
	h.clock.Advance(13 * time.Hour)
	_, err = h.eng.GetStatus(ctx, caseID, buyer)
	require.NoError(t, err)

	v, err := h.eng.Submit(ctx, caseID, 5, json.RawMessage(`{"contractPrice":15000000}`), agent)
	require.NoError(t, err)
	closing := v.State.Step(5).Closing()
	assert.Equal(t, trust.PaymentPending, closing.PaymentStatus)
	assert.Nil(t, closing.PaymentDeadline)
	assert.Equal(t, trust.BuyerPending, v.State.Step(5).BuyerStatus)

	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)
	v, err = h.eng.PayStep(ctx, caseID, buyer)
	require.NoError(t, err)
	assert.Equal(t, 6, v.State.CurrentStep)
}

func TestPayStep_PreconditionsAndSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.eng.PayStep(ctx, caseID, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidStep))

	h.advanceFrom(t, 1, 2)
	_, err = h.eng.Submit(ctx, caseID, 2, json.RawMessage(`{"risks":{"waterLeak":true,"wallCancer":false,"structural":false,"other":false}}`), agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 2, "", buyer)
	require.NoError(t, err)
	h.advanceFrom(t, 3, 5)

	_, err = h.eng.PayStep(ctx, caseID, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidState), "must confirm before paying")

	_, err = h.eng.Submit(ctx, caseID, 5, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)

	_, err = h.eng.PayStep(ctx, caseID, agent)
	assert.True(t, trust.IsCode(err, trust.CodeForbidden))

	v, err := h.eng.PayStep(ctx, caseID, buyer)
	require.NoError(t, err)
	assert.True(t, v.State.IsPaid)
	assert.Equal(t, 6, v.State.CurrentStep)
	closing := v.State.Step(5).Closing()
	assert.Equal(t, trust.PaymentCompleted, closing.PaymentStatus)
	require.NotNil(t, closing.PaidAt)
	assert.True(t, v.State.Step(5).Locked)

	checklist := v.State.Step(6).Handover().Checklist
	require.Len(t, checklist, 5)
	assert.Contains(t, checklist[2].Label, "帶看揭露：有")
	assert.Contains(t, checklist[3].Label, "帶看揭露：無")
	assert.Contains(t, h.actions(t), audit.ActionPaymentCompleted)
	require.NoError(t, v.State.Validate())
}

func TestHandover_ChecklistGatesTheTerminalLock(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.toStepSix(t, `{"waterLeak":false,"wallCancer":true,"structural":false,"other":false}`)

	_, err := h.eng.Submit(ctx, caseID, 6, json.RawMessage(`{"note":"交屋日 10/30"}`), agent)
	require.NoError(t, err)

	_, err = h.eng.ToggleChecklistItem(ctx, caseID, 5, true, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidInput))
	_, err = h.eng.ToggleChecklistItem(ctx, caseID, 0, true, agent)
	assert.True(t, trust.IsCode(err, trust.CodeForbidden))

	for i := 0; i < 4; i++ {
		_, err = h.eng.ToggleChecklistItem(ctx, caseID, i, true, buyer)
		require.NoError(t, err)
	}
	_, err = h.eng.Confirm(ctx, caseID, 6, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeChecklistIncomplete))

	// idempotent set
	_, err = h.eng.ToggleChecklistItem(ctx, caseID, 4, true, buyer)
	require.NoError(t, err)
	v, err := h.eng.ToggleChecklistItem(ctx, caseID, 4, true, buyer)
	require.NoError(t, err)
	assert.True(t, v.State.Step(6).Handover().AllChecked())

	v, err = h.eng.Confirm(ctx, caseID, 6, "謝謝", buyer)
	require.NoError(t, err)
	assert.True(t, v.State.Step(6).Locked)
	assert.Equal(t, 6, v.State.CurrentStep)

	_, err = h.eng.ToggleChecklistItem(ctx, caseID, 0, false, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeLocked))
	_, err = h.eng.Confirm(ctx, caseID, 6, "", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeLocked))
}

func TestToggleChecklist_OnlyAtStepSix(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.eng.ToggleChecklistItem(context.Background(), caseID, 0, true, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidStep))
}

func TestAddSupplement_NeverTouchesSteps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 3)
	_, err := h.eng.Submit(ctx, caseID, 3, nil, agent)
	require.NoError(t, err)

	before, err := h.eng.GetStatus(ctx, caseID, agent)
	require.NoError(t, err)

	_, err = h.eng.AddSupplement(ctx, caseID, "  屋主同意留下冷氣  ", agent)
	require.NoError(t, err)
	after, err := h.eng.AddSupplement(ctx, caseID, "cafe\u0301", buyer)
	require.NoError(t, err)

	assert.Equal(t, before.State.CurrentStep, after.State.CurrentStep)
	for n := 1; n <= trust.StepCount; n++ {
		b, a := before.State.Step(n), after.State.Step(n)
		assert.Equal(t, b.Locked, a.Locked, "step %d", n)
		assert.Equal(t, b.AgentStatus, a.AgentStatus, "step %d", n)
		assert.Equal(t, b.BuyerStatus, a.BuyerStatus, "step %d", n)
	}

	require.Len(t, after.State.Supplements, 2)
	assert.Equal(t, "屋主同意留下冷氣", after.State.Supplements[0].Content)
	assert.Equal(t, trust.RoleAgent, after.State.Supplements[0].Role)
	assert.Equal(t, "caf\u00e9", after.State.Supplements[1].Content, "content is NFC-normalised")
	assert.Equal(t, trust.RoleBuyer, after.State.Supplements[1].Role)

	_, err = h.eng.AddSupplement(ctx, caseID, "   ", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidInput))
	_, err = h.eng.AddSupplement(ctx, caseID, strings.Repeat("a", MaxTextRunes+1), buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidInput))
	_, err = h.eng.AddSupplement(ctx, caseID, strings.Repeat("屋", MaxTextRunes), buyer)
	assert.NoError(t, err)
}

func TestGetStatus_PassiveExpiry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	v, err := h.eng.GetStatus(ctx, caseID, buyer)
	require.NoError(t, err)
	assert.Equal(t, 1, v.State.CurrentStep, "first read seeds the case")
	assert.Equal(t, int64(1), v.Version)

	h.advanceTo(t, 5)
	_, err = h.eng.Submit(ctx, caseID, 5, nil, agent)
	require.NoError(t, err)
	_, err = h.eng.Confirm(ctx, caseID, 5, "", buyer)
	require.NoError(t, err)

	h.clock.Advance(11 * time.Hour)
	v, err = h.eng.GetStatus(ctx, caseID, agent)
	require.NoError(t, err)
	assert.Equal(t, trust.PaymentInitiated, v.State.Step(5).Closing().PaymentStatus)

	h.clock.Advance(2 * time.Hour)
	v, err = h.eng.GetStatus(ctx, caseID, agent)
	require.NoError(t, err)
	assert.Equal(t, trust.PaymentExpired, v.State.Step(5).Closing().PaymentStatus)

	rec, err := h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, trust.PaymentExpired, rec.State.Step(5).Closing().PaymentStatus)
	assert.Equal(t, v.Version, rec.Version)
}

func TestGetStatus_ForbiddenForStrangers(t *testing.T) {
	h := newHarness(t, nil)
	stranger := trust.Principal{Role: trust.RoleBuyer, Subject: "user-z"}
	_, err := h.eng.GetStatus(context.Background(), caseID, stranger)
	assert.True(t, trust.IsCode(err, trust.CodeForbidden))
}

func TestMutationsRejectInactiveCases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.GetStatus(ctx, caseID, agent)
	require.NoError(t, err)

	_, err = h.store.MarkIdleDormant(ctx, h.clock.Now().Add(time.Hour), h.clock.Now())
	require.NoError(t, err)

	_, err = h.eng.Submit(ctx, caseID, 1, nil, agent)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidState))
	_, err = h.eng.AddSupplement(ctx, caseID, "hello", buyer)
	assert.True(t, trust.IsCode(err, trust.CodeInvalidState))

	v, err := h.eng.GetStatus(ctx, caseID, buyer)
	require.NoError(t, err)
	assert.Equal(t, trust.CaseDormant, v.Status)
}

func TestReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.advanceTo(t, 4)
	_, err := h.eng.AddSupplement(ctx, caseID, "保留這則", buyer)
	require.NoError(t, err)

	_, err = h.eng.Reset(ctx, caseID, buyer)
	assert.True(t, trust.IsCode(err, trust.CodeForbidden))

	v, err := h.eng.Reset(ctx, caseID, agent)
	require.NoError(t, err)
	assert.Equal(t, 1, v.State.CurrentStep)
	for n := 1; n <= trust.StepCount; n++ {
		assert.False(t, v.State.Step(n).Locked)
	}
	require.Len(t, v.State.Supplements, 1)

	v, err = h.eng.Reset(ctx, caseID, trust.SystemPrincipal("ops"))
	require.NoError(t, err)
	assert.Equal(t, 1, v.State.CurrentStep)
	assert.Contains(t, h.actions(t), audit.ActionResetCase)
}

func TestStepProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	prevStep := 0
	locked := map[int]bool{}
	check := func(v *CaseView) {
		t.Helper()
		assert.GreaterOrEqual(t, v.State.CurrentStep, prevStep)
		prevStep = v.State.CurrentStep
		for n := 1; n <= trust.StepCount; n++ {
			if locked[n] {
				assert.True(t, v.State.Step(n).Locked, "step %d unlocked", n)
			}
			locked[n] = v.State.Step(n).Locked
		}
		require.NoError(t, v.State.Validate())
	}

	for n := 1; n <= 4; n++ {
		v, err := h.eng.Submit(ctx, caseID, n, nil, agent)
		require.NoError(t, err)
		check(v)
		_, err = h.eng.Confirm(ctx, caseID, n+1, "", buyer)
		require.Error(t, err)
		v, err = h.eng.Confirm(ctx, caseID, n, "", buyer)
		require.NoError(t, err)
		check(v)
		v, err = h.eng.AddSupplement(ctx, caseID, "note", buyer)
		require.NoError(t, err)
		check(v)
	}
	assert.Equal(t, 5, prevStep)
}

type flakyCases struct {
	store.CaseRepository
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (f *flakyCases) SaveState(ctx context.Context, id string, st *trust.TrustState, expected int64, agentID string, now time.Time) (int64, error) {
	f.mu.Lock()
	f.saves++
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return 0, store.ErrVersionConflict
	}
	f.mu.Unlock()
	return f.CaseRepository.SaveState(ctx, id, st, expected, agentID, now)
}

func TestMutate_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		flaky := &flakyCases{CaseRepository: store.NewMemoryStore(), conflicts: 2}
		h := newHarness(t, flaky)
		v, err := h.eng.Submit(ctx, caseID, 1, nil, agent)
		require.NoError(t, err)
		assert.Equal(t, trust.AgentSubmitted, v.State.Step(1).AgentStatus)
		assert.Equal(t, 3, flaky.saves)
		assert.Equal(t, []string{"AGENT_SUBMIT_1"}, h.actions(t), "only the winning attempt is audited")
	})

	t.Run("gives up", func(t *testing.T) {
		flaky := &flakyCases{CaseRepository: store.NewMemoryStore(), conflicts: 10}
		h := newHarness(t, flaky)
		_, err := h.eng.Submit(ctx, caseID, 1, nil, agent)
		assert.True(t, trust.IsCode(err, trust.CodeConflict))
		assert.Equal(t, maxAttempts, flaky.saves)
		assert.Empty(t, h.actions(t))
		assert.Empty(t, h.notifier.events())
	})
}

func TestRejectedAgentRequestsNeverBind(t *testing.T) {
	ctx := context.Background()
	intruder := trust.Principal{Role: trust.RoleAgent, CaseID: caseID, Subject: "intruder"}

	t.Run("invalid step", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.eng.Submit(ctx, caseID, 3, nil, intruder)
		require.True(t, trust.IsCode(err, trust.CodeInvalidStep), "got %v", err)

		rec, err := h.store.GetCase(ctx, caseID)
		require.NoError(t, err)
		assert.Empty(t, rec.AgentID)

		_, err = h.eng.Submit(ctx, caseID, 1, nil, agent)
		require.NoError(t, err, "the real agent still gets the case")
		rec, err = h.store.GetCase(ctx, caseID)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", rec.AgentID)
	})

	t.Run("save never lands", func(t *testing.T) {
		flaky := &flakyCases{CaseRepository: store.NewMemoryStore(), conflicts: 10}
		h := newHarness(t, flaky)
		_, err := h.eng.Submit(ctx, caseID, 1, nil, intruder)
		require.True(t, trust.IsCode(err, trust.CodeConflict))

		rec, err := flaky.GetCase(ctx, caseID)
		require.NoError(t, err)
		assert.Empty(t, rec.AgentID)
	})

	t.Run("already bound to another agent", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.store.GetOrInit(ctx, caseID, h.clock.Now())
		require.NoError(t, err)
		require.NoError(t, h.store.BindAgent(ctx, caseID, "agent-1", h.clock.Now()))

		_, err = h.eng.Submit(ctx, caseID, 1, nil, intruder)
		assert.True(t, trust.IsCode(err, trust.CodeForbidden), "got %v", err)
		assert.Empty(t, h.actions(t))
	})
}

func TestConcurrentSubmitsNeverLoseAConfirmedStep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.eng.Submit(ctx, caseID, 1, nil, agent)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.eng.Submit(ctx, caseID, 1, json.RawMessage(`{"note":"again"}`), agent)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.eng.Confirm(ctx, caseID, 1, "", buyer)
		}()
	}
	wg.Wait()

	rec, err := h.store.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.State.CurrentStep)
	assert.True(t, rec.State.Step(1).Locked)
	require.NoError(t, rec.State.Validate())
}
