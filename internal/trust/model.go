package trust

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step numbers of the fixed six-step flow.
const (
	StepContact     = 1
	StepViewing     = 2
	StepOffer       = 3
	StepNegotiation = 4
	StepClosing     = 5
	StepHandover    = 6

	StepCount = 6
)

// StepNames holds the fixed label of each step.
var StepNames = map[int]string{
	StepContact:     "電聯",
	StepViewing:     "帶看",
	StepOffer:       "出價",
	StepNegotiation: "斡旋",
	StepClosing:     "成交",
	StepHandover:    "交屋",
}

// ValidStep reports whether n names one of the six steps.
func ValidStep(n int) bool {
	return n >= StepContact && n <= StepCount
}

// AgentStatus is the agent side of a step gate.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentSubmitted AgentStatus = "submitted"
	AgentConfirmed AgentStatus = "confirmed"
)

// BuyerStatus is the buyer side of a step gate.
type BuyerStatus string

const (
	BuyerPending   BuyerStatus = "pending"
	BuyerConfirmed BuyerStatus = "confirmed"
)

// PaymentStatus tracks the step 5 payment. No money moves through this
// service; only the status and deadline are recorded.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentInitiated PaymentStatus = "initiated"
	PaymentCompleted PaymentStatus = "completed"
	PaymentExpired   PaymentStatus = "expired"
)

// CaseStatus is the lifecycle status of a case, independent of step progress.
type CaseStatus string

const (
	CaseActive  CaseStatus = "active"
	CaseDormant CaseStatus = "dormant"
	CaseClosed  CaseStatus = "closed"
)

// CloseReason explains why a case was closed.
type CloseReason string

const (
	CloseSoldToOther CloseReason = "sold_to_other"
	CloseDelisted    CloseReason = "delisted"
	CloseInactive    CloseReason = "inactive"
)

// ParseCloseReason validates a close reason from the wire.
func ParseCloseReason(s string) (CloseReason, error) {
	switch r := CloseReason(s); r {
	case CloseSoldToOther, CloseDelisted, CloseInactive:
		return r, nil
	default:
		return "", Errorf(CodeInvalidInput, "unknown close reason %q", s)
	}
}

// TrustStep is one of the six milestones.
type TrustStep struct {
	Step        int         `json:"step"`
	Name        string      `json:"name"`
	AgentStatus AgentStatus `json:"agentStatus"`
	BuyerStatus BuyerStatus `json:"buyerStatus"`
	Locked      bool        `json:"locked"`
	Data        StepData    `json:"data"`
}

// UnmarshalJSON decodes Data into the variant selected by Step.
func (s *TrustStep) UnmarshalJSON(b []byte) error {
	type alias TrustStep
	var raw struct {
		alias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if !ValidStep(raw.Step) {
		return fmt.Errorf("trust step has invalid number %d", raw.Step)
	}
	data, err := decodeStoredData(raw.Step, raw.Data)
	if err != nil {
		return err
	}
	*s = TrustStep(raw.alias)
	s.Data = data
	return nil
}

// Closing returns the step 5 payload. It panics on any other step.
func (s *TrustStep) Closing() *ClosingData { return s.Data.(*ClosingData) }

// Handover returns the step 6 payload. It panics on any other step.
func (s *TrustStep) Handover() *HandoverData { return s.Data.(*HandoverData) }

// Viewing returns the step 2 payload. It panics on any other step.
func (s *TrustStep) Viewing() *ViewingData { return s.Data.(*ViewingData) }

// Lock finalises a step after both parties confirmed. It is never undone
// except by a case reset.
func (s *TrustStep) Lock() {
	s.Locked = true
	s.AgentStatus = AgentConfirmed
	s.BuyerStatus = BuyerConfirmed
}

// Supplement is a free-text note either party may add at any time.
type Supplement struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TrustState is the authoritative document of one case.
type TrustState struct {
	CurrentStep int                `json:"currentStep"`
	IsPaid      bool               `json:"isPaid"`
	Steps       map[int]*TrustStep `json:"steps"`
	Supplements []Supplement       `json:"supplements"`
}

// NewTrustState returns the initial document: step 1 current, everything pending.
func NewTrustState() *TrustState {
	st := &TrustState{
		CurrentStep: StepContact,
		Steps:       make(map[int]*TrustStep, StepCount),
		Supplements: []Supplement{},
	}
	for n := StepContact; n <= StepCount; n++ {
		st.Steps[n] = &TrustStep{
			Step:        n,
			Name:        StepNames[n],
			AgentStatus: AgentPending,
			BuyerStatus: BuyerPending,
			Data:        NewStepData(n),
		}
	}
	return st
}

// Step returns step n. It panics if n is outside 1..6; callers validate first.
func (st *TrustState) Step(n int) *TrustStep {
	s, ok := st.Steps[n]
	if !ok {
		panic(fmt.Sprintf("trust state has no step %d", n))
	}
	return s
}

// Current returns the step awaiting action.
func (st *TrustState) Current() *TrustStep {
	return st.Step(st.CurrentStep)
}

// Clone returns a deep copy of the document.
func (st *TrustState) Clone() (*TrustState, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("clone trust state: %w", err)
	}
	var out TrustState
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("clone trust state: %w", err)
	}
	return &out, nil
}

// Validate checks the structural invariants of a loaded document.
func (st *TrustState) Validate() error {
	if !ValidStep(st.CurrentStep) {
		return fmt.Errorf("currentStep %d out of range", st.CurrentStep)
	}
	for n := StepContact; n <= StepCount; n++ {
		s, ok := st.Steps[n]
		if !ok || s == nil {
			return fmt.Errorf("missing step %d", n)
		}
		if s.Data == nil || s.Data.StepNumber() != n {
			return fmt.Errorf("step %d carries the wrong payload variant", n)
		}
		if n < st.CurrentStep && !s.Locked {
			return fmt.Errorf("step %d precedes current step %d but is not locked", n, st.CurrentStep)
		}
		if n > st.CurrentStep && (s.Locked || s.AgentStatus != AgentPending || s.BuyerStatus != BuyerPending) {
			return fmt.Errorf("step %d follows current step %d but has been touched", n, st.CurrentStep)
		}
	}
	if st.IsPaid != (st.Step(StepClosing).Closing().PaymentStatus == PaymentCompleted) {
		return fmt.Errorf("isPaid disagrees with step %d payment status", StepClosing)
	}
	return nil
}
