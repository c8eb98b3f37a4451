package trust

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// StepData is the step-specific payload of a TrustStep. The set of
// implementations is closed: one variant per step number.
type StepData interface {
	StepNumber() int
	notes() *Remarks
	mergeSubmission(src StepData)
	checkSubmission() error
}

// Remarks is embedded in every variant. Note is written by the agent,
// BuyerNotes are appended by buyer confirmations.
type Remarks struct {
	Note       string   `json:"note,omitempty"`
	BuyerNotes []string `json:"buyerNotes,omitempty"`
}

func (r *Remarks) notes() *Remarks { return r }

func (r *Remarks) merge(src *Remarks) {
	if src.Note != "" {
		r.Note = src.Note
	}
}

func (r *Remarks) check() error {
	if len(r.BuyerNotes) > 0 {
		return NewError(CodeInvalidInput, "buyerNotes cannot be submitted by the agent")
	}
	return nil
}

// AppendBuyerNote records a buyer note on the step payload. Empty notes are ignored.
func AppendBuyerNote(d StepData, note string) {
	if note == "" {
		return
	}
	r := d.notes()
	r.BuyerNotes = append(r.BuyerNotes, note)
}

// ContactData is the step 1 (電聯) payload.
type ContactData struct {
	Remarks
	ContactedAt *time.Time `json:"contactedAt,omitempty"`
}

func (*ContactData) StepNumber() int { return StepContact }

func (d *ContactData) mergeSubmission(src StepData) {
	s := src.(*ContactData)
	d.Remarks.merge(&s.Remarks)
	if s.ContactedAt != nil {
		t := s.ContactedAt.UTC()
		d.ContactedAt = &t
	}
}

func (d *ContactData) checkSubmission() error { return d.Remarks.check() }

// RiskDisclosure is the structured risk checklist the agent fills in during
// the viewing step.
type RiskDisclosure struct {
	WaterLeak  bool   `json:"waterLeak"`
	WallCancer bool   `json:"wallCancer"`
	Structural bool   `json:"structural"`
	Other      bool   `json:"other"`
	OtherNote  string `json:"otherNote,omitempty"`
}

// ViewingData is the step 2 (帶看) payload.
type ViewingData struct {
	Remarks
	Risks *RiskDisclosure `json:"risks,omitempty"`
}

func (*ViewingData) StepNumber() int { return StepViewing }

func (d *ViewingData) mergeSubmission(src StepData) {
	s := src.(*ViewingData)
	d.Remarks.merge(&s.Remarks)
	if s.Risks != nil {
		r := *s.Risks
		d.Risks = &r
	}
}

func (d *ViewingData) checkSubmission() error {
	if err := d.Remarks.check(); err != nil {
		return err
	}
	if d.Risks != nil && d.Risks.OtherNote != "" && !d.Risks.Other {
		return NewError(CodeInvalidInput, "risks.otherNote requires risks.other")
	}
	return nil
}

// OfferData is the step 3 (出價) payload.
type OfferData struct {
	Remarks
	OfferPrice *int64 `json:"offerPrice,omitempty"`
}

func (*OfferData) StepNumber() int { return StepOffer }

func (d *OfferData) mergeSubmission(src StepData) {
	s := src.(*OfferData)
	d.Remarks.merge(&s.Remarks)
	if s.OfferPrice != nil {
		v := *s.OfferPrice
		d.OfferPrice = &v
	}
}

func (d *OfferData) checkSubmission() error {
	if err := d.Remarks.check(); err != nil {
		return err
	}
	return checkPrice("offerPrice", d.OfferPrice)
}

// NegotiationData is the step 4 (斡旋) payload.
type NegotiationData struct {
	Remarks
	CounterPrice    *int64 `json:"counterPrice,omitempty"`
	DepositReceived *bool  `json:"depositReceived,omitempty"`
}

func (*NegotiationData) StepNumber() int { return StepNegotiation }

func (d *NegotiationData) mergeSubmission(src StepData) {
	s := src.(*NegotiationData)
	d.Remarks.merge(&s.Remarks)
	if s.CounterPrice != nil {
		v := *s.CounterPrice
		d.CounterPrice = &v
	}
	if s.DepositReceived != nil {
		v := *s.DepositReceived
		d.DepositReceived = &v
	}
}

func (d *NegotiationData) checkSubmission() error {
	if err := d.Remarks.check(); err != nil {
		return err
	}
	return checkPrice("counterPrice", d.CounterPrice)
}

// ClosingData is the step 5 (成交) payload. The payment fields are owned by
// the engine and rejected in agent submissions.
type ClosingData struct {
	Remarks
	ContractPrice   *int64        `json:"contractPrice,omitempty"`
	PaymentStatus   PaymentStatus `json:"paymentStatus,omitempty"`
	PaymentDeadline *time.Time    `json:"paymentDeadline,omitempty"`
	PaidAt          *time.Time    `json:"paidAt,omitempty"`
}

func (*ClosingData) StepNumber() int { return StepClosing }

func (d *ClosingData) mergeSubmission(src StepData) {
	s := src.(*ClosingData)
	d.Remarks.merge(&s.Remarks)
	if s.ContractPrice != nil {
		v := *s.ContractPrice
		d.ContractPrice = &v
	}
}

func (d *ClosingData) checkSubmission() error {
	if err := d.Remarks.check(); err != nil {
		return err
	}
	if d.PaymentStatus != "" || d.PaymentDeadline != nil || d.PaidAt != nil {
		return NewError(CodeInvalidInput, "payment fields cannot be submitted")
	}
	return checkPrice("contractPrice", d.ContractPrice)
}

// ChecklistItem is one handover check.
type ChecklistItem struct {
	Label   string `json:"label"`
	Checked bool   `json:"checked"`
}

// HandoverData is the step 6 (交屋) payload.
type HandoverData struct {
	Remarks
	Checklist []ChecklistItem `json:"checklist"`
}

func (*HandoverData) StepNumber() int { return StepHandover }

func (d *HandoverData) mergeSubmission(src StepData) {
	s := src.(*HandoverData)
	d.Remarks.merge(&s.Remarks)
}

func (d *HandoverData) checkSubmission() error {
	if err := d.Remarks.check(); err != nil {
		return err
	}
	if d.Checklist != nil {
		return NewError(CodeInvalidInput, "checklist cannot be submitted")
	}
	return nil
}

// AllChecked reports whether every checklist item is checked. An empty
// checklist is never complete.
func (d *HandoverData) AllChecked() bool {
	if len(d.Checklist) == 0 {
		return false
	}
	for _, item := range d.Checklist {
		if !item.Checked {
			return false
		}
	}
	return true
}

func checkPrice(field string, v *int64) error {
	if v != nil && *v < 0 {
		return Errorf(CodeInvalidInput, "%s must not be negative", field)
	}
	return nil
}

// NewStepData returns the empty payload variant for a step.
func NewStepData(step int) StepData {
	switch step {
	case StepContact:
		return &ContactData{}
	case StepViewing:
		return &ViewingData{}
	case StepOffer:
		return &OfferData{}
	case StepNegotiation:
		return &NegotiationData{}
	case StepClosing:
		return &ClosingData{PaymentStatus: PaymentPending}
	case StepHandover:
		return &HandoverData{Checklist: []ChecklistItem{}}
	default:
		return nil
	}
}

// DecodeSubmission parses an agent payload for the given step. Unknown
// fields, trailing data and engine-owned fields are rejected with
// CodeInvalidInput.
func DecodeSubmission(step int, raw []byte) (StepData, error) {
	data := emptyVariant(step)
	if data == nil {
		return nil, Errorf(CodeInvalidStep, "step %d does not exist", step)
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return data, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, Errorf(CodeInvalidInput, "invalid payload for step %d: %v", step, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, Errorf(CodeInvalidInput, "invalid payload for step %d: trailing data", step)
	}
	if err := data.checkSubmission(); err != nil {
		return nil, err
	}
	return data, nil
}

// MergeSubmission copies the agent-writable fields of src into dst.
func MergeSubmission(dst, src StepData) error {
	if dst.StepNumber() != src.StepNumber() {
		return fmt.Errorf("payload for step %d cannot merge into step %d", src.StepNumber(), dst.StepNumber())
	}
	dst.mergeSubmission(src)
	return nil
}

// emptyVariant is NewStepData without engine defaults, used as a decode target.
func emptyVariant(step int) StepData {
	switch step {
	case StepContact:
		return &ContactData{}
	case StepViewing:
		return &ViewingData{}
	case StepOffer:
		return &OfferData{}
	case StepNegotiation:
		return &NegotiationData{}
	case StepClosing:
		return &ClosingData{}
	case StepHandover:
		return &HandoverData{}
	default:
		return nil
	}
}

func decodeStoredData(step int, raw json.RawMessage) (StepData, error) {
	data := emptyVariant(step)
	if data == nil {
		return nil, fmt.Errorf("unknown step %d", step)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NewStepData(step), nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode step %d data: %w", step, err)
	}
	return data, nil
}
