package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"trustcase-svc/internal/client"
	"trustcase-svc/internal/engine"
	"trustcase-svc/internal/trust"
)

// Minter issues a bearer credential for a principal. auth.Signer.Issue
// satisfies it.
type Minter func(trust.Principal) (string, error)

// Runner executes scenarios, each against a fresh case.
type Runner struct {
	client    *client.Client
	mint      Minter
	systemKey string
	verbose   bool
	out       io.Writer
	newCaseID func() string
	created   []string
}

// NewRunner creates a new scenario runner. systemKey may be empty, in which
// case system steps and Cleanup are skipped.
func NewRunner(baseURL string, mint Minter, systemKey string) *Runner {
	return &Runner{
		client:    client.New(baseURL),
		mint:      mint,
		systemKey: systemKey,
		out:       io.Discard,
		newCaseID: func() string { return "smoke-" + uuid.NewString() },
	}
}

// WithVerbose prints each step as it runs.
func (r *Runner) WithVerbose(v bool, out io.Writer) *Runner {
	r.verbose = v
	if out != nil {
		r.out = out
	}
	return r
}

// CreatedCases returns the ids of the cases opened so far.
func (r *Runner) CreatedCases() []string {
	return append([]string(nil), r.created...)
}

type parties struct {
	agent  *client.Client
	buyer  *client.Client
	system *client.Client
}

func (r *Runner) parties(caseID string) (*parties, error) {
	agentTok, err := r.mint(trust.Principal{Role: trust.RoleAgent, CaseID: caseID, Subject: "smoke-agent"})
	if err != nil {
		return nil, fmt.Errorf("minting agent credential: %w", err)
	}
	buyerTok, err := r.mint(trust.Principal{Role: trust.RoleBuyer, CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("minting buyer credential: %w", err)
	}
	ps := &parties{
		agent: r.client.WithCredential(agentTok),
		buyer: r.client.WithCredential(buyerTok),
	}
	if r.systemKey != "" {
		ps.system = r.client.WithSystemKey(r.systemKey)
	}
	return ps, nil
}

// Run executes all steps of a scenario. A failed step skips the rest, since
// later steps depend on the state it should have produced.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*ScenarioResult, error) {
	caseID := r.newCaseID()
	ps, err := r.parties(caseID)
	if err != nil {
		return nil, err
	}
	r.created = append(r.created, caseID)

	res := &ScenarioResult{Name: sc.Name, CaseID: caseID}
	start := time.Now()
	if r.verbose {
		fmt.Fprintf(r.out, "=== %s (%s)\n", sc.Name, caseID)
	}

	var halted bool
	for _, st := range sc.Steps {
		result := Result{Step: st.Label()}
		switch {
		case halted:
			result.Skipped, result.SkipReason = true, "previous step failed"
		case st.As == ActorSystem && ps.system == nil:
			result.Skipped, result.SkipReason = true, "no system key configured"
		default:
			stepStart := time.Now()
			obs, callErr := r.execute(ctx, st, caseID, ps)
			result.Duration = time.Since(stepStart)
			if err := check(st.Expect, obs, callErr); err != nil {
				result.Error = err.Error()
				halted = true
			} else {
				result.Passed = true
			}
		}

		switch {
		case result.Skipped:
			res.Skipped++
		case result.Passed:
			res.Passed++
		default:
			res.Failed++
		}
		res.Results = append(res.Results, result)
		r.report(result)
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (r *Runner) report(res Result) {
	if !r.verbose {
		return
	}
	switch {
	case res.Skipped:
		fmt.Fprintf(r.out, "  SKIP %s: %s\n", res.Step, res.SkipReason)
	case res.Passed:
		fmt.Fprintf(r.out, "  PASS %s (%v)\n", res.Step, res.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(r.out, "  FAIL %s: %s\n", res.Step, res.Error)
	}
}

// observed is the part of a response the expectations look at.
type observed struct {
	currentStep int
	status      string
	isPaid      *bool
}

func fromView(v *engine.CaseView) *observed {
	obs := &observed{status: string(v.Status)}
	if v.State != nil {
		paid := v.State.IsPaid
		obs.currentStep = v.State.CurrentStep
		obs.isPaid = &paid
	}
	return obs
}

func fromLifecycle(s *client.LifecycleStatus) *observed {
	return &observed{status: string(s.Status)}
}

func (r *Runner) execute(ctx context.Context, st Step, caseID string, ps *parties) (*observed, error) {
	c := ps.agent
	switch st.As {
	case ActorBuyer:
		c = ps.buyer
	case ActorSystem:
		c = ps.system
	}

	var (
		view *engine.CaseView
		err  error
	)
	switch st.Action {
	case "status":
		view, err = c.Status(ctx, caseID)
	case "submit":
		var data any
		if st.Data != nil {
			data = st.Data
		}
		view, err = c.Submit(ctx, caseID, st.Step, data)
	case "confirm":
		view, err = c.Confirm(ctx, caseID, st.Step, st.Note)
	case "checklist":
		view, err = c.ToggleChecklist(ctx, caseID, st.Index, st.Checked)
	case "check-all":
		view, err = checkAll(ctx, c, caseID)
	case "pay":
		view, err = c.Pay(ctx, caseID)
	case "supplement":
		view, err = c.AddSupplement(ctx, caseID, st.Content)
	case "reset":
		view, err = c.Reset(ctx, caseID)
	case "wake":
		s, err := c.Wake(ctx, caseID)
		if err != nil {
			return nil, err
		}
		return fromLifecycle(s), nil
	case "close":
		reason := trust.CloseReason(st.Reason)
		if reason == "" {
			reason = trust.CloseInactive
		}
		s, err := c.Close(ctx, caseID, reason)
		if err != nil {
			return nil, err
		}
		return fromLifecycle(s), nil
	default:
		return nil, fmt.Errorf("unknown action %q", st.Action)
	}
	if err != nil {
		return nil, err
	}
	return fromView(view), nil
}

func checkAll(ctx context.Context, c *client.Client, caseID string) (*engine.CaseView, error) {
	view, err := c.Status(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for i, item := range view.State.Step(trust.StepHandover).Handover().Checklist {
		if item.Checked {
			continue
		}
		if view, err = c.ToggleChecklist(ctx, caseID, i, true); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func check(want Expectation, obs *observed, err error) error {
	if want.Error != "" {
		if err == nil {
			return fmt.Errorf("expected error %s, got success", want.Error)
		}
		if code := client.CodeOf(err); string(code) != want.Error {
			return fmt.Errorf("expected error %s, got %v", want.Error, err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	if want.CurrentStep != 0 && obs.currentStep != want.CurrentStep {
		return fmt.Errorf("expected current step %d, got %d", want.CurrentStep, obs.currentStep)
	}
	if want.Status != "" && obs.status != want.Status {
		return fmt.Errorf("expected status %s, got %s", want.Status, obs.status)
	}
	if want.IsPaid != nil && (obs.isPaid == nil || *obs.isPaid != *want.IsPaid) {
		return fmt.Errorf("expected isPaid %v", *want.IsPaid)
	}
	return nil
}

// Cleanup closes every case the runner opened. Cases that are already
// closed or were never created are left alone.
func (r *Runner) Cleanup(ctx context.Context) error {
	if len(r.created) == 0 {
		return nil
	}
	if r.systemKey == "" {
		return errors.New("cleanup needs a system key")
	}
	sys := r.client.WithSystemKey(r.systemKey)

	var errs []error
	for _, id := range r.created {
		_, err := sys.Close(ctx, id, trust.CloseInactive)
		if code := client.CodeOf(err); err != nil && code != trust.CodeInvalidState && code != trust.CodeNotFound {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	r.created = nil
	return errors.Join(errs...)
}
