// Package harness runs scripted trust case scenarios against a live API.
// It is the smoke test behind cmd/harness.
package harness

import "time"

// Actor names the party a step is performed as.
type Actor string

const (
	ActorAgent  Actor = "agent"
	ActorBuyer  Actor = "buyer"
	ActorSystem Actor = "system"
)

// Scenario is one scripted walk through a fresh case.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Step is a single API call and what it should produce.
type Step struct {
	Name    string         `yaml:"name"`
	As      Actor          `yaml:"as"`
	Action  string         `yaml:"action"`
	Step    int            `yaml:"step,omitempty"`
	Data    map[string]any `yaml:"data,omitempty"`
	Note    string         `yaml:"note,omitempty"`
	Index   int            `yaml:"index,omitempty"`
	Checked bool           `yaml:"checked,omitempty"`
	Content string         `yaml:"content,omitempty"`
	Reason  string         `yaml:"reason,omitempty"`
	Expect  Expectation    `yaml:"expect,omitempty"`
}

// Label returns the step name, or a generated one.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	label := string(s.As) + " " + s.Action
	if s.Step > 0 {
		label += " step " + itoa(s.Step)
	}
	return label
}

// Expectation defines what we expect from a step. The zero value expects
// success and checks nothing else.
type Expectation struct {
	Error       string `yaml:"error,omitempty"`
	CurrentStep int    `yaml:"currentStep,omitempty"`
	Status      string `yaml:"status,omitempty"`
	IsPaid      *bool  `yaml:"isPaid,omitempty"`
}

// Result captures one step's outcome.
type Result struct {
	Step       string        `json:"step"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// ScenarioResult aggregates results for a scenario.
type ScenarioResult struct {
	Name     string        `json:"name"`
	CaseID   string        `json:"case_id"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Results  []Result      `json:"results"`
}

// OK reports whether no step failed.
func (r *ScenarioResult) OK() bool { return r.Failed == 0 }
