// Package drive executes one automation objective against an unreliable
// external portal by working through a prioritized set of routes.
//
// A route is one strategy for locating and acting on a target (a set of
// candidate selectors plus the action to perform). The executor tries
// routes in ascending priority, retries each candidate with exponential
// backoff, and escalates to the decision oracle only after every
// deterministic route is exhausted. Every attempt — success or failure —
// appends one step to the audit log; the log records history, while
// checkpoints (package checkpoint) record decision state. The two are
// independent by design.
package drive

import (
	"context"
	"fmt"
	"time"
)

// ActionType is the closed set of actions a route can perform. The
// executor rejects anything outside this set instead of dispatching on
// arbitrary strings.
type ActionType string

const (
	ActionClick  ActionType = "click"
	ActionInput  ActionType = "input"
	ActionSelect ActionType = "select"
	ActionSubmit ActionType = "submit"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionClick, ActionInput, ActionSelect, ActionSubmit:
		return true
	}
	return false
}

// StepResult is the outcome of one automation step.
type StepResult string

const (
	ResultSuccess              StepResult = "success"
	ResultFailed               StepResult = "failed"
	ResultNotVisible           StepResult = "not_visible"
	ResultNotFound             StepResult = "not_found"
	ResultError                StepResult = "error"
	ResultPartial              StepResult = "partial"
	ResultTimeout              StepResult = "timeout"
	ResultRequiresIntervention StepResult = "requires_intervention"
)

// Route is one strategy for reaching the objective. Lower priority runs
// first. Dynamic routes are re-resolved on every attempt because the page
// may have changed underneath them.
type Route struct {
	Name      string
	Priority  int
	Selectors []string
	Action    ActionType
	// Value is the action payload (text for input, option for select).
	Value string
	// Dynamic marks selectors that must be re-resolved before every retry.
	Dynamic bool
}

// Step is one entry in the session audit trail. Step numbers increase
// monotonically within a session and are never reused.
type Step struct {
	SessionID   string
	StepNumber  int64
	ActionType  ActionType
	Selector    string
	Result      StepResult
	Timing      time.Duration
	RetryUsed   bool
	Reasoning   string
	EvidenceRef string
	CreatedAt   time.Time
}

// Element is a driver-agnostic handle on a page element. Summary returns a
// compact description suitable for oracle queries and logs.
type Element interface {
	Summary() string
}

// PageDriver is the narrow contract the executor needs from a browser or
// page driver. Nothing in this package depends on a concrete driver.
type PageDriver interface {
	FindCandidates(ctx context.Context, selector string) ([]Element, error)
	IsInteractable(ctx context.Context, el Element) (bool, error)
	Act(ctx context.Context, el Element, action ActionType, value string) error
	CurrentURL() string
}

// EvidenceCapturer is optionally implemented by drivers that can persist a
// screenshot or similar artifact; the executor attaches the reference to
// the terminal step when escalation fails.
type EvidenceCapturer interface {
	CaptureEvidence(ctx context.Context) (string, error)
}

// Candidate is the compact element summary sent to the oracle.
type Candidate struct {
	Selector string
	Summary  string
}

// Query is the oracle request: a compact page summary plus the candidates
// the deterministic routes already tried.
type Query struct {
	DOMSummary string
	Context    string
	Candidates []Candidate
}

// Suggestion is the oracle response. The executor acts on it only when
// Confidence clears the configured threshold, and only once.
type Suggestion struct {
	SuggestedSelector string
	Confidence        float64
	Reasoning         string
	Alternatives      []string
}

// Oracle is the external decision service consulted after all routes fail.
// Implementations may be an LLM call or a static heuristic; the executor
// treats them identically and expects a bounded response time.
type Oracle interface {
	Suggest(ctx context.Context, q Query) (Suggestion, error)
}

// RunResult is the tagged outcome of Executor.Run. Status is
// ResultSuccess or ResultRequiresIntervention; the intermediate failures
// live in the step log, not here.
type RunResult struct {
	Status   StepResult
	Route    string
	Selector string
	// OracleUsed marks a success that came from the escalation path.
	OracleUsed bool
	Steps      []Step
}

func (r *RunResult) String() string {
	return fmt.Sprintf("drive: %s via %s (%s)", r.Status, r.Route, r.Selector)
}
