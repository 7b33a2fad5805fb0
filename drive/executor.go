package drive

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Options configures an Executor.
type Options struct {
	// MaxRetries per candidate. Default: 3.
	MaxRetries int
	// Backoff is the base wait between attempts; attempt n waits
	// Backoff * 2^n. Default: 1s.
	Backoff time.Duration
	// OracleThreshold is the minimum suggestion confidence the executor
	// will act on. Default: 0.7.
	OracleThreshold float64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.OracleThreshold <= 0 {
		o.OracleThreshold = 0.7
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor drives routes against a page driver. One Executor serves one
// automation session at a time; transient failures are retried locally and
// never bubble past it.
type Executor struct {
	driver PageDriver
	oracle Oracle
	log    *StepLog
	opts   Options
}

// NewExecutor creates an Executor. oracle may be nil, in which case
// escalation is skipped and exhausted routes go straight to
// requires_intervention.
func NewExecutor(driver PageDriver, oracle Oracle, log *StepLog, opts Options) *Executor {
	opts.defaults()
	return &Executor{driver: driver, oracle: oracle, log: log, opts: opts}
}

// Run works through routes in ascending priority until one candidate
// succeeds. The returned RunResult is success or requires_intervention;
// an error is only returned for cancellation or infrastructure failure,
// never for "the portal would not cooperate".
func (e *Executor) Run(ctx context.Context, sessionID string, routes []Route) (*RunResult, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("drive: no routes for session %s", sessionID)
	}
	for _, r := range routes {
		if !r.Action.Valid() {
			return nil, fmt.Errorf("drive: route %q has unknown action %q", r.Name, r.Action)
		}
	}

	ordered := make([]Route, len(routes))
	copy(ordered, routes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	res := &RunResult{}
	var seen []Candidate

	for _, route := range ordered {
		ok, err := e.tryRoute(ctx, sessionID, route, res, &seen)
		if err != nil {
			return nil, err
		}
		if ok {
			// First success anywhere short-circuits the whole router.
			res.Status = ResultSuccess
			res.Route = route.Name
			return res, nil
		}
	}

	if done, err := e.escalate(ctx, sessionID, ordered, res, seen); err != nil {
		return nil, err
	} else if done {
		return res, nil
	}

	// Terminal: nothing left to try automatically.
	evidence := e.captureEvidence(ctx)
	last := ordered[len(ordered)-1]
	if err := e.record(ctx, res, &Step{
		SessionID:   sessionID,
		ActionType:  last.Action,
		Result:      ResultRequiresIntervention,
		Reasoning:   "all routes and oracle escalation exhausted",
		EvidenceRef: evidence,
	}); err != nil {
		return nil, err
	}
	res.Status = ResultRequiresIntervention
	e.opts.Logger.Error("drive: requires intervention",
		"session_id", sessionID, "routes_tried", len(ordered), "url", e.driver.CurrentURL())
	return res, nil
}

// tryRoute attempts every candidate of every selector in the route.
// Returns true on the first success.
func (e *Executor) tryRoute(ctx context.Context, sessionID string, route Route, res *RunResult, seen *[]Candidate) (bool, error) {
	log := e.opts.Logger

	for _, selector := range route.Selectors {
		candidates, err := e.driver.FindCandidates(ctx, selector)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if err := e.record(ctx, res, &Step{
				SessionID: sessionID, ActionType: route.Action, Selector: selector,
				Result: ResultError, Reasoning: err.Error(),
			}); err != nil {
				return false, err
			}
			continue
		}
		if len(candidates) == 0 {
			if err := e.record(ctx, res, &Step{
				SessionID: sessionID, ActionType: route.Action, Selector: selector,
				Result: ResultNotFound,
			}); err != nil {
				return false, err
			}
			continue
		}

		// Capability filter: non-interactable candidates are discarded
		// without counting as failed attempts.
		var usable []Element
		for _, el := range candidates {
			ok, err := e.driver.IsInteractable(ctx, el)
			if err != nil {
				log.Debug("drive: interactability probe failed", "selector", selector, "error", err)
				continue
			}
			if ok {
				usable = append(usable, el)
			}
		}
		if len(usable) > 0 {
			*seen = append(*seen, Candidate{Selector: selector, Summary: usable[0].Summary()})
		} else {
			if err := e.record(ctx, res, &Step{
				SessionID: sessionID, ActionType: route.Action, Selector: selector,
				Result: ResultNotVisible,
			}); err != nil {
				return false, err
			}
			continue
		}

		for _, el := range usable {
			ok, err := e.tryCandidate(ctx, sessionID, route, selector, el, res)
			if err != nil {
				return false, err
			}
			if ok {
				res.Selector = selector
				return true, nil
			}
		}
	}
	return false, nil
}

// tryCandidate runs the bounded retry loop for one element, re-validating
// interactability before every retry since the page may have changed.
func (e *Executor) tryCandidate(ctx context.Context, sessionID string, route Route, selector string, el Element, res *RunResult) (bool, error) {
	for attempt := 0; attempt < e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.opts.Backoff<<(attempt-1)); err != nil {
				return false, err
			}
			ok, err := e.driver.IsInteractable(ctx, el)
			if err != nil || !ok {
				if err := e.record(ctx, res, &Step{
					SessionID: sessionID, ActionType: route.Action, Selector: selector,
					Result: ResultNotVisible, RetryUsed: true,
				}); err != nil {
					return false, err
				}
				return false, nil
			}
		}

		start := time.Now()
		actErr := e.driver.Act(ctx, el, route.Action, route.Value)
		step := &Step{
			SessionID:  sessionID,
			ActionType: route.Action,
			Selector:   selector,
			Timing:     time.Since(start),
			RetryUsed:  attempt > 0,
		}
		if actErr == nil {
			step.Result = ResultSuccess
			if err := e.record(ctx, res, step); err != nil {
				return false, err
			}
			e.opts.Logger.Info("drive: step succeeded",
				"session_id", sessionID, "route", route.Name, "selector", selector, "attempt", attempt+1)
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		step.Result = ResultFailed
		step.Reasoning = actErr.Error()
		if err := e.record(ctx, res, step); err != nil {
			return false, err
		}
		e.opts.Logger.Warn("drive: step failed",
			"session_id", sessionID, "route", route.Name, "selector", selector,
			"attempt", attempt+1, "error", actErr)
	}
	return false, nil
}

// escalate consults the oracle once after all routes are exhausted. A
// suggestion above the threshold gets exactly one attempt — no retry loop.
func (e *Executor) escalate(ctx context.Context, sessionID string, routes []Route, res *RunResult, seen []Candidate) (bool, error) {
	if e.oracle == nil {
		return false, nil
	}
	log := e.opts.Logger

	sug, err := e.oracle.Suggest(ctx, Query{
		DOMSummary: e.driver.CurrentURL(),
		Context:    fmt.Sprintf("session %s: %d routes exhausted", sessionID, len(routes)),
		Candidates: seen,
	})
	if err != nil {
		log.Warn("drive: oracle unavailable", "session_id", sessionID, "error", err)
		return false, nil
	}
	if sug.Confidence < e.opts.OracleThreshold || sug.SuggestedSelector == "" {
		log.Info("drive: oracle suggestion below threshold",
			"session_id", sessionID, "confidence", sug.Confidence, "threshold", e.opts.OracleThreshold)
		return false, nil
	}

	action := routes[len(routes)-1].Action
	value := routes[len(routes)-1].Value

	candidates, err := e.driver.FindCandidates(ctx, sug.SuggestedSelector)
	if err != nil || len(candidates) == 0 {
		return false, nil
	}
	el := candidates[0]
	if ok, err := e.driver.IsInteractable(ctx, el); err != nil || !ok {
		return false, nil
	}

	start := time.Now()
	actErr := e.driver.Act(ctx, el, action, value)
	step := &Step{
		SessionID:  sessionID,
		ActionType: action,
		Selector:   sug.SuggestedSelector,
		Timing:     time.Since(start),
		Reasoning:  sug.Reasoning,
	}
	if actErr == nil {
		step.Result = ResultSuccess
		if err := e.record(ctx, res, step); err != nil {
			return false, err
		}
		res.Status = ResultSuccess
		res.Route = "oracle"
		res.Selector = sug.SuggestedSelector
		res.OracleUsed = true
		log.Info("drive: oracle suggestion succeeded",
			"session_id", sessionID, "selector", sug.SuggestedSelector, "confidence", sug.Confidence)
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	step.Result = ResultFailed
	if err := e.record(ctx, res, step); err != nil {
		return false, err
	}
	return false, nil
}

func (e *Executor) captureEvidence(ctx context.Context) string {
	ec, ok := e.driver.(EvidenceCapturer)
	if !ok {
		return ""
	}
	ref, err := ec.CaptureEvidence(ctx)
	if err != nil {
		e.opts.Logger.Warn("drive: evidence capture failed", "error", err)
		return ""
	}
	return ref
}

// record appends the step to the persistent log and the in-memory result.
func (e *Executor) record(ctx context.Context, res *RunResult, step *Step) error {
	if e.log != nil {
		if err := e.log.Append(ctx, step); err != nil {
			return err
		}
	}
	res.Steps = append(res.Steps, *step)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
