package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/redrive/checkpoint"
)

// RuleError is one failed validation rule.
type RuleError struct {
	RuleID  string
	Message string
}

// ValidationResults collects the per-rule outcomes of a recovery. Rule
// failures are data, not errors: the caller decides whether a partially
// valid recovery is acceptable.
type ValidationResults struct {
	OverallValid bool
	Passed       []string
	Errors       []RuleError
}

// Result is the output of Executor.Execute. Exactly one of Checkpoint and
// Snapshot is non-nil, matching the plan's target kind.
type Result struct {
	Checkpoint   *checkpoint.Checkpoint
	Snapshot     *checkpoint.Snapshot
	Validation   ValidationResults
	RecoveryTime time.Duration
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Logger *slog.Logger
}

func (o *ExecutorOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Executor applies recovery plans.
type Executor struct {
	store *checkpoint.Store
	opts  ExecutorOptions
}

// NewExecutor creates an Executor.
func NewExecutor(store *checkpoint.Store, opts ExecutorOptions) *Executor {
	opts.defaults()
	return &Executor{store: store, opts: opts}
}

// Execute loads the plan's target and validates the reconstructed state.
// Plans whose status is not recoverable are refused outright; a partial
// plan becomes executable by re-planning with the fallback point as the
// explicit target.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Result, error) {
	if plan.Status != StatusRecoverable {
		return nil, fmt.Errorf("recovery: refusing plan %s with status %s", plan.RecoveryID, plan.Status)
	}

	start := time.Now()

	switch plan.TargetKind {
	case KindCheckpoint:
		cp, err := e.store.Load(ctx, plan.TargetID)
		if err != nil {
			return nil, fmt.Errorf("recovery: load %s: %w", plan.TargetID, err)
		}
		res := &Result{
			Checkpoint: cp,
			Validation: runRules(plan, cp),
		}
		res.RecoveryTime = time.Since(start)
		e.opts.Logger.Info("recovery: executed",
			"recovery_id", plan.RecoveryID, "session_id", plan.SessionID,
			"checkpoint_id", cp.ID, "step", cp.CurrentStep,
			"valid", res.Validation.OverallValid, "duration", res.RecoveryTime)
		return res, nil

	case KindSnapshot:
		sn, err := e.store.LoadSnapshot(ctx, plan.TargetID)
		if err != nil {
			return nil, fmt.Errorf("recovery: load snapshot %s: %w", plan.TargetID, err)
		}
		res := &Result{
			Snapshot:   sn,
			Validation: runSnapshotRules(plan, sn),
		}
		res.RecoveryTime = time.Since(start)
		e.opts.Logger.Info("recovery: executed from snapshot",
			"recovery_id", plan.RecoveryID, "session_id", plan.SessionID,
			"snapshot_id", sn.ID, "valid", res.Validation.OverallValid,
			"duration", res.RecoveryTime)
		return res, nil
	}

	return nil, fmt.Errorf("recovery: plan %s has unknown target kind %q", plan.RecoveryID, plan.TargetKind)
}

// runRules evaluates every plan rule against the recovered checkpoint.
// Failures are collected, never thrown.
func runRules(plan *Plan, cp *checkpoint.Checkpoint) ValidationResults {
	res := ValidationResults{OverallValid: true}

	fail := func(id, msg string) {
		res.OverallValid = false
		res.Errors = append(res.Errors, RuleError{RuleID: id, Message: msg})
	}
	pass := func(id string) {
		res.Passed = append(res.Passed, id)
	}

	for _, rule := range plan.Rules {
		switch rule.ID {
		case "required_fields":
			switch {
			case cp.SessionID == "":
				fail(rule.ID, "recovered state has no session ID")
			case cp.TotalSteps <= 0:
				fail(rule.ID, "recovered state has no step counters")
			case cp.State == nil:
				fail(rule.ID, "recovered state has no state section")
			default:
				pass(rule.ID)
			}
		case "session_match":
			if cp.SessionID != plan.SessionID {
				fail(rule.ID, fmt.Sprintf("state belongs to %s, plan is for %s", cp.SessionID, plan.SessionID))
			} else {
				pass(rule.ID)
			}
		case "step_bounds":
			if cp.CurrentStep < 0 || cp.CurrentStep > cp.TotalSteps {
				fail(rule.ID, fmt.Sprintf("current step %d outside [0, %d]", cp.CurrentStep, cp.TotalSteps))
			} else {
				pass(rule.ID)
			}
		default:
			fail(rule.ID, "unknown validation rule")
		}
	}
	return res
}

// runSnapshotRules validates what little a snapshot can promise: that it
// belongs to the planned session and carries at least one blob.
func runSnapshotRules(plan *Plan, sn *checkpoint.Snapshot) ValidationResults {
	res := ValidationResults{OverallValid: true}
	if sn.SessionID != plan.SessionID {
		res.OverallValid = false
		res.Errors = append(res.Errors, RuleError{
			RuleID:  "session_match",
			Message: fmt.Sprintf("snapshot belongs to %s, plan is for %s", sn.SessionID, plan.SessionID),
		})
	} else {
		res.Passed = append(res.Passed, "session_match")
	}
	if len(sn.Memory) == 0 && len(sn.DOM) == 0 && sn.ScreenshotRef == "" {
		res.OverallValid = false
		res.Errors = append(res.Errors, RuleError{RuleID: "required_fields", Message: "snapshot carries no state"})
	} else {
		res.Passed = append(res.Passed, "required_fields")
	}
	return res
}
