// Package recovery inspects the checkpoints and snapshots of a crashed
// session, scores them, and produces an immutable recovery plan that the
// executor can apply.
//
// Planning and execution are deliberately split: a plan is a cheap,
// side-effect-free verdict ("this point is trustworthy, expect this
// strategy and cost") that can be surfaced to operators, while execution
// loads the payload and validates the reconstructed state. A plan is never
// mutated after creation.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/idgen"
)

// Recovery confidence is static per point kind: checkpoints carry
// structured automation state, snapshots only opaque blobs.
const (
	checkpointConfidence = 0.95
	snapshotConfidence   = 0.60

	// fallbackPenalty is applied when the newest checkpoint is unusable and
	// the plan targets an older point instead.
	fallbackPenalty = 0.20
)

// PointKind discriminates recovery sources.
type PointKind string

const (
	KindCheckpoint PointKind = "checkpoint"
	KindSnapshot   PointKind = "snapshot"
)

// Point is one candidate recovery source.
type Point struct {
	Kind        PointKind
	ID          string
	SessionID   string
	CurrentStep int
	TotalSteps  int
	SizeBytes   int64
	CreatedAt   time.Time
	Confidence  float64
}

// Status is the plan verdict.
type Status string

const (
	// StatusRecoverable means the target point passed integrity checks and
	// Execute will proceed.
	StatusRecoverable Status = "recoverable"
	// StatusPartial means the newest point is unusable but an older one is
	// not: the plan targets the older point and the caller must consent by
	// re-planning with that explicit target.
	StatusPartial Status = "partial"
	// StatusCorrupted means every candidate failed integrity checks.
	StatusCorrupted Status = "corrupted"
	// StatusMissing means the session has no recovery points at all.
	StatusMissing Status = "missing"
)

// Strategy names the recovery approach, derived from confidence thresholds.
type Strategy string

const (
	StrategyDirect    Strategy = "direct_checkpoint_recovery"
	StrategyValidated Strategy = "checkpoint_with_validation"
	StrategySnapshot  Strategy = "snapshot_recovery"
	StrategyNone      Strategy = ""
)

// Rule is one post-recovery validation check.
type Rule struct {
	ID          string
	Description string
}

// The fixed rule set attached to every executable plan.
var defaultRules = []Rule{
	{ID: "required_fields", Description: "recovered state carries session ID and step counters"},
	{ID: "session_match", Description: "recovered state belongs to the planned session"},
	{ID: "step_bounds", Description: "current step is within [0, total steps]"},
}

// Plan is the immutable output of Planner.Plan.
type Plan struct {
	RecoveryID       string
	SessionID        string
	TargetID         string
	TargetKind       PointKind
	Strategy         Strategy
	Status           Status
	Confidence       float64
	IntegrityScore   float64
	EstimatedSeconds float64
	Points           []Point
	Options          []string
	Rules            []Rule
	Reason           string
	CreatedAt        time.Time
}

// Options configures a Planner.
type PlannerOptions struct {
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *PlannerOptions) defaults() {
	if o.NewID == nil {
		o.NewID = idgen.Recovery
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Planner produces recovery plans from the checkpoint store.
type Planner struct {
	store *checkpoint.Store
	opts  PlannerOptions
}

// NewPlanner creates a Planner.
func NewPlanner(store *checkpoint.Store, opts PlannerOptions) *Planner {
	opts.defaults()
	return &Planner{store: store, opts: opts}
}

// ListPoints merges checkpoints and snapshots for a session, each annotated
// with its static confidence, sorted by (confidence, recency) descending.
func (p *Planner) ListPoints(ctx context.Context, sessionID string) ([]Point, error) {
	cps, err := p.store.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recovery: list checkpoints: %w", err)
	}
	sns, err := p.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recovery: list snapshots: %w", err)
	}

	points := make([]Point, 0, len(cps)+len(sns))
	for _, cp := range cps {
		points = append(points, Point{
			Kind: KindCheckpoint, ID: cp.ID, SessionID: cp.SessionID,
			CurrentStep: cp.CurrentStep, TotalSteps: cp.TotalSteps,
			SizeBytes: cp.SizeBytes, CreatedAt: cp.CreatedAt,
			Confidence: checkpointConfidence,
		})
	}
	for _, sn := range sns {
		points = append(points, Point{
			Kind: KindSnapshot, ID: sn.ID, SessionID: sn.SessionID,
			SizeBytes: sn.SizeBytes, CreatedAt: sn.CreatedAt,
			Confidence: snapshotConfidence,
		})
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Confidence != points[j].Confidence {
			return points[i].Confidence > points[j].Confidence
		}
		return points[i].CreatedAt.After(points[j].CreatedAt)
	})
	return points, nil
}

// Plan selects a recovery point and produces the plan for it. With an empty
// targetID the best (confidence, recency) point wins; when that point fails
// integrity checks the planner falls back to older points, degrading the
// plan to partial. An explicit targetID pins the plan to that point, which
// is how a caller consents to a partial recovery.
func (p *Planner) Plan(ctx context.Context, sessionID, targetID string) (*Plan, error) {
	points, err := p.ListPoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RecoveryID: p.opts.NewID(),
		SessionID:  sessionID,
		Points:     points,
		CreatedAt:  time.Now(),
	}

	if len(points) == 0 {
		plan.Status = StatusMissing
		plan.Strategy = StrategyNone
		plan.Reason = "no checkpoints or snapshots for session"
		plan.Options = []string{"restart_fresh"}
		return plan, nil
	}

	candidates := points
	if targetID != "" {
		candidates = nil
		for _, pt := range points {
			if pt.ID == targetID {
				candidates = []Point{pt}
				break
			}
		}
		if candidates == nil {
			return nil, fmt.Errorf("recovery: target %s not among session %s points", targetID, sessionID)
		}
	}

	for i, pt := range candidates {
		score, reason, err := p.checkPoint(ctx, pt)
		if err != nil {
			return nil, err
		}
		if score < 1.0 {
			p.opts.Logger.Warn("recovery: point failed integrity check",
				"session_id", sessionID, "point_id", pt.ID, "score", score, "reason", reason)
			continue
		}

		confidence := pt.Confidence
		plan.Status = StatusRecoverable
		if i > 0 {
			// Not the preferred point: data since the newer checkpoint is
			// lost. The caller must opt in via an explicit target.
			plan.Status = StatusPartial
			confidence -= fallbackPenalty
		}

		plan.TargetID = pt.ID
		plan.TargetKind = pt.Kind
		plan.Confidence = confidence
		plan.IntegrityScore = score
		plan.Strategy = strategyFor(pt.Kind, confidence)
		plan.EstimatedSeconds = estimateSeconds(plan.Strategy, pt.SizeBytes)
		plan.Rules = defaultRules
		plan.Options = []string{"resume_from_point", "restart_fresh"}
		plan.Reason = reason
		return plan, nil
	}

	plan.Status = StatusCorrupted
	plan.Strategy = StrategyNone
	plan.Reason = "every recovery point failed integrity checks"
	plan.Options = []string{"restart_fresh"}
	return plan, nil
}

// checkPoint returns the integrity score for a point. Snapshots get a full
// verified load since there is no cheap metadata-only check for them.
func (p *Planner) checkPoint(ctx context.Context, pt Point) (float64, string, error) {
	switch pt.Kind {
	case KindCheckpoint:
		integ, err := p.store.ValidateIntegrity(ctx, pt.ID)
		if err != nil {
			return 0, "", fmt.Errorf("recovery: validate %s: %w", pt.ID, err)
		}
		return integ.Score, integ.Reason, nil
	case KindSnapshot:
		if _, err := p.store.LoadSnapshot(ctx, pt.ID); err != nil {
			return 0, err.Error(), nil
		}
		return 1.0, "ok", nil
	}
	return 0, "", fmt.Errorf("recovery: unknown point kind %q", pt.Kind)
}

func strategyFor(kind PointKind, confidence float64) Strategy {
	if kind == KindSnapshot {
		return StrategySnapshot
	}
	switch {
	case confidence >= 0.9:
		return StrategyDirect
	case confidence >= 0.7:
		return StrategyValidated
	default:
		return StrategySnapshot
	}
}

// estimateSeconds is strategy base cost plus a payload-size term.
func estimateSeconds(s Strategy, sizeBytes int64) float64 {
	var base float64
	switch s {
	case StrategyDirect:
		base = 5
	case StrategyValidated:
		base = 15
	case StrategySnapshot:
		base = 30
	}
	return base + float64(sizeBytes)/(1<<20)
}
