// Package session coordinates persistence for running automation
// sessions: periodic auto-checkpointing while a session makes progress,
// and the recovery facade consulted when one comes back from a crash.
//
// The auto-checkpoint interval and the claim staleness timeout are
// independent knobs. A session that checkpoints slowly is not stale, and a
// stale claim says nothing about checkpoint freshness.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/recovery"
)

// StateFunc produces the current checkpoint for a session. It is called
// from the auto-checkpoint loop; returning an error skips the tick.
type StateFunc func(ctx context.Context) (*checkpoint.Checkpoint, error)

// Options configures a Coordinator.
type Options struct {
	// Interval between automatic checkpoints. Default: 30s.
	Interval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Coordinator is the persistence façade for sessions. Safe for concurrent
// use across sessions; per session at most one auto-checkpoint loop runs.
type Coordinator struct {
	store    *checkpoint.Store
	planner  *recovery.Planner
	executor *recovery.Executor
	opts     Options

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *checkpoint.Store, planner *recovery.Planner, executor *recovery.Executor, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		store:    store,
		planner:  planner,
		executor: executor,
		opts:     opts,
		loops:    make(map[string]context.CancelFunc),
	}
}

// CreateCheckpoint persists a checkpoint immediately, outside the periodic
// loop. Used at significant boundaries (login done, form submitted).
func (c *Coordinator) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return c.store.Save(ctx, cp)
}

// SaveSnapshot persists a heavy session snapshot immediately.
func (c *Coordinator) SaveSnapshot(ctx context.Context, sn *checkpoint.Snapshot) error {
	return c.store.SaveSnapshot(ctx, sn)
}

// StartAutoCheckpoint starts the periodic checkpoint loop for a session.
// The loop stops when ctx is cancelled or StopAutoCheckpoint is called;
// either way it exits without holding anything — a dangling claim row is
// the claim sweeper's business, not ours.
func (c *Coordinator) StartAutoCheckpoint(ctx context.Context, sessionID string, fn StateFunc) error {
	c.mu.Lock()
	if _, running := c.loops[sessionID]; running {
		c.mu.Unlock()
		return fmt.Errorf("session: auto-checkpoint already running for %s", sessionID)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.loops[sessionID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.StopAutoCheckpoint(sessionID)
		c.loop(loopCtx, sessionID, fn)
	}()
	return nil
}

func (c *Coordinator) loop(ctx context.Context, sessionID string, fn StateFunc) {
	log := c.opts.Logger
	log.Info("session: auto-checkpoint started", "session_id", sessionID, "interval", c.opts.Interval)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("session: auto-checkpoint stopped", "session_id", sessionID)
			return
		case <-ticker.C:
			cp, err := fn(ctx)
			if err != nil {
				log.Warn("session: state capture failed", "session_id", sessionID, "error", err)
				continue
			}
			if cp == nil {
				continue // nothing new to persist
			}
			cp.SessionID = sessionID
			if err := c.store.Save(ctx, cp); err != nil {
				log.Error("session: auto-checkpoint save failed", "session_id", sessionID, "error", err)
				continue
			}
			log.Debug("session: auto-checkpoint saved",
				"session_id", sessionID, "checkpoint_id", cp.ID, "step", cp.CurrentStep)
		}
	}
}

// StopAutoCheckpoint cancels the loop for a session. Idempotent.
func (c *Coordinator) StopAutoCheckpoint(sessionID string) {
	c.mu.Lock()
	cancel, ok := c.loops[sessionID]
	if ok {
		delete(c.loops, sessionID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every loop and waits for them to drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for id, cancel := range c.loops {
		cancel()
		delete(c.loops, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RecoverSession plans and, when the plan is recoverable, executes
// recovery for a session. The plan is always returned so the caller can
// inspect partial/corrupted/missing verdicts; result is nil unless
// execution ran.
func (c *Coordinator) RecoverSession(ctx context.Context, sessionID, targetID string) (*recovery.Plan, *recovery.Result, error) {
	plan, err := c.planner.Plan(ctx, sessionID, targetID)
	if err != nil {
		return nil, nil, err
	}
	if plan.Status != recovery.StatusRecoverable {
		c.opts.Logger.Warn("session: not recoverable",
			"session_id", sessionID, "status", plan.Status, "reason", plan.Reason)
		return plan, nil, nil
	}
	res, err := c.executor.Execute(ctx, plan)
	if err != nil {
		return plan, nil, err
	}
	return plan, res, nil
}

// RecoveryInfo is the operator-facing summary of a session's recovery
// posture.
type RecoveryInfo struct {
	SessionID       string
	CheckpointCount int
	SnapshotCount   int
	LatestStep      int
	Status          recovery.Status
	Strategy        recovery.Strategy
	EstimatedSecs   float64
	Points          []recovery.Point
}

// SessionRecoveryInfo inspects a session without executing anything.
func (c *Coordinator) SessionRecoveryInfo(ctx context.Context, sessionID string) (*RecoveryInfo, error) {
	plan, err := c.planner.Plan(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	info := &RecoveryInfo{
		SessionID:     sessionID,
		Status:        plan.Status,
		Strategy:      plan.Strategy,
		EstimatedSecs: plan.EstimatedSeconds,
		Points:        plan.Points,
	}
	for _, pt := range plan.Points {
		switch pt.Kind {
		case recovery.KindCheckpoint:
			info.CheckpointCount++
			if pt.CurrentStep > info.LatestStep {
				info.LatestStep = pt.CurrentStep
			}
		case recovery.KindSnapshot:
			info.SnapshotCount++
		}
	}
	return info, nil
}
