// Package sweep runs the background hygiene loop: stale claims become
// timeouts so their keys can be reclaimed, and checkpoints, snapshots and
// step trails past retention are removed.
//
// One sweeper per deployment is enough; the underlying operations are
// idempotent, so an extra sweeper is wasteful rather than harmful.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/claim"
	"github.com/hazyhaar/redrive/drive"
)

// Options configures a Sweeper.
type Options struct {
	// Interval between sweeps. Default: 1m.
	Interval time.Duration
	// ClaimRetention is how long a claim may sit without a heartbeat before
	// it is swept into timeout. Default: 10m. Keep this aligned with the
	// runner's claim timeout.
	ClaimRetention time.Duration
	// StateRetention is how long checkpoints, snapshots and step trails are
	// kept. Default: 7 days.
	StateRetention time.Duration
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.ClaimRetention <= 0 {
		o.ClaimRetention = 10 * time.Minute
	}
	if o.StateRetention <= 0 {
		o.StateRetention = 7 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sweeper owns the periodic cleanup of all three stores. Any of them may
// be nil to skip that concern.
type Sweeper struct {
	claims *claim.Store
	states *checkpoint.Store
	steps  *drive.StepLog
	opts   Options
}

// New creates a Sweeper.
func New(claims *claim.Store, states *checkpoint.Store, steps *drive.StepLog, opts Options) *Sweeper {
	opts.defaults()
	return &Sweeper{claims: claims, states: states, steps: steps, opts: opts}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := s.opts.Logger
	log.Info("sweep: started",
		"interval", s.opts.Interval,
		"claim_retention", s.opts.ClaimRetention,
		"state_retention", s.opts.StateRetention)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("sweep: stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every store. Failures are logged and do not
// stop the remaining stores from being swept.
func (s *Sweeper) Sweep(ctx context.Context) {
	log := s.opts.Logger

	if s.claims != nil {
		if n, err := s.claims.CleanupStale(ctx, s.opts.ClaimRetention); err != nil {
			log.Error("sweep: stale claims", "error", err)
		} else if n > 0 {
			log.Info("sweep: stale claims timed out", "count", n)
		}
	}

	if s.states != nil {
		if n, err := s.states.CleanupOlderThan(ctx, s.opts.StateRetention); err != nil {
			log.Error("sweep: state retention", "error", err)
		} else if n > 0 {
			log.Info("sweep: expired state removed", "count", n)
		}
	}

	if s.steps != nil {
		if n, err := s.steps.CleanupOlderThan(ctx, s.opts.StateRetention); err != nil {
			log.Error("sweep: step trail retention", "error", err)
		} else if n > 0 {
			log.Info("sweep: expired steps removed", "count", n)
		}
	}
}
