// Package runner ties the ledger, the persistence coordinator and the job
// processor into the single entry point workers call: SubmitJob.
//
// The runner owns the lifecycle bookkeeping around one execution — claim,
// heartbeat, auto-checkpoint, terminal transition — and leaves the actual
// portal work to a Processor. Duplicate submissions never re-execute side
// effects: the ledger answers from its row instead.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/redrive/claim"
	"github.com/hazyhaar/redrive/session"
)

// ErrIntervention marks a processor failure that automation cannot fix.
// Processors wrap it; the outcome then carries the human-intervention flag.
var ErrIntervention = errors.New("runner: requires human intervention")

// JobContext is everything a Processor gets about the claimed job. The
// session ID equals the job ID, so a reclaim after a crash lands on the
// same session and finds its checkpoints.
type JobContext struct {
	JobID         string
	SessionID     string
	TicketID      int64
	OperationType string
	Config        map[string]any
	RetryCount    int
}

// Processor executes one claimed job and returns its result payload.
type Processor interface {
	Process(ctx context.Context, job JobContext) (string, error)
}

// StateProvider is optionally implemented by processors that expose live
// state for periodic checkpointing.
type StateProvider interface {
	StateFunc(job JobContext) session.StateFunc
}

// OutcomeKind discriminates SubmitJob results.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeInProgress       OutcomeKind = "in_progress"
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
)

// JobOutcome is the tagged result of SubmitJob. Branch on Kind; errors are
// reserved for infrastructure failure, never for "the job did not succeed".
type JobOutcome struct {
	Kind         OutcomeKind
	JobID        string
	Result       string
	ErrorMessage string
	RetryCount   int
	// FromCache marks outcomes answered from the ledger without executing.
	FromCache bool
	// RequiresHumanIntervention marks failures automation cannot retry past.
	RequiresHumanIntervention bool
}

// Options configures a Runner.
type Options struct {
	// WorkerID identifies this worker in claim rows. Default: hostname+pid.
	WorkerID string
	// ClaimTimeout is how long a claim may go without a heartbeat before
	// other workers treat it as stale. Default: 10m.
	ClaimTimeout time.Duration
	// HeartbeatInterval refreshes the claim. Default: ClaimTimeout / 3.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

func (o *Options) defaults() {
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 10 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = o.ClaimTimeout / 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner executes submitted jobs exactly once per idempotency key.
type Runner struct {
	claims *claim.Store
	coord  *session.Coordinator
	proc   Processor
	opts   Options
}

// New creates a Runner. coord may be nil to disable auto-checkpointing.
func New(claims *claim.Store, coord *session.Coordinator, proc Processor, opts Options) *Runner {
	opts.defaults()
	return &Runner{claims: claims, coord: coord, proc: proc, opts: opts}
}

// SubmitJob claims the idempotency key for this request and, when the
// claim is won, runs the processor to a terminal state. A duplicate of a
// finished job answers from the ledger; a duplicate of a running job
// reports in_progress with the same job ID.
func (r *Runner) SubmitJob(ctx context.Context, ticketID int64, operationType string, config map[string]any) (JobOutcome, error) {
	key, err := claim.ComputeIdempotencyKey(ticketID, operationType, config, 0)
	if err != nil {
		return JobOutcome{}, err
	}

	out, err := r.claims.Claim(ctx, key, r.opts.WorkerID, r.opts.ClaimTimeout)
	if err != nil {
		return JobOutcome{}, err
	}

	switch out.Kind {
	case claim.OutcomeAlreadyProcessed:
		r.opts.Logger.Info("runner: answered from ledger",
			"job_id", out.JobID, "key", key, "status", out.Status)
		return JobOutcome{
			Kind:         OutcomeAlreadyProcessed,
			JobID:        out.JobID,
			Result:       out.Result,
			ErrorMessage: out.ErrorMessage,
			RetryCount:   out.RetryCount,
			FromCache:    true,
		}, nil

	case claim.OutcomeHeldByOther:
		return JobOutcome{
			Kind:       OutcomeInProgress,
			JobID:      out.JobID,
			RetryCount: out.RetryCount,
		}, nil
	}

	return r.execute(ctx, JobContext{
		JobID:         out.JobID,
		SessionID:     out.JobID,
		TicketID:      ticketID,
		OperationType: operationType,
		Config:        config,
		RetryCount:    out.RetryCount,
	})
}

// execute runs the processor for a job this worker owns and records the
// terminal state. Heartbeats and auto-checkpoints run for the duration and
// stop before the terminal transition lands.
func (r *Runner) execute(ctx context.Context, job JobContext) (JobOutcome, error) {
	log := r.opts.Logger
	log.Info("runner: executing",
		"job_id", job.JobID, "ticket_id", job.TicketID,
		"operation", job.OperationType, "retry_count", job.RetryCount)

	if err := r.claims.Transition(ctx, job.JobID, claim.StatusProcessing, ""); err != nil {
		return JobOutcome{}, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, job.JobID)

	if r.coord != nil {
		if sp, ok := r.proc.(StateProvider); ok {
			if err := r.coord.StartAutoCheckpoint(ctx, job.SessionID, sp.StateFunc(job)); err != nil {
				log.Warn("runner: auto-checkpoint not started", "job_id", job.JobID, "error", err)
			} else {
				defer r.coord.StopAutoCheckpoint(job.SessionID)
			}
		}
	}

	result, procErr := r.proc.Process(ctx, job)
	stopHeartbeat()

	switch {
	case procErr == nil:
		if err := r.claims.Transition(ctx, job.JobID, claim.StatusCompleted, result); err != nil {
			return JobOutcome{}, err
		}
		log.Info("runner: completed", "job_id", job.JobID)
		return JobOutcome{
			Kind:       OutcomeCompleted,
			JobID:      job.JobID,
			Result:     result,
			RetryCount: job.RetryCount,
		}, nil

	case errors.Is(procErr, ErrIntervention):
		if err := r.claims.Transition(ctx, job.JobID, claim.StatusFailed, procErr.Error()); err != nil {
			return JobOutcome{}, err
		}
		log.Error("runner: requires intervention", "job_id", job.JobID, "error", procErr)
		return JobOutcome{
			Kind:                      OutcomeFailed,
			JobID:                     job.JobID,
			ErrorMessage:              procErr.Error(),
			RetryCount:                job.RetryCount,
			RequiresHumanIntervention: true,
		}, nil

	default:
		if err := r.claims.Transition(ctx, job.JobID, claim.StatusFailed, procErr.Error()); err != nil {
			return JobOutcome{}, err
		}
		log.Error("runner: failed", "job_id", job.JobID, "error", procErr)
		return JobOutcome{
			Kind:         OutcomeFailed,
			JobID:        job.JobID,
			ErrorMessage: procErr.Error(),
			RetryCount:   job.RetryCount,
		}, nil
	}
}

// heartbeat refreshes the claim until ctx is cancelled. A failed refresh
// is logged but does not abort the job; the ledger still decides ownership.
func (r *Runner) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.claims.Heartbeat(ctx, jobID, r.opts.WorkerID); err != nil {
				r.opts.Logger.Warn("runner: heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
