package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/redrive/browser"
	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/drive"
	"github.com/hazyhaar/redrive/session"
)

// RouteBook maps an operation type to its prioritized routes.
type RouteBook map[string][]drive.Route

// PortalProcessor is the production Processor: it opens a stealth page on
// the portal, drives the operation's routes through a drive.Executor, and
// reports the run as the job result.
type PortalProcessor struct {
	Browser *browser.Manager
	Routes  RouteBook
	Oracle  drive.Oracle
	Steps   *drive.StepLog
	// PortalURL is the default portal entry point; a job config may
	// override it with a "portal_url" entry.
	PortalURL   string
	EvidenceDir string
	Exec        drive.Options
	Logger      *slog.Logger
}

func (p *PortalProcessor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Process drives the routes for the job's operation type. A run that ends
// in requires_intervention fails the job with ErrIntervention; escalating
// further is the operator's call, not ours.
func (p *PortalProcessor) Process(ctx context.Context, job JobContext) (string, error) {
	routes, ok := p.Routes[job.OperationType]
	if !ok {
		return "", fmt.Errorf("runner: no routes for operation %q", job.OperationType)
	}

	url := p.PortalURL
	if u, ok := job.Config["portal_url"].(string); ok && u != "" {
		url = u
	}
	if url == "" {
		return "", fmt.Errorf("runner: no portal URL for job %s", job.JobID)
	}

	drv, err := p.Browser.OpenPortal(ctx, url, p.EvidenceDir)
	if err != nil {
		return "", err
	}
	defer drv.Close()

	exec := drive.NewExecutor(drv, p.Oracle, p.Steps, p.Exec)
	res, err := exec.Run(ctx, job.SessionID, routes)
	if err != nil {
		return "", err
	}

	if res.Status == drive.ResultRequiresIntervention {
		return "", fmt.Errorf("%w: %d steps exhausted at %s", ErrIntervention, len(res.Steps), url)
	}

	summary, err := json.Marshal(map[string]any{
		"status":      string(res.Status),
		"route":       res.Route,
		"selector":    res.Selector,
		"oracle_used": res.OracleUsed,
		"steps":       len(res.Steps),
		"url":         drv.CurrentURL(),
	})
	if err != nil {
		return "", fmt.Errorf("runner: marshal result: %w", err)
	}

	p.logger().Info("runner: portal run finished",
		"job_id", job.JobID, "route", res.Route, "oracle_used", res.OracleUsed)
	return string(summary), nil
}

// StateFunc exposes run progress for periodic checkpointing. The step log
// is the source: the latest recorded step becomes the checkpoint position.
func (p *PortalProcessor) StateFunc(job JobContext) session.StateFunc {
	total := len(p.Routes[job.OperationType])
	return func(ctx context.Context) (*checkpoint.Checkpoint, error) {
		if p.Steps == nil {
			return nil, nil
		}
		steps, err := p.Steps.List(ctx, job.SessionID)
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return nil, nil
		}
		last := steps[len(steps)-1]
		return &checkpoint.Checkpoint{
			AutomationType: job.OperationType,
			CurrentStep:    int(last.StepNumber),
			TotalSteps:     total,
			State: map[string]any{
				"last_selector": last.Selector,
				"last_result":   string(last.Result),
				"last_action":   string(last.ActionType),
			},
			Context: map[string]any{
				"ticket_id": job.TicketID,
				"job_id":    job.JobID,
			},
			Metrics: map[string]any{
				"steps_recorded": int64(len(steps)),
				"captured_at":    time.Now(),
			},
		}, nil
	}
}
