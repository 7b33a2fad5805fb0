// Command redrived is the resilient portal automation daemon.
//
// It accepts job submissions over HTTP, executes each one exactly once
// against the configured web portal, checkpoints progress while it works,
// and recovers interrupted sessions from their checkpoints on demand.
//
// Usage:
//
//	redrived -config redrived.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/redrive/browser"
	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/claim"
	"github.com/hazyhaar/redrive/dbopen"
	"github.com/hazyhaar/redrive/drive"
	"github.com/hazyhaar/redrive/oracle"
	"github.com/hazyhaar/redrive/recovery"
	"github.com/hazyhaar/redrive/runner"
	"github.com/hazyhaar/redrive/session"
	"github.com/hazyhaar/redrive/sweep"
)

func main() {
	configPath := flag.String("config", "redrived.yaml", "path to redrived.yaml config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath); err != nil {
		logger.Error("redrived: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := dbopen.Open(cfg.Database,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(claim.Schema),
		dbopen.WithSchema(checkpoint.Schema),
		dbopen.WithSchema(drive.LogSchema))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	claims := claim.New(db, claim.Options{Logger: logger})
	states, err := checkpoint.New(db, cfg.CheckpointDir, checkpoint.Options{Logger: logger})
	if err != nil {
		return err
	}
	steps := drive.NewStepLog(db, logger)

	planner := recovery.NewPlanner(states, recovery.PlannerOptions{Logger: logger})
	executor := recovery.NewExecutor(states, recovery.ExecutorOptions{Logger: logger})
	coord := session.NewCoordinator(states, planner, executor, session.Options{
		Interval: cfg.Runner.CheckpointInterval,
		Logger:   logger,
	})
	defer coord.Close()

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Portal.Remote,
		Headless:         cfg.Portal.Headless,
		ResourceBlocking: cfg.Portal.ResourceBlocking,
		Logger:           logger,
	})
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer mgr.Close()

	var decider drive.Oracle
	if cfg.Oracle.Endpoint != "" {
		decider = oracle.NewHTTP(cfg.Oracle.Endpoint, oracle.HTTPOptions{
			Timeout: cfg.Oracle.Timeout,
			Logger:  logger,
		})
	} else {
		decider = &oracle.Heuristic{Keywords: cfg.Oracle.Keywords}
	}

	proc := &runner.PortalProcessor{
		Browser:     mgr,
		Routes:      cfg.routeBook(),
		Oracle:      decider,
		Steps:       steps,
		PortalURL:   cfg.Portal.URL,
		EvidenceDir: cfg.EvidenceDir,
		Exec: drive.Options{
			MaxRetries:      cfg.Executor.MaxRetries,
			Backoff:         cfg.Executor.Backoff,
			OracleThreshold: cfg.Executor.OracleThreshold,
			Logger:          logger,
		},
		Logger: logger,
	}
	jobs := runner.New(claims, coord, proc, runner.Options{
		WorkerID:     cfg.Runner.WorkerID,
		ClaimTimeout: cfg.Runner.ClaimTimeout,
		Logger:       logger,
	})

	sweeper := sweep.New(claims, states, steps, sweep.Options{
		Interval:       cfg.Sweep.Interval,
		ClaimRetention: cfg.Runner.ClaimTimeout,
		StateRetention: cfg.Sweep.StateRetention,
		Logger:         logger,
	})
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(logger, jobs, claims, coord, steps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("redrived: listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("redrived: shutdown", "error", err)
	}
	logger.Info("redrived: stopped")
	return nil
}
