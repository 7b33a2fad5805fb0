// Package claim implements the persistent job ledger keyed by idempotency
// key. The ledger is the single source of truth for "who owns this key
// right now": ownership is never inferred from in-memory state.
//
// A claim is exclusive, time-bounded ownership of one job row. The claim
// transaction is the only cross-worker coordination point; there is no
// global lock across keys. A claimed row whose claimed_at is older than the
// caller's timeout is stale and may be reclaimed by any worker.
//
// Expected schema (pass Schema to dbopen.WithSchema):
//
//	CREATE TABLE jobs (
//	    id              TEXT PRIMARY KEY,
//	    idempotency_key TEXT NOT NULL UNIQUE,
//	    status          TEXT NOT NULL,
//	    claimed_by      TEXT NOT NULL DEFAULT '',
//	    claimed_at      INTEGER NOT NULL DEFAULT 0, -- milliseconds since epoch
//	    ...
//	);
package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/redrive/idgen"
)

// Schema for the jobs table. The unique constraint on idempotency_key is
// what makes concurrent first-claims race safely: the loser's INSERT fails
// and is retried as a read.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	claimed_by      TEXT NOT NULL DEFAULT '',
	claimed_at      INTEGER NOT NULL DEFAULT 0,
	completed_at    INTEGER,
	result          TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_sweep ON jobs (status, claimed_by, claimed_at);
`

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Job is a row in the jobs table.
type Job struct {
	ID             string
	IdempotencyKey string
	Status         Status
	ClaimedBy      string
	ClaimedAt      time.Time
	CompletedAt    time.Time
	Result         string
	ErrorMessage   string
	RetryCount     int
	CreatedAt      time.Time
}

// OutcomeKind discriminates the Claim result.
type OutcomeKind string

const (
	// OutcomeClaimed means the caller now owns the job and must execute it.
	OutcomeClaimed OutcomeKind = "claimed"
	// OutcomeAlreadyProcessed means the job reached a terminal state before;
	// the caller must not re-execute side effects.
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	// OutcomeHeldByOther means another worker holds a fresh claim.
	OutcomeHeldByOther OutcomeKind = "held_by_other"
)

// Outcome is the tagged result of a Claim call. Normal branching reads
// Kind; no error is involved unless the store itself failed.
type Outcome struct {
	Kind         OutcomeKind
	JobID        string
	Status       Status
	Result       string
	ErrorMessage string
	RetryCount   int
	ClaimedBy    string
}

// Options configures a Store.
type Options struct {
	// NewID generates job IDs. Default: idgen.Job.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.NewID == nil {
		o.NewID = idgen.Job
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the job ledger handle. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts Options

	// keyLocks serializes claim attempts for the same key inside this
	// process, closing the check-then-write race at the application layer
	// before the store transaction commits.
	mu       sync.Mutex
	keyLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Store. The jobs table must exist (see Schema).
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, opts: opts, keyLocks: make(map[string]*keyLock)}
}

func (s *Store) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &keyLock{}
		s.keyLocks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keyLocks, key)
		}
		s.mu.Unlock()
	}
}

// Claim attempts to take exclusive ownership of key for workerID. The
// timeout defines staleness for other workers, not a deadline for the
// holder: a fresh claim by someone else yields HeldByOther, a stale one is
// reclaimed. Terminal rows short-circuit to AlreadyProcessed.
func (s *Store) Claim(ctx context.Context, key, workerID string, timeout time.Duration) (Outcome, error) {
	unlock := s.lockKey(key)
	defer unlock()

	// SQLite transactions are serializable; the write below promotes the
	// transaction to exclusive, and busy_timeout makes losers wait.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	var (
		id, result, errMsg, claimedBy string
		status                        Status
		claimedAtMs                   int64
		retryCount                    int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, claimed_by, claimed_at, result, error_message, retry_count
		FROM jobs WHERE idempotency_key = ?`, key,
	).Scan(&id, &status, &claimedBy, &claimedAtMs, &result, &errMsg, &retryCount)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First claim for this key.
		id = s.opts.NewID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, idempotency_key, status, claimed_by, claimed_at, created_at)
			VALUES (?,?,?,?,?,?)`,
			id, key, StatusClaimed, workerID, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return Outcome{}, fmt.Errorf("claim: insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, fmt.Errorf("claim: commit: %w", err)
		}
		s.opts.Logger.Info("claim: acquired", "job_id", id, "key", key, "worker", workerID)
		return Outcome{Kind: OutcomeClaimed, JobID: id, Status: StatusClaimed, ClaimedBy: workerID}, nil

	case err != nil:
		return Outcome{}, fmt.Errorf("claim: select: %w", err)
	}

	if status == StatusCompleted || status == StatusFailed {
		return Outcome{
			Kind: OutcomeAlreadyProcessed, JobID: id, Status: status,
			Result: result, ErrorMessage: errMsg, RetryCount: retryCount, ClaimedBy: claimedBy,
		}, nil
	}

	claimedAt := time.UnixMilli(claimedAtMs)
	active := status == StatusClaimed || status == StatusProcessing
	fresh := now.Sub(claimedAt) < timeout

	if active && fresh && claimedBy != workerID {
		return Outcome{Kind: OutcomeHeldByOther, JobID: id, Status: status, ClaimedBy: claimedBy, RetryCount: retryCount}, nil
	}

	// Stale claim, our own claim, or a pending/timeout/cancelled row:
	// reclaim. Reclaims after a previous attempt count as retries.
	newRetry := retryCount
	if claimedBy != "" && claimedBy != workerID {
		newRetry++
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, claimed_by = ?, claimed_at = ?, retry_count = ?
		WHERE id = ?`,
		StatusClaimed, workerID, now.UnixMilli(), newRetry, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim: reclaim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("claim: commit: %w", err)
	}

	if claimedBy != workerID && claimedBy != "" {
		s.opts.Logger.Warn("claim: reclaimed stale job",
			"job_id", id, "key", key, "worker", workerID, "previous_worker", claimedBy,
			"stale_for", now.Sub(claimedAt))
	}
	return Outcome{Kind: OutcomeClaimed, JobID: id, Status: StatusClaimed, ClaimedBy: workerID, RetryCount: newRetry}, nil
}

// validTransition is the closed transition whitelist. Anything else is a
// logged no-op.
func validTransition(from, to Status) bool {
	switch to {
	case StatusProcessing:
		return from == StatusClaimed
	case StatusCompleted, StatusFailed:
		return from == StatusProcessing
	case StatusTimeout, StatusCancelled:
		return !from.Terminal()
	}
	return false
}

// Transition moves jobID to the given status. detail is stored as the
// result for completed jobs and as the error message otherwise. An invalid
// transition logs a warning and leaves the row untouched.
func (s *Store) Transition(ctx context.Context, jobID string, to Status, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("claim: begin: %w", err)
	}
	defer tx.Rollback()

	var from Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		s.opts.Logger.Warn("claim: transition on unknown job", "job_id", jobID, "to", to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim: select status: %w", err)
	}

	if !validTransition(from, to) {
		s.opts.Logger.Warn("claim: invalid transition ignored", "job_id", jobID, "from", from, "to", to)
		return nil
	}

	now := time.Now().UnixMilli()
	switch to {
	case StatusCompleted:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
			to, detail, now, jobID)
	case StatusFailed, StatusTimeout, StatusCancelled:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			to, detail, now, jobID)
	default:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, to, jobID)
	}
	if err != nil {
		return fmt.Errorf("claim: transition update: %w", err)
	}
	return tx.Commit()
}

// Heartbeat refreshes claimed_at so a legitimately long-running job is not
// reclaimed by another worker. Only the current holder may refresh.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET claimed_at = ?
		WHERE id = ? AND claimed_by = ? AND status IN (?, ?)`,
		time.Now().UnixMilli(), jobID, workerID, StatusClaimed, StatusProcessing)
	if err != nil {
		return fmt.Errorf("claim: heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim: heartbeat: job %s not held by %s", jobID, workerID)
	}
	return nil
}

// CleanupStale sweeps claimed/processing rows whose claim is older than
// retention into timeout. Terminal rows are never touched. Returns the
// number of rows swept.
func (s *Store) CleanupStale(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = 'claim expired', completed_at = ?
		WHERE status IN (?, ?) AND claimed_at < ?`,
		StatusTimeout, time.Now().UnixMilli(), StatusClaimed, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("claim: cleanup stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.opts.Logger.Info("claim: swept stale claims", "count", n, "retention", retention)
	}
	return int(n), nil
}

// Get returns the job row by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	var claimedAtMs, createdMs int64
	var completedMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, status, claimed_by, claimed_at, completed_at,
		       result, error_message, retry_count, created_at
		FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.IdempotencyKey, &j.Status, &j.ClaimedBy, &claimedAtMs,
		&completedMs, &j.Result, &j.ErrorMessage, &j.RetryCount, &createdMs)
	if err != nil {
		return nil, fmt.Errorf("claim: get %s: %w", jobID, err)
	}
	j.ClaimedAt = time.UnixMilli(claimedAtMs)
	j.CreatedAt = time.UnixMilli(createdMs)
	if completedMs.Valid {
		j.CompletedAt = time.UnixMilli(completedMs.Int64)
	}
	return &j, nil
}
