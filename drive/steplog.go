package drive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// LogSchema for the automation_steps table. The composite primary key is
// the monotonicity guarantee: a (session, step number) pair can never be
// written twice.
const LogSchema = `
CREATE TABLE IF NOT EXISTS automation_steps (
	session_id   TEXT NOT NULL,
	step_number  INTEGER NOT NULL,
	action_type  TEXT NOT NULL,
	selector     TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL,
	timing_ms    INTEGER NOT NULL DEFAULT 0,
	retry_used   INTEGER NOT NULL DEFAULT 0,
	reasoning    TEXT NOT NULL DEFAULT '',
	evidence_ref TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (session_id, step_number)
);
`

// StepLog is the append-only audit trail of automation steps. It is the
// only artifact persisted for audit and is independent of checkpoints.
type StepLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepLog creates a StepLog. The automation_steps table must exist
// (see LogSchema).
func NewStepLog(db *sql.DB, logger *slog.Logger) *StepLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepLog{db: db, logger: logger}
}

// Append assigns the next step number for the session and writes the step
// in one transaction. On return step.StepNumber and CreatedAt are set.
func (l *StepLog) Append(ctx context.Context, step *Step) error {
	if step.SessionID == "" {
		return fmt.Errorf("steplog: append: empty session ID")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("steplog: begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) + 1 FROM automation_steps WHERE session_id = ?`,
		step.SessionID).Scan(&next)
	if err != nil {
		return fmt.Errorf("steplog: next number: %w", err)
	}

	step.StepNumber = next
	step.CreatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_steps (session_id, step_number, action_type, selector,
		                              result, timing_ms, retry_used, reasoning, evidence_ref, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		step.SessionID, step.StepNumber, string(step.ActionType), step.Selector,
		string(step.Result), step.Timing.Milliseconds(), step.RetryUsed,
		step.Reasoning, step.EvidenceRef, step.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("steplog: insert: %w", err)
	}
	return tx.Commit()
}

// List returns the full trail for a session in step order.
func (l *StepLog) List(ctx context.Context, sessionID string) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, step_number, action_type, selector, result,
		       timing_ms, retry_used, reasoning, evidence_ref, created_at
		FROM automation_steps WHERE session_id = ?
		ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("steplog: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var s Step
		var action, result string
		var timingMs, createdMs int64
		if err := rows.Scan(&s.SessionID, &s.StepNumber, &action, &s.Selector, &result,
			&timingMs, &s.RetryUsed, &s.Reasoning, &s.EvidenceRef, &createdMs); err != nil {
			return nil, err
		}
		s.ActionType = ActionType(action)
		s.Result = StepResult(result)
		s.Timing = time.Duration(timingMs) * time.Millisecond
		s.CreatedAt = time.UnixMilli(createdMs)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// CleanupOlderThan deletes trail entries past retention. Sessions under
// audit should be excluded by the caller before their window expires.
func (l *StepLog) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM automation_steps WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("steplog: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
