package recovery_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/redrive/checkpoint"
	"github.com/hazyhaar/redrive/dbopen"
	"github.com/hazyhaar/redrive/recovery"
)

type fixture struct {
	db       *sql.DB
	dir      string
	store    *checkpoint.Store
	planner  *recovery.Planner
	executor *recovery.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(checkpoint.Schema))
	dir := t.TempDir()
	store, err := checkpoint.New(db, dir, checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		db:       db,
		dir:      dir,
		store:    store,
		planner:  recovery.NewPlanner(store, recovery.PlannerOptions{}),
		executor: recovery.NewExecutor(store, recovery.ExecutorOptions{}),
	}
}

func (f *fixture) saveCheckpoint(t *testing.T, session string, step int) *checkpoint.Checkpoint {
	t.Helper()
	cp := &checkpoint.Checkpoint{
		SessionID:      session,
		AutomationType: "invoice_portal",
		CurrentStep:    step,
		TotalSteps:     10,
		State:          map[string]any{"url": "https://portal.example.test", "step": int64(step)},
	}
	if err := f.store.Save(context.Background(), cp); err != nil {
		t.Fatal(err)
	}
	return cp
}

// spreadCreatedAt pushes created_at back in listing order so ordering
// between successive saves is deterministic.
func (f *fixture) spreadCreatedAt(t *testing.T, ids ...string) {
	t.Helper()
	for i, id := range ids {
		if _, err := f.db.Exec(
			`UPDATE checkpoints SET created_at = created_at - ?  WHERE id = ?`,
			int64((len(ids)-i)*10_000), id); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) corrupt(t *testing.T, id string) {
	t.Helper()
	path := filepath.Join(f.dir, id+".chk")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPlanMissing(t *testing.T) {
	f := newFixture(t)

	plan, err := f.planner.Plan(context.Background(), "sess_none", "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != recovery.StatusMissing {
		t.Fatalf("got %s, want missing", plan.Status)
	}
	if plan.Strategy != recovery.StrategyNone {
		t.Fatalf("got strategy %q, want empty", plan.Strategy)
	}
}

func TestDirectCheckpointRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.saveCheckpoint(t, "sess_1", 3)
	b := f.saveCheckpoint(t, "sess_1", 6)
	f.spreadCreatedAt(t, a.ID, b.ID)

	plan, err := f.planner.Plan(ctx, "sess_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != recovery.StatusRecoverable {
		t.Fatalf("got %s, want recoverable (%s)", plan.Status, plan.Reason)
	}
	if plan.Strategy != recovery.StrategyDirect {
		t.Fatalf("got strategy %s, want direct", plan.Strategy)
	}
	if plan.TargetID != b.ID {
		t.Fatalf("plan targets %s, want latest checkpoint %s", plan.TargetID, b.ID)
	}
	if plan.EstimatedSeconds <= 0 {
		t.Fatal("missing recovery estimate")
	}

	res, err := f.executor.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Validation.OverallValid {
		t.Fatalf("validation failed: %+v", res.Validation.Errors)
	}
	if res.Checkpoint.CurrentStep != 6 {
		t.Fatalf("resumed at step %d, want 6", res.Checkpoint.CurrentStep)
	}
}

func TestAllCorrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for step := 1; step <= 3; step++ {
		cp := f.saveCheckpoint(t, "sess_1", step)
		ids = append(ids, cp.ID)
	}
	f.spreadCreatedAt(t, ids...)
	for _, id := range ids {
		f.corrupt(t, id)
	}

	plan, err := f.planner.Plan(ctx, "sess_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != recovery.StatusCorrupted {
		t.Fatalf("got %s, want corrupted", plan.Status)
	}

	if _, err := f.executor.Execute(ctx, plan); err == nil {
		t.Fatal("execute must refuse a corrupted plan")
	}
}

func TestFallbackToOlderIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.saveCheckpoint(t, "sess_1", 4)
	newest := f.saveCheckpoint(t, "sess_1", 8)
	f.spreadCreatedAt(t, older.ID, newest.ID)
	f.corrupt(t, newest.ID)

	plan, err := f.planner.Plan(ctx, "sess_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != recovery.StatusPartial {
		t.Fatalf("got %s, want partial", plan.Status)
	}
	if plan.TargetID != older.ID {
		t.Fatalf("plan targets %s, want fallback %s", plan.TargetID, older.ID)
	}

	// Partial plans are refused until the caller consents by pinning the
	// fallback point explicitly.
	if _, err := f.executor.Execute(ctx, plan); err == nil {
		t.Fatal("execute must refuse a partial plan")
	}

	pinned, err := f.planner.Plan(ctx, "sess_1", older.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pinned.Status != recovery.StatusRecoverable {
		t.Fatalf("pinned plan: got %s, want recoverable", pinned.Status)
	}
	res, err := f.executor.Execute(ctx, pinned)
	if err != nil {
		t.Fatal(err)
	}
	if res.Checkpoint.CurrentStep != 4 {
		t.Fatalf("resumed at step %d, want 4", res.Checkpoint.CurrentStep)
	}
}

func TestSnapshotRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sn := &checkpoint.Snapshot{
		SessionID: "sess_1",
		DOM:       []byte("<html>portal</html>"),
	}
	if err := f.store.SaveSnapshot(ctx, sn); err != nil {
		t.Fatal(err)
	}

	plan, err := f.planner.Plan(ctx, "sess_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Status != recovery.StatusRecoverable {
		t.Fatalf("got %s, want recoverable (%s)", plan.Status, plan.Reason)
	}
	if plan.Strategy != recovery.StrategySnapshot {
		t.Fatalf("got strategy %s, want snapshot", plan.Strategy)
	}

	res, err := f.executor.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.Snapshot == nil || string(res.Snapshot.DOM) != "<html>portal</html>" {
		t.Fatalf("snapshot not recovered: %+v", res)
	}
}

func TestCheckpointsOutrankSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SaveSnapshot(ctx, &checkpoint.Snapshot{
		SessionID: "sess_1", DOM: []byte("x"),
	}); err != nil {
		t.Fatal(err)
	}
	cp := f.saveCheckpoint(t, "sess_1", 2)

	points, err := f.planner.ListPoints(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].Kind != recovery.KindCheckpoint || points[0].ID != cp.ID {
		t.Fatalf("checkpoint must rank first, got %+v", points[0])
	}
	if points[0].Confidence <= points[1].Confidence {
		t.Fatal("checkpoint confidence must exceed snapshot confidence")
	}
}

func TestValidationFailureCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Step outside [0, total] — decodes fine but fails the bounds rule.
	cp := &checkpoint.Checkpoint{
		SessionID:   "sess_1",
		CurrentStep: 12,
		TotalSteps:  10,
		State:       map[string]any{"url": "https://portal.example.test"},
	}
	if err := f.store.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}

	plan, err := f.planner.Plan(ctx, "sess_1", "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.executor.Execute(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}
	if res.Validation.OverallValid {
		t.Fatal("out-of-bounds step must fail validation")
	}
	found := false
	for _, re := range res.Validation.Errors {
		if re.RuleID == "step_bounds" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing step_bounds failure: %+v", res.Validation.Errors)
	}
}
