package claim_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/redrive/claim"
	"github.com/hazyhaar/redrive/dbopen"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(claim.Schema))
}

func newStore(t *testing.T, db *sql.DB) *claim.Store {
	t.Helper()
	return claim.New(db, claim.Options{})
}

func TestComputeIdempotencyKeyDeterministic(t *testing.T) {
	a, err := claim.ComputeIdempotencyKey(1, "automation", map[string]any{"a": 1, "b": 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := claim.ComputeIdempotencyKey(1, "automation", map[string]any{"b": 2, "a": 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("keys differ for identical configs: %q vs %q", a, b)
	}

	c, _ := claim.ComputeIdempotencyKey(1, "automation", map[string]any{"a": 1, "b": 3}, 0)
	if a == c {
		t.Fatal("keys identical for different configs")
	}

	d, _ := claim.ComputeIdempotencyKey(1, "automation", map[string]any{"a": 1, "b": 2}, 1)
	if a == d {
		t.Fatal("keys identical for different retry counts")
	}
}

func TestFirstClaim(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	out, err := s.Claim(ctx, "42:invoice_portal:abc:r0", "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != claim.OutcomeClaimed {
		t.Fatalf("got %s, want claimed", out.Kind)
	}
	if out.JobID == "" {
		t.Fatal("missing job ID")
	}

	job, err := s.Get(ctx, out.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != claim.StatusClaimed || job.ClaimedBy != "worker-a" {
		t.Fatalf("unexpected row: %+v", job)
	}
}

func TestHeldByOther(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	first, err := s.Claim(ctx, "k1", "worker-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	second, err := s.Claim(ctx, "k1", "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != claim.OutcomeHeldByOther {
		t.Fatalf("got %s, want held_by_other", second.Kind)
	}
	if second.JobID != first.JobID {
		t.Fatal("held outcome must reference the existing job")
	}
	if second.ClaimedBy != "worker-a" {
		t.Fatalf("got holder %q, want worker-a", second.ClaimedBy)
	}
}

func TestMutualExclusion(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]claim.Outcome, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = s.Claim(ctx, "contested", "worker-"+string(rune('a'+i)), time.Minute)
		}(i)
	}
	wg.Wait()

	claimed := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if outcomes[i].Kind == claim.OutcomeClaimed {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("got %d claimed outcomes, want exactly 1", claimed)
	}
}

func TestStaleReclaim(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	first, err := s.Claim(ctx, "k1", "worker-a", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)

	second, err := s.Claim(ctx, "k1", "worker-b", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != claim.OutcomeClaimed {
		t.Fatalf("got %s, want claimed after staleness", second.Kind)
	}
	if second.JobID != first.JobID {
		t.Fatal("reclaim must reuse the existing job row")
	}
	if second.RetryCount != 1 {
		t.Fatalf("got retry_count %d, want 1", second.RetryCount)
	}
}

func TestAlreadyProcessed(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	out, _ := s.Claim(ctx, "k1", "worker-a", time.Minute)
	if err := s.Transition(ctx, out.JobID, claim.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, out.JobID, claim.StatusCompleted, `{"invoice":"INV-7"}`); err != nil {
		t.Fatal(err)
	}

	again, err := s.Claim(ctx, "k1", "worker-b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again.Kind != claim.OutcomeAlreadyProcessed {
		t.Fatalf("got %s, want already_processed", again.Kind)
	}
	if again.Result != `{"invoice":"INV-7"}` {
		t.Fatalf("got result %q", again.Result)
	}
}

func TestInvalidTransitionIsNoOp(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	out, _ := s.Claim(ctx, "k1", "worker-a", time.Minute)

	// claimed → completed skips processing and must be ignored.
	if err := s.Transition(ctx, out.JobID, claim.StatusCompleted, "x"); err != nil {
		t.Fatal(err)
	}
	job, _ := s.Get(ctx, out.JobID)
	if job.Status != claim.StatusClaimed {
		t.Fatalf("got %s, want claimed unchanged", job.Status)
	}

	// Terminal rows never move again.
	s.Transition(ctx, out.JobID, claim.StatusProcessing, "")
	s.Transition(ctx, out.JobID, claim.StatusFailed, "portal down")
	if err := s.Transition(ctx, out.JobID, claim.StatusCompleted, "x"); err != nil {
		t.Fatal(err)
	}
	job, _ = s.Get(ctx, out.JobID)
	if job.Status != claim.StatusFailed {
		t.Fatalf("got %s, want failed unchanged", job.Status)
	}
}

func TestHeartbeatKeepsClaimFresh(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	out, _ := s.Claim(ctx, "k1", "worker-a", 150*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	if err := s.Heartbeat(ctx, out.JobID, "worker-a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	// 200ms elapsed but the heartbeat reset the clock at 100ms, so the
	// claim is still fresh.
	other, err := s.Claim(ctx, "k1", "worker-b", 150*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if other.Kind != claim.OutcomeHeldByOther {
		t.Fatalf("got %s, want held_by_other", other.Kind)
	}

	if err := s.Heartbeat(ctx, out.JobID, "worker-b"); err == nil {
		t.Fatal("heartbeat by non-holder must fail")
	}
}

func TestCleanupStale(t *testing.T) {
	db := openDB(t)
	s := newStore(t, db)
	ctx := context.Background()

	stale, _ := s.Claim(ctx, "k-stale", "worker-a", time.Minute)
	s.Transition(ctx, stale.JobID, claim.StatusProcessing, "")

	done, _ := s.Claim(ctx, "k-done", "worker-a", time.Minute)
	s.Transition(ctx, done.JobID, claim.StatusProcessing, "")
	s.Transition(ctx, done.JobID, claim.StatusCompleted, "ok")

	// Age both rows by 48 hours.
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := db.Exec(`UPDATE jobs SET claimed_at = ?`, old); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d rows, want 1", n)
	}

	j, _ := s.Get(ctx, stale.JobID)
	if j.Status != claim.StatusTimeout {
		t.Fatalf("stale job: got %s, want timeout", j.Status)
	}
	j, _ = s.Get(ctx, done.JobID)
	if j.Status != claim.StatusCompleted {
		t.Fatalf("completed job: got %s, want completed untouched", j.Status)
	}
}
