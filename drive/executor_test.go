package drive_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/redrive/dbopen"
	"github.com/hazyhaar/redrive/drive"
)

type fakeElement struct {
	selector     string
	interactable bool
}

func (f *fakeElement) Summary() string { return "element " + f.selector }

// behavior controls how Act responds for a selector: fail the first
// failuresBeforeSuccess attempts, then succeed. -1 fails forever.
type behavior struct {
	interactable          bool
	failuresBeforeSuccess int
	attempts              int
}

type fakeDriver struct {
	behaviors map[string]*behavior
	acted     []string
	evidence  string
}

func (d *fakeDriver) FindCandidates(ctx context.Context, selector string) ([]drive.Element, error) {
	b, ok := d.behaviors[selector]
	if !ok {
		return nil, nil
	}
	return []drive.Element{&fakeElement{selector: selector, interactable: b.interactable}}, nil
}

func (d *fakeDriver) IsInteractable(ctx context.Context, el drive.Element) (bool, error) {
	return el.(*fakeElement).interactable, nil
}

func (d *fakeDriver) Act(ctx context.Context, el drive.Element, action drive.ActionType, value string) error {
	sel := el.(*fakeElement).selector
	d.acted = append(d.acted, sel)
	b := d.behaviors[sel]
	b.attempts++
	if b.failuresBeforeSuccess < 0 || b.attempts <= b.failuresBeforeSuccess {
		return fmt.Errorf("element %s did not respond", sel)
	}
	return nil
}

func (d *fakeDriver) CurrentURL() string { return "https://portal.example.test/invoices" }

func (d *fakeDriver) CaptureEvidence(ctx context.Context) (string, error) {
	if d.evidence == "" {
		return "", errors.New("no screenshot available")
	}
	return d.evidence, nil
}

type fakeOracle struct {
	suggestion drive.Suggestion
	err        error
	queries    []drive.Query
}

func (o *fakeOracle) Suggest(ctx context.Context, q drive.Query) (drive.Suggestion, error) {
	o.queries = append(o.queries, q)
	return o.suggestion, o.err
}

func newLog(t *testing.T) *drive.StepLog {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(drive.LogSchema))
	return drive.NewStepLog(db, nil)
}

func fastOpts() drive.Options {
	return drive.Options{MaxRetries: 2, Backoff: time.Millisecond}
}

func TestRouteOrdering(t *testing.T) {
	log := newLog(t)
	d := &fakeDriver{behaviors: map[string]*behavior{
		"#header": {interactable: true, failuresBeforeSuccess: -1},
		"#hero":   {interactable: true, failuresBeforeSuccess: -1},
		"#footer": {interactable: true},
	}}
	ex := drive.NewExecutor(d, nil, log, fastOpts())

	routes := []drive.Route{
		{Name: "footer", Priority: 3, Selectors: []string{"#footer"}, Action: drive.ActionClick},
		{Name: "header", Priority: 1, Selectors: []string{"#header"}, Action: drive.ActionClick},
		{Name: "hero", Priority: 2, Selectors: []string{"#hero"}, Action: drive.ActionClick},
	}

	res, err := ex.Run(context.Background(), "sess_1", routes)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != drive.ResultSuccess || res.Route != "footer" {
		t.Fatalf("got %+v, want success via footer", res)
	}

	steps, err := log.List(context.Background(), "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	// No entry for a lower-priority route may precede a higher-priority one.
	rank := map[string]int{"#header": 1, "#hero": 2, "#footer": 3}
	prev := 0
	for _, s := range steps {
		r := rank[s.Selector]
		if r < prev {
			t.Fatalf("route order violated: %s after rank %d", s.Selector, prev)
		}
		prev = r
	}
	for i, s := range steps {
		if s.StepNumber != int64(i+1) {
			t.Fatalf("step numbers not monotonic: %v", steps)
		}
	}
	if steps[len(steps)-1].Result != drive.ResultSuccess {
		t.Fatalf("final step: got %s, want success", steps[len(steps)-1].Result)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	log := newLog(t)
	d := &fakeDriver{behaviors: map[string]*behavior{
		"#flaky": {interactable: true, failuresBeforeSuccess: 2},
	}}
	ex := drive.NewExecutor(d, nil, log, drive.Options{MaxRetries: 3, Backoff: time.Millisecond})

	res, err := ex.Run(context.Background(), "sess_1", []drive.Route{
		{Name: "main", Priority: 1, Selectors: []string{"#flaky"}, Action: drive.ActionClick},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != drive.ResultSuccess {
		t.Fatalf("got %s, want success", res.Status)
	}
	if len(d.acted) != 3 {
		t.Fatalf("got %d attempts, want 3", len(d.acted))
	}

	steps, _ := log.List(context.Background(), "sess_1")
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	if steps[0].RetryUsed || !steps[2].RetryUsed {
		t.Fatalf("retry flags wrong: %+v", steps)
	}
	if steps[2].Result != drive.ResultSuccess {
		t.Fatalf("final step: got %s", steps[2].Result)
	}
}

func TestNonInteractableDiscarded(t *testing.T) {
	log := newLog(t)
	d := &fakeDriver{behaviors: map[string]*behavior{
		"#hidden":  {interactable: false},
		"#visible": {interactable: true},
	}}
	ex := drive.NewExecutor(d, nil, log, fastOpts())

	res, err := ex.Run(context.Background(), "sess_1", []drive.Route{
		{Name: "main", Priority: 1, Selectors: []string{"#hidden", "#visible"}, Action: drive.ActionClick},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != drive.ResultSuccess || res.Selector != "#visible" {
		t.Fatalf("got %+v, want success via #visible", res)
	}

	// The hidden candidate must never be acted on.
	for _, sel := range d.acted {
		if sel == "#hidden" {
			t.Fatal("acted on non-interactable candidate")
		}
	}
	steps, _ := log.List(context.Background(), "sess_1")
	if steps[0].Result != drive.ResultNotVisible {
		t.Fatalf("hidden candidate: got %s, want not_visible", steps[0].Result)
	}
}

func TestOracleEscalation(t *testing.T) {
	log := newLog(t)
	d := &fakeDriver{behaviors: map[string]*behavior{
		"#broken": {interactable: true, failuresBeforeSuccess: -1},
		"#magic":  {interactable: true},
	}}
	oracle := &fakeOracle{suggestion: drive.Suggestion{
		SuggestedSelector: "#magic",
		Confidence:        0.92,
		Reasoning:         "submit button moved into a modal footer",
	}}
	ex := drive.NewExecutor(d, oracle, log, fastOpts())

	res, err := ex.Run(context.Background(), "sess_1", []drive.Route{
		{Name: "main", Priority: 1, Selectors: []string{"#broken"}, Action: drive.ActionClick},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != drive.ResultSuccess || !res.OracleUsed {
		t.Fatalf("got %+v, want oracle success", res)
	}
	if len(oracle.queries) != 1 {
		t.Fatalf("oracle consulted %d times, want 1", len(oracle.queries))
	}
	if len(oracle.queries[0].Candidates) == 0 {
		t.Fatal("oracle query missing candidate summaries")
	}

	steps, _ := log.List(context.Background(), "sess_1")
	last := steps[len(steps)-1]
	if !strings.Contains(last.Reasoning, "modal footer") {
		t.Fatalf("oracle reasoning not recorded: %+v", last)
	}
}

func TestOracleBelowThresholdEndsInIntervention(t *testing.T) {
	log := newLog(t)
	d := &fakeDriver{
		behaviors: map[string]*behavior{
			"#broken": {interactable: true, failuresBeforeSuccess: -1},
		},
		evidence: "evidence/20260830T101500Z_shot.png",
	}
	oracle := &fakeOracle{suggestion: drive.Suggestion{SuggestedSelector: "#guess", Confidence: 0.3}}
	ex := drive.NewExecutor(d, oracle, log, fastOpts())

	res, err := ex.Run(context.Background(), "sess_1", []drive.Route{
		{Name: "main", Priority: 1, Selectors: []string{"#broken"}, Action: drive.ActionClick},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != drive.ResultRequiresIntervention {
		t.Fatalf("got %s, want requires_intervention", res.Status)
	}

	steps, _ := log.List(context.Background(), "sess_1")
	last := steps[len(steps)-1]
	if last.Result != drive.ResultRequiresIntervention {
		t.Fatalf("terminal step: got %s", last.Result)
	}
	if last.EvidenceRef == "" {
		t.Fatal("terminal step missing evidence reference")
	}
}

func TestUnknownActionRejected(t *testing.T) {
	ex := drive.NewExecutor(&fakeDriver{}, nil, newLog(t), fastOpts())
	_, err := ex.Run(context.Background(), "sess_1", []drive.Route{
		{Name: "bad", Priority: 1, Selectors: []string{"#x"}, Action: "hover"},
	})
	if err == nil {
		t.Fatal("unknown action must be rejected")
	}
}

func TestStepNumbersPerSession(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := log.Append(ctx, &drive.Step{
			SessionID: "sess_a", ActionType: drive.ActionClick, Result: drive.ResultFailed,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := log.Append(ctx, &drive.Step{
		SessionID: "sess_b", ActionType: drive.ActionClick, Result: drive.ResultSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	a, _ := log.List(ctx, "sess_a")
	b, _ := log.List(ctx, "sess_b")
	if len(a) != 3 || a[2].StepNumber != 3 {
		t.Fatalf("session a: %+v", a)
	}
	if len(b) != 1 || b[0].StepNumber != 1 {
		t.Fatalf("session b numbering must be independent: %+v", b)
	}
}
