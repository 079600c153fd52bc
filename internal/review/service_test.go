package review_test

import (
	"context"
	"errors"
	"testing"

	"conveyor/internal/logging"
	"conveyor/internal/provider"
	"conveyor/internal/retry"
	"conveyor/internal/review"
	"conveyor/internal/router"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
	"conveyor/internal/workflow"
)

type fixture struct {
	store    *store.Store
	notifier *testsupport.RecordingNotifier
	service  *review.Service
	orch     *workflow.Orchestrator
	router   *router.Router
}

// newFixture drives a one-transaction job into the review gate and returns
// the pending case alongside the wired services.
func newFixture(t *testing.T) (*fixture, *store.Job, *store.ReviewCase) {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithReviewThreshold(0.8))
	st := testsupport.MustOpenStore(t, cfg)
	registry := provider.NewRegistry()
	fake := testsupport.NewFakeProvider(store.CapabilityOCR)
	registry.Register(fake)
	gateway := provider.NewGateway(cfg, st, registry, logging.NewNop())
	notifier := testsupport.NewRecordingNotifier()
	orch := workflow.NewOrchestrator(cfg, st, gateway, notifier, logging.NewNop())
	rt := router.New(st, gateway, orch, retry.FromConfig(cfg), notifier, logging.NewNop())
	svc := review.NewService(st, orch, notifier, logging.NewNop())
	f := &fixture{store: st, notifier: notifier, service: svc, orch: orch, router: rt}

	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	if err := orch.Start(ctx, job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rt.HandleCompletion(ctx, provider.Completion{
		ProviderOpID: fake.LastOperationID(),
		OK:           true,
		ResultRef:    "ref://out/shaky",
		Confidence:   0.3,
	}); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	open, err := st.OpenReviewCases(ctx, job.ID)
	if err != nil || len(open) != 1 {
		t.Fatalf("OpenReviewCases = (%v, %v), want one pending case", open, err)
	}
	return f, job, open[0]
}

func TestApproveResumesAtFullConfidence(t *testing.T) {
	f, job, rc := newFixture(t)
	ctx := context.Background()

	decided, err := f.service.Decide(ctx, rc.ID, store.DecisionApproved, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Decision != store.DecisionApproved || decided.FinalRef != "ref://out/shaky" {
		t.Fatalf("decided = %+v", decided)
	}

	refreshed, _ := f.store.GetJob(ctx, job.ID)
	if refreshed.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed", refreshed.Status)
	}
	txns, _ := f.store.JobTransactions(ctx, job.ID)
	txn := txns[0]
	result, _ := txn.Result(store.CapabilityOCR)
	if result.Ref != "ref://out/shaky" || result.Confidence != 1.0 {
		t.Fatalf("result = %+v, want proposal at full confidence", result)
	}
	if txn.NeedsReview {
		t.Fatal("review flag not cleared on approval")
	}
}

func TestRejectRequiresOverrideAndReplacesResult(t *testing.T) {
	f, job, rc := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Decide(ctx, rc.ID, store.DecisionRejected, ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("reject without override = %v, want ErrValidation", err)
	}

	decided, err := f.service.Decide(ctx, rc.ID, store.DecisionRejected, "ref://corrected")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.FinalRef != "ref://corrected" {
		t.Fatalf("final ref = %q", decided.FinalRef)
	}

	txns, _ := f.store.JobTransactions(ctx, job.ID)
	result, _ := txns[0].Result(store.CapabilityOCR)
	if result.Ref != "ref://corrected" || result.Confidence != 1.0 {
		t.Fatalf("result = %+v, want override at full confidence", result)
	}
	refreshed, _ := f.store.GetJob(ctx, job.ID)
	if refreshed.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed", refreshed.Status)
	}
}

func TestEscalateKeepsFlagAndNotifies(t *testing.T) {
	f, job, rc := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Decide(ctx, rc.ID, store.DecisionEscalated, "ref://nope"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("escalate with override = %v, want ErrValidation", err)
	}

	decided, err := f.service.Decide(ctx, rc.ID, store.DecisionEscalated, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Decision != store.DecisionEscalated {
		t.Fatalf("decided = %+v", decided)
	}

	// Escalation unblocks the job but keeps the transaction marked for
	// follow-up, carrying the proposal at its original confidence.
	refreshed, _ := f.store.GetJob(ctx, job.ID)
	if refreshed.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed", refreshed.Status)
	}
	txns, _ := f.store.JobTransactions(ctx, job.ID)
	txn := txns[0]
	if !txn.NeedsReview {
		t.Fatal("escalation must keep the review flag set")
	}
	result, _ := txn.Result(store.CapabilityOCR)
	if result.Ref != "ref://out/shaky" || result.Confidence != 0.3 {
		t.Fatalf("result = %+v, want proposal at original confidence", result)
	}
	if !hasEvent(f.notifier.Events(), "review_escalated") {
		t.Fatalf("events = %v", f.notifier.Events())
	}
}

func TestSecondDecisionConflicts(t *testing.T) {
	f, _, rc := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.Decide(ctx, rc.ID, store.DecisionApproved, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := f.service.Decide(ctx, rc.ID, store.DecisionRejected, "ref://other"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second decision = %v, want ErrConflict", err)
	}
}

func TestOpenScopesToJob(t *testing.T) {
	f, job, rc := newFixture(t)
	ctx := context.Background()

	scoped, err := f.service.Open(ctx, job.ID)
	if err != nil || len(scoped) != 1 || scoped[0].ID != rc.ID {
		t.Fatalf("Open(job) = (%v, %v)", scoped, err)
	}
	all, err := f.service.Open(ctx, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("Open() = (%v, %v)", all, err)
	}
	if cases, err := f.service.Open(ctx, "missing-job"); err != nil || len(cases) != 0 {
		t.Fatalf("Open(missing) = (%v, %v)", cases, err)
	}
}

func hasEvent(events []string, want string) bool {
	for _, ev := range events {
		if ev == want {
			return true
		}
	}
	return false
}
