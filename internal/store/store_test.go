package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func TestCreateJobValidation(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	cases := []struct {
		name         string
		owner        string
		capabilities []store.Capability
		refs         []string
	}{
		{"missing owner", "", []store.Capability{store.CapabilityOCR}, []string{"ref://a"}},
		{"no capabilities", "alice", nil, []string{"ref://a"}},
		{"no file refs", "alice", []store.Capability{store.CapabilityOCR}, nil},
		{"unknown capability", "alice", []store.Capability{"sorcery"}, []string{"ref://a"}},
		{"archive reserved", "alice", []store.Capability{store.CapabilityArchive}, []string{"ref://a"}},
		{"duplicate capability", "alice", []store.Capability{store.CapabilityOCR, store.CapabilityOCR}, []string{"ref://a"}},
		{"empty ref", "alice", []store.Capability{store.CapabilityOCR}, []string{"  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := st.CreateJob(ctx, tc.owner, "", tc.capabilities, tc.refs, "", 0); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateJobFailurePolicy(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, err := st.CreateJob(ctx, "alice", "", []store.Capability{store.CapabilityOCR}, []string{"ref://a"}, "sometimes", 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown failure policy, got %v", err)
	}
	job, err := st.CreateJob(ctx, "alice", "", []store.Capability{store.CapabilityOCR}, []string{"ref://a"}, " Fail_Fast ", 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.FailurePolicy != store.FailurePolicyFailFast {
		t.Fatalf("stored policy = %q, want %q", job.FailurePolicy, store.FailurePolicyFailFast)
	}
}

func TestCreateJobDerivesLabel(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	job, err := st.CreateJob(context.Background(), "alice", "", []store.Capability{store.CapabilityOCR}, []string{"s3://inbox/q3_financial-report.pdf"}, "", 0)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Label != "Q3 Financial Report" {
		t.Fatalf("unexpected derived label %q", job.Label)
	}
	if job.TotalTxns != 1 || job.Status != store.JobCreated {
		t.Fatalf("unexpected job state: %+v", job)
	}
}

func TestTransitionJobConflict(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})

	if err := st.TransitionJob(ctx, job.ID, store.JobDispatched, store.JobCreated); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	err := st.TransitionJob(ctx, job.ID, store.JobDispatched, store.JobCreated)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on repeated transition, got %v", err)
	}
	if err := st.TransitionJob(ctx, "missing", store.JobDispatched, store.JobCreated); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown job, got %v", err)
	}
}

func TestUpdateTransactionStatusGuards(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, err := st.JobTransactions(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobTransactions: %v", err)
	}
	txn := txns[0]

	if err := st.UpdateTransactionStatus(ctx, txn.ID, txn.Seq, store.TxnProcessing, ""); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	// Stale sequence loses the CAS.
	if err := st.UpdateTransactionStatus(ctx, txn.ID, txn.Seq, store.TxnCompleted, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale seq, got %v", err)
	}
	// Regression is refused even with AnySeq.
	if err := st.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnPending, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for status regression, got %v", err)
	}
	// Same-status update is a no-op, not a conflict.
	if err := st.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnProcessing, ""); err != nil {
		t.Fatalf("same-status update: %v", err)
	}

	if err := st.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnCompleted, ""); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	refreshed, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if refreshed.CompletedTxns != 1 {
		t.Fatalf("completed counter = %d, want 1", refreshed.CompletedTxns)
	}
}

func TestSetTransactionResultMergesByCapability(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR, store.CapabilityTranslation}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)
	txn := txns[0]

	if err := st.SetTransactionResult(ctx, txn.ID, store.CapabilityOCR, "ref://ocr", 0.9); err != nil {
		t.Fatalf("set ocr result: %v", err)
	}
	if err := st.SetTransactionResult(ctx, txn.ID, store.CapabilityTranslation, "ref://tr", 0.8); err != nil {
		t.Fatalf("set translation result: %v", err)
	}
	// Repeating a write overwrites the same key rather than appending.
	if err := st.SetTransactionResult(ctx, txn.ID, store.CapabilityOCR, "ref://ocr2", 0.95); err != nil {
		t.Fatalf("overwrite ocr result: %v", err)
	}

	refreshed, err := st.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if len(refreshed.Results) != 2 {
		t.Fatalf("results = %v, want 2 entries", refreshed.Results)
	}
	if got := refreshed.Results[store.CapabilityOCR]; got.Ref != "ref://ocr2" || got.Confidence != 0.95 {
		t.Fatalf("ocr result = %+v", got)
	}
}

func putHandle(t *testing.T, st *store.Store, opID, jobID, txnID string, capability store.Capability, token string) {
	t.Helper()
	now := time.Now()
	err := st.PutHandle(context.Background(), &store.OperationHandle{
		ProviderOpID:      opID,
		JobID:             jobID,
		TransactionID:     txnID,
		Capability:        capability,
		Mode:              store.ModeCallback,
		PayloadRef:        "ref://payload",
		ContinuationToken: token,
		Attempt:           1,
		IssuedAt:          now,
		Deadline:          now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("PutHandle %s: %v", opID, err)
	}
}

func TestPutHandleSupersedesLivePair(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)
	txn := txns[0]

	putHandle(t, st, "op-1", job.ID, txn.ID, store.CapabilityOCR, "tok-1")
	putHandle(t, st, "op-2", job.ID, txn.ID, store.CapabilityOCR, "tok-2")

	live, err := st.LiveHandlesForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("LiveHandlesForJob: %v", err)
	}
	if len(live) != 1 || live[0].ProviderOpID != "op-2" {
		t.Fatalf("live handles = %+v, want only op-2", live)
	}
	// The superseded handle no longer consumes.
	if _, err := st.ConsumeHandle(ctx, "op-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound consuming superseded handle, got %v", err)
	}
}

func TestConsumeHandleOnce(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)
	putHandle(t, st, "op-1", job.ID, txns[0].ID, store.CapabilityOCR, "tok-1")

	handle, err := st.ConsumeHandle(ctx, "op-1")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !handle.Consumed || handle.ConsumedAt == nil {
		t.Fatalf("handle not marked consumed: %+v", handle)
	}
	if _, err := st.ConsumeHandle(ctx, "op-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
	// The record itself remains fetchable for the redelivery recovery path.
	if _, err := st.GetHandle(ctx, "op-1"); err != nil {
		t.Fatalf("GetHandle after consume: %v", err)
	}
}

func TestTakeContinuationSingleUse(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)

	cont := &store.Continuation{
		Token:         "tok-1",
		JobID:         job.ID,
		TransactionID: txns[0].ID,
		Stage:         "await_providers",
		Context:       map[string]string{"capability": "ocr"},
	}
	if err := st.PutContinuation(ctx, cont); err != nil {
		t.Fatalf("PutContinuation: %v", err)
	}

	taken, err := st.TakeContinuation(ctx, "tok-1")
	if err != nil {
		t.Fatalf("TakeContinuation: %v", err)
	}
	if taken.Stage != "await_providers" || taken.Context["capability"] != "ocr" {
		t.Fatalf("unexpected continuation %+v", taken)
	}
	if _, err := st.TakeContinuation(ctx, "tok-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second take, got %v", err)
	}
	if _, err := st.TakeContinuation(ctx, "never-issued"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
}

func TestDecrementOutstandingFloorsAtZero(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})

	if err := st.ResetOutstanding(ctx, job.ID, 2); err != nil {
		t.Fatalf("ResetOutstanding: %v", err)
	}
	remaining, decremented, err := st.DecrementOutstanding(ctx, job.ID)
	if err != nil || !decremented || remaining != 1 {
		t.Fatalf("first decrement = (%d, %v, %v)", remaining, decremented, err)
	}
	remaining, decremented, err = st.DecrementOutstanding(ctx, job.ID)
	if err != nil || !decremented || remaining != 0 {
		t.Fatalf("second decrement = (%d, %v, %v)", remaining, decremented, err)
	}
	remaining, decremented, err = st.DecrementOutstanding(ctx, job.ID)
	if err != nil || decremented || remaining != 0 {
		t.Fatalf("drained decrement = (%d, %v, %v), want no-op at zero", remaining, decremented, err)
	}
}

func TestRetryTransactionRollsBackFailureCounter(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)
	txn := txns[0]

	if err := st.UpdateTransactionStatus(ctx, txn.ID, store.AnySeq, store.TxnFailed, "boom"); err != nil {
		t.Fatalf("fail transaction: %v", err)
	}
	if job, _ := st.GetJob(ctx, job.ID); job.FailedTxns != 1 {
		t.Fatalf("failed counter = %d, want 1", job.FailedTxns)
	}

	if err := st.RetryTransaction(ctx, txn.ID); err != nil {
		t.Fatalf("RetryTransaction: %v", err)
	}
	refreshedJob, _ := st.GetJob(ctx, job.ID)
	if refreshedJob.FailedTxns != 0 {
		t.Fatalf("failed counter = %d after retry, want 0", refreshedJob.FailedTxns)
	}
	refreshedTxn, _ := st.GetTransaction(ctx, txn.ID)
	if refreshedTxn.Status != store.RetryEntryStatus || refreshedTxn.ErrorMessage != "" {
		t.Fatalf("transaction after retry = %+v", refreshedTxn)
	}

	// Only failed transactions can be retried.
	if err := st.RetryTransaction(ctx, txn.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict retrying non-failed transaction, got %v", err)
	}
}

func TestDecideReviewCaseIsFinal(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)

	if err := st.PutContinuation(ctx, &store.Continuation{Token: "tok-r", JobID: job.ID, TransactionID: txns[0].ID, Stage: "await_review"}); err != nil {
		t.Fatalf("PutContinuation: %v", err)
	}
	rc := &store.ReviewCase{
		ID:                "case-1",
		JobID:             job.ID,
		TransactionID:     txns[0].ID,
		Capability:        store.CapabilityOCR,
		ProposedRef:       "ref://proposed",
		Confidence:        0.4,
		ContinuationToken: "tok-r",
	}
	if err := st.CreateReviewCase(ctx, rc); err != nil {
		t.Fatalf("CreateReviewCase: %v", err)
	}

	open, err := st.OpenReviewCases(ctx, job.ID)
	if err != nil || len(open) != 1 {
		t.Fatalf("OpenReviewCases = (%v, %v)", open, err)
	}

	decided, err := st.DecideReviewCase(ctx, "case-1", store.DecisionApproved, "ref://proposed")
	if err != nil {
		t.Fatalf("DecideReviewCase: %v", err)
	}
	if decided.Decision != store.DecisionApproved || decided.DecidedAt == nil {
		t.Fatalf("decided case = %+v", decided)
	}

	if _, err := st.DecideReviewCase(ctx, "case-1", store.DecisionRejected, "ref://other"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second decision, got %v", err)
	}
	if _, err := st.DecideReviewCase(ctx, "case-1", "maybe", ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad decision, got %v", err)
	}
}

func TestPurgeExpiredJobs(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	expired, err := st.CreateJob(ctx, "alice", "old", []store.Capability{store.CapabilityOCR}, []string{"ref://a"}, "", 1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.TransitionJob(ctx, expired.ID, store.JobCancelled, store.JobCreated); err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	active, err := st.CreateJob(ctx, "alice", "new", []store.Capability{store.CapabilityOCR}, []string{"ref://b"}, "", 1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	purged, err := st.PurgeExpiredJobs(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredJobs: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := st.GetJob(ctx, expired.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired job gone, got %v", err)
	}
	// Non-terminal jobs are never purged regardless of age.
	if _, err := st.GetJob(ctx, active.ID); err != nil {
		t.Fatalf("active job should survive: %v", err)
	}
}

func TestListJobsCursorPagination(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
		ids = append(ids, job.ID)
	}

	var seen []string
	after := ""
	for {
		page, err := st.ListJobsByStatus(ctx, store.JobCreated, after, 2)
		if err != nil {
			t.Fatalf("ListJobsByStatus: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, job := range page {
			seen = append(seen, job.ID)
		}
		after = page[len(page)-1].ID
	}

	if len(seen) != len(ids) {
		t.Fatalf("paginated %d jobs, want %d", len(seen), len(ids))
	}
	unique := make(map[string]bool, len(seen))
	for _, id := range seen {
		if unique[id] {
			t.Fatalf("job %s returned twice", id)
		}
		unique[id] = true
	}
}

func TestDeleteJobCascades(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)

	if err := st.PutContinuation(ctx, &store.Continuation{Token: "tok-d", JobID: job.ID, TransactionID: txns[0].ID, Stage: "await_providers"}); err != nil {
		t.Fatalf("PutContinuation: %v", err)
	}
	putHandle(t, st, "op-d", job.ID, txns[0].ID, store.CapabilityOCR, "tok-d")

	if err := st.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := st.GetJob(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job should be gone, got %v", err)
	}
	if _, err := st.GetHandle(ctx, "op-d"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("handle should be gone, got %v", err)
	}
	if _, err := st.TakeContinuation(ctx, "tok-d"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("continuation should be gone, got %v", err)
	}
}

func TestDeadLetters(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, _ := st.JobTransactions(ctx, job.ID)

	dl := &store.DeadLetter{
		Kind:          "provider_operation",
		JobID:         job.ID,
		TransactionID: txns[0].ID,
		Capability:    store.CapabilityOCR,
		Detail:        "gave up",
		Attempts:      3,
	}
	if err := st.AddDeadLetter(ctx, dl); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}

	letters, err := st.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Detail != "gave up" || letters[0].Attempts != 3 {
		t.Fatalf("dead letters = %+v", letters)
	}
}
