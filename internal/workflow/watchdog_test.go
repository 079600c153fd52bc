package workflow_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/provider"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
	"conveyor/internal/workflow"
)

func TestWatchdogSweepConvertsExpiredHandles(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a", "ref://b"})
	txns, err := st.JobTransactions(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobTransactions: %v", err)
	}

	now := time.Now()
	expired := &store.OperationHandle{
		ProviderOpID:      "op-expired",
		JobID:             job.ID,
		TransactionID:     txns[0].ID,
		Capability:        store.CapabilityOCR,
		Mode:              store.ModeCallback,
		ContinuationToken: "tok-expired",
		Attempt:           1,
		IssuedAt:          now.Add(-time.Hour),
		Deadline:          now.Add(-time.Minute),
	}
	live := &store.OperationHandle{
		ProviderOpID:      "op-live",
		JobID:             job.ID,
		TransactionID:     txns[1].ID,
		Capability:        store.CapabilityOCR,
		Mode:              store.ModeCallback,
		ContinuationToken: "tok-live",
		Attempt:           1,
		IssuedAt:          now,
		Deadline:          now.Add(time.Hour),
	}
	for _, handle := range []*store.OperationHandle{expired, live} {
		if err := st.PutHandle(ctx, handle); err != nil {
			t.Fatalf("PutHandle %s: %v", handle.ProviderOpID, err)
		}
	}

	var delivered []provider.Completion
	sink := func(ctx context.Context, ev provider.Completion) error {
		delivered = append(delivered, ev)
		return nil
	}
	watchdog := workflow.NewWatchdog(st, sink, time.Second, logging.NewNop())
	watchdog.Sweep(ctx)

	if len(delivered) != 1 {
		t.Fatalf("delivered = %d, want only the expired handle", len(delivered))
	}
	ev := delivered[0]
	if ev.ProviderOpID != "op-expired" || ev.OK || !ev.Timeout {
		t.Fatalf("completion = %+v", ev)
	}
	if !strings.Contains(ev.ErrorDetail, "exceeded deadline") {
		t.Fatalf("detail = %q", ev.ErrorDetail)
	}
}

func TestWatchdogSweepPurgesExpiredTerminalJobs(t *testing.T) {
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	// TTL of zero means keep forever, so a terminal retained job survives
	// a sweep even with no live state left.
	job := testsupport.MustCreateJob(t, st, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	if err := st.TransitionJob(ctx, job.ID, store.JobCancelled, store.JobCreated); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	watchdog := workflow.NewWatchdog(st, func(context.Context, provider.Completion) error { return nil }, time.Second, logging.NewNop())
	watchdog.Sweep(ctx)

	if _, err := st.GetJob(ctx, job.ID); err != nil {
		t.Fatalf("retained job was purged: %v", err)
	}
}
