package testsupport

import (
	"context"
	"sync"

	"conveyor/internal/store"
)

// RecordingNotifier captures notification events for assertions.
type RecordingNotifier struct {
	mu      sync.Mutex
	events  []string
	onEvent func(event string)
}

// NewRecordingNotifier builds an empty recorder.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

// Events returns the recorded event types in order.
func (r *RecordingNotifier) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// OnEvent registers a callback invoked after each recorded event. The hook
// runs outside the lock so it may re-enter the workflow.
func (r *RecordingNotifier) OnEvent(fn func(event string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

func (r *RecordingNotifier) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	fn := r.onEvent
	r.mu.Unlock()
	if fn != nil {
		fn(event)
	}
}

func (r *RecordingNotifier) NotifyJobCompleted(context.Context, *store.Job) error {
	r.record("job_completed")
	return nil
}

func (r *RecordingNotifier) NotifyJobFailed(context.Context, *store.Job, string) error {
	r.record("job_failed")
	return nil
}

func (r *RecordingNotifier) NotifyJobCancelled(context.Context, *store.Job) error {
	r.record("job_cancelled")
	return nil
}

func (r *RecordingNotifier) NotifyReviewRequested(context.Context, *store.ReviewCase) error {
	r.record("review_requested")
	return nil
}

func (r *RecordingNotifier) NotifyReviewEscalated(context.Context, *store.ReviewCase) error {
	r.record("review_escalated")
	return nil
}

func (r *RecordingNotifier) NotifyQuarantine(context.Context, *store.DeadLetter) error {
	r.record("quarantine")
	return nil
}

func (r *RecordingNotifier) TestNotification(context.Context) error {
	r.record("test")
	return nil
}
