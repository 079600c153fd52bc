package testsupport

import (
	"context"
	"fmt"
	"sync"

	"conveyor/internal/provider"
	"conveyor/internal/store"
)

// FakeProvider is a scriptable in-memory provider. Submissions are assigned
// sequential operation ids; tests drive completions by feeding the recorded
// ids into a router or by letting the poller observe scripted poll results.
type FakeProvider struct {
	capability store.Capability
	mode       store.CompletionMode

	mu          sync.Mutex
	seq         int
	submitErrs  []error
	submissions []provider.Request
	polls       map[string]provider.PollResult
	results     map[string]fetchResult
	cancelled   map[string]bool
	onSubmit    func(operationID string)
}

type fetchResult struct {
	ref        string
	confidence float64
}

// NewFakeProvider builds a callback-mode fake for the given capability.
func NewFakeProvider(capability store.Capability) *FakeProvider {
	return &FakeProvider{
		capability: capability,
		mode:       store.ModeCallback,
		polls:      make(map[string]provider.PollResult),
		results:    make(map[string]fetchResult),
		cancelled:  make(map[string]bool),
	}
}

// PollMode switches the fake to poll-mode receipts.
func (f *FakeProvider) PollMode() *FakeProvider {
	f.mode = store.ModePoll
	return f
}

// FailSubmits queues errors returned by the next Submit calls, in order.
func (f *FakeProvider) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// OnSubmit registers a callback invoked after each accepted submission with
// the assigned operation id. Tests use it to deliver completions while a
// fan-out is still in flight.
func (f *FakeProvider) OnSubmit(fn func(operationID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

// SetResult scripts the fetch payload for an operation id.
func (f *FakeProvider) SetResult(operationID, ref string, confidence float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[operationID] = fetchResult{ref: ref, confidence: confidence}
}

// SetPoll scripts the poll response for an operation id.
func (f *FakeProvider) SetPoll(operationID string, result provider.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[operationID] = result
}

// Submissions returns a copy of every accepted request.
func (f *FakeProvider) Submissions() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Request, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// LastOperationID returns the id assigned to the most recent submission.
func (f *FakeProvider) LastOperationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seq == 0 {
		return ""
	}
	return f.opID(f.seq)
}

// Cancelled reports whether an operation id received a cancel call.
func (f *FakeProvider) Cancelled(operationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[operationID]
}

func (f *FakeProvider) opID(seq int) string {
	return fmt.Sprintf("%s-op-%d", f.capability, seq)
}

// Capability implements provider.Provider.
func (f *FakeProvider) Capability() store.Capability {
	return f.capability
}

// Submit implements provider.Provider. The OnSubmit hook runs outside the
// lock so it may drive completions back through a router.
func (f *FakeProvider) Submit(ctx context.Context, req provider.Request) (provider.Receipt, error) {
	f.mu.Lock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return provider.Receipt{}, err
		}
	}
	f.seq++
	f.submissions = append(f.submissions, req)
	id := f.opID(f.seq)
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return provider.Receipt{OperationID: id, Mode: f.mode}, nil
}

// Poll implements provider.Provider.
func (f *FakeProvider) Poll(ctx context.Context, operationID string) (provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.polls[operationID]; ok {
		return result, nil
	}
	return provider.PollResult{}, nil
}

// Fetch implements provider.Provider.
func (f *FakeProvider) Fetch(ctx context.Context, operationID string) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.results[operationID]; ok {
		return result.ref, result.confidence, nil
	}
	return "ref://" + operationID, 1.0, nil
}

// Cancel implements provider.Provider.
func (f *FakeProvider) Cancel(ctx context.Context, operationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[operationID] = true
	return nil
}
