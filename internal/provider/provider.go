package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conveyor/internal/store"
)

// Request carries one unit of work to a provider.
type Request struct {
	JobID         string
	TransactionID string
	Capability    store.Capability
	PayloadRef    string
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	OperationID string
	Mode        store.CompletionMode
}

// PollResult reports the state of a poll-mode operation.
type PollResult struct {
	Done        bool
	OK          bool
	ResultRef   string
	Confidence  float64
	ErrorDetail string
}

// Completion is the normalized completion event fed to the router, whether it
// arrived via callback, polling, or the timeout watchdog.
type Completion struct {
	ProviderOpID string
	OK           bool
	ResultRef    string
	Confidence   float64
	ErrorDetail  string
	Timeout      bool
}

// Provider is one external processing capability. All variants conform to the
// same submit/complete contract so the orchestrator can treat every dispatch
// identically.
type Provider interface {
	Capability() store.Capability
	Submit(ctx context.Context, req Request) (Receipt, error)
	Poll(ctx context.Context, operationID string) (PollResult, error)
	Fetch(ctx context.Context, operationID string) (resultRef string, confidence float64, err error)
	Cancel(ctx context.Context, operationID string) error
}

// Registry maps capabilities to their providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[store.Capability]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[store.Capability]Provider)}
}

// Register adds or replaces the provider for its capability.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Capability()] = p
}

// Get returns the provider for a capability.
func (r *Registry) Get(capability store.Capability) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[capability]
	if !ok {
		return nil, Wrap(ErrRejected, string(capability), "lookup", "no provider registered", nil)
	}
	return p, nil
}

// Has reports whether a provider is registered for the capability.
func (r *Registry) Has(capability store.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[capability]
	return ok
}

// Capabilities returns the registered capability identifiers, sorted.
func (r *Registry) Capabilities() []store.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]store.Capability, 0, len(r.providers))
	for capability := range r.providers {
		caps = append(caps, capability)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// String implements fmt.Stringer for logging.
func (r *Registry) String() string {
	return fmt.Sprintf("registry(%v)", r.Capabilities())
}
