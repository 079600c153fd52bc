package store

import (
	"strings"
	"time"
)

// Capability identifies one external AI processing capability.
type Capability string

const (
	CapabilityOCR            Capability = "ocr"
	CapabilityTranscription  Capability = "transcription"
	CapabilityClassification Capability = "classification"
	CapabilityVideoAnalysis  Capability = "video_analysis"
	CapabilityTranslation    Capability = "translation"

	// CapabilityArchive is the post-processing hand-off that transfers
	// consolidated outputs to external archival storage. It reuses the same
	// dispatch/await machinery as the AI capabilities.
	CapabilityArchive Capability = "archive"
)

var allCapabilities = []Capability{
	CapabilityOCR,
	CapabilityTranscription,
	CapabilityClassification,
	CapabilityVideoAnalysis,
	CapabilityTranslation,
	CapabilityArchive,
}

// AllCapabilities returns the known capability identifiers.
func AllCapabilities() []Capability {
	cp := make([]Capability, len(allCapabilities))
	copy(cp, allCapabilities)
	return cp
}

// ParseCapability converts a string into a known Capability.
func ParseCapability(value string) (Capability, bool) {
	normalized := Capability(strings.ToLower(strings.TrimSpace(value)))
	for _, capability := range allCapabilities {
		if capability == normalized {
			return capability, true
		}
	}
	return "", false
}

// CompletionMode describes how a provider signals operation completion.
type CompletionMode string

const (
	ModeCallback CompletionMode = "callback"
	ModePoll     CompletionMode = "poll"
)

// Per-job failure policy values. An empty policy on a job defers to the
// daemon-wide default.
const (
	FailurePolicyPartial  = "partial"
	FailurePolicyFailFast = "fail_fast"
)

// ParseFailurePolicy normalizes a failure policy value. Empty input is valid
// and means the default applies.
func ParseFailurePolicy(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", FailurePolicyPartial, FailurePolicyFailFast:
		return normalized, true
	}
	return "", false
}

// JobStatus represents the lifecycle of a job.
type JobStatus string

const (
	JobCreated           JobStatus = "created"
	JobDispatched        JobStatus = "dispatched"
	JobAwaitingProviders JobStatus = "awaiting_providers"
	JobConsolidating     JobStatus = "consolidating"
	JobAwaitingReview    JobStatus = "awaiting_review"
	JobPostProcessing    JobStatus = "post_processing"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
	JobCancelled         JobStatus = "cancelled"
)

var allJobStatuses = []JobStatus{
	JobCreated,
	JobDispatched,
	JobAwaitingProviders,
	JobConsolidating,
	JobAwaitingReview,
	JobPostProcessing,
	JobCompleted,
	JobFailed,
	JobCancelled,
}

// AllJobStatuses returns the ordered list of known job statuses.
func AllJobStatuses() []JobStatus {
	cp := make([]JobStatus, len(allJobStatuses))
	copy(cp, allJobStatuses)
	return cp
}

// ParseJobStatus converts a string into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allJobStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the job status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// TxnStatus represents the lifecycle of a transaction.
type TxnStatus string

const (
	TxnPending    TxnStatus = "pending"
	TxnDispatched TxnStatus = "dispatched"
	TxnProcessing TxnStatus = "processing"
	TxnCompleted  TxnStatus = "completed"
	TxnFailed     TxnStatus = "failed"
	TxnCancelled  TxnStatus = "cancelled"
)

// txnRank orders transaction statuses so regressions can be rejected.
// Terminal statuses share the top rank; moving between them is still invalid.
var txnRank = map[TxnStatus]int{
	TxnPending:    0,
	TxnDispatched: 1,
	TxnProcessing: 2,
	TxnCompleted:  3,
	TxnFailed:     3,
	TxnCancelled:  3,
}

// ValidTxnTransition reports whether moving from one transaction status to
// another respects the forward-only rule. Equal statuses are allowed so
// idempotent re-application is a no-op rather than a conflict.
func ValidTxnTransition(from, to TxnStatus) bool {
	fromRank, ok := txnRank[from]
	if !ok {
		return false
	}
	toRank, ok := txnRank[to]
	if !ok {
		return false
	}
	if from == to {
		return true
	}
	if fromRank == toRank {
		return false
	}
	return toRank > fromRank
}

// IsTerminal reports whether the transaction status is final.
func (s TxnStatus) IsTerminal() bool {
	switch s {
	case TxnCompleted, TxnFailed, TxnCancelled:
		return true
	default:
		return false
	}
}

// RetryEntryStatus is the status an explicit retry resets a failed
// transaction to.
const RetryEntryStatus = TxnDispatched

// ResultRef is an opaque reference to one capability's output artifact plus
// the provider-reported confidence for it.
type ResultRef struct {
	Ref        string  `json:"ref"`
	Confidence float64 `json:"confidence"`
}

// Job is a caller-visible unit of submitted work.
type Job struct {
	ID            string
	OwnerID       string
	Label         string
	Status        JobStatus
	Capabilities  []Capability
	FailurePolicy string
	TotalTxns     int
	CompletedTxns int
	FailedTxns    int
	Outstanding   int
	TTLHours      int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transaction is one file within a job, the smallest schedulable work item.
type Transaction struct {
	ID           string
	JobID        string
	Status       TxnStatus
	Seq          int64
	SourceRef    string
	Results      map[Capability]ResultRef
	NeedsReview  bool
	ReviewReason string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Result returns the stored result for a capability, if present.
func (t *Transaction) Result(capability Capability) (ResultRef, bool) {
	ref, ok := t.Results[capability]
	return ref, ok
}

// OperationHandle records one outstanding asynchronous provider call.
type OperationHandle struct {
	ProviderOpID      string
	JobID             string
	TransactionID     string
	Capability        Capability
	Mode              CompletionMode
	PayloadRef        string
	ContinuationToken string
	Attempt           int
	IssuedAt          time.Time
	Deadline          time.Time
	Consumed          bool
	ConsumedAt        *time.Time
}

// Continuation is a durable record allowing a suspended workflow to resume at
// the correct point with the correct context.
type Continuation struct {
	Token         string
	JobID         string
	TransactionID string
	Stage         string
	Context       map[string]string
	Consumed      bool
	CreatedAt     time.Time
}

// ReviewDecision enumerates the outcomes a human reviewer can record.
type ReviewDecision string

const (
	DecisionPending   ReviewDecision = "pending"
	DecisionApproved  ReviewDecision = "approved"
	DecisionRejected  ReviewDecision = "rejected"
	DecisionEscalated ReviewDecision = "escalated"
)

// ParseReviewDecision converts a string into a known ReviewDecision.
func ParseReviewDecision(value string) (ReviewDecision, bool) {
	normalized := ReviewDecision(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionEscalated:
		return normalized, true
	}
	return "", false
}

// ReviewCase records a human review suspension point.
type ReviewCase struct {
	ID                string
	JobID             string
	TransactionID     string
	Capability        Capability
	ProposedRef       string
	Confidence        float64
	Decision          ReviewDecision
	FinalRef          string
	ContinuationToken string
	CreatedAt         time.Time
	DecidedAt         *time.Time
}

// DeadLetter is a quarantined unit of work that exhausted its retries.
type DeadLetter struct {
	ID            int64
	Kind          string
	JobID         string
	TransactionID string
	Capability    Capability
	Detail        string
	Attempts      int
	CreatedAt     time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Active    int
	Review    int
	Completed int
	Failed    int
	Cancelled int
}
