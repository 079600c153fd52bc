package daemon

import (
	"time"

	"conveyor/internal/store"
)

type jobPayload struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Label         string    `json:"label"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	FailurePolicy string    `json:"failure_policy"`
	TotalTxns     int       `json:"total_transactions"`
	CompletedTxns int       `json:"completed_transactions"`
	FailedTxns    int       `json:"failed_transactions"`
	Outstanding   int       `json:"outstanding"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type jobDetailPayload struct {
	jobPayload
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	ID           string                   `json:"id"`
	Status       string                   `json:"status"`
	SourceRef    string                   `json:"source_ref"`
	Results      map[string]resultPayload `json:"results,omitempty"`
	NeedsReview  bool                     `json:"needs_review"`
	ReviewReason string                   `json:"review_reason,omitempty"`
	Error        string                   `json:"error,omitempty"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

type resultPayload struct {
	Ref        string  `json:"ref"`
	Confidence float64 `json:"confidence"`
}

type reviewPayload struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	TransactionID string     `json:"transaction_id"`
	Capability    string     `json:"capability"`
	ProposedRef   string     `json:"proposed_ref"`
	Confidence    float64    `json:"confidence"`
	Decision      string     `json:"decision"`
	FinalRef      string     `json:"final_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

type deadLetterPayload struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	JobID         string    `json:"job_id"`
	TransactionID string    `json:"transaction_id"`
	Capability    string    `json:"capability"`
	Detail        string    `json:"detail"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

type statusPayload struct {
	Running      bool        `json:"running"`
	DBPath       string      `json:"db_path"`
	LockFilePath string      `json:"lock_file_path"`
	Capabilities []string    `json:"capabilities"`
	Jobs         jobsSummary `json:"jobs"`
}

type jobsSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Review    int `json:"review"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func jobView(job *store.Job) jobPayload {
	capabilities := make([]string, 0, len(job.Capabilities))
	for _, capability := range job.Capabilities {
		capabilities = append(capabilities, string(capability))
	}
	return jobPayload{
		ID:            job.ID,
		OwnerID:       job.OwnerID,
		Label:         job.Label,
		Status:        string(job.Status),
		Capabilities:  capabilities,
		FailurePolicy: job.FailurePolicy,
		TotalTxns:     job.TotalTxns,
		CompletedTxns: job.CompletedTxns,
		FailedTxns:    job.FailedTxns,
		Outstanding:   job.Outstanding,
		Error:         job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

func transactionView(txn *store.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:           txn.ID,
		Status:       string(txn.Status),
		SourceRef:    txn.SourceRef,
		NeedsReview:  txn.NeedsReview,
		ReviewReason: txn.ReviewReason,
		Error:        txn.ErrorMessage,
		UpdatedAt:    txn.UpdatedAt,
	}
	if len(txn.Results) > 0 {
		payload.Results = make(map[string]resultPayload, len(txn.Results))
		for capability, result := range txn.Results {
			payload.Results[string(capability)] = resultPayload{Ref: result.Ref, Confidence: result.Confidence}
		}
	}
	return payload
}

func reviewView(rc *store.ReviewCase) reviewPayload {
	return reviewPayload{
		ID:            rc.ID,
		JobID:         rc.JobID,
		TransactionID: rc.TransactionID,
		Capability:    string(rc.Capability),
		ProposedRef:   rc.ProposedRef,
		Confidence:    rc.Confidence,
		Decision:      string(rc.Decision),
		FinalRef:      rc.FinalRef,
		CreatedAt:     rc.CreatedAt,
		DecidedAt:     rc.DecidedAt,
	}
}

func deadLetterView(dl *store.DeadLetter) deadLetterPayload {
	return deadLetterPayload{
		ID:            dl.ID,
		Kind:          dl.Kind,
		JobID:         dl.JobID,
		TransactionID: dl.TransactionID,
		Capability:    string(dl.Capability),
		Detail:        dl.Detail,
		Attempts:      dl.Attempts,
		CreatedAt:     dl.CreatedAt,
	}
}

func statusView(status Status) statusPayload {
	capabilities := make([]string, 0, len(status.Capabilities))
	for _, capability := range status.Capabilities {
		capabilities = append(capabilities, string(capability))
	}
	return statusPayload{
		Running:      status.Running,
		DBPath:       status.DBPath,
		LockFilePath: status.LockFilePath,
		Capabilities: capabilities,
		Jobs: jobsSummary{
			Total:     status.Jobs.Total,
			Active:    status.Jobs.Active,
			Review:    status.Jobs.Review,
			Completed: status.Jobs.Completed,
			Failed:    status.Jobs.Failed,
			Cancelled: status.Jobs.Cancelled,
		},
	}
}
