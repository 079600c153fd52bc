package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// apiClient is a thin HTTP client for the daemon API.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type jobModel struct {
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
	Error         string    `json:"error"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type transactionModel struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	SourceRef    string                 `json:"source_ref"`
	Results      map[string]resultModel `json:"results"`
	NeedsReview  bool                   `json:"needs_review"`
	ReviewReason string                 `json:"review_reason"`
	Error        string                 `json:"error"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type resultModel struct {
	Ref        string  `json:"ref"`
	Confidence float64 `json:"confidence"`
}

type jobDetailModel struct {
	jobModel
	Transactions []transactionModel `json:"transactions"`
}

type reviewModel struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	TransactionID string     `json:"transaction_id"`
	Capability    string     `json:"capability"`
	ProposedRef   string     `json:"proposed_ref"`
	Confidence    float64    `json:"confidence"`
	Decision      string     `json:"decision"`
	FinalRef      string     `json:"final_ref"`
	CreatedAt     time.Time  `json:"created_at"`
	DecidedAt     *time.Time `json:"decided_at"`
}

type deadLetterModel struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	JobID         string    `json:"job_id"`
	TransactionID string    `json:"transaction_id"`
	Capability    string    `json:"capability"`
	Detail        string    `json:"detail"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

type statusModel struct {
	Running      bool     `json:"running"`
	DBPath       string   `json:"db_path"`
	LockFilePath string   `json:"lock_file_path"`
	Capabilities []string `json:"capabilities"`
	Jobs         struct {
		Total     int `json:"total"`
		Active    int `json:"active"`
		Review    int `json:"review"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
		Cancelled int `json:"cancelled"`
	} `json:"jobs"`
}

type createJobPayload struct {
	OwnerID       string   `json:"owner_id"`
	Label         string   `json:"label"`
	Capabilities  []string `json:"capabilities"`
	FileRefs      []string `json:"file_refs"`
	FailurePolicy string   `json:"failure_policy,omitempty"`
	TTLHours      int      `json:"ttl_hours,omitempty"`
	Start         bool     `json:"start,omitempty"`
}

func (c *apiClient) CreateJob(ctx context.Context, payload createJobPayload) (*jobModel, error) {
	var job jobModel
	if err := c.do(ctx, http.MethodPost, "/api/jobs", payload, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) ListJobs(ctx context.Context, status, after string, limit int) ([]jobModel, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if after != "" {
		query.Set("after", after)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/jobs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var decoded struct {
		Jobs []jobModel `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return decoded.Jobs, nil
}

func (c *apiClient) GetJob(ctx context.Context, jobID string) (*jobDetailModel, error) {
	var job jobDetailModel
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) StartJob(ctx context.Context, jobID string) (*jobModel, error) {
	var job jobModel
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/start", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) CancelJob(ctx context.Context, jobID string) (*jobModel, error) {
	var job jobModel
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) RetryJob(ctx context.Context, jobID string, txnIDs []string) (int, error) {
	payload := map[string][]string{"transaction_ids": txnIDs}
	var decoded struct {
		Retried int `json:"retried"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/retry", payload, &decoded); err != nil {
		return 0, err
	}
	return decoded.Retried, nil
}

func (c *apiClient) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *apiClient) ListReviews(ctx context.Context, jobID string) ([]reviewModel, error) {
	path := "/api/reviews"
	if jobID != "" {
		path += "?job=" + url.QueryEscape(jobID)
	}
	var decoded struct {
		Reviews []reviewModel `json:"reviews"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return decoded.Reviews, nil
}

func (c *apiClient) Decide(ctx context.Context, caseID, decision, overrideRef string) (*reviewModel, error) {
	payload := map[string]string{"decision": decision}
	if overrideRef != "" {
		payload["override_ref"] = overrideRef
	}
	var rc reviewModel
	if err := c.do(ctx, http.MethodPost, "/api/reviews/"+url.PathEscape(caseID)+"/decision", payload, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (c *apiClient) Status(ctx context.Context) (*statusModel, error) {
	var status statusModel
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) DeadLetters(ctx context.Context, limit int) ([]deadLetterModel, error) {
	path := "/api/deadletters"
	if limit > 0 {
		path += "?limit=" + fmt.Sprint(limit)
	}
	var decoded struct {
		DeadLetters []deadLetterModel `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &decoded); err != nil {
		return nil, err
	}
	return decoded.DeadLetters, nil
}

func (c *apiClient) TestNotification(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/test-notification", nil, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wrapConnectError(err, c.baseURL)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		var decoded struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil && decoded.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, decoded.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func wrapConnectError(err error, baseURL string) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to daemon at %s: connection refused; start the daemon with `conveyor daemon`", baseURL)
	}
	return fmt.Errorf("connect to daemon: %w", err)
}
