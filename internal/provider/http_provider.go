package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/store"
)

const userAgent = "Conveyor/0.1.0"

// HTTPProvider talks to an external processing service over a small JSON
// contract: POST /operations submits work, GET /operations/{id} reports
// progress, DELETE /operations/{id} cancels.
type HTTPProvider struct {
	capability store.Capability
	baseURL    string
	client     *http.Client
}

// NewHTTPProvider builds a provider client for one capability endpoint.
func NewHTTPProvider(capability store.Capability, baseURL string, requestTimeout time.Duration) *HTTPProvider {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &HTTPProvider{
		capability: capability,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:     &http.Client{Timeout: requestTimeout},
	}
}

// Capability implements Provider.
func (p *HTTPProvider) Capability() store.Capability {
	return p.capability
}

type submitPayload struct {
	JobID         string `json:"job_id"`
	TransactionID string `json:"transaction_id"`
	Capability    string `json:"capability"`
	PayloadRef    string `json:"payload_ref"`
}

type submitResponse struct {
	OperationID string `json:"operation_id"`
	Mode        string `json:"mode"`
}

// Submit implements Provider.
func (p *HTTPProvider) Submit(ctx context.Context, req Request) (Receipt, error) {
	body, err := json.Marshal(submitPayload{
		JobID:         req.JobID,
		TransactionID: req.TransactionID,
		Capability:    string(req.Capability),
		PayloadRef:    req.PayloadRef,
	})
	if err != nil {
		return Receipt{}, Wrap(ErrRejected, string(p.capability), "submit", "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/operations", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Wrap(ErrRejected, string(p.capability), "submit", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Receipt{}, Wrap(ErrUnavailable, string(p.capability), "submit", "request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := p.checkStatus(resp, "submit"); err != nil {
		return Receipt{}, err
	}

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Receipt{}, Wrap(ErrUnavailable, string(p.capability), "submit", "decode response", err)
	}
	if strings.TrimSpace(decoded.OperationID) == "" {
		return Receipt{}, Wrap(ErrRejected, string(p.capability), "submit", "provider returned empty operation id", nil)
	}
	mode := store.ModeCallback
	if store.CompletionMode(decoded.Mode) == store.ModePoll {
		mode = store.ModePoll
	}
	return Receipt{OperationID: decoded.OperationID, Mode: mode}, nil
}

type operationStatus struct {
	Done        bool    `json:"done"`
	OK          bool    `json:"ok"`
	ResultRef   string  `json:"result_ref"`
	Confidence  float64 `json:"confidence"`
	ErrorDetail string  `json:"error"`
}

// Poll implements Provider.
func (p *HTTPProvider) Poll(ctx context.Context, operationID string) (PollResult, error) {
	status, err := p.getOperation(ctx, operationID, "poll")
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{
		Done:        status.Done,
		OK:          status.OK,
		ResultRef:   status.ResultRef,
		Confidence:  status.Confidence,
		ErrorDetail: status.ErrorDetail,
	}, nil
}

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, operationID string) (string, float64, error) {
	status, err := p.getOperation(ctx, operationID, "fetch")
	if err != nil {
		return "", 0, err
	}
	if !status.Done || !status.OK {
		return "", 0, Wrap(ErrUnavailable, string(p.capability), "fetch", "operation not complete", nil)
	}
	return status.ResultRef, status.Confidence, nil
}

// Cancel implements Provider.
func (p *HTTPProvider) Cancel(ctx context.Context, operationID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/operations/"+operationID, nil)
	if err != nil {
		return Wrap(ErrRejected, string(p.capability), "cancel", "build request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Wrap(ErrUnavailable, string(p.capability), "cancel", "request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return p.checkStatus(resp, "cancel")
}

func (p *HTTPProvider) getOperation(ctx context.Context, operationID, operation string) (operationStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/operations/"+operationID, nil)
	if err != nil {
		return operationStatus{}, Wrap(ErrRejected, string(p.capability), operation, "build request", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return operationStatus{}, Wrap(ErrUnavailable, string(p.capability), operation, "request failed", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := p.checkStatus(resp, operation); err != nil {
		return operationStatus{}, err
	}

	var status operationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return operationStatus{}, Wrap(ErrUnavailable, string(p.capability), operation, "decode response", err)
	}
	return status, nil
}

func (p *HTTPProvider) checkStatus(resp *http.Response, operation string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Wrap(ErrRejected, string(p.capability), operation, fmt.Sprintf("status %d", resp.StatusCode), nil)
	default:
		return Wrap(ErrUnavailable, string(p.capability), operation, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
}
