package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"conveyor/internal/logging"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func newTestDaemon(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	d, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})

	srv := httptest.NewServer(d.api.server.Handler)
	t.Cleanup(srv.Close)
	return d, srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func TestCreateAndFetchJobOverAPI(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"owner_id":     "alice",
		"capabilities": []string{"ocr", "translation"},
		"file_refs":    []string{"s3://inbox/a.pdf", "s3://inbox/b.pdf"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, created)
	}
	jobID, _ := created["id"].(string)
	if jobID == "" || created["status"] != "created" {
		t.Fatalf("created = %v", created)
	}
	if created["total_transactions"].(float64) != 2 {
		t.Fatalf("total_transactions = %v", created["total_transactions"])
	}

	resp, detail := doJSON(t, http.MethodGet, srv.URL+"/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	txns, _ := detail["transactions"].([]any)
	if len(txns) != 2 {
		t.Fatalf("transactions = %v", detail["transactions"])
	}

	resp, listing := doJSON(t, http.MethodGet, srv.URL+"/api/jobs?status=created", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if jobs, _ := listing["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("jobs = %v", listing["jobs"])
	}

	// Deleting a live job is refused.
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete live job status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateJobValidationOverAPI(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"capabilities": []string{"ocr"},
		"file_refs":    []string{"s3://inbox/a.pdf"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatalf("body = %v, want error message", body)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"owner_id":     "alice",
		"capabilities": []string{"sorcery"},
		"file_refs":    []string{"s3://inbox/a.pdf"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown capability status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"owner_id":       "alice",
		"capabilities":   []string{"ocr"},
		"file_refs":      []string{"s3://inbox/a.pdf"},
		"failure_policy": "sometimes",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown failure policy status = %d, want 400", resp.StatusCode)
	}
}

func TestJobLifecycleOverAPI(t *testing.T) {
	d, srv := newTestDaemon(t)

	fake := testsupport.NewFakeProvider(store.CapabilityOCR)
	d.registry.Register(fake)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"owner_id":     "alice",
		"capabilities": []string{"ocr"},
		"file_refs":    []string{"s3://inbox/a.pdf"},
		"start":        true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %v", resp.StatusCode, created)
	}
	jobID := created["id"].(string)
	if created["status"] != string(store.JobAwaitingProviders) {
		t.Fatalf("status after immediate start = %v", created["status"])
	}

	resp, accepted := doJSON(t, http.MethodPost, srv.URL+"/api/completions", map[string]any{
		"operation_id": fake.LastOperationID(),
		"ok":           true,
		"result_ref":   "ref://out/a",
		"confidence":   0.97,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("completion status = %d: %v", resp.StatusCode, accepted)
	}

	resp, detail := doJSON(t, http.MethodGet, srv.URL+"/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusOK || detail["status"] != string(store.JobCompleted) {
		t.Fatalf("job after completion = %v (%d)", detail["status"], resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCancelJobOverAPI(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, created := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"owner_id":     "alice",
		"capabilities": []string{"ocr"},
		"file_refs":    []string{"s3://inbox/a.pdf"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	jobID := created["id"].(string)

	resp, cancelled := doJSON(t, http.MethodPost, srv.URL+"/api/jobs/"+jobID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK || cancelled["status"] != string(store.JobCancelled) {
		t.Fatalf("cancel = %v (%d)", cancelled, resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/jobs/"+jobID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", resp.StatusCode)
	}
}

func TestCompletionCallbackValidation(t *testing.T) {
	_, srv := newTestDaemon(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"missing operation id", `{"ok": true}`, http.StatusBadRequest},
		{"empty operation id", `{"operation_id": "", "ok": true}`, http.StatusBadRequest},
		{"wrong ok type", `{"operation_id": "op-1", "ok": "yes"}`, http.StatusBadRequest},
		{"confidence out of range", `{"operation_id": "op-1", "ok": true, "confidence": 1.5}`, http.StatusBadRequest},
		{"unknown field", `{"operation_id": "op-1", "ok": true, "surprise": 1}`, http.StatusBadRequest},
		{"not json", `not json at all`, http.StatusBadRequest},
		{"valid but unknown operation", `{"operation_id": "op-ghost", "ok": true}`, http.StatusAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/completions", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestReviewDecisionValidationOverAPI(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/reviews/some-case/decision", map[string]any{"decision": "maybe"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status = %d, want 400", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/reviews/some-case/decision", map[string]any{"decision": "pending"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("pending decision status = %d, want 400", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/reviews/missing-case/decision", map[string]any{"decision": "approved"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing case status = %d, want 404", resp.StatusCode)
	}

	resp, listing := doJSON(t, http.MethodGet, srv.URL+"/api/reviews", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list reviews status = %d", resp.StatusCode)
	}
	if reviews, _ := listing["reviews"].([]any); len(reviews) != 0 {
		t.Fatalf("reviews = %v, want empty", listing["reviews"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, srv := newTestDaemon(t)

	resp, status := doJSON(t, http.MethodGet, srv.URL+"/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if running, ok := status["running"].(bool); !ok || running {
		t.Fatalf("running = %v, want false before Start", status["running"])
	}
	if _, ok := status["jobs"].(map[string]any); !ok {
		t.Fatalf("jobs summary missing: %v", status)
	}
}

func TestDeadLettersEndpoint(t *testing.T) {
	d, srv := newTestDaemon(t)

	job := testsupport.MustCreateJob(t, d.store, []store.Capability{store.CapabilityOCR}, []string{"ref://a"})
	txns, err := d.store.JobTransactions(nil, job.ID)
	if err != nil {
		t.Fatalf("JobTransactions: %v", err)
	}
	dl := &store.DeadLetter{
		Kind:          "provider_operation",
		JobID:         job.ID,
		TransactionID: txns[0].ID,
		Capability:    store.CapabilityOCR,
		Detail:        "exhausted",
		Attempts:      3,
	}
	if err := d.store.AddDeadLetter(nil, dl); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/deadletters", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	letters, _ := body["dead_letters"].([]any)
	if len(letters) != 1 {
		t.Fatalf("dead_letters = %v", body["dead_letters"])
	}
	entry := letters[0].(map[string]any)
	if entry["detail"] != "exhausted" || entry["attempts"].(float64) != 3 {
		t.Fatalf("entry = %v", entry)
	}
}
