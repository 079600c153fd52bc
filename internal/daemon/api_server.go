package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/provider"
	"conveyor/internal/store"
)

// completionSchema validates provider callback payloads before they touch the
// router. Providers are external systems; malformed callbacks must be
// rejected with a clear 400, not routed.
const completionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation_id", "ok"],
  "properties": {
    "operation_id": {"type": "string", "minLength": 1},
    "ok": {"type": "boolean"},
    "result_ref": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "error": {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledCompletionSchema = jsonschema.MustCompileString("completion.json", completionSchema)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", srv.handleStatus)
		r.Post("/test-notification", srv.handleTestNotification)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", srv.handleCreateJob)
			r.Get("/", srv.handleListJobs)
			r.Get("/{jobID}", srv.handleGetJob)
			r.Post("/{jobID}/start", srv.handleStartJob)
			r.Post("/{jobID}/cancel", srv.handleCancelJob)
			r.Post("/{jobID}/retry", srv.handleRetryJob)
			r.Delete("/{jobID}", srv.handleDeleteJob)
		})

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", srv.handleListReviews)
			r.Post("/{caseID}/decision", srv.handleReviewDecision)
		})

		r.Post("/completions", srv.handleCompletion)
		r.Get("/deadletters", srv.handleDeadLetters)
	})

	srv.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

type createJobRequest struct {
	OwnerID       string   `json:"owner_id"`
	Label         string   `json:"label"`
	Capabilities  []string `json:"capabilities"`
	FileRefs      []string `json:"file_refs"`
	FailurePolicy string   `json:"failure_policy"`
	TTLHours      int      `json:"ttl_hours"`
	Start         bool     `json:"start"`
}

func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	capabilities := make([]store.Capability, 0, len(req.Capabilities))
	for _, name := range req.Capabilities {
		capability, ok := store.ParseCapability(name)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown capability %q", name))
			return
		}
		capabilities = append(capabilities, capability)
	}

	job, err := s.daemon.store.CreateJob(r.Context(), req.OwnerID, req.Label, capabilities, req.FileRefs, req.FailurePolicy, req.TTLHours)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.Start {
		if err := s.daemon.orch.Start(r.Context(), job.ID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		job, err = s.daemon.store.GetJob(r.Context(), job.ID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, jobView(job))
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := store.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	after := r.URL.Query().Get("after")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	jobs, err := s.daemon.store.ListJobsByStatus(r.Context(), status, after, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	views := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.daemon.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	txns, err := s.daemon.store.JobTransactions(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	view := jobDetailPayload{jobPayload: jobView(job)}
	for _, txn := range txns {
		view.Transactions = append(view.Transactions, transactionView(txn))
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.daemon.orch.Start(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	job, err := s.daemon.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobView(job))
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.daemon.orch.Cancel(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	job, err := s.daemon.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

type retryJobRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

func (s *apiServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req retryJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}
	}
	retried, err := s.daemon.RetryFailed(r.Context(), jobID, req.TransactionIDs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"retried": retried})
}

func (s *apiServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.daemon.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !job.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, "job must be completed, failed, or cancelled before deletion")
		return
	}
	if err := s.daemon.store.DeleteJob(r.Context(), jobID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleListReviews(w http.ResponseWriter, r *http.Request) {
	cases, err := s.daemon.reviews.Open(r.Context(), r.URL.Query().Get("job"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	views := make([]reviewPayload, 0, len(cases))
	for _, rc := range cases {
		views = append(views, reviewView(rc))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reviews": views})
}

type decisionRequest struct {
	Decision    string `json:"decision"`
	OverrideRef string `json:"override_ref"`
}

func (s *apiServer) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	decision, ok := store.ParseReviewDecision(req.Decision)
	if !ok || decision == store.DecisionPending {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q", req.Decision))
		return
	}
	rc, err := s.daemon.reviews.Decide(r.Context(), caseID, decision, strings.TrimSpace(req.OverrideRef))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reviewView(rc))
}

type completionRequest struct {
	OperationID string  `json:"operation_id"`
	OK          bool    `json:"ok"`
	ResultRef   string  `json:"result_ref"`
	Confidence  float64 `json:"confidence"`
	Error       string  `json:"error"`
}

func (s *apiServer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode callback: %v", err))
		return
	}
	if err := compiledCompletionSchema.Validate(raw); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid callback payload: %v", err))
		return
	}

	var req completionRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode callback: %v", err))
		return
	}

	err = s.daemon.router.HandleCompletion(r.Context(), provider.Completion{
		ProviderOpID: req.OperationID,
		OK:           req.OK,
		ResultRef:    req.ResultRef,
		Confidence:   req.Confidence,
		ErrorDetail:  req.Error,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *apiServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	letters, err := s.daemon.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	views := make([]deadLetterPayload, 0, len(letters))
	for _, dl := range letters {
		views = append(views, deadLetterView(dl))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": views})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusView(status))
}

func (s *apiServer) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.TestNotification(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("send test notification: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode api response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("api request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
