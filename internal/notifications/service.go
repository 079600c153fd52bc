package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/store"
)

const userAgent = "Conveyor/0.1.0"

// Event is the structured payload emitted on every notification.
type Event struct {
	JobID     string    `json:"jobId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyJobCompleted(ctx context.Context, job *store.Job) error
	NotifyJobFailed(ctx context.Context, job *store.Job, reason string) error
	NotifyJobCancelled(ctx context.Context, job *store.Job) error
	NotifyReviewRequested(ctx context.Context, rc *store.ReviewCase) error
	NotifyReviewEscalated(ctx context.Context, rc *store.ReviewCase) error
	NotifyQuarantine(ctx context.Context, dl *store.DeadLetter) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	event    Event
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, job *store.Job) error {
	detail := fmt.Sprintf("%s: %d/%d transactions completed", job.Label, job.CompletedTxns, job.TotalTxns)
	if job.FailedTxns > 0 {
		detail = fmt.Sprintf("%s (%d failed)", detail, job.FailedTxns)
	}
	return n.send(ctx, payload{
		title:    "Conveyor - Job Completed",
		event:    Event{JobID: job.ID, EventType: "job_completed", Timestamp: time.Now().UTC(), Detail: detail},
		tags:     []string{"conveyor", "job", "completed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, job *store.Job, reason string) error {
	detail := strings.TrimSpace(fmt.Sprintf("%s: %s", job.Label, reason))
	return n.send(ctx, payload{
		title:    "Conveyor - Job Failed",
		event:    Event{JobID: job.ID, EventType: "job_failed", Timestamp: time.Now().UTC(), Detail: detail},
		tags:     []string{"conveyor", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyJobCancelled(ctx context.Context, job *store.Job) error {
	return n.send(ctx, payload{
		title: "Conveyor - Job Cancelled",
		event: Event{JobID: job.ID, EventType: "job_cancelled", Timestamp: time.Now().UTC(), Detail: job.Label},
		tags:  []string{"conveyor", "job", "cancelled"},
	})
}

func (n *ntfyService) NotifyReviewRequested(ctx context.Context, rc *store.ReviewCase) error {
	detail := fmt.Sprintf("transaction %s needs review: %s confidence %.2f", rc.TransactionID, rc.Capability, rc.Confidence)
	return n.send(ctx, payload{
		title: "Conveyor - Review Requested",
		event: Event{JobID: rc.JobID, EventType: "review_requested", Timestamp: time.Now().UTC(), Detail: detail},
		tags:  []string{"conveyor", "review", "requested"},
	})
}

func (n *ntfyService) NotifyReviewEscalated(ctx context.Context, rc *store.ReviewCase) error {
	detail := fmt.Sprintf("review case %s escalated for transaction %s", rc.ID, rc.TransactionID)
	return n.send(ctx, payload{
		title:    "Conveyor - Review Escalated",
		event:    Event{JobID: rc.JobID, EventType: "review_escalated", Timestamp: time.Now().UTC(), Detail: detail},
		tags:     []string{"conveyor", "review", "escalated"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyQuarantine(ctx context.Context, dl *store.DeadLetter) error {
	detail := fmt.Sprintf("%s quarantined after %d attempts: %s", dl.Kind, dl.Attempts, dl.Detail)
	return n.send(ctx, payload{
		title:    "Conveyor - Work Quarantined",
		event:    Event{JobID: dl.JobID, EventType: "quarantine", Timestamp: time.Now().UTC(), Detail: detail},
		tags:     []string{"conveyor", "dead-letter"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "Conveyor - Test",
		event:    Event{EventType: "test", Timestamp: time.Now().UTC(), Detail: "notification system test"},
		tags:     []string{"conveyor", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	body, err := json.Marshal(data.event)
	if err != nil {
		return fmt.Errorf("encode notification event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, *store.Job) error           { return nil }
func (noopService) NotifyJobFailed(context.Context, *store.Job, string) error      { return nil }
func (noopService) NotifyJobCancelled(context.Context, *store.Job) error           { return nil }
func (noopService) NotifyReviewRequested(context.Context, *store.ReviewCase) error { return nil }
func (noopService) NotifyReviewEscalated(context.Context, *store.ReviewCase) error { return nil }
func (noopService) NotifyQuarantine(context.Context, *store.DeadLetter) error      { return nil }
func (noopService) TestNotification(context.Context) error                         { return nil }
