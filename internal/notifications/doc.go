// Package notifications emits structured workflow events to an external
// notification channel.
//
// Delivery is at-least-once and consumers must be idempotent; a failed send is
// logged by callers and never blocks a workflow transition. When no ntfy topic
// is configured, a noop implementation is returned.
package notifications
