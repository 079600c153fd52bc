// Package retry implements the uniform backoff and dead-letter policy applied
// to every asynchronous hand-off: provider dispatches, completion processing,
// and downstream transfers.
//
// Errors are classified as transient, permanent, or unknown; unknown errors
// are treated conservatively as transient until the attempt cap, then
// permanent. Exhausted work is quarantined in the store's dead-letter table
// rather than dropped.
package retry
