// Package workflow drives jobs through their processing stages.
//
// The Orchestrator is a suspend/resume state machine: starting a job fans out
// one provider dispatch per (transaction, capability), records a suspended
// continuation per dispatch, and returns immediately. Completion events take
// the matching continuation and advance the job — an atomic "last one out"
// decrement on the per-job outstanding counter decides when a fan-in fires,
// so completions for different transactions can arrive in any order and
// concurrently. Consolidation feeds the human review gate when automated
// confidence is too low, post-processing reuses the same dispatch/await
// machinery for archive hand-offs, and finalization applies the configured
// failure policy.
//
// No state survives in memory across a suspension boundary; everything the
// resume path needs is persisted before the suspend, so a process restart
// loses nothing. The Watchdog bounds every suspension with a
// capability-specific timeout so no job is ever silently stuck.
package workflow
