// Package store persists jobs, transactions, provider operation handles,
// suspended continuations, review cases, and dead letters in SQLite.
//
// The Store is the single source of truth for workflow state: no component
// holds authoritative state in memory across a suspension boundary. All
// concurrent mutation goes through conditional updates (sequence-guarded
// transaction writes, consumed-flag flips, bounded counter decrements) so
// duplicate deliveries and racing completions resolve deterministically.
//
// Treat this package as the authoritative home for status semantics; new
// statuses mean updating the rank tables in models.go and the schema in
// schema.go together.
package store
