package store

// schemaVersion identifies the current database layout. The store database
// holds in-flight workflow state, not a long-term archive; schema changes bump
// this version and recreate missing objects on open.
const schemaVersion = "3"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    label TEXT NOT NULL,
    status TEXT NOT NULL,
    capabilities TEXT NOT NULL,
    failure_policy TEXT NOT NULL,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    completed_transactions INTEGER NOT NULL DEFAULT 0,
    failed_transactions INTEGER NOT NULL DEFAULT 0,
    outstanding_ops INTEGER NOT NULL DEFAULT 0,
    ttl_hours INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    source_ref TEXT NOT NULL,
    results TEXT NOT NULL DEFAULT '{}',
    needs_review INTEGER NOT NULL DEFAULT 0,
    review_reason TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_job ON transactions(job_id);

CREATE TABLE IF NOT EXISTS operation_handles (
    provider_op_id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    capability TEXT NOT NULL,
    mode TEXT NOT NULL,
    payload_ref TEXT NOT NULL DEFAULT '',
    continuation_token TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 1,
    issued_at TEXT NOT NULL,
    deadline TEXT NOT NULL,
    consumed INTEGER NOT NULL DEFAULT 0,
    consumed_at TEXT
);

-- Exactly one live handle per (transaction, capability) pair.
CREATE UNIQUE INDEX IF NOT EXISTS idx_live_handle_per_pair
    ON operation_handles(transaction_id, capability) WHERE consumed = 0;

CREATE INDEX IF NOT EXISTS idx_handles_job ON operation_handles(job_id);

CREATE TABLE IF NOT EXISTS continuations (
    token TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '{}',
    consumed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_continuations_job ON continuations(job_id);

CREATE TABLE IF NOT EXISTS review_cases (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    capability TEXT NOT NULL,
    proposed_ref TEXT NOT NULL,
    confidence REAL NOT NULL,
    decision TEXT NOT NULL DEFAULT 'pending',
    final_ref TEXT NOT NULL DEFAULT '',
    continuation_token TEXT NOT NULL,
    created_at TEXT NOT NULL,
    decided_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_review_cases_job ON review_cases(job_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT '',
    capability TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
    version TEXT NOT NULL
);
`
