// Package daemon wires the long-running conveyor process: the store, the
// provider registry and gateway, the orchestrator, the completion router, the
// poll and watchdog loops, and the HTTP API that accepts jobs, reviewer
// decisions, and provider callbacks. A file lock enforces single-instance
// execution against the shared database.
package daemon
