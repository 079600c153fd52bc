// Package router turns normalized provider completion events into workflow
// progress.
//
// Every event passes through the same narrow gate regardless of origin
// (callback, poller, or watchdog timeout): consume the operation handle,
// record the outcome on the transaction, then resume the suspended
// continuation. The consume-first ordering makes duplicate deliveries
// harmless, and a redelivery that finds a consumed handle with a still-live
// continuation re-runs the recording and resume steps so a crash between them
// loses nothing. Failed operations are re-dispatched with a fresh attempt
// while the attempt budget lasts; exhausted units are quarantined to the dead
// letter table.
package router
