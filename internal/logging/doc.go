// Package logging provides slog construction and attribute helpers shared by
// every conveyor component.
//
// Loggers carry a component attribute plus standardized field names for job,
// transaction, capability, and event type so console and JSON output stay
// greppable. Use NewComponentLogger to derive per-component loggers from the
// daemon root logger.
package logging
