// Package trigger polls independently registered conditions (fixed instants,
// intervals, predicates, filesystem events) and fires callbacks when they
// hold. It is decoupled from the schedule/cron machinery on purpose: a
// trigger carries its own firing memory and nothing else.
package trigger
