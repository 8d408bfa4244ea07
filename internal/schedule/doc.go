// Package schedule defines the scheduling data model: schedule types and
// configs, task specs, persisted schedule records, run-history entries, and
// the next-run arithmetic shared by the scheduler and its stores.
package schedule
