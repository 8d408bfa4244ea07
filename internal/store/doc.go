// Package store persists schedules and their run history.
//
// It exposes a small keyed contract (add/get/list/patch/delete with run
// cascade, a due-schedule query, and aggregate stats) with sqlite and
// in-memory backends behind a driver switch.
package store
