// Package cronexpr parses and evaluates 5-field cron expressions
// (minute hour day month weekday, 0=Sunday).
//
// It is deliberately small: per-field integer sets plus a bounded
// minute-by-minute scan for next/previous occurrences.
package cronexpr
