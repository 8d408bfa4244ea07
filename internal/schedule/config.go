package schedule

import (
	"fmt"
	"time"

	"schedkit/internal/cronexpr"
)

// ValidationError reports a missing or invalid Config field. It is returned
// synchronously from scheduling calls and never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schedule config: %s: %s", e.Field, e.Reason)
}

// Validate checks that cfg carries exactly the fields its type requires.
func (cfg Config) Validate() error {
	if !cfg.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown schedule type %q", cfg.Type)}
	}

	loc, err := cfg.Location()
	if err != nil {
		return &ValidationError{Field: "timezone", Reason: err.Error()}
	}

	switch cfg.Type {
	case TypeCron:
		if cfg.Cron == "" {
			return &ValidationError{Field: "cron", Reason: "required for cron schedules"}
		}
		if _, err := cronexpr.ParseInLocation(cfg.Cron, loc); err != nil {
			return &ValidationError{Field: "cron", Reason: err.Error()}
		}
	case TypeInterval:
		if cfg.Interval <= 0 {
			return &ValidationError{Field: "interval", Reason: "must be > 0"}
		}
	case TypeOneTime:
		if cfg.RunAt.IsZero() {
			return &ValidationError{Field: "run_at", Reason: "required for one-time schedules"}
		}
	case TypeDaily:
		if _, _, err := parseHHMM(cfg.TimeOfDay); err != nil {
			return &ValidationError{Field: "time", Reason: err.Error()}
		}
	case TypeWeekly:
		if _, _, err := parseHHMM(cfg.TimeOfDay); err != nil {
			return &ValidationError{Field: "time", Reason: err.Error()}
		}
		if cfg.Weekday == nil {
			return &ValidationError{Field: "weekday", Reason: "required for weekly schedules"}
		}
		if *cfg.Weekday < 0 || *cfg.Weekday > 6 {
			return &ValidationError{Field: "weekday", Reason: "must be 0 (Sunday) through 6"}
		}
	}
	return nil
}

// NextRun computes the first run instant strictly derived from cfg relative
// to `after`.
//
// One-time schedules return their fixed instant regardless of `after`. Daily
// and weekly schedules allow a same-day run when the configured wall-clock
// time has not yet passed.
func (cfg Config) NextRun(after time.Time) (time.Time, error) {
	loc, err := cfg.Location()
	if err != nil {
		return time.Time{}, &ValidationError{Field: "timezone", Reason: err.Error()}
	}
	after = after.In(loc)

	switch cfg.Type {
	case TypeCron:
		cs, err := cronexpr.ParseInLocation(cfg.Cron, loc)
		if err != nil {
			return time.Time{}, err
		}
		return cs.Next(after)

	case TypeInterval:
		return after.Add(cfg.Interval), nil

	case TypeOneTime:
		return cfg.RunAt, nil

	case TypeDaily:
		hh, mm, err := parseHHMM(cfg.TimeOfDay)
		if err != nil {
			return time.Time{}, &ValidationError{Field: "time", Reason: err.Error()}
		}
		next := time.Date(after.Year(), after.Month(), after.Day(), hh, mm, 0, 0, loc)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case TypeWeekly:
		hh, mm, err := parseHHMM(cfg.TimeOfDay)
		if err != nil {
			return time.Time{}, &ValidationError{Field: "time", Reason: err.Error()}
		}
		if cfg.Weekday == nil {
			return time.Time{}, &ValidationError{Field: "weekday", Reason: "required for weekly schedules"}
		}
		daysAhead := (*cfg.Weekday - int(after.Weekday()) + 7) % 7
		next := time.Date(after.Year(), after.Month(), after.Day()+daysAhead, hh, mm, 0, 0, loc)
		// Target weekday is today but the wall-clock time already passed:
		// roll a full week. A still-future time today runs today.
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	default:
		return time.Time{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown schedule type %q", cfg.Type)}
	}
}

// parseHHMM parses a 24h "HH:MM" wall-clock string.
func parseHHMM(v string) (hh, mm int, err error) {
	if len(v) != 5 || v[2] != ':' {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if v[i] < '0' || v[i] > '9' {
			return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", v)
		}
	}
	hh = int(v[0]-'0')*10 + int(v[1]-'0')
	mm = int(v[3]-'0')*10 + int(v[4]-'0')
	if hh > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hh, mm, nil
}
