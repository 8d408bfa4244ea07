package cronexpr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// searchBound caps the minute-by-minute scan in Next/Prev at roughly two
// years. Any real expression matches well within that window; hitting the
// bound means the expression is unsatisfiable (e.g. "0 0 31 2 *").
const searchBound = 2 * 366 * 24 * 60 // minutes

// ParseError describes a malformed or unsatisfiable cron expression.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cron %q: %s", e.Expr, e.Reason)
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

// Field order: minute hour day-of-month month day-of-week.
// Weekday uses 0=Sunday, matching time.Weekday directly.
var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// Schedule is a parsed 5-field cron expression (minute hour dom month dow).
//
// Each field is held as a set of permitted integers; parsing guarantees every
// set is non-empty and within its field's bounds. A Schedule is immutable and
// safe for concurrent use.
type Schedule struct {
	expr string
	loc  *time.Location

	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
}

// Parse parses expr in the local time zone.
func Parse(expr string) (*Schedule, error) {
	return ParseInLocation(expr, time.Local)
}

// ParseInLocation parses expr; Matches/Next/Prev evaluate wall-clock fields
// in loc.
func ParseInLocation(expr string, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	parts := strings.Fields(expr)
	if len(parts) != len(fieldSpecs) {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("want 5 fields, got %d", len(parts))}
	}

	sets := make([]map[int]bool, len(fieldSpecs))
	for i, part := range parts {
		set, err := parseField(part, fieldSpecs[i])
		if err != nil {
			return nil, &ParseError{Expr: expr, Reason: err.Error()}
		}
		sets[i] = set
	}

	return &Schedule{
		expr:     expr,
		loc:      loc,
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
	}, nil
}

// parseField expands one field into its value set.
//
// Grammar per comma-separated token: "*", "*/N", "A-B", or a single integer.
func parseField(raw string, spec fieldSpec) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("%s: empty list entry in %q", spec.name, raw)
		}
		if err := expandToken(tok, spec, set); err != nil {
			return nil, err
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%s: no values in %q", spec.name, raw)
	}
	return set, nil
}

func expandToken(tok string, spec fieldSpec, set map[int]bool) error {
	switch {
	case tok == "*":
		for v := spec.min; v <= spec.max; v++ {
			set[v] = true
		}
		return nil

	case strings.HasPrefix(tok, "*/"):
		step, err := strconv.Atoi(tok[2:])
		if err != nil || step <= 0 {
			return fmt.Errorf("%s: invalid step %q", spec.name, tok)
		}
		for v := spec.min; v <= spec.max; v += step {
			set[v] = true
		}
		return nil

	case strings.Contains(tok, "-"):
		lo, hi, ok := splitRange(tok)
		if !ok {
			return fmt.Errorf("%s: invalid range %q", spec.name, tok)
		}
		if lo < spec.min || hi > spec.max || lo > hi {
			return fmt.Errorf("%s: range %q out of bounds %d-%d", spec.name, tok, spec.min, spec.max)
		}
		for v := lo; v <= hi; v++ {
			set[v] = true
		}
		return nil

	default:
		v, err := strconv.Atoi(tok)
		if err != nil {
			return fmt.Errorf("%s: invalid value %q", spec.name, tok)
		}
		if v < spec.min || v > spec.max {
			return fmt.Errorf("%s: value %d out of bounds %d-%d", spec.name, v, spec.min, spec.max)
		}
		set[v] = true
		return nil
	}
}

func splitRange(tok string) (lo, hi int, ok bool) {
	i := strings.Index(tok, "-")
	if i <= 0 || i == len(tok)-1 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(tok[:i])
	hi, err2 := strconv.Atoi(tok[i+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// Expr returns the original expression string.
func (s *Schedule) Expr() string { return s.expr }

// Location returns the evaluation time zone.
func (s *Schedule) Location() *time.Location { return s.loc }

// Matches reports whether t (converted into the schedule's location) falls on
// a permitted minute.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.In(s.loc)
	return s.minutes[t.Minute()] &&
		s.hours[t.Hour()] &&
		s.days[t.Day()] &&
		s.months[int(t.Month())] &&
		s.weekdays[int(t.Weekday())]
}

// Next returns the first matching minute strictly after `after`, truncated to
// whole minutes. The scan is brute force on purpose: one comparison per
// minute is cheap at the poller's granularity and trivially correct.
func (s *Schedule) Next(after time.Time) (time.Time, error) {
	t := after.In(s.loc).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < searchBound; i++ {
		if s.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, &ParseError{Expr: s.expr, Reason: "no match found within search bound"}
}

// Prev returns the last matching minute strictly before `before`.
func (s *Schedule) Prev(before time.Time) (time.Time, error) {
	t := before.In(s.loc).Truncate(time.Minute).Add(-time.Minute)
	for i := 0; i < searchBound; i++ {
		if s.Matches(t) {
			return t, nil
		}
		t = t.Add(-time.Minute)
	}
	return time.Time{}, &ParseError{Expr: s.expr, Reason: "no match found within search bound"}
}

// Minutes returns the sorted minute set. Handy for diagnostics and tests;
// the other fields have matching accessors below.
func (s *Schedule) Minutes() []int  { return sortedKeys(s.minutes) }
func (s *Schedule) Hours() []int    { return sortedKeys(s.hours) }
func (s *Schedule) Days() []int     { return sortedKeys(s.days) }
func (s *Schedule) Months() []int   { return sortedKeys(s.months) }
func (s *Schedule) Weekdays() []int { return sortedKeys(s.weekdays) }

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
