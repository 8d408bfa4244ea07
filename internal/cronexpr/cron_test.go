package cronexpr

import (
	"errors"
	"testing"
	"time"

	robfig "github.com/robfig/cron/v3"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := ParseInLocation(expr, time.UTC)
	if err != nil {
		t.Fatalf("ParseInLocation(%q) error: %v", expr, err)
	}
	return s
}

func TestParseFieldSets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr    string
		minutes []int
		hours   []int
	}{
		{expr: "*/15 * * * *", minutes: []int{0, 15, 30, 45}},
		{expr: "0 9 * * *", minutes: []int{0}, hours: []int{9}},
		{expr: "5,10,20 0-3 * * *", minutes: []int{5, 10, 20}, hours: []int{0, 1, 2, 3}},
		{expr: "59 23 * * *", minutes: []int{59}, hours: []int{23}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			s := mustParse(t, tt.expr)
			if got := s.Minutes(); !equalInts(got, tt.minutes) {
				t.Fatalf("Minutes() = %v, want %v", got, tt.minutes)
			}
			if tt.hours != nil {
				if got := s.Hours(); !equalInts(got, tt.hours) {
					t.Fatalf("Hours() = %v, want %v", got, tt.hours)
				}
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	bad := []string{
		"",
		"* * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"a * * * *",
		"*/0 * * * *",
		"*/x * * * *",
		"5-1 * * * *",
		"1- * * * *",
		"1,,2 * * * *",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("Parse(%q): expected error", expr)
		}
	}

	_, err := Parse("60 * * * *")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestNextDailyAtNine(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "0 9 * * *")

	next, err := s.Next(time.Date(2026, 1, 29, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2026, 1, 29, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}

	next, err = s.Next(time.Date(2026, 1, 29, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

// Next must land on a matching minute, and nothing strictly between the
// start and that minute may match.
func TestNextIsFirstMatch(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"*/15 * * * *",
		"30 14 * * *",
		"0 0 1 * *",
		"45 6 * * 1",
	}
	from := time.Date(2026, 3, 10, 11, 7, 23, 0, time.UTC)
	for _, expr := range exprs {
		s := mustParse(t, expr)
		next, err := s.Next(from)
		if err != nil {
			t.Fatalf("%s: Next error: %v", expr, err)
		}
		if !s.Matches(next) {
			t.Fatalf("%s: Next result %v does not match", expr, next)
		}
		if !next.After(from) {
			t.Fatalf("%s: Next result %v not after %v", expr, next, from)
		}
		for cur := from.Truncate(time.Minute).Add(time.Minute); cur.Before(next); cur = cur.Add(time.Minute) {
			if s.Matches(cur) {
				t.Fatalf("%s: %v matches before Next result %v", expr, cur, next)
			}
		}
	}
}

func TestPrev(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "0 9 * * *")
	prev, err := s.Prev(time.Date(2026, 1, 29, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Prev error: %v", err)
	}
	if want := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC); !prev.Equal(want) {
		t.Fatalf("Prev = %v, want %v", prev, want)
	}
}

func TestNextUnsatisfiable(t *testing.T) {
	t.Parallel()
	// February 31st never exists; the bounded scan must give up.
	s := mustParse(t, "0 0 31 2 *")
	_, err := s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError from unsatisfiable expression, got %v", err)
	}
}

func TestWeekdayZeroIsSunday(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "0 12 * * 0")
	sunday := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) // a Sunday
	if sunday.Weekday() != time.Sunday {
		t.Fatal("test fixture is not a Sunday")
	}
	if !s.Matches(sunday) {
		t.Fatal("expected Sunday noon to match weekday 0")
	}
	if s.Matches(sunday.AddDate(0, 0, 1)) {
		t.Fatal("Monday must not match weekday 0")
	}
}

func TestMatchesIgnoresSeconds(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "30 8 * * *")
	at := time.Date(2026, 5, 4, 8, 30, 59, 123456, time.UTC)
	if !s.Matches(at) {
		t.Fatal("seconds must not affect matching")
	}
}

func TestFixedZoneEvaluation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	s, err := ParseInLocation("0 9 * * *", loc)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	// 01:30 UTC is 08:30 in UTC+7, so the next 09:00 wall clock is 02:00 UTC.
	next, err := s.Next(time.Date(2026, 1, 29, 1, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2026, 1, 29, 9, 0, 0, 0, loc); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

// Cross-check Next against robfig/cron for expressions where both grammars
// agree (no simultaneous day-of-month and day-of-week restriction; robfig
// ORs those).
func TestNextAgainstRobfig(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"*/5 * * * *",
		"0 9 * * *",
		"15 3 1 * *",
		"0 0 * * 1",
		"30 */2 * * *",
	}
	starts := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 6, 15, 13, 37, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC),
	}
	for _, expr := range exprs {
		ours := mustParse(t, expr)
		// Pin robfig to UTC so both sides evaluate the same wall clock.
		theirs, err := robfig.ParseStandard("CRON_TZ=UTC " + expr)
		if err != nil {
			t.Fatalf("robfig rejects %q: %v", expr, err)
		}
		for _, start := range starts {
			got, err := ours.Next(start)
			if err != nil {
				t.Fatalf("%s from %v: %v", expr, start, err)
			}
			want := theirs.Next(start.UTC())
			if !got.Equal(want) {
				t.Fatalf("%s from %v: Next = %v, robfig = %v", expr, start, got, want)
			}
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
