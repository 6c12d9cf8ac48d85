// Package recurrence computes occurrences of daily, weekly and monthly schedules.
//
// Monthly schedules are calendar aware. When the target month is shorter than
// the anchor day, the occurrence is clamped to the last day of that month and
// the following occurrence returns to the anchor day (Jan 31, Feb 28, Mar 31).
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/courier/internal/models"
)

// Supported patterns
const (
	Daily   = "daily"
	Weekly  = "weekly"
	Monthly = "monthly"
)

// ErrUnknownPattern is returned for patterns other than daily, weekly and monthly
var ErrUnknownPattern = errors.New("unknown recurrence pattern")

// Next returns the occurrence following from. Interval values below 1 count as 1.
// The result is always strictly after from.
func Next(pattern string, interval int, from time.Time) (time.Time, error) {
	return next(pattern, interval, from, from.Day())
}

func next(pattern string, interval int, from time.Time, anchorDay int) (time.Time, error) {
	if interval < 1 {
		interval = 1
	}

	switch strings.ToLower(pattern) {
	case Daily:
		return from.AddDate(0, 0, interval), nil
	case Weekly:
		return from.AddDate(0, 0, 7*interval), nil
	case Monthly:
		return addMonths(from, interval, anchorDay), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
}

// addMonths moves t forward by n calendar months onto day, clamped to the month length
func addMonths(t time.Time, n, day int) time.Time {
	y, m, _ := t.Date()
	hh, mm, ss := t.Clock()

	// Day 1 never overflows, so normalization only carries months into years
	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Rule is a recurrence definition with an optional end date
type Rule struct {
	Pattern  string
	Interval int
	EndDate  *time.Time
	// Anchor is the first occurrence; monthly rules keep its day of month
	Anchor *time.Time
}

// FromModel builds a rule from persisted recurrence fields
func FromModel(r models.Recurrence) Rule {
	return Rule{
		Pattern:  r.RecurringPattern,
		Interval: r.RecurringInterval,
		EndDate:  r.RecurringEndDate,
		Anchor:   r.RecurringAnchor,
	}
}

// Validate checks the pattern and interval
func (r Rule) Validate() error {
	switch strings.ToLower(r.Pattern) {
	case Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPattern, r.Pattern)
	}
	if r.Interval < 0 {
		return fmt.Errorf("recurrence interval must not be negative: %d", r.Interval)
	}
	return nil
}

// Next returns the occurrence after from, ignoring the end date
func (r Rule) Next(from time.Time) (time.Time, error) {
	day := from.Day()
	if r.Anchor != nil {
		day = r.Anchor.In(from.Location()).Day()
	}
	return next(r.Pattern, r.Interval, from, day)
}

// Advance returns the next run after from, or nil when the rule has lapsed
// because the next run falls after the end date.
func (r Rule) Advance(from time.Time) (*time.Time, error) {
	n, err := r.Next(from)
	if err != nil {
		return nil, err
	}
	if r.Lapsed(n) {
		return nil, nil
	}
	return &n, nil
}

// Lapsed reports whether an occurrence at t is past the end date
func (r Rule) Lapsed(t time.Time) bool {
	return r.EndDate != nil && t.After(*r.EndDate)
}

// maxCatchUp bounds how many missed occurrences AdvancePast skips
const maxCatchUp = 100000

// AdvancePast returns the first run after from that is also after now, skipping
// occurrences missed while the engine was down. It returns nil once lapsed.
func (r Rule) AdvancePast(from, now time.Time) (*time.Time, error) {
	t := from
	for i := 0; i < maxCatchUp; i++ {
		n, err := r.Advance(t)
		if err != nil || n == nil {
			return n, err
		}
		if n.After(now) {
			return n, nil
		}
		t = *n
	}
	return nil, fmt.Errorf("recurrence did not pass %s after %d occurrences", now.Format(time.RFC3339), maxCatchUp)
}
