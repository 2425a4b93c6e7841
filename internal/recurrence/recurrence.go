// Package recurrence computes the next occurrence of a repeating schedule.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/shohag/remindrelay/internal/models"
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// Next returns the first occurrence of rule strictly after both scheduled
// and now. ok is false when the rule does not repeat or the series has
// reached its Until bound.
func Next(rule *models.Recurrence, scheduled, now time.Time) (next time.Time, ok bool, err error) {
	if !rule.Repeats() {
		return time.Time{}, false, nil
	}

	loc, err := location(rule.Timezone)
	if err != nil {
		return time.Time{}, false, err
	}

	local := scheduled.In(loc)
	hour, minute := local.Hour(), local.Minute()
	if rule.TimeOfDay != "" {
		if hour, minute, err = parseTimeOfDay(rule.TimeOfDay); err != nil {
			return time.Time{}, false, err
		}
	}

	floor := scheduled
	if now.After(floor) {
		floor = now
	}

	switch rule.Type {
	case models.RecurrenceDaily:
		next, ok = nextDaily(local, floor.In(loc), hour, minute, nil)
	case models.RecurrenceWeekly:
		days := rule.Weekdays
		if len(days) == 0 {
			days = []time.Weekday{local.Weekday()}
		}
		next, ok = nextDaily(local, floor.In(loc), hour, minute, days)
	case models.RecurrenceMonthly:
		day := rule.DayOfMonth
		if day == 0 {
			day = local.Day()
		}
		next, ok = nextMonthly(local, floor.In(loc), day, hour, minute)
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}

	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: no occurrence found", ErrInvalidRule)
	}
	if rule.Until != nil && next.After(*rule.Until) {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// nextDaily walks calendar days starting the day after orig. A nil days
// set accepts every day.
func nextDaily(orig, floor time.Time, hour, minute int, days []time.Weekday) (time.Time, bool) {
	loc := orig.Location()
	start := time.Date(orig.Year(), orig.Month(), orig.Day()+1, 0, 0, 0, 0, loc)
	if f := time.Date(floor.Year(), floor.Month(), floor.Day(), 0, 0, 0, 0, loc); f.After(start) {
		start = f
	}

	// Two weeks always covers a valid weekday set.
	for i := 0; i < 14; i++ {
		d := time.Date(start.Year(), start.Month(), start.Day()+i, hour, minute, 0, 0, loc)
		if days != nil && !containsWeekday(days, d.Weekday()) {
			continue
		}
		if d.After(floor) {
			return d, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(orig, floor time.Time, day, hour, minute int) (time.Time, bool) {
	loc := orig.Location()
	year, month := orig.Year(), orig.Month()+1
	if fy, fm := floor.Year(), floor.Month(); fy > year || (fy == year && fm > month) {
		year, month = fy, fm
	}

	for i := 0; i < 3; i++ {
		first := time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, loc)
		d := day
		if last := daysIn(first.Year(), first.Month(), loc); d > last {
			d = last
		}
		t := time.Date(first.Year(), first.Month(), d, hour, minute, 0, 0, loc)
		if t.After(floor) {
			return t, true
		}
	}
	return time.Time{}, false
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidRule, name)
	}
	return loc, nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time_of_day %q is not HH:MM", ErrInvalidRule, s)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks a rule supplied by a creation path.
func Validate(rule *models.Recurrence) error {
	if rule == nil {
		return nil
	}
	switch rule.Type {
	case models.RecurrenceOnce, models.RecurrenceDaily, models.RecurrenceWeekly, models.RecurrenceMonthly:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	for _, d := range rule.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidRule, d)
		}
	}
	if rule.DayOfMonth < 0 || rule.DayOfMonth > 31 {
		return fmt.Errorf("%w: day_of_month %d", ErrInvalidRule, rule.DayOfMonth)
	}
	if rule.TimeOfDay != "" {
		if _, _, err := parseTimeOfDay(rule.TimeOfDay); err != nil {
			return err
		}
	}
	_, err := location(rule.Timezone)
	return err
}
