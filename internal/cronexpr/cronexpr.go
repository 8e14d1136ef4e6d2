// Package cronexpr parses crontab expressions into a field-set structure
// and matches them against instants, feeding the cron plugin (see
// internal/plugin/cron). It intentionally does not depend on any
// third-party cron library: spec callers need the parsed per-field
// integer sets, not just a yes/no validity check or a next-tick
// computation, and the step-validation rule (see ParseError below)
// differs from most published crontab parsers.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field identifies which of the five crontab fields is being parsed, only
// used for error messages and for selecting the alias table.
type field int

const (
	fieldMinute field = iota
	fieldHour
	fieldDOM
	fieldMonth
	fieldDOW
)

var fieldRange = [5][2]int{
	fieldMinute: {0, 59},
	fieldHour:   {0, 23},
	fieldDOM:    {1, 31},
	fieldMonth:  {1, 12},
	fieldDOW:    {0, 6},
}

var fieldName = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var monthAliases = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var weekdayAliases = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// ParseError is returned for malformed expressions, out-of-range values,
// inverted ranges, steps larger than their range's span (a step need not
// divide the span evenly), or unknown aliases.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cronexpr: invalid expression %q: %s", e.Expr, e.Reason)
}

// fieldSet represents one parsed field: either "match any" or an explicit
// set of valid integers within the field's range.
type fieldSet struct {
	wildcard bool
	values   map[int]bool
}

func (fs *fieldSet) matches(v int) bool {
	if fs.wildcard {
		return true
	}
	return fs.values[v]
}

// Schedule is the parsed structure for a cron expression.
type Schedule struct {
	minute  fieldSet
	hour    fieldSet
	dom     fieldSet
	month   fieldSet
	weekday fieldSet
	reboot  bool
	raw     string
}

// Reboot reports whether this schedule is the special @reboot form.
func (s *Schedule) Reboot() bool { return s.reboot }

// String returns the expression text as given to Parse; nicknames such
// as "@daily" are returned as written, not expanded.
func (s *Schedule) String() string { return s.raw }

var nicknames = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// Parse parses a crontab expression, including the @-nicknames.
func Parse(expr string) (*Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "@reboot" {
		return &Schedule{reboot: true, raw: trimmed}, nil
	}
	if expanded, ok := nicknames[trimmed]; ok {
		trimmed = expanded
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", len(fields))}
	}

	sched := &Schedule{raw: expr}
	var err error
	if sched.minute, err = parseField(fields[0], fieldMinute, nil); err != nil {
		return nil, wrapErr(expr, err)
	}
	if sched.hour, err = parseField(fields[1], fieldHour, nil); err != nil {
		return nil, wrapErr(expr, err)
	}
	if sched.dom, err = parseField(fields[2], fieldDOM, nil); err != nil {
		return nil, wrapErr(expr, err)
	}
	if sched.month, err = parseField(fields[3], fieldMonth, monthAliases); err != nil {
		return nil, wrapErr(expr, err)
	}
	if sched.weekday, err = parseField(fields[4], fieldDOW, weekdayAliases); err != nil {
		return nil, wrapErr(expr, err)
	}
	return sched, nil
}

func wrapErr(expr string, err error) error {
	if pe, ok := err.(*ParseError); ok {
		pe.Expr = expr
		return pe
	}
	return &ParseError{Expr: expr, Reason: err.Error()}
}

// parseField parses one comma-separated field into a fieldSet.
func parseField(raw string, f field, aliases map[string]int) (fieldSet, error) {
	lo, hi := fieldRange[f][0], fieldRange[f][1]
	fs := fieldSet{values: map[int]bool{}}

	terms := strings.Split(raw, ",")
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			return fieldSet{}, &ParseError{Reason: fmt.Sprintf("%s: empty term", fieldName[f])}
		}
		if term == "*" {
			fs.wildcard = true
			continue
		}

		// step suffix: base/n
		base := term
		step := 1
		if idx := strings.IndexByte(term, '/'); idx >= 0 {
			base = term[:idx]
			stepStr := term[idx+1:]
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return fieldSet{}, &ParseError{Reason: fmt.Sprintf("%s: invalid step %q", fieldName[f], stepStr)}
			}
			step = n
		}

		var rangeLo, rangeHi int
		switch {
		case base == "*":
			rangeLo, rangeHi = lo, hi
		case strings.Contains(base, "-"):
			parts := strings.SplitN(base, "-", 2)
			a, errA := parseValue(parts[0], f, aliases)
			b, errB := parseValue(parts[1], f, aliases)
			if errA != nil {
				return fieldSet{}, errA
			}
			if errB != nil {
				return fieldSet{}, errB
			}
			if a > b {
				return fieldSet{}, &ParseError{Reason: fmt.Sprintf("%s: range %d-%d has start after end", fieldName[f], a, b)}
			}
			rangeLo, rangeHi = a, b
		default:
			v, err := parseValue(base, f, aliases)
			if err != nil {
				return fieldSet{}, err
			}
			rangeLo, rangeHi = v, v
		}

		if rangeLo < lo || rangeHi > hi {
			return fieldSet{}, &ParseError{Reason: fmt.Sprintf("%s: value out of range [%d,%d]", fieldName[f], lo, hi)}
		}

		// step must be <= (last-first); it need not divide evenly into the span.
		span := rangeHi - rangeLo
		if step > 1 && step > span && span != 0 {
			return fieldSet{}, &ParseError{Reason: fmt.Sprintf("%s: step %d exceeds range span %d", fieldName[f], step, span)}
		}

		for v := rangeLo; v <= rangeHi; v += step {
			fs.values[v] = true
		}
	}

	return fs, nil
}

func parseValue(s string, f field, aliases map[string]int) (int, error) {
	s = strings.TrimSpace(s)
	if aliases != nil {
		if v, ok := aliases[strings.ToUpper(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ParseError{Reason: fmt.Sprintf("%s: unknown value %q", fieldName[f], s)}
	}
	return v, nil
}

// Matches reports whether t (interpreted in UTC, minute resolution)
// satisfies every field of the schedule. @reboot schedules never match.
func (s *Schedule) Matches(t time.Time) bool {
	if s.reboot {
		return false
	}
	u := t.UTC()
	return s.minute.matches(u.Minute()) &&
		s.hour.matches(u.Hour()) &&
		s.dom.matches(u.Day()) &&
		s.month.matches(int(u.Month())) &&
		s.weekday.matches(int(u.Weekday()))
}
