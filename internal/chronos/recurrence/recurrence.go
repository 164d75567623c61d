// Package recurrence validates recurrence rules before events are stored or
// scheduling messages are applied.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Reason codes carried by RuleError.
const (
	ReasonUnparsable       = "unparsable"
	ReasonMissingFreq      = "missing-freq"
	ReasonUnsupportedFreq  = "unsupported-freq"
	ReasonBadInterval      = "bad-interval"
	ReasonUntilAndCount    = "until-and-count"
	ReasonUntilBeforeStart = "until-before-start"
	ReasonCountTooHigh     = "count-too-high"
	ReasonStrayException   = "stray-exception"
	ReasonDuplicateRDate   = "duplicate-rdate"
)

// RuleError describes why a recurrence rule was rejected. Reason is stable
// and intended for programmatic mapping; Message is for humans.
type RuleError struct {
	Reason  string
	Message string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule (%s): %s", e.Reason, e.Message)
}

func ruleErrorf(reason, format string, args ...any) *RuleError {
	return &RuleError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Validator checks recurrence rules against configured limits.
type Validator struct {
	// MaxCount caps the COUNT part of a rule. Zero means the default of 999.
	MaxCount int
	// ExceptionHorizon bounds how far exception dates are verified against
	// actual occurrences. Zero means the default of ten years.
	ExceptionHorizon time.Duration
}

func (v *Validator) maxCount() int {
	if v.MaxCount > 0 {
		return v.MaxCount
	}
	return 999
}

func (v *Validator) horizon() time.Duration {
	if v.ExceptionHorizon > 0 {
		return v.ExceptionHorizon
	}
	return 10 * 365 * 24 * time.Hour
}

// ValidateRule checks a raw RRULE value (without the "RRULE:" prefix) against
// the series start.
func (v *Validator) ValidateRule(rule string, start time.Time) error {
	parts, err := splitRule(rule)
	if err != nil {
		return err
	}

	freq, ok := parts["FREQ"]
	if !ok {
		return ruleErrorf(ReasonMissingFreq, "rule %q has no FREQ part", rule)
	}
	switch freq {
	case "MINUTELY", "HOURLY", "DAILY", "WEEKLY", "MONTHLY", "YEARLY":
	case "SECONDLY":
		return ruleErrorf(ReasonUnsupportedFreq, "FREQ=SECONDLY is not supported")
	default:
		return ruleErrorf(ReasonUnsupportedFreq, "unknown frequency %q", freq)
	}

	if interval, ok := parts["INTERVAL"]; ok {
		n, err := strconv.Atoi(interval)
		if err != nil || n < 1 {
			return ruleErrorf(ReasonBadInterval, "INTERVAL=%s is not a positive integer", interval)
		}
	}

	_, hasUntil := parts["UNTIL"]
	countStr, hasCount := parts["COUNT"]
	if hasUntil && hasCount {
		return ruleErrorf(ReasonUntilAndCount, "UNTIL and COUNT are mutually exclusive")
	}
	if hasCount {
		n, err := strconv.Atoi(countStr)
		if err != nil || n < 1 {
			return ruleErrorf(ReasonUnparsable, "COUNT=%s is not a positive integer", countStr)
		}
		if n > v.maxCount() {
			return ruleErrorf(ReasonCountTooHigh, "COUNT=%d exceeds the limit of %d", n, v.maxCount())
		}
	}

	r, err := parseRule(rule, start)
	if err != nil {
		return ruleErrorf(ReasonUnparsable, "%v", err)
	}

	if hasUntil {
		until := r.Options.Until
		if !until.IsZero() && until.Before(start) {
			return ruleErrorf(ReasonUntilBeforeStart, "UNTIL %s precedes the series start %s",
				until.Format(time.RFC3339), start.Format(time.RFC3339))
		}
	}

	return nil
}

// ValidateExceptions verifies that every EXDATE hits an actual occurrence of
// the rule and that no RDATE duplicates one.
func (v *Validator) ValidateExceptions(rule string, start time.Time, exdates, rdates []time.Time) error {
	if rule == "" {
		if len(exdates) > 0 {
			return ruleErrorf(ReasonStrayException, "EXDATE on a non-recurring event")
		}
		return nil
	}
	if err := v.ValidateRule(rule, start); err != nil {
		return err
	}

	r, err := parseRule(rule, start)
	if err != nil {
		return ruleErrorf(ReasonUnparsable, "%v", err)
	}

	end := start.Add(v.horizon())
	occurrences := r.Between(start, end, true)

	for _, exdate := range exdates {
		if !matchesOccurrence(exdate, occurrences) {
			return ruleErrorf(ReasonStrayException, "EXDATE %s matches no occurrence", exdate.Format(time.RFC3339))
		}
	}
	for _, rdate := range rdates {
		if matchesOccurrence(rdate, occurrences) {
			return ruleErrorf(ReasonDuplicateRDate, "RDATE %s duplicates a rule occurrence", rdate.Format(time.RFC3339))
		}
	}
	return nil
}

// NextOccurrence returns the first occurrence of the rule strictly after the
// given instant. The second return value is false once the series is
// exhausted.
func (v *Validator) NextOccurrence(rule string, start, after time.Time) (time.Time, bool, error) {
	if rule == "" {
		if start.After(after) {
			return start, true, nil
		}
		return time.Time{}, false, nil
	}

	r, err := parseRule(rule, start)
	if err != nil {
		return time.Time{}, false, ruleErrorf(ReasonUnparsable, "%v", err)
	}

	next := r.After(after, false)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

func parseRule(rule string, start time.Time) (*rrule.RRule, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, err
	}
	r.DTStart(start.UTC())
	return r, nil
}

func splitRule(rule string) (map[string]string, error) {
	parts := map[string]string{}
	if strings.TrimSpace(rule) == "" {
		return nil, ruleErrorf(ReasonUnparsable, "empty rule")
	}
	for _, part := range strings.Split(rule, ";") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, ruleErrorf(ReasonUnparsable, "malformed part %q", part)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		if _, dup := parts[key]; dup {
			return nil, ruleErrorf(ReasonUnparsable, "duplicate part %q", key)
		}
		parts[key] = strings.TrimSpace(kv[1])
	}
	return parts, nil
}

// matchesOccurrence accepts both exact timestamp matches and date-only
// exceptions stored as midnight UTC.
func matchesOccurrence(t time.Time, occurrences []time.Time) bool {
	for _, occ := range occurrences {
		if t.Equal(occ) {
			return true
		}
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Location() == time.UTC {
			dayStart := time.Date(occ.Year(), occ.Month(), occ.Day(), 0, 0, 0, 0, time.UTC)
			if dayStart.Equal(t) {
				return true
			}
		}
	}
	return false
}
