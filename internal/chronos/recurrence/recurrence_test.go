package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seriesStart = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var re *RuleError
	require.True(t, errors.As(err, &re), "expected RuleError, got %v", err)
	return re.Reason
}

func TestValidateRuleAcceptsCommonRules(t *testing.T) {
	v := &Validator{}
	for _, rule := range []string{
		"FREQ=DAILY",
		"FREQ=WEEKLY;BYDAY=MO,WE,FR",
		"FREQ=MONTHLY;BYMONTHDAY=15;COUNT=12",
		"FREQ=YEARLY;UNTIL=20301231T090000Z",
		"FREQ=HOURLY;INTERVAL=6",
	} {
		assert.NoError(t, v.ValidateRule(rule, seriesStart), "rule %s", rule)
	}
}

func TestValidateRuleRejections(t *testing.T) {
	v := &Validator{MaxCount: 100}
	cases := []struct {
		rule   string
		reason string
	}{
		{"", ReasonUnparsable},
		{"COUNT=5", ReasonMissingFreq},
		{"FREQ=SECONDLY", ReasonUnsupportedFreq},
		{"FREQ=FORTNIGHTLY", ReasonUnsupportedFreq},
		{"FREQ=DAILY;INTERVAL=0", ReasonBadInterval},
		{"FREQ=DAILY;INTERVAL=abc", ReasonBadInterval},
		{"FREQ=DAILY;UNTIL=20301231T090000Z;COUNT=3", ReasonUntilAndCount},
		{"FREQ=DAILY;COUNT=101", ReasonCountTooHigh},
		{"FREQ=DAILY;COUNT=0", ReasonUnparsable},
		{"FREQ=DAILY;UNTIL=20200101T000000Z", ReasonUntilBeforeStart},
		{"FREQ=DAILY;;FREQ=WEEKLY", ReasonUnparsable},
	}
	for _, tc := range cases {
		err := v.ValidateRule(tc.rule, seriesStart)
		require.Error(t, err, "rule %q", tc.rule)
		assert.Equal(t, tc.reason, reasonOf(t, err), "rule %q", tc.rule)
	}
}

func TestValidateRuleDuplicatePart(t *testing.T) {
	v := &Validator{}
	err := v.ValidateRule("FREQ=DAILY;FREQ=WEEKLY", seriesStart)
	require.Error(t, err)
	assert.Equal(t, ReasonUnparsable, reasonOf(t, err))
}

func TestValidateExceptions(t *testing.T) {
	v := &Validator{}

	// 2024-03-04 is a Monday; the rule fires Mon/Wed/Fri at 09:00.
	rule := "FREQ=WEEKLY;BYDAY=MO,WE,FR"

	okExdate := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC) // Wednesday occurrence
	assert.NoError(t, v.ValidateExceptions(rule, seriesStart, []time.Time{okExdate}, nil))

	// Date-only EXDATE stored as midnight UTC still matches the occurrence day.
	dateOnly := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, v.ValidateExceptions(rule, seriesStart, []time.Time{dateOnly}, nil))

	badExdate := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC) // Tuesday, never fires
	err := v.ValidateExceptions(rule, seriesStart, []time.Time{badExdate}, nil)
	require.Error(t, err)
	assert.Equal(t, ReasonStrayException, reasonOf(t, err))

	dupRDate := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) // Monday occurrence
	err = v.ValidateExceptions(rule, seriesStart, nil, []time.Time{dupRDate})
	require.Error(t, err)
	assert.Equal(t, ReasonDuplicateRDate, reasonOf(t, err))

	extraRDate := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC) // Saturday, fine
	assert.NoError(t, v.ValidateExceptions(rule, seriesStart, nil, []time.Time{extraRDate}))
}

func TestValidateExceptionsNonRecurring(t *testing.T) {
	v := &Validator{}
	assert.NoError(t, v.ValidateExceptions("", seriesStart, nil, nil))

	err := v.ValidateExceptions("", seriesStart, []time.Time{seriesStart}, nil)
	require.Error(t, err)
	assert.Equal(t, ReasonStrayException, reasonOf(t, err))
}

func TestNextOccurrence(t *testing.T) {
	v := &Validator{}

	next, ok, err := v.NextOccurrence("FREQ=DAILY", seriesStart, seriesStart)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, seriesStart.Add(24*time.Hour), next)

	// Exhausted COUNT-limited series.
	after := seriesStart.Add(10 * 24 * time.Hour)
	_, ok, err = v.NextOccurrence("FREQ=DAILY;COUNT=3", seriesStart, after)
	require.NoError(t, err)
	assert.False(t, ok)

	// Non-recurring: the start itself is the only occurrence.
	next, ok, err = v.NextOccurrence("", seriesStart, seriesStart.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, seriesStart, next)

	_, ok, err = v.NextOccurrence("", seriesStart, seriesStart)
	require.NoError(t, err)
	assert.False(t, ok)
}
