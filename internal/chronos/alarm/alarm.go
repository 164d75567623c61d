// Package alarm computes VALARM trigger times and maintains attendee
// participation state on VEVENT components. All functions operate on parsed
// iCalendar components in place; persisting the result is the caller's job.
package alarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/earth92/appsuite-middleware-sub014/internal/chronos/recurrence"
)

// PropAcknowledged is the RFC 9074 acknowledgement timestamp on a VALARM.
const PropAcknowledged = "ACKNOWLEDGED"

// Recurring series are scanned at most this many occurrences ahead when
// looking for the next trigger.
const maxOccurrenceScan = 1000

var occurrences = &recurrence.Validator{}

// Alarms returns the VALARM children of an event.
func Alarms(event *ical.Component) []*ical.Component {
	var alarms []*ical.Component
	for _, child := range event.Children {
		if child.Name == ical.CompAlarm {
			alarms = append(alarms, child)
		}
	}
	return alarms
}

// NextTrigger computes the next time the alarm fires strictly after now.
// Triggers at or before the RFC 9074 ACKNOWLEDGED timestamp are considered
// handled. Relative triggers on recurring events roll forward through the
// occurrences of the series. Alarms whose trigger cannot be parsed never
// fire; they are reported as exhausted rather than as an error.
func NextTrigger(event, alarm *ical.Component, now time.Time) (time.Time, bool) {
	trig := alarm.Props.Get(ical.PropTrigger)
	if trig == nil {
		return time.Time{}, false
	}

	floor := now
	if acked, ok := acknowledgedAt(alarm); ok && acked.After(floor) {
		floor = acked
	}

	if trig.Params.Get(ical.ParamValue) == string(ical.ValueDateTime) {
		at, err := trig.DateTime(time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return firstAfter(repeatChain(alarm, at), floor)
	}

	offset, err := trig.Duration()
	if err != nil {
		return time.Time{}, false
	}

	start, err := event.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil || start.IsZero() {
		return time.Time{}, false
	}
	base := start.Add(relatedDelta(event, trig))

	rule := ""
	if prop := event.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rule = strings.TrimSpace(prop.Value)
	}

	occ := base
	for i := 0; i < maxOccurrenceScan; i++ {
		if at, ok := firstAfter(repeatChain(alarm, occ.Add(offset)), floor); ok {
			return at, true
		}
		if rule == "" {
			return time.Time{}, false
		}
		next, ok, err := occurrences.NextOccurrence(rule, base, occ)
		if err != nil || !ok {
			return time.Time{}, false
		}
		occ = next
	}
	return time.Time{}, false
}

// NextEventTrigger returns the earliest pending trigger across all alarms of
// the event, along with the alarm that produces it.
func NextEventTrigger(event *ical.Component, now time.Time) (time.Time, *ical.Component, bool) {
	var (
		best      time.Time
		bestAlarm *ical.Component
	)
	for _, a := range Alarms(event) {
		at, ok := NextTrigger(event, a, now)
		if !ok {
			continue
		}
		if bestAlarm == nil || at.Before(best) {
			best, bestAlarm = at, a
		}
	}
	return best, bestAlarm, bestAlarm != nil
}

// Acknowledge marks the alarm identified by alarmUID as handled at the given
// instant, per RFC 9074.
func Acknowledge(event *ical.Component, alarmUID string, at time.Time) error {
	a, err := findAlarm(event, alarmUID)
	if err != nil {
		return err
	}
	a.Props.SetDateTime(PropAcknowledged, at.UTC())
	return nil
}

// Snooze rewrites the alarm to fire once at the given instant. Any previous
// acknowledgement is cleared so the snoozed trigger is pending again.
func Snooze(event *ical.Component, alarmUID string, until time.Time) error {
	a, err := findAlarm(event, alarmUID)
	if err != nil {
		return err
	}
	a.Props.SetDateTime(ical.PropTrigger, until.UTC())
	a.Props.Del(PropAcknowledged)
	return nil
}

// ApplyPartStat records an attendee's participation status, as carried by an
// iTIP REPLY. The comment, when present, is attached to the event.
func ApplyPartStat(event *ical.Component, email, partstat, comment string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	props := event.Props[ical.PropAttendee]
	for i := range props {
		if mailto(props[i].Value) != email {
			continue
		}
		if props[i].Params == nil {
			props[i].Params = make(ical.Params)
		}
		props[i].Params.Set(ical.ParamParticipationStatus, partstat)
		if comment != "" {
			event.Props.SetText(ical.PropComment, comment)
		}
		return nil
	}
	return fmt.Errorf("attendee %s not on event %s", email, propText(event, ical.PropUID))
}

// ResetPartStats puts every non-organizer attendee back to NEEDS-ACTION with
// RSVP requested. Called after a reschedule invalidates earlier replies.
func ResetPartStats(event *ical.Component) {
	organizer := mailto(propText(event, ical.PropOrganizer))
	props := event.Props[ical.PropAttendee]
	for i := range props {
		if organizer != "" && mailto(props[i].Value) == organizer {
			continue
		}
		if props[i].Params == nil {
			props[i].Params = make(ical.Params)
		}
		props[i].Params.Set(ical.ParamParticipationStatus, "NEEDS-ACTION")
		props[i].Params.Set(ical.ParamRSVP, "TRUE")
	}
}

func findAlarm(event *ical.Component, alarmUID string) (*ical.Component, error) {
	for _, a := range Alarms(event) {
		if propText(a, ical.PropUID) == alarmUID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no alarm %s on event %s", alarmUID, propText(event, ical.PropUID))
}

// relatedDelta returns the offset from DTSTART to the trigger's anchor.
// RELATED=END anchors at the end of the event; everything else at the start.
func relatedDelta(event *ical.Component, trig *ical.Prop) time.Duration {
	if trig.Params.Get(ical.ParamRelated) != "END" {
		return 0
	}
	start, err := event.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return 0
	}
	if end, err := event.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && !end.IsZero() {
		return end.Sub(start)
	}
	if prop := event.Props.Get(ical.PropDuration); prop != nil {
		if d, err := prop.Duration(); err == nil {
			return d
		}
	}
	return 0
}

// repeatChain expands the REPEAT/DURATION snooze chain of an alarm starting
// at the initial trigger time. A malformed chain degrades to the single
// initial trigger.
func repeatChain(alarm *ical.Component, first time.Time) []time.Time {
	chain := []time.Time{first}

	repeatProp := alarm.Props.Get("REPEAT")
	durationProp := alarm.Props.Get(ical.PropDuration)
	if repeatProp == nil || durationProp == nil {
		return chain
	}
	var repeat int
	if _, err := fmt.Sscanf(strings.TrimSpace(repeatProp.Value), "%d", &repeat); err != nil || repeat < 1 {
		return chain
	}
	interval, err := durationProp.Duration()
	if err != nil || interval <= 0 {
		return chain
	}

	at := first
	for i := 0; i < repeat; i++ {
		at = at.Add(interval)
		chain = append(chain, at)
	}
	return chain
}

func firstAfter(candidates []time.Time, floor time.Time) (time.Time, bool) {
	for _, c := range candidates {
		if c.After(floor) {
			return c, true
		}
	}
	return time.Time{}, false
}

func acknowledgedAt(alarm *ical.Component) (time.Time, bool) {
	prop := alarm.Props.Get(PropAcknowledged)
	if prop == nil {
		return time.Time{}, false
	}
	at, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func propText(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return strings.TrimSpace(prop.Value)
	}
	return ""
}

func mailto(value string) string {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(v), "mailto:") {
		v = v[len("mailto:"):]
	}
	return strings.ToLower(v)
}
