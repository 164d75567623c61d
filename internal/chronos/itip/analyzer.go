package itip

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/earth92/appsuite-middleware-sub014/internal/chronos/recurrence"
)

// Analyzer reconciles scheduling messages against stored events.
type Analyzer struct {
	source EventSource
	rules  *recurrence.Validator
}

func NewAnalyzer(source EventSource) *Analyzer {
	return &Analyzer{source: source, rules: &recurrence.Validator{}}
}

// Analyze inspects every component of the message and produces one change
// record per component plus the actions a client may offer. The event source
// is only read, never written.
func (a *Analyzer) Analyze(ctx context.Context, msg *Message) (*Analysis, error) {
	analysis := &Analysis{Method: msg.Method}

	events := msg.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("message contains no events")
	}

	for _, comp := range events {
		uid := uidOf(comp)
		if uid == "" {
			return nil, fmt.Errorf("event without UID in %s message", msg.Method)
		}

		var (
			change *Change
			err    error
		)
		switch msg.Method {
		case MethodRequest, MethodPublish:
			change, err = a.analyzeRequest(ctx, comp)
		case MethodReply:
			change, err = a.analyzeReply(ctx, comp)
		case MethodCancel:
			change, err = a.analyzeCancel(ctx, comp)
		case MethodCounter:
			change, err = a.analyzeCounter(ctx, comp)
		case MethodDeclineCounter:
			change = ignoreChange(comp, AnnotationCounterDeclined)
		case MethodAdd, MethodRefresh:
			change = ignoreChange(comp, AnnotationUnsupportedMethod)
		default:
			return nil, fmt.Errorf("unsupported iTIP method %q", msg.Method)
		}
		if err != nil {
			return nil, err
		}
		analysis.Changes = append(analysis.Changes, change)
	}

	analysis.Actions = suggestActions(analysis)
	return analysis, nil
}

func (a *Analyzer) analyzeRequest(ctx context.Context, comp *ical.Component) (*Change, error) {
	uid, rid := uidOf(comp), recurrenceIDOf(comp)

	change := &Change{UID: uid, RecurrenceID: rid, Incoming: comp}
	a.checkRecurrence(comp, change)

	stored, err := a.source.Lookup(ctx, uid, rid)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", uid, rid, err)
	}

	if stored == nil {
		if rid == "" {
			change.Type = ChangeNew
			return change, nil
		}
		master, err := a.source.Lookup(ctx, uid, "")
		if err != nil {
			return nil, fmt.Errorf("lookup master %s: %w", uid, err)
		}
		if master == nil {
			change.Type = ChangeNew
			change.annotate(AnnotationOrphanedException)
			return change, nil
		}
		change.Type = ChangeUpdate
		change.Stored = master
		change.annotate(AnnotationExceptionCreated)
		return change, nil
	}

	change.Stored = stored
	switch compareVersions(comp, stored) {
	case versionOlder:
		change.Type = ChangeIgnore
		change.annotate(AnnotationOutdated)
	case versionSame:
		change.Type = ChangeIgnore
		change.annotate(AnnotationIdentical)
	case versionNewer:
		change.Type = ChangeUpdate
		if rescheduled(comp, stored.Component) {
			change.annotate(AnnotationRescheduled)
			change.annotate(AnnotationParticipationReset)
		} else {
			change.annotate(AnnotationMinorUpdate)
		}
	}
	return change, nil
}

func (a *Analyzer) analyzeReply(ctx context.Context, comp *ical.Component) (*Change, error) {
	uid, rid := uidOf(comp), recurrenceIDOf(comp)

	change := &Change{UID: uid, RecurrenceID: rid, Incoming: comp}

	stored, err := a.source.Lookup(ctx, uid, rid)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", uid, rid, err)
	}
	if stored == nil && rid != "" {
		// A reply for an occurrence without a stored override targets the
		// master; applying it means creating the override.
		stored, err = a.source.Lookup(ctx, uid, "")
		if err != nil {
			return nil, fmt.Errorf("lookup master %s: %w", uid, err)
		}
		if stored != nil {
			change.annotate(AnnotationExceptionCreated)
		}
	}
	if stored == nil {
		change.Type = ChangeIgnore
		change.annotate(AnnotationUnknownEvent)
		return change, nil
	}
	change.Stored = stored

	if sequenceOf(comp) < stored.Sequence {
		change.Type = ChangeIgnore
		change.annotate(AnnotationOutdated)
		return change, nil
	}

	replying := attendeesOf(comp)
	if len(replying) == 0 {
		change.Type = ChangeIgnore
		change.annotate(AnnotationUnknownEvent)
		return change, nil
	}

	// RFC 5546 3.2.3: a REPLY carries exactly the replying attendee.
	att := replying[0]
	change.Type = ChangeUpdate
	change.Attendee = &AttendeeUpdate{
		Email:    att.email,
		PartStat: att.partStat,
		Comment:  propText(comp, ical.PropComment),
	}
	if !hasAttendee(stored.Component, att.email) {
		change.annotate(AnnotationPartyCrasher)
	}
	return change, nil
}

func (a *Analyzer) analyzeCancel(ctx context.Context, comp *ical.Component) (*Change, error) {
	uid, rid := uidOf(comp), recurrenceIDOf(comp)

	change := &Change{UID: uid, RecurrenceID: rid, Incoming: comp}

	master, err := a.source.Lookup(ctx, uid, "")
	if err != nil {
		return nil, fmt.Errorf("lookup master %s: %w", uid, err)
	}
	if master == nil {
		change.Type = ChangeIgnore
		change.annotate(AnnotationUnknownEvent)
		return change, nil
	}
	change.Stored = master

	if sequenceOf(comp) < master.Sequence {
		change.Type = ChangeIgnore
		change.annotate(AnnotationOutdated)
		return change, nil
	}

	if rid == "" {
		change.Type = ChangeDelete
		return change, nil
	}

	// Cancelling a single instance means adding an EXDATE to the master.
	change.Type = ChangeUpdate
	change.annotate(AnnotationInstanceCancelled)
	return change, nil
}

func (a *Analyzer) analyzeCounter(ctx context.Context, comp *ical.Component) (*Change, error) {
	uid, rid := uidOf(comp), recurrenceIDOf(comp)

	change := &Change{UID: uid, RecurrenceID: rid, Incoming: comp}

	stored, err := a.source.Lookup(ctx, uid, rid)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", uid, rid, err)
	}
	if stored == nil {
		change.Type = ChangeIgnore
		change.annotate(AnnotationUnknownEvent)
		return change, nil
	}
	change.Stored = stored

	if sequenceOf(comp) < stored.Sequence {
		change.Type = ChangeIgnore
		change.annotate(AnnotationOutdated)
		return change, nil
	}

	change.Type = ChangeUpdate
	change.annotate(AnnotationCounterProposal)
	return change, nil
}

func (a *Analyzer) checkRecurrence(comp *ical.Component, change *Change) {
	rule := propText(comp, ical.PropRecurrenceRule)
	if rule == "" {
		return
	}
	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		change.annotate(AnnotationInvalidRecurrence)
		return
	}
	if err := a.rules.ValidateRule(rule, start); err != nil {
		change.annotate(AnnotationInvalidRecurrence)
	}
}

func ignoreChange(comp *ical.Component, annotation string) *Change {
	change := &Change{
		UID:          uidOf(comp),
		RecurrenceID: recurrenceIDOf(comp),
		Incoming:     comp,
		Type:         ChangeIgnore,
	}
	change.annotate(annotation)
	return change
}

type versionOrder int

const (
	versionOlder versionOrder = iota - 1
	versionSame
	versionNewer
)

// compareVersions orders an incoming component against a stored snapshot by
// SEQUENCE, breaking ties with DTSTAMP. Missing DTSTAMPs order oldest.
func compareVersions(comp *ical.Component, stored *StoredEvent) versionOrder {
	seq := sequenceOf(comp)
	switch {
	case seq > stored.Sequence:
		return versionNewer
	case seq < stored.Sequence:
		return versionOlder
	}

	stamp := dtstampOf(comp)
	switch {
	case stamp.After(stored.DTStamp):
		return versionNewer
	case stamp.Before(stored.DTStamp):
		return versionOlder
	default:
		return versionSame
	}
}

// rescheduled reports whether the incoming component moves the event in time:
// DTSTART, DTEND, DURATION, or the recurrence set changed.
func rescheduled(incoming, stored *ical.Component) bool {
	if stored == nil {
		return false
	}
	for _, name := range []string{
		ical.PropDateTimeStart,
		ical.PropDateTimeEnd,
		ical.PropDuration,
		ical.PropRecurrenceRule,
		ical.PropRecurrenceDates,
		ical.PropExceptionDates,
	} {
		if propText(incoming, name) != propText(stored, name) {
			return true
		}
	}
	return false
}

// suggestActions derives the set of reactions a client can sensibly offer.
func suggestActions(analysis *Analysis) []Action {
	var actions []Action
	add := func(a Action) {
		for _, existing := range actions {
			if existing == a {
				return
			}
		}
		actions = append(actions, a)
	}

	for _, change := range analysis.Changes {
		switch {
		case change.Type == ChangeIgnore:
			add(ActionIgnore)
		case analysis.Method == MethodCounter:
			add(ActionAcceptCounter)
			add(ActionDeclineCounter)
		case analysis.Method == MethodPublish:
			add(ActionApply)
			add(ActionIgnore)
		case analysis.Method == MethodRequest && (change.Type == ChangeNew || change.HasAnnotation(AnnotationRescheduled)):
			add(ActionAccept)
			add(ActionTentative)
			add(ActionDecline)
		default:
			add(ActionApply)
			add(ActionIgnore)
		}
	}
	return actions
}
