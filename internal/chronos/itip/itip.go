// Package itip analyzes incoming iCalendar scheduling messages (RFC 5546)
// and decides how they reconcile against stored events. The analyzer is a
// pure function over an EventSource; applying a change is the caller's job.
package itip

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Method is the iTIP method of a scheduling message.
type Method string

const (
	MethodPublish        Method = "PUBLISH"
	MethodRequest        Method = "REQUEST"
	MethodReply          Method = "REPLY"
	MethodAdd            Method = "ADD"
	MethodCancel         Method = "CANCEL"
	MethodRefresh        Method = "REFRESH"
	MethodCounter        Method = "COUNTER"
	MethodDeclineCounter Method = "DECLINECOUNTER"
)

// ChangeType classifies what a message does to a stored event.
type ChangeType string

const (
	ChangeNew    ChangeType = "new"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeIgnore ChangeType = "ignore"
)

// Action is a reaction the client may offer the user.
type Action string

const (
	ActionAccept         Action = "accept"
	ActionDecline        Action = "decline"
	ActionTentative      Action = "tentative"
	ActionApply          Action = "apply"
	ActionIgnore         Action = "ignore"
	ActionAcceptCounter  Action = "accept-counter"
	ActionDeclineCounter Action = "decline-counter"
)

// Annotations attached to change records.
const (
	AnnotationRescheduled        = "rescheduled"
	AnnotationMinorUpdate        = "minor-update"
	AnnotationOutdated           = "outdated"
	AnnotationIdentical          = "identical"
	AnnotationPartyCrasher       = "party-crasher"
	AnnotationOrphanedException  = "orphaned-exception"
	AnnotationExceptionCreated   = "exception-created"
	AnnotationInstanceCancelled  = "instance-cancelled"
	AnnotationUnknownEvent       = "unknown-event"
	AnnotationUnsupportedMethod  = "unsupported-method"
	AnnotationParticipationReset = "participation-reset"
	AnnotationCounterProposal    = "counter-proposal"
	AnnotationCounterDeclined    = "counter-declined"
	AnnotationInvalidRecurrence  = "invalid-recurrence"
)

// Message is a parsed scheduling message.
type Message struct {
	Method   Method
	Calendar *ical.Calendar
}

// ParseMessage decodes an iCalendar stream and extracts its iTIP method.
func ParseMessage(r io.Reader) (*Message, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	methodProp := cal.Props.Get(ical.PropMethod)
	if methodProp == nil || methodProp.Value == "" {
		return nil, fmt.Errorf("calendar object carries no METHOD")
	}
	return &Message{
		Method:   Method(strings.ToUpper(strings.TrimSpace(methodProp.Value))),
		Calendar: cal,
	}, nil
}

// Events returns the VEVENT components of the message, masters first.
func (m *Message) Events() []*ical.Component {
	var masters, exceptions []*ical.Component
	for _, child := range m.Calendar.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if recurrenceIDOf(child) == "" {
			masters = append(masters, child)
		} else {
			exceptions = append(exceptions, child)
		}
	}
	return append(masters, exceptions...)
}

// StoredEvent is the snapshot of a stored calendar object the analyzer
// compares an incoming component against.
type StoredEvent struct {
	UID          string
	RecurrenceID string
	Sequence     int
	DTStamp      time.Time
	Component    *ical.Component
}

// EventSource looks up stored events. Lookup returns (nil, nil) when no
// object exists for the key; recurrenceID "" addresses the series master.
type EventSource interface {
	Lookup(ctx context.Context, uid, recurrenceID string) (*StoredEvent, error)
}

// AttendeeUpdate describes a participant status change carried by a REPLY.
type AttendeeUpdate struct {
	Email    string
	PartStat string
	Comment  string
}

// Change is the analyzer's verdict for one incoming component.
type Change struct {
	Type         ChangeType
	UID          string
	RecurrenceID string
	Annotations  []string
	Incoming     *ical.Component
	Stored       *StoredEvent
	Attendee     *AttendeeUpdate
}

func (c *Change) annotate(a string) {
	for _, existing := range c.Annotations {
		if existing == a {
			return
		}
	}
	c.Annotations = append(c.Annotations, a)
}

// HasAnnotation reports whether the change carries the given annotation.
func (c *Change) HasAnnotation(a string) bool {
	for _, existing := range c.Annotations {
		if existing == a {
			return true
		}
	}
	return false
}

// Analysis is the result of analyzing one scheduling message.
type Analysis struct {
	Method  Method
	Changes []*Change
	Actions []Action
}

// propText returns the trimmed text value of a property, or "".
func propText(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return strings.TrimSpace(prop.Value)
	}
	return ""
}

func uidOf(comp *ical.Component) string {
	return propText(comp, ical.PropUID)
}

func recurrenceIDOf(comp *ical.Component) string {
	return propText(comp, ical.PropRecurrenceID)
}

func sequenceOf(comp *ical.Component) int {
	if v := propText(comp, ical.PropSequence); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// dtstampOf orders missing DTSTAMPs oldest, keeping the comparison total.
func dtstampOf(comp *ical.Component) time.Time {
	if prop := comp.Props.Get(ical.PropDateTimeStamp); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// mailto strips the mailto: prefix from a calendar user address.
func mailto(value string) string {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(v), "mailto:") {
		v = v[len("mailto:"):]
	}
	return strings.ToLower(v)
}

func organizerOf(comp *ical.Component) string {
	return mailto(propText(comp, ical.PropOrganizer))
}

type attendee struct {
	email    string
	partStat string
	comment  string
}

func attendeesOf(comp *ical.Component) []attendee {
	var result []attendee
	for _, prop := range comp.Props.Values(ical.PropAttendee) {
		a := attendee{
			email:    mailto(prop.Value),
			partStat: prop.Params.Get(ical.ParamParticipationStatus),
		}
		if a.email != "" {
			result = append(result, a)
		}
	}
	return result
}

func hasAttendee(comp *ical.Component, email string) bool {
	for _, a := range attendeesOf(comp) {
		if a.email == email {
			return true
		}
	}
	return false
}
