package store

import "time"

// User is a person authenticated against the LDAP directory.
type User struct {
	ID          int64
	LoginName   string
	LDAPDN      string
	DisplayName string
	Mail        string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Event stores a raw iCalendar object and the scheduling metadata the iTIP
// analyzer compares against. RecurrenceID is empty for the series master.
type Event struct {
	ID           int64
	UserID       int64
	UID          string
	RecurrenceID string
	Sequence     int
	DTStamp      time.Time
	RawICAL      string
	ETag         string
	LastModified time.Time
}

// OAuthAccount is a stored third-party OAuth grant belonging to a user.
type OAuthAccount struct {
	ID           int64
	UserID       int64
	Provider     string
	Subject      string
	Mail         string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
	NeedsReauth  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PushSubscription registers a client endpoint with a push transport.
// Token is transport-specific: an APNs device token, a webhook callback URL,
// or a WebSocket client identifier.
type PushSubscription struct {
	ID        string
	UserID    int64
	Transport string
	Token     string
	Client    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// AlarmState tracks per-user acknowledge/snooze bookkeeping for a VALARM.
type AlarmState struct {
	ID             int64
	UserID         int64
	EventUID       string
	AlarmUID       string
	AcknowledgedAt *time.Time
	SnoozedUntil   *time.Time
}
