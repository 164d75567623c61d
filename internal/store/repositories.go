package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	UpsertLDAPUser(ctx context.Context, login, dn, displayName, mail string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
}

// EventRepository handles stored calendar objects.
type EventRepository interface {
	Upsert(ctx context.Context, event Event) (*Event, error)
	// Get returns the stored object for (uid, recurrenceID); recurrenceID ""
	// addresses the series master. Missing rows yield (nil, nil).
	Get(ctx context.Context, userID int64, uid, recurrenceID string) (*Event, error)
	// ListByUID returns the master and all overridden instances for a UID.
	ListByUID(ctx context.Context, userID int64, uid string) ([]Event, error)
	DeleteByUID(ctx context.Context, userID int64, uid string) error
	DeleteInstance(ctx context.Context, userID int64, uid, recurrenceID string) error
}

// OAuthAccountRepository stores third-party OAuth grants.
type OAuthAccountRepository interface {
	Create(ctx context.Context, account OAuthAccount) (*OAuthAccount, error)
	GetByID(ctx context.Context, userID, id int64) (*OAuthAccount, error)
	ListByUser(ctx context.Context, userID int64) ([]OAuthAccount, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	MarkNeedsReauth(ctx context.Context, id int64) error
	Delete(ctx context.Context, userID, id int64) error
}

// PushSubscriptionRepository stores push transport registrations.
type PushSubscriptionRepository interface {
	Create(ctx context.Context, sub PushSubscription) (*PushSubscription, error)
	GetByID(ctx context.Context, userID int64, id string) (*PushSubscription, error)
	ListByUser(ctx context.Context, userID int64) ([]PushSubscription, error)
	ListByTransport(ctx context.Context, transport string) ([]PushSubscription, error)
	Delete(ctx context.Context, userID int64, id string) error
	DeleteByToken(ctx context.Context, transport, token string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// AlarmStateRepository tracks alarm acknowledge/snooze bookkeeping.
type AlarmStateRepository interface {
	Get(ctx context.Context, userID int64, eventUID, alarmUID string) (*AlarmState, error)
	ListForEvent(ctx context.Context, userID int64, eventUID string) ([]AlarmState, error)
	Acknowledge(ctx context.Context, userID int64, eventUID, alarmUID string, at time.Time) error
	Snooze(ctx context.Context, userID int64, eventUID, alarmUID string, until time.Time) error
	DeleteForEvent(ctx context.Context, userID int64, eventUID string) error
}
