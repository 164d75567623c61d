package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

const userColumns = `id, login_name, ldap_dn, display_name, mail, created_at, last_login_at`

func (r *userRepo) UpsertLDAPUser(ctx context.Context, login, dn, displayName, mail string) (*User, error) {
	defer observeDB(ctx, "db.users.upsert")()

	const q = `INSERT INTO users (login_name, ldap_dn, display_name, mail)
VALUES ($1, $2, $3, $4)
ON CONFLICT (login_name) DO UPDATE
SET ldap_dn = EXCLUDED.ldap_dn,
    display_name = EXCLUDED.display_name,
    mail = EXCLUDED.mail,
    last_login_at = NOW()
RETURNING ` + userColumns

	var u User
	if err := r.pool.QueryRow(ctx, q, login, dn, displayName, mail).Scan(
		&u.ID, &u.LoginName, &u.LDAPDN, &u.DisplayName, &u.Mail, &u.CreatedAt, &u.LastLoginAt,
	); err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", login, err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_id")()

	const q = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var u User
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.LoginName, &u.LDAPDN, &u.DisplayName, &u.Mail, &u.CreatedAt, &u.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

func (r *userRepo) GetByLogin(ctx context.Context, login string) (*User, error) {
	defer observeDB(ctx, "db.users.get_by_login")()

	const q = `SELECT ` + userColumns + ` FROM users WHERE login_name = $1`
	var u User
	err := r.pool.QueryRow(ctx, q, login).Scan(
		&u.ID, &u.LoginName, &u.LDAPDN, &u.DisplayName, &u.Mail, &u.CreatedAt, &u.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", login, err)
	}
	return &u, nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, user_id, uid, recurrence_id, sequence, dtstamp, raw_ical, etag, last_modified`

func (r *eventRepo) Upsert(ctx context.Context, event Event) (*Event, error) {
	defer observeDB(ctx, "db.events.upsert")()

	const q = `INSERT INTO events (user_id, uid, recurrence_id, sequence, dtstamp, raw_ical, etag, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (user_id, uid, recurrence_id) DO UPDATE
SET sequence = EXCLUDED.sequence,
    dtstamp = EXCLUDED.dtstamp,
    raw_ical = EXCLUDED.raw_ical,
    etag = EXCLUDED.etag,
    last_modified = NOW()
RETURNING ` + eventColumns

	var e Event
	if err := r.pool.QueryRow(ctx, q,
		event.UserID, event.UID, event.RecurrenceID, event.Sequence, event.DTStamp, event.RawICAL, event.ETag,
	).Scan(&e.ID, &e.UserID, &e.UID, &e.RecurrenceID, &e.Sequence, &e.DTStamp, &e.RawICAL, &e.ETag, &e.LastModified); err != nil {
		return nil, fmt.Errorf("upsert event %s: %w", event.UID, err)
	}
	return &e, nil
}

func (r *eventRepo) Get(ctx context.Context, userID int64, uid, recurrenceID string) (*Event, error) {
	defer observeDB(ctx, "db.events.get")()

	const q = `SELECT ` + eventColumns + ` FROM events WHERE user_id = $1 AND uid = $2 AND recurrence_id = $3`
	var e Event
	err := r.pool.QueryRow(ctx, q, userID, uid, recurrenceID).Scan(
		&e.ID, &e.UserID, &e.UID, &e.RecurrenceID, &e.Sequence, &e.DTStamp, &e.RawICAL, &e.ETag, &e.LastModified,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", uid, err)
	}
	return &e, nil
}

func (r *eventRepo) ListByUID(ctx context.Context, userID int64, uid string) ([]Event, error) {
	defer observeDB(ctx, "db.events.list_by_uid")()

	const q = `SELECT ` + eventColumns + ` FROM events WHERE user_id = $1 AND uid = $2 ORDER BY recurrence_id`
	rows, err := r.pool.Query(ctx, q, userID, uid)
	if err != nil {
		return nil, fmt.Errorf("list events %s: %w", uid, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.UID, &e.RecurrenceID, &e.Sequence, &e.DTStamp, &e.RawICAL, &e.ETag, &e.LastModified); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *eventRepo) DeleteByUID(ctx context.Context, userID int64, uid string) error {
	defer observeDB(ctx, "db.events.delete_by_uid")()

	const q = `DELETE FROM events WHERE user_id = $1 AND uid = $2`
	if _, err := r.pool.Exec(ctx, q, userID, uid); err != nil {
		return fmt.Errorf("delete events %s: %w", uid, err)
	}
	return nil
}

func (r *eventRepo) DeleteInstance(ctx context.Context, userID int64, uid, recurrenceID string) error {
	defer observeDB(ctx, "db.events.delete_instance")()

	const q = `DELETE FROM events WHERE user_id = $1 AND uid = $2 AND recurrence_id = $3`
	if _, err := r.pool.Exec(ctx, q, userID, uid, recurrenceID); err != nil {
		return fmt.Errorf("delete event instance %s/%s: %w", uid, recurrenceID, err)
	}
	return nil
}

// oauthAccountRepo implements OAuthAccountRepository.
type oauthAccountRepo struct {
	pool *pgxpool.Pool
}

const oauthColumns = `id, user_id, provider, subject, mail, access_token, refresh_token, expiry, scopes, needs_reauth, created_at, updated_at`

func scanOAuthAccount(row pgx.Row) (*OAuthAccount, error) {
	var a OAuthAccount
	var scopes string
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.Subject, &a.Mail, &a.AccessToken, &a.RefreshToken,
		&a.Expiry, &scopes, &a.NeedsReauth, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if scopes != "" {
		a.Scopes = strings.Split(scopes, " ")
	}
	return &a, nil
}

func (r *oauthAccountRepo) Create(ctx context.Context, account OAuthAccount) (*OAuthAccount, error) {
	defer observeDB(ctx, "db.oauth_accounts.create")()

	const q = `INSERT INTO oauth_accounts (user_id, provider, subject, mail, access_token, refresh_token, expiry, scopes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, provider, subject) DO UPDATE
SET mail = EXCLUDED.mail,
    access_token = EXCLUDED.access_token,
    refresh_token = CASE WHEN EXCLUDED.refresh_token <> '' THEN EXCLUDED.refresh_token ELSE oauth_accounts.refresh_token END,
    expiry = EXCLUDED.expiry,
    scopes = EXCLUDED.scopes,
    needs_reauth = FALSE,
    updated_at = NOW()
RETURNING ` + oauthColumns

	a, err := scanOAuthAccount(r.pool.QueryRow(ctx, q,
		account.UserID, account.Provider, account.Subject, account.Mail,
		account.AccessToken, account.RefreshToken, account.Expiry, strings.Join(account.Scopes, " "),
	))
	if err != nil {
		return nil, fmt.Errorf("create oauth account: %w", err)
	}
	return a, nil
}

func (r *oauthAccountRepo) GetByID(ctx context.Context, userID, id int64) (*OAuthAccount, error) {
	defer observeDB(ctx, "db.oauth_accounts.get")()

	const q = `SELECT ` + oauthColumns + ` FROM oauth_accounts WHERE user_id = $1 AND id = $2`
	a, err := scanOAuthAccount(r.pool.QueryRow(ctx, q, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth account %d: %w", id, err)
	}
	return a, nil
}

func (r *oauthAccountRepo) ListByUser(ctx context.Context, userID int64) ([]OAuthAccount, error) {
	defer observeDB(ctx, "db.oauth_accounts.list")()

	const q = `SELECT ` + oauthColumns + ` FROM oauth_accounts WHERE user_id = $1 ORDER BY provider, id`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list oauth accounts: %w", err)
	}
	defer rows.Close()

	var accounts []OAuthAccount
	for rows.Next() {
		a, err := scanOAuthAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan oauth account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (r *oauthAccountRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	defer observeDB(ctx, "db.oauth_accounts.update_tokens")()

	const q = `UPDATE oauth_accounts
SET access_token = $2,
    refresh_token = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token END,
    expiry = $4,
    needs_reauth = FALSE,
    updated_at = NOW()
WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, accessToken, refreshToken, expiry); err != nil {
		return fmt.Errorf("update oauth tokens %d: %w", id, err)
	}
	return nil
}

func (r *oauthAccountRepo) MarkNeedsReauth(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.oauth_accounts.mark_needs_reauth")()

	const q = `UPDATE oauth_accounts SET needs_reauth = TRUE, updated_at = NOW() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark oauth account %d: %w", id, err)
	}
	return nil
}

func (r *oauthAccountRepo) Delete(ctx context.Context, userID, id int64) error {
	defer observeDB(ctx, "db.oauth_accounts.delete")()

	const q = `DELETE FROM oauth_accounts WHERE user_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return fmt.Errorf("delete oauth account %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// pushSubscriptionRepo implements PushSubscriptionRepository.
type pushSubscriptionRepo struct {
	pool *pgxpool.Pool
}

const subscriptionColumns = `id, user_id, transport, token, client, created_at, expires_at`

func (r *pushSubscriptionRepo) Create(ctx context.Context, sub PushSubscription) (*PushSubscription, error) {
	defer observeDB(ctx, "db.push_subscriptions.create")()

	const q = `INSERT INTO push_subscriptions (id, user_id, transport, token, client, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (transport, token) DO UPDATE
SET user_id = EXCLUDED.user_id,
    client = EXCLUDED.client,
    expires_at = EXCLUDED.expires_at
RETURNING ` + subscriptionColumns

	var s PushSubscription
	if err := r.pool.QueryRow(ctx, q, sub.ID, sub.UserID, sub.Transport, sub.Token, sub.Client, sub.ExpiresAt).Scan(
		&s.ID, &s.UserID, &s.Transport, &s.Token, &s.Client, &s.CreatedAt, &s.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("create push subscription: %w", err)
	}
	return &s, nil
}

func (r *pushSubscriptionRepo) GetByID(ctx context.Context, userID int64, id string) (*PushSubscription, error) {
	defer observeDB(ctx, "db.push_subscriptions.get")()

	const q = `SELECT ` + subscriptionColumns + ` FROM push_subscriptions WHERE user_id = $1 AND id = $2`
	var s PushSubscription
	err := r.pool.QueryRow(ctx, q, userID, id).Scan(
		&s.ID, &s.UserID, &s.Transport, &s.Token, &s.Client, &s.CreatedAt, &s.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription %s: %w", id, err)
	}
	return &s, nil
}

func (r *pushSubscriptionRepo) ListByUser(ctx context.Context, userID int64) ([]PushSubscription, error) {
	defer observeDB(ctx, "db.push_subscriptions.list_by_user")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r *pushSubscriptionRepo) ListByTransport(ctx context.Context, transport string) ([]PushSubscription, error) {
	defer observeDB(ctx, "db.push_subscriptions.list_by_transport")()
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE transport = $1 ORDER BY created_at`, transport)
}

func (r *pushSubscriptionRepo) list(ctx context.Context, q string, arg any) ([]PushSubscription, error) {
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Transport, &s.Token, &s.Client, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *pushSubscriptionRepo) Delete(ctx context.Context, userID int64, id string) error {
	defer observeDB(ctx, "db.push_subscriptions.delete")()

	const q = `DELETE FROM push_subscriptions WHERE user_id = $1 AND id = $2`
	tag, err := r.pool.Exec(ctx, q, userID, id)
	if err != nil {
		return fmt.Errorf("delete push subscription %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pushSubscriptionRepo) DeleteByToken(ctx context.Context, transport, token string) error {
	defer observeDB(ctx, "db.push_subscriptions.delete_by_token")()

	const q = `DELETE FROM push_subscriptions WHERE transport = $1 AND token = $2`
	if _, err := r.pool.Exec(ctx, q, transport, token); err != nil {
		return fmt.Errorf("delete push subscription by token: %w", err)
	}
	return nil
}

func (r *pushSubscriptionRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	defer observeDB(ctx, "db.push_subscriptions.purge_expired")()

	const q = `DELETE FROM push_subscriptions WHERE expires_at IS NOT NULL AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired push subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// alarmStateRepo implements AlarmStateRepository.
type alarmStateRepo struct {
	pool *pgxpool.Pool
}

const alarmColumns = `id, user_id, event_uid, alarm_uid, acknowledged_at, snoozed_until`

func (r *alarmStateRepo) Get(ctx context.Context, userID int64, eventUID, alarmUID string) (*AlarmState, error) {
	defer observeDB(ctx, "db.alarm_states.get")()

	const q = `SELECT ` + alarmColumns + ` FROM alarm_states WHERE user_id = $1 AND event_uid = $2 AND alarm_uid = $3`
	var s AlarmState
	err := r.pool.QueryRow(ctx, q, userID, eventUID, alarmUID).Scan(
		&s.ID, &s.UserID, &s.EventUID, &s.AlarmUID, &s.AcknowledgedAt, &s.SnoozedUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alarm state %s/%s: %w", eventUID, alarmUID, err)
	}
	return &s, nil
}

func (r *alarmStateRepo) ListForEvent(ctx context.Context, userID int64, eventUID string) ([]AlarmState, error) {
	defer observeDB(ctx, "db.alarm_states.list")()

	const q = `SELECT ` + alarmColumns + ` FROM alarm_states WHERE user_id = $1 AND event_uid = $2 ORDER BY alarm_uid`
	rows, err := r.pool.Query(ctx, q, userID, eventUID)
	if err != nil {
		return nil, fmt.Errorf("list alarm states: %w", err)
	}
	defer rows.Close()

	var states []AlarmState
	for rows.Next() {
		var s AlarmState
		if err := rows.Scan(&s.ID, &s.UserID, &s.EventUID, &s.AlarmUID, &s.AcknowledgedAt, &s.SnoozedUntil); err != nil {
			return nil, fmt.Errorf("scan alarm state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (r *alarmStateRepo) Acknowledge(ctx context.Context, userID int64, eventUID, alarmUID string, at time.Time) error {
	defer observeDB(ctx, "db.alarm_states.acknowledge")()

	const q = `INSERT INTO alarm_states (user_id, event_uid, alarm_uid, acknowledged_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, event_uid, alarm_uid) DO UPDATE
SET acknowledged_at = EXCLUDED.acknowledged_at, snoozed_until = NULL`
	if _, err := r.pool.Exec(ctx, q, userID, eventUID, alarmUID, at); err != nil {
		return fmt.Errorf("acknowledge alarm %s/%s: %w", eventUID, alarmUID, err)
	}
	return nil
}

func (r *alarmStateRepo) Snooze(ctx context.Context, userID int64, eventUID, alarmUID string, until time.Time) error {
	defer observeDB(ctx, "db.alarm_states.snooze")()

	const q = `INSERT INTO alarm_states (user_id, event_uid, alarm_uid, snoozed_until)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, event_uid, alarm_uid) DO UPDATE
SET snoozed_until = EXCLUDED.snoozed_until`
	if _, err := r.pool.Exec(ctx, q, userID, eventUID, alarmUID, until); err != nil {
		return fmt.Errorf("snooze alarm %s/%s: %w", eventUID, alarmUID, err)
	}
	return nil
}

func (r *alarmStateRepo) DeleteForEvent(ctx context.Context, userID int64, eventUID string) error {
	defer observeDB(ctx, "db.alarm_states.delete_for_event")()

	const q = `DELETE FROM alarm_states WHERE user_id = $1 AND event_uid = $2`
	if _, err := r.pool.Exec(ctx, q, userID, eventUID); err != nil {
		return fmt.Errorf("delete alarm states %s: %w", eventUID, err)
	}
	return nil
}
