// Package report assembles operational reports from the store. The same
// report feeds the admin HTTP endpoint and the report CLI.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/earth92/appsuite-middleware-sub014/internal/metrics"
)

// DB is the query surface the reporter needs; *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Reporter struct {
	db DB
}

func NewReporter(db DB) *Reporter {
	return &Reporter{db: db}
}

// UsageReport summarizes accounts across the installation.
type UsageReport struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Users           int64            `json:"users"`
	OAuthByProvider map[string]int64 `json:"oauth_accounts_by_provider"`
	PushByTransport map[string]int64 `json:"push_subscriptions_by_transport"`
	UserDetails     []UsageRow       `json:"user_details"`
}

type UsageRow struct {
	Login             string     `json:"login"`
	Mail              string     `json:"mail,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	OAuthAccounts     int64      `json:"oauth_accounts"`
	PushSubscriptions int64      `json:"push_subscriptions"`
}

// Usage builds the usage report.
func (r *Reporter) Usage(ctx context.Context) (*UsageReport, error) {
	start := time.Now()
	defer metrics.ObserveDBLatency(ctx, "report.usage", start)

	rep := &UsageReport{
		GeneratedAt:     time.Now().UTC(),
		OAuthByProvider: map[string]int64{},
		PushByTransport: map[string]int64{},
	}

	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&rep.Users); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if err := r.groupCount(ctx, `SELECT provider, COUNT(*) FROM oauth_accounts GROUP BY provider`, rep.OAuthByProvider); err != nil {
		return nil, err
	}
	if err := r.groupCount(ctx, `SELECT transport, COUNT(*) FROM push_subscriptions GROUP BY transport`, rep.PushByTransport); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT u.login_name, u.mail, u.last_login_at,
		       (SELECT COUNT(*) FROM oauth_accounts oa WHERE oa.user_id = u.id),
		       (SELECT COUNT(*) FROM push_subscriptions ps WHERE ps.user_id = u.id)
		FROM users u
		ORDER BY u.login_name`)
	if err != nil {
		return nil, fmt.Errorf("query user details: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row UsageRow
		if err := rows.Scan(&row.Login, &row.Mail, &row.LastLoginAt, &row.OAuthAccounts, &row.PushSubscriptions); err != nil {
			return nil, fmt.Errorf("scan user detail: %w", err)
		}
		rep.UserDetails = append(rep.UserDetails, row)
	}
	return rep, rows.Err()
}

// PushReport breaks push subscriptions down per transport and user.
type PushReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	ByTransport map[string]int64 `json:"by_transport"`
	Rows        []PushRow        `json:"rows"`
}

type PushRow struct {
	Login     string     `json:"login"`
	Transport string     `json:"transport"`
	Client    string     `json:"client,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Push builds the push subscription report.
func (r *Reporter) Push(ctx context.Context) (*PushReport, error) {
	start := time.Now()
	defer metrics.ObserveDBLatency(ctx, "report.push", start)

	rep := &PushReport{
		GeneratedAt: time.Now().UTC(),
		ByTransport: map[string]int64{},
	}
	if err := r.groupCount(ctx, `SELECT transport, COUNT(*) FROM push_subscriptions GROUP BY transport`, rep.ByTransport); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT u.login_name, ps.transport, ps.client, ps.created_at, ps.expires_at
		FROM push_subscriptions ps
		JOIN users u ON u.id = ps.user_id
		ORDER BY u.login_name, ps.created_at`)
	if err != nil {
		return nil, fmt.Errorf("query push rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row PushRow
		if err := rows.Scan(&row.Login, &row.Transport, &row.Client, &row.CreatedAt, &row.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan push row: %w", err)
		}
		rep.Rows = append(rep.Rows, row)
	}
	return rep, rows.Err()
}

func (r *Reporter) groupCount(ctx context.Context, sql string, into map[string]int64) error {
	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan group count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// TextWriter renders a report as a human-readable table.
type TextWriter interface {
	WriteText(w io.Writer) error
}

// Render writes the report in the requested format, "text" or "json".
func Render(w io.Writer, format string, rep TextWriter) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "text", "":
		return rep.WriteText(w)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func (rep *UsageReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Usage report, generated %s\n\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Users: %d\n", rep.Users)

	fmt.Fprintln(w, "\nOAuth accounts by provider:")
	writeCounts(w, rep.OAuthByProvider)
	fmt.Fprintln(w, "\nPush subscriptions by transport:")
	writeCounts(w, rep.PushByTransport)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nLOGIN\tMAIL\tLAST LOGIN\tOAUTH\tPUSH\n")
	for _, row := range rep.UserDetails {
		last := "-"
		if row.LastLoginAt != nil {
			last = row.LastLoginAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", row.Login, row.Mail, last, row.OAuthAccounts, row.PushSubscriptions)
	}
	return tw.Flush()
}

func (rep *PushReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Push report, generated %s\n\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "Subscriptions by transport:")
	writeCounts(w, rep.ByTransport)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nLOGIN\tTRANSPORT\tCLIENT\tCREATED\tEXPIRES\n")
	for _, row := range rep.Rows {
		expires := "-"
		if row.ExpiresAt != nil {
			expires = row.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Login, row.Transport, row.Client, row.CreatedAt.Format(time.RFC3339), expires)
	}
	return tw.Flush()
}

func writeCounts(w io.Writer, counts map[string]int64) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", key, counts[key])
	}
}
